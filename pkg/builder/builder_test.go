package builder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bizflycloud/krista-backup/pkg/action"
	"github.com/bizflycloud/krista-backup/pkg/naming"
)

var started = time.Date(2021, time.March, 7, 14, 5, 9, 0, time.Local)

func testActions() map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		"base": {
			"dest_path":  "/backup",
			"basename":   "srv",
			"exclusions": []interface{}{"*.tmp"},
			"tags":       map[string]interface{}{"env": "prod"},
		},
		"full_backup": {
			"source":   "base",
			"type":     "tar",
			"src_path": "/data",
			"level":    1,
		},
		"Clean_Archives": {
			"source":    "full_backup",
			"type":      "cleaner",
			"max_files": 2,
		},
		"clean_again": {
			"source": "full_backup",
			"type":   "cleaner",
			"days":   "7",
		},
		"dump": {
			"type":       "pgdump",
			"databases":  "sales, hr ,",
			"exclusions": "template0,template1",
		},
		"move": {
			"type":        "move_bkp_period",
			"action_list": []interface{}{"full_backup", "dump"},
			"periods": map[string]interface{}{
				"weekly": map[string]interface{}{"cron": "0 0 * * 0", "max_files": 4},
			},
		},
		"a":       {"source": "b", "type": "command", "cmd": "true"},
		"b":       {"source": "c"},
		"c":       {"source": "a"},
		"orphan":  {"source": "nowhere", "type": "command", "cmd": "true"},
		"untyped": {"src_path": "/"},
		"weird":   {"type": "ftp"},
		"typo":    {"source": "base", "type": "tar", "levle": 1},
		"nocmd":   {"type": "command"},
		"self":    {"type": "move_bkp_period", "action_list": "self", "periods": map[string]interface{}{"d": map[string]interface{}{"cron": "* * * * *"}}},
		"custom": {
			"type": "tar",
			"naming_scheme": map[string]interface{}{
				"scheme_id":         "short",
				"fsdump_fileformat": "{basename}_{date:%Y%m%d}.{ext}",
			},
		},
	}
}

func newBuilder(t *testing.T, actions map[string]map[string]interface{}) (*Builder, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	b, err := New(actions,
		WithLogger(zap.New(core)),
		WithStartTime(started),
		WithRegistry(naming.NewRegistry(started, nil)),
	)
	require.NoError(t, err)
	return b, logs
}

func TestResolve(t *testing.T) {
	b, _ := newBuilder(t, testActions())

	rec, err := b.Resolve("full_backup")
	require.NoError(t, err)
	assert.Equal(t, "tar", rec["type"])
	assert.Equal(t, "/data", rec["src_path"])
	assert.Equal(t, "/backup", rec["dest_path"])
	assert.Equal(t, "base", rec["source"])

	rec["tags"].(map[string]interface{})["env"] = "test"
	base, err := b.Resolve("base")
	require.NoError(t, err)
	assert.Equal(t, "prod", base["tags"].(map[string]interface{})["env"])

	again, err := b.Resolve("FULL_BACKUP")
	require.NoError(t, err)
	assert.Equal(t, "test", again["tags"].(map[string]interface{})["env"], "resolved records are memoized")

	clean, err := b.Resolve("clean_archives")
	require.NoError(t, err)
	assert.Equal(t, "cleaner", clean["type"])
	assert.Equal(t, "full_backup", clean["source"])
	assert.Equal(t, 1, clean["level"])
}

func TestResolveErrors(t *testing.T) {
	b, _ := newBuilder(t, testActions())

	_, err := b.Resolve("a")
	require.ErrorIs(t, err, ErrCyclicSource)
	assert.Contains(t, err.Error(), "a -> b -> c -> a")

	_, err = b.Resolve("orphan")
	assert.ErrorIs(t, err, ErrMissingAncestor)

	_, err = b.Resolve("missing")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestResolveDepth(t *testing.T) {
	actions := map[string]map[string]interface{}{}
	names := []string{"n0", "n1", "n2", "n3", "n4", "n5", "n6", "n7", "n8", "n9", "n10", "n11"}
	for i, name := range names {
		rec := map[string]interface{}{"type": "command", "cmd": "true"}
		if i+1 < len(names) {
			rec["source"] = names[i+1]
		}
		actions[name] = rec
	}
	b, _ := newBuilder(t, actions)

	_, err := b.Resolve("n1")
	assert.NoError(t, err, "ten ancestors are allowed")
	_, err = b.Resolve("n0")
	assert.ErrorIs(t, err, ErrSourceDepth)
}

func TestBuild(t *testing.T) {
	b, _ := newBuilder(t, testActions())

	a, err := b.Build("full_backup")
	require.NoError(t, err)
	tar, ok := a.(*action.Archiver)
	require.True(t, ok)
	assert.Equal(t, "full_backup", tar.Name())
	assert.Equal(t, "/data", tar.SrcPath)
	assert.Equal(t, "/backup", tar.DestPath)
	assert.Equal(t, "srv", tar.Basename)
	assert.Equal(t, 1, tar.Level)
	assert.Equal(t, []string{"*.tmp"}, tar.Exclusions)
	assert.Nil(t, tar.Source(), "untyped ancestors are not attached")
	assert.Equal(t, naming.DefaultSchemeID, tar.Scheme().ID)
}

func TestBuildSharesAncestor(t *testing.T) {
	b, _ := newBuilder(t, testActions())

	first, err := b.Build("clean_archives")
	require.NoError(t, err)
	second, err := b.Build("clean_again")
	require.NoError(t, err)

	c1 := first.(*action.Cleaner)
	c2 := second.(*action.Cleaner)
	require.NotNil(t, c1.Source())
	assert.Same(t, c1.Source(), c2.Source())
	assert.Equal(t, 2, *c1.MaxFiles)
	assert.Nil(t, c1.Days)
	assert.Equal(t, 7, *c2.Days)

	tar, err := b.Build("full_backup")
	require.NoError(t, err)
	assert.Same(t, tar, c1.Source())
}

func TestBuildCommaLists(t *testing.T) {
	b, _ := newBuilder(t, testActions())

	a, err := b.Build("dump")
	require.NoError(t, err)
	dump := a.(*action.PgDump)
	assert.Equal(t, []string{"sales", "hr"}, dump.Databases)
	assert.Equal(t, []string{"template0", "template1"}, dump.Exclusions)
	assert.Equal(t, 5432, dump.Port)
	assert.Equal(t, "custom", dump.Format)
}

func TestBuildSubactions(t *testing.T) {
	b, _ := newBuilder(t, testActions())

	a, err := b.Build("move")
	require.NoError(t, err)
	move := a.(*action.MoveBkpPeriod)
	subs := move.Subactions()
	require.Len(t, subs, 2)
	assert.Equal(t, "full_backup", subs[0].Name())
	assert.Equal(t, "dump", subs[1].Name())
	assert.Equal(t, 4, *move.PeriodsCfg["weekly"].MaxFiles)
	assert.Equal(t, "0 0 * * 0", move.PeriodsCfg["weekly"].Cron)

	_, err = b.Build("self")
	assert.ErrorIs(t, err, ErrCyclicSource)
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"untyped", ErrMissingType},
		{"weird", ErrUnknownType},
		{"typo", ErrUnknownField},
		{"nocmd", ErrMissingField},
		{"a", ErrCyclicSource},
		{"orphan", ErrMissingAncestor},
		{"missing", ErrUnknownAction},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, _ := newBuilder(t, testActions())
			_, err := b.Build(tc.name)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestBuildInheritedFieldsIgnored(t *testing.T) {
	b, logs := newBuilder(t, testActions())

	_, err := b.Build("clean_archives")
	require.NoError(t, err)
	fields := map[string]bool{}
	for _, e := range logs.FilterMessage("inherited field ignored").All() {
		fields[e.ContextMap()["field"].(string)] = true
	}
	assert.True(t, fields["level"])
	assert.True(t, fields["tags"])
}

func TestBuildCustomScheme(t *testing.T) {
	b, _ := newBuilder(t, testActions())

	a, err := b.Build("custom")
	require.NoError(t, err)
	scheme := a.Common().Scheme()
	assert.Equal(t, "short", scheme.ID)
	name, err := scheme.Render(naming.FsDump, a.Common().Fields(), naming.Fields{"ext": "tar.gz"})
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9A-F]{6}_20210307\.tar\.gz$`, name)
}

func TestHas(t *testing.T) {
	b, _ := newBuilder(t, testActions())
	assert.True(t, b.Has("clean_archives"))
	assert.True(t, b.Has("CLEAN_ARCHIVES"))
	assert.False(t, b.Has("nothing"))
}
