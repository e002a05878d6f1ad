package cleanup

import (
	"path/filepath"
	"regexp"
	"sort"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflycloud/krista-backup/pkg/naming"
	"github.com/bizflycloud/krista-backup/pkg/pattern"
)

var now = time.Date(2021, time.March, 10, 12, 0, 0, 0, time.Local)

func intp(v int) *int { return &v }

type fakeArchiver struct {
	name   string
	dir    string
	scheme *naming.Scheme
	fields naming.Fields
}

func (f *fakeArchiver) Name() string          { return f.name }
func (f *fakeArchiver) Dirname() string       { return f.dir }
func (f *fakeArchiver) ListExtension() string { return "list" }
func (f *fakeArchiver) ExtractTime(name, p string) (time.Time, bool) {
	return f.scheme.ExtractTime(name, p)
}
func (f *fakeArchiver) Patterns() ([]string, error) {
	archive, err := f.scheme.Pattern(naming.FsDump, f.fields, naming.Fields{"level": 0})
	if err != nil {
		return nil, err
	}
	list, err := f.scheme.Pattern(naming.FsDump, f.fields, naming.Fields{"level": 0, "ext": "list"})
	if err != nil {
		return nil, err
	}
	return []string{archive, list}, nil
}

type fakeDump struct {
	fakeArchiver
	excluded []string
}

func (f *fakeDump) ExcludedDatabases() []string { return f.excluded }
func (f *fakeDump) UseRegexp() bool             { return false }
func (f *fakeDump) DumpPattern(db string) (string, error) {
	return f.scheme.Pattern(naming.PgDump, f.fields, naming.Fields{"dbname": db})
}
func (f *fakeDump) Patterns() ([]string, error) {
	var out []string
	for _, db := range []string{"app", "audit"} {
		p, err := f.scheme.Pattern(naming.PgDump, f.fields, naming.Fields{"dbname": regexp.QuoteMeta(db)})
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type fakeRelocation struct {
	dest    string
	periods []Period
	subs    []Source
}

func (f *fakeRelocation) Name() string         { return "move" }
func (f *fakeRelocation) PeriodRoot() string   { return f.dest }
func (f *fakeRelocation) Periods() []Period    { return f.periods }
func (f *fakeRelocation) Subactions() []Source { return f.subs }

type plainSource struct{}

func (plainSource) Name() string { return "cmd" }

func defaultScheme(t *testing.T) *naming.Scheme {
	s, err := naming.NewRegistry(now, nil).Get("")
	require.NoError(t, err)
	return s
}

func render(t *testing.T, s *naming.Scheme, f naming.Format, fields, overrides naming.Fields) string {
	name, err := s.Render(f, fields, overrides)
	require.NoError(t, err)
	return name
}

func touch(t *testing.T, fs afero.Fs, path string) {
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, afero.WriteFile(fs, path, []byte("x"), 0644))
}

func listDir(t *testing.T, fs afero.Fs, dir string) []string {
	entries, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestMatch(t *testing.T) {
	scheme := defaultScheme(t)
	arch := &fakeArchiver{name: "tar", scheme: scheme}

	tests := []struct {
		name    string
		src     Source
		want    interface{}
		wantErr error
	}{
		{"archive", arch, archiveStrategy{}, nil},
		{"dump", &fakeDump{fakeArchiver: *arch}, dumpStrategy{}, nil},
		{"relocation", &fakeRelocation{}, relocationStrategy{}, nil},
		{"other", plainSource{}, nil, ErrNoStrategy},
		{"nil", nil, nil, ErrNoStrategy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(tt.src)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, got)
		})
	}
}

func archiveFixture(t *testing.T, fs afero.Fs, scheme *naming.Scheme, fields naming.Fields, dir string, days int) []string {
	var names []string
	for i := 0; i < days; i++ {
		date := now.AddDate(0, 0, -i)
		for _, ext := range []string{"tar.gz", "list"} {
			name := render(t, scheme, naming.FsDump, fields, naming.Fields{"level": 0, "ext": ext, "date": date})
			touch(t, fs, filepath.Join(dir, name))
			names = append(names, name)
		}
	}
	return names
}

func TestCleanMaxFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	scheme := defaultScheme(t)
	fields := naming.Fields{"basename": "AB12CD"}
	archiveFixture(t, fs, scheme, fields, "/backup/0", 5)
	touch(t, fs, "/backup/0/unrelated.txt")

	c := &Cleaner{Fs: fs, Now: func() time.Time { return now }}
	src := &fakeArchiver{name: "tar", dir: "/backup/0", scheme: scheme, fields: fields}
	require.NoError(t, c.Clean(src, Rule{MaxFiles: intp(2)}))

	assert.Equal(t, []string{
		"AB12CD-20210309_120000-0.list",
		"AB12CD-20210309_120000-0.tar.gz",
		"AB12CD-20210310_120000-0.list",
		"AB12CD-20210310_120000-0.tar.gz",
		"unrelated.txt",
	}, listDir(t, fs, "/backup/0"))
}

func TestCleanDaysInclusive(t *testing.T) {
	fs := afero.NewMemMapFs()
	scheme := defaultScheme(t)
	fields := naming.Fields{"basename": "AB12CD"}
	archiveFixture(t, fs, scheme, fields, "/backup/0", 5)

	c := &Cleaner{Fs: fs, Now: func() time.Time { return now }}
	src := &fakeArchiver{name: "tar", dir: "/backup/0", scheme: scheme, fields: fields}
	require.NoError(t, c.Clean(src, Rule{Days: intp(3)}))

	assert.Equal(t, []string{
		"AB12CD-20210308_120000-0.list",
		"AB12CD-20210308_120000-0.tar.gz",
		"AB12CD-20210309_120000-0.list",
		"AB12CD-20210309_120000-0.tar.gz",
		"AB12CD-20210310_120000-0.list",
		"AB12CD-20210310_120000-0.tar.gz",
	}, listDir(t, fs, "/backup/0"))
}

func TestCleanDry(t *testing.T) {
	fs := afero.NewMemMapFs()
	scheme := defaultScheme(t)
	fields := naming.Fields{"basename": "AB12CD"}
	names := archiveFixture(t, fs, scheme, fields, "/backup/0", 4)

	c := &Cleaner{Fs: fs, Dry: true, Now: func() time.Time { return now }}
	src := &fakeArchiver{name: "tar", dir: "/backup/0", scheme: scheme, fields: fields}
	require.NoError(t, c.Clean(src, Rule{MaxFiles: intp(1)}))

	sort.Strings(names)
	assert.Equal(t, names, listDir(t, fs, "/backup/0"))
}

func TestCleanExclusions(t *testing.T) {
	fs := afero.NewMemMapFs()
	scheme := defaultScheme(t)
	fields := naming.Fields{"basename": "AB12CD"}
	archiveFixture(t, fs, scheme, fields, "/backup/0", 3)

	exclusions, err := pattern.Compile([]string{"*.list"}, false)
	require.NoError(t, err)
	c := &Cleaner{Fs: fs, Exclusions: exclusions, Now: func() time.Time { return now }}
	src := &fakeArchiver{name: "tar", dir: "/backup/0", scheme: scheme, fields: fields}
	require.NoError(t, c.Clean(src, Rule{MaxFiles: intp(0)}))

	assert.Equal(t, []string{
		"AB12CD-20210308_120000-0.list",
		"AB12CD-20210309_120000-0.list",
		"AB12CD-20210310_120000-0.list",
	}, listDir(t, fs, "/backup/0"))
}

func TestCleanDumpExcludedDatabases(t *testing.T) {
	fs := afero.NewMemMapFs()
	scheme := defaultScheme(t)
	fields := naming.Fields{"basename": "PG"}
	for i := 0; i < 3; i++ {
		date := now.AddDate(0, 0, -i)
		for _, db := range []string{"app", "audit"} {
			touch(t, fs, filepath.Join("/dumps", render(t, scheme, naming.PgDump, fields, naming.Fields{"dbname": db, "date": date})))
		}
	}

	c := &Cleaner{Fs: fs, Now: func() time.Time { return now }}
	src := &fakeDump{
		fakeArchiver: fakeArchiver{name: "pg", dir: "/dumps", scheme: scheme, fields: fields},
		excluded:     []string{"aud*"},
	}
	require.NoError(t, c.Clean(src, Rule{MaxFiles: intp(1)}))

	assert.Equal(t, []string{
		"PG-app-20210310_120000.pgdump",
		"PG-audit-20210308_120000.pgdump",
		"PG-audit-20210309_120000.pgdump",
		"PG-audit-20210310_120000.pgdump",
	}, listDir(t, fs, "/dumps"))
}

func TestCleanRelocation(t *testing.T) {
	fs := afero.NewMemMapFs()
	scheme := defaultScheme(t)
	fields := naming.Fields{"basename": "AB12CD"}
	archiveFixture(t, fs, scheme, fields, "/periods/daily", 3)
	archiveFixture(t, fs, scheme, fields, "/periods/week", 3)

	src := &fakeRelocation{
		dest: "/periods",
		periods: []Period{
			{Name: "weekly", Path: "week", MaxFiles: intp(2)},
			{Name: "daily", MaxFiles: intp(1)},
		},
		subs: []Source{&fakeArchiver{name: "tar", dir: "/elsewhere", scheme: scheme, fields: fields}},
	}
	c := &Cleaner{Fs: fs, Now: func() time.Time { return now }}
	require.NoError(t, c.Clean(src, Rule{}))

	assert.Len(t, listDir(t, fs, "/periods/daily"), 2)
	assert.Len(t, listDir(t, fs, "/periods/week"), 4)
}

func TestRemove(t *testing.T) {
	fs := afero.NewMemMapFs()
	touch(t, fs, "/d/file")
	touch(t, fs, "/d/dir/nested/file")

	c := &Cleaner{Fs: fs}
	require.NoError(t, c.Remove([]string{"/d/file", "/d/dir", "/d/missing"}))
	assert.Empty(t, listDir(t, fs, "/d"))

	ro := &Cleaner{Fs: afero.NewReadOnlyFs(fs)}
	touch(t, fs, "/d/locked")
	assert.Error(t, ro.Remove([]string{"/d/locked"}))
}

func TestAgeDays(t *testing.T) {
	assert.Equal(t, 3, ageDays(now, now.Add(-72*time.Hour)))
	assert.Equal(t, 2, ageDays(now, now.Add(-72*time.Hour+time.Second)))
	assert.Equal(t, -1, ageDays(now, now.Add(time.Hour)))
}
