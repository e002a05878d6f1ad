package action

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflycloud/krista-backup/pkg/cleanup"
	"github.com/bizflycloud/krista-backup/pkg/naming"
)

func intPtr(v int) *int { return &v }

func newTestCleaner(t *testing.T, src Action, maxFiles, days *int) *Cleaner {
	c := NewCleaner()
	c.MaxFiles = maxFiles
	c.Days = days
	e, _ := env(t, firstRun)
	c.Bind("clean_archives", map[string]interface{}{"type": "cleaner", "source": src.Name()}, e)
	c.SetSource(src)
	return c
}

func TestCleanerKeepsNewestArchives(t *testing.T) {
	dest := t.TempDir()
	a, _ := newTestArchiver(t, ".", dest, firstRun, 0)
	dir := filepath.Join(dest, "0")
	require.NoError(t, os.MkdirAll(dir, 0755))

	var created []string
	for i := 0; i < 5; i++ {
		name, err := a.Scheme().Render(naming.FsDump, a.Fields(), naming.Fields{
			"level": 0,
			"ext":   "tar.gz",
			"date":  firstRun.AddDate(0, 0, i),
		})
		require.NoError(t, err)
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		created = append(created, path)
	}

	c := newTestCleaner(t, a, intPtr(2), nil)
	require.NoError(t, c.Start(context.Background()))

	for _, p := range created[:3] {
		assert.NoFileExists(t, p)
	}
	for _, p := range created[3:] {
		assert.FileExists(t, p)
	}
}

func TestCleanerAfterArchiverRuns(t *testing.T) {
	src := sourceTree(t)
	dest := t.TempDir()

	var last *Archiver
	for i := 0; i < 5; i++ {
		a, _ := newTestArchiver(t, src, dest, firstRun.Add(time.Duration(i)*time.Hour), 0)
		require.NoError(t, a.Start(context.Background()))
		last = a
	}
	entries, err := os.ReadDir(filepath.Join(dest, "0"))
	require.NoError(t, err)
	require.Len(t, entries, 10)

	c := newTestCleaner(t, last, intPtr(2), nil)
	require.NoError(t, c.Start(context.Background()))

	entries, err = os.ReadDir(filepath.Join(dest, "0"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{
		"full_backup-20210307_170509-0.tar.gz",
		"full_backup-20210307_170509-0.list",
		"full_backup-20210307_180509-0.tar.gz",
		"full_backup-20210307_180509-0.list",
	}, names)
}

func TestCleanerDays(t *testing.T) {
	dest := t.TempDir()
	a, _ := newTestArchiver(t, ".", dest, firstRun, 0)
	dir := filepath.Join(dest, "0")

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(dir, 0755))
	var created []string
	for _, age := range []int{0, 2, 3, 10} {
		name, err := a.Scheme().Render(naming.FsDump, a.Fields(), naming.Fields{
			"level": 0,
			"ext":   "tar.gz",
			"date":  firstRun.AddDate(0, 0, -age),
		})
		require.NoError(t, err)
		path := filepath.Join(dir, name)
		require.NoError(t, afero.WriteFile(fs, path, []byte("x"), 0644))
		created = append(created, path)
	}

	c := newTestCleaner(t, a, nil, intPtr(3))
	e, _ := env(t, firstRun)
	e.Fs = fs
	c.Bind("clean_archives", nil, e)
	c.Now = func() time.Time { return firstRun }
	require.NoError(t, c.Start(context.Background()))

	for i, p := range created {
		ok, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.Equal(t, i < 2, ok, p)
	}
}

func TestCleanerErrors(t *testing.T) {
	c := NewCleaner()
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoProducer)

	c.SetSource(NewCommand())
	err = c.Start(context.Background())
	assert.ErrorIs(t, err, cleanup.ErrNoStrategy)
}
