package action

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflycloud/krista-backup/pkg/shell"
)

func TestCommand(t *testing.T) {
	dir := t.TempDir()
	c := NewCommand()
	assert.True(t, c.ContinueOnError)
	c.SrcPath = dir
	c.Cmd = "touch created"
	e, _ := env(t, firstRun)
	c.Bind("touch", nil, e)

	require.NoError(t, c.Start(context.Background()))
	assert.FileExists(t, filepath.Join(dir, "created"))

	c.Cmd = "exit 3"
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, shell.ErrCommandFailed)
	assert.Equal(t, 3, shell.ExitCode(err))

	c.Cmd = "  "
	assert.ErrorIs(t, c.Start(context.Background()), ErrMissingAttribute)
}

func TestCommandDry(t *testing.T) {
	dir := t.TempDir()
	c := NewCommand()
	c.SrcPath = dir
	c.Cmd = "touch created"
	e, logs := env(t, firstRun)
	c.Bind("touch", nil, e)
	c.SetDry(true)

	require.NoError(t, c.Start(context.Background()))
	assert.NoFileExists(t, filepath.Join(dir, "created"))
	assert.Equal(t, 1, logs.FilterMessage("dry run, command skipped").Len())
}

func TestScriptRunsEveryCommand(t *testing.T) {
	dir := t.TempDir()
	s := NewScript()
	s.SrcPath = dir
	s.Cmds = []string{"touch one", "false", "touch two"}
	e, _ := env(t, firstRun)
	s.Bind("script", nil, e)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, shell.ErrCommandFailed)
	assert.FileExists(t, filepath.Join(dir, "one"))
	assert.FileExists(t, filepath.Join(dir, "two"))
}

func TestDataSpaceChecker(t *testing.T) {
	d := NewDataSpaceChecker()
	d.DestPath = t.TempDir()
	d.freeSpace = func(string) (uint64, error) { return 512 << 20, nil }
	e, _ := env(t, firstRun)
	d.Bind("df", nil, e)

	require.NoError(t, d.Start(context.Background()))

	d.MinFree = "1GiB"
	assert.ErrorIs(t, d.Start(context.Background()), ErrLowSpace)

	d.MinFree = "100 MB"
	assert.NoError(t, d.Start(context.Background()))

	d.MinFree = "lots"
	assert.Error(t, d.Start(context.Background()))
}

func TestTypes(t *testing.T) {
	tags := Types()
	assert.Contains(t, tags, "tar")
	assert.Contains(t, tags, "move_bkp_period")
	assert.Len(t, tags, 14)

	f, ok := Lookup("mount")
	require.True(t, ok)
	assert.Equal(t, []string{"mnt_dev", "mnt_point"}, f.Required)
	_, isMount := f.New().(*Mount)
	assert.True(t, isMount)

	_, ok = Lookup("archive")
	assert.False(t, ok)
}

func TestBaseDefaults(t *testing.T) {
	b := newBase()
	assert.Equal(t, ".", b.SrcPath)
	assert.Equal(t, ".", b.DestPath)
	assert.Regexp(t, `^[0-9A-F]{6}$`, b.Basename)

	b.Bind("x", map[string]interface{}{"server": "db1", "list": []interface{}{"a"}}, Env{})
	f := b.Fields()
	assert.Equal(t, "db1", f["server"])
	assert.NotContains(t, f, "list")
	assert.Equal(t, b.Basename, f["basename"])
}

func TestMountAlreadyMounted(t *testing.T) {
	point := t.TempDir()
	m := NewMount()
	m.MntDev = "/dev/sdb1"
	m.MntPoint = point
	e, _ := env(t, firstRun)
	m.Bind("mount", nil, e)

	m.mountSource = func(string) (string, bool, error) { return "/dev/sdb1", true, nil }
	assert.NoError(t, m.Start(context.Background()))

	m.mountSource = func(string) (string, bool, error) { return "/dev/sdc1", true, nil }
	assert.ErrorIs(t, m.Start(context.Background()), ErrMountedElsewhere)
}

func TestMountCommandLines(t *testing.T) {
	m := NewMount()
	m.MntDev = "//srv/share"
	m.MntPoint = "/mnt/backup"
	m.FsType = "cifs"
	m.Flags = "-o ro"
	assert.Equal(t, "mount -o ro -t cifs //srv/share /mnt/backup", m.CommandLine())

	m.FsType, m.Flags = "", ""
	assert.Equal(t, "mount //srv/share /mnt/backup", m.CommandLine())

	u := NewUmount()
	u.MntPoint = "/mnt/backup"
	u.Flags = "-l"
	assert.Equal(t, "umount -l /mnt/backup", u.CommandLine())
	assert.ErrorIs(t, NewUmount().Start(context.Background()), ErrMissingAttribute)
}

func TestMountCreatesPointDry(t *testing.T) {
	point := filepath.Join(t.TempDir(), "mnt")
	m := NewMount()
	m.MntDev = "/dev/sdb1"
	m.MntPoint = point
	m.mountSource = func(string) (string, bool, error) { return "", false, nil }
	e, _ := env(t, firstRun)
	m.Bind("mount", nil, e)
	m.SetDry(true)

	require.NoError(t, m.Start(context.Background()))
	_, err := os.Stat(point)
	assert.True(t, os.IsNotExist(err))
}
