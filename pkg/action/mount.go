package action

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bizflycloud/krista-backup/pkg/procutil"
	"github.com/bizflycloud/krista-backup/pkg/shell"
)

var ErrMountedElsewhere = errors.New("mount point holds another device")

// Mount attaches mnt_dev at mnt_point.
type Mount struct {
	Base     `mapstructure:",squash"`
	MntDev   string `mapstructure:"mnt_dev"`
	MntPoint string `mapstructure:"mnt_point"`
	FsType   string `mapstructure:"fs_type"`
	Flags    string `mapstructure:"flags"`

	// mountSource is replaced in tests.
	mountSource func(point string) (string, bool, error)
}

var _ Action = (*Mount)(nil)

func NewMount() *Mount {
	return &Mount{Base: newBase(), mountSource: procutil.MountSource}
}

// CommandLine builds the mount command.
func (m *Mount) CommandLine() string {
	fs := ""
	if m.FsType != "" {
		fs = "-t " + m.FsType
	}
	return joinArgs("mount", m.Flags, fs, m.MntDev, m.MntPoint)
}

func (m *Mount) Start(ctx context.Context) error {
	if m.MntDev == "" {
		return fmt.Errorf("%w: mnt_dev", ErrMissingAttribute)
	}
	if m.MntPoint == "" {
		return fmt.Errorf("%w: mnt_point", ErrMissingAttribute)
	}

	dev, mounted, err := m.mountSource(m.MntPoint)
	if err != nil {
		m.Logger().Warn("cannot read mount table", zap.Error(err))
	}
	if mounted {
		m.Logger().Info("mount point in use", zap.String("mnt_point", m.MntPoint))
		if dev == m.MntDev {
			m.Logger().Info("device already mounted", zap.String("mnt_dev", m.MntDev))
			return nil
		}
		return fmt.Errorf("%w: %s mounted at %s instead of %s", ErrMountedElsewhere, dev, m.MntPoint, m.MntDev)
	}

	if fi, err := os.Stat(m.MntPoint); err != nil || !fi.IsDir() {
		m.Logger().Debug("create mount point", zap.String("mnt_point", m.MntPoint))
		if !m.Dry {
			if err := os.MkdirAll(m.MntPoint, 0755); err != nil {
				return err
			}
		}
	}

	line := m.CommandLine()
	m.Logger().Info("execute", zap.String("command", line))
	return shell.Run(ctx, m.Logger(), shell.Command{
		Line:   line,
		Stdout: shell.DefaultStdout,
		Stderr: shell.DefaultStderr,
		Dry:    m.Dry,
	})
}

var umountStderr = shell.StreamParams{
	DefaultLevel: zapcore.ErrorLevel,
	Filters: map[zapcore.Level][]string{
		zapcore.WarnLevel:  {".* target is busy"},
		zapcore.DebugLevel: {`\(In some cases useful.*`, "use the device is found.*"},
	},
}

// Umount detaches mnt_point.
type Umount struct {
	Base     `mapstructure:",squash"`
	MntPoint string `mapstructure:"mnt_point"`
	Flags    string `mapstructure:"flags"`
}

var _ Action = (*Umount)(nil)

func NewUmount() *Umount {
	return &Umount{Base: newBase()}
}

func (u *Umount) CommandLine() string {
	return joinArgs("umount", u.Flags, u.MntPoint)
}

func (u *Umount) Start(ctx context.Context) error {
	if u.MntPoint == "" {
		return fmt.Errorf("%w: mnt_point", ErrMissingAttribute)
	}
	line := u.CommandLine()
	u.Logger().Info("execute", zap.String("command", line))
	return shell.Run(ctx, u.Logger(), shell.Command{
		Line:   line,
		Stdout: shell.DefaultStdout,
		Stderr: umountStderr,
		Dry:    u.Dry,
	})
}
