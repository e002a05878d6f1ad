package action

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/cleanup"
	"github.com/bizflycloud/krista-backup/pkg/crontab"
	"github.com/bizflycloud/krista-backup/pkg/naming"
)

// PeriodConfig is one entry of the periods attribute.
type PeriodConfig struct {
	Cron     string `mapstructure:"cron"`
	Path     string `mapstructure:"path"`
	MaxFiles *int   `mapstructure:"max_files"`
	Days     *int   `mapstructure:"days"`
}

// MoveBkpPeriod copies the newest backup of every basename into the folders
// of the periods whose cron expression matches the run start time.
type MoveBkpPeriod struct {
	Base         `mapstructure:",squash"`
	PeriodsCfg   map[string]PeriodConfig `mapstructure:"periods"`
	BasenameList []string                `mapstructure:"basename_list"`
	ActionList   []string                `mapstructure:"action_list"`

	subactions []Action
}

var (
	_ Action                     = (*MoveBkpPeriod)(nil)
	_ cleanup.RelocationProducer = (*MoveBkpPeriod)(nil)
)

func NewMoveBkpPeriod() *MoveBkpPeriod {
	return &MoveBkpPeriod{Base: newBase()}
}

// SetSubactions attaches the built actions of action_list.
func (m *MoveBkpPeriod) SetSubactions(actions []Action) {
	m.subactions = actions
}

func (m *MoveBkpPeriod) Subactions() []cleanup.Source {
	out := make([]cleanup.Source, 0, len(m.subactions))
	for _, a := range m.subactions {
		out = append(out, a)
	}
	return out
}

func (m *MoveBkpPeriod) PeriodRoot() string {
	return m.DestPath
}

func (m *MoveBkpPeriod) Periods() []cleanup.Period {
	out := make([]cleanup.Period, 0, len(m.PeriodsCfg))
	for name, p := range m.PeriodsCfg {
		out = append(out, cleanup.Period{Name: name, Path: p.Path, MaxFiles: p.MaxFiles, Days: p.Days})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// fileTime returns the timestamp part of a file name: the last "-"
// separated part before the first dot that parses as a file name date.
func fileTime(name string) (string, time.Time, bool) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	parts := strings.Split(name, "-")
	for i := len(parts) - 1; i >= 0; i-- {
		if t, err := strftime.Parse(naming.FilenameDateFormat, parts[i]); err == nil {
			return parts[i], t, true
		}
	}
	return "", time.Time{}, false
}

// FilesToMove returns the files of the newest backup of every basename.
func (m *MoveBkpPeriod) FilesToMove() ([]string, error) {
	fs := m.Fs()
	var out []string
	for _, basename := range m.BasenameList {
		prefix := filepath.Join(m.SrcPath, basename)
		matches, err := afero.Glob(fs, prefix+"*")
		if err != nil {
			return nil, err
		}
		var (
			newest   string
			newestAt time.Time
		)
		for _, f := range matches {
			stamp, t, ok := fileTime(filepath.Base(f))
			if !ok {
				m.Logger().Error("date mark not found", zap.String("file", f))
				continue
			}
			if newest == "" || t.After(newestAt) {
				newest, newestAt = stamp, t
			}
		}
		if newest == "" {
			continue
		}
		files, err := afero.Glob(fs, prefix+"-"+newest+"*")
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	m.Logger().Debug("files to move", zap.Strings("files", out))
	return out, nil
}

func (m *MoveBkpPeriod) triggered(name string, p PeriodConfig) bool {
	if p.Cron == "" {
		m.Logger().Error("period has no cron expression", zap.String("period", name))
		return false
	}
	ok, err := crontab.Matches(p.Cron, m.Started())
	if err != nil {
		m.Logger().Error("cannot match period", zap.String("period", name), zap.Error(err))
		return false
	}
	return ok
}

func (m *MoveBkpPeriod) Start(ctx context.Context) error {
	files, err := m.FilesToMove()
	if err != nil {
		return err
	}
	var errs error
	for _, period := range m.Periods() {
		if !m.triggered(period.Name, m.PeriodsCfg[period.Name]) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		errs = multierr.Append(errs, m.copyTo(period, files))
	}
	return errs
}

func (m *MoveBkpPeriod) copyTo(period cleanup.Period, files []string) error {
	fs := m.Fs()
	sub := period.Path
	if sub == "" {
		sub = period.Name
	}
	dir := filepath.Join(m.DestPath, sub)
	m.Logger().Debug("period destination", zap.String("period", period.Name), zap.String("dir", dir))
	if !m.Dry {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("period %s: %w", period.Name, err)
		}
	}

	var errs error
	for _, f := range files {
		m.Logger().Debug("copy", zap.String("file", f), zap.String("dir", dir))
		if m.Dry {
			continue
		}
		if err := copyFile(fs, f, filepath.Join(dir, filepath.Base(f))); err != nil {
			m.Logger().Error("copy failed", zap.String("file", f), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
