package crontab

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/config"
)

// Job is one managed crontab entry. Entries are identified by the trailing
// "# <name>" comment.
type Job struct {
	Name    string
	Spec    string
	Command string
}

// Line renders the crontab line.
func (j Job) Line() string {
	return fmt.Sprintf("%s %s # %s", j.Spec, j.Command, j.Name)
}

// Settings describe how generated commands invoke the binary.
type Settings struct {
	Interpreter string
	Executable  string
	TriggerFile string
}

// NewJob builds the entry of schedule name. With all_fields_match the
// weekday field moves into a guard and is replaced by "*".
func NewJob(name string, s config.Schedule, set Settings) (Job, error) {
	spec := strings.TrimSpace(s.Cron)
	if spec == "" {
		return Job{}, fmt.Errorf("%w: %s", ErrMissingSchedule, name)
	}
	if err := Validate(spec); err != nil {
		return Job{}, fmt.Errorf("schedule %s: %w", name, err)
	}

	var days []int
	if s.AllFieldsMatch {
		fields := strings.Fields(spec)
		var err error
		if days, err = ParseWeekdays(fields[len(fields)-1]); err != nil {
			return Job{}, fmt.Errorf("schedule %s: %w", name, err)
		}
		fields[len(fields)-1] = "*"
		spec = strings.Join(fields, " ")
	}

	cmdline := CommandLine(set.Interpreter, set.Executable, name)
	return Job{Name: name, Spec: spec, Command: Command(cmdline, days, set.TriggerFile)}, nil
}

// Store reads and replaces a user crontab.
type Store interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, content string) error
}

// SystemStore manages a crontab through the crontab(1) command.
type SystemStore struct {
	User string
}

var _ Store = (*SystemStore)(nil)

func (s *SystemStore) args(extra ...string) []string {
	if s.User == "" {
		return extra
	}
	return append([]string{"-u", s.User}, extra...)
}

func (s *SystemStore) Read(ctx context.Context) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "crontab", s.args("-l")...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "no crontab for") {
			return "", nil
		}
		return "", fmt.Errorf("crontab -l: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (s *SystemStore) Write(ctx context.Context, content string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "crontab", s.args("-")...)
	cmd.Stdin = strings.NewReader(content)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("crontab install: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Manager adds and removes managed entries.
type Manager struct {
	store  Store
	logger *zap.Logger
}

// NewManager creates a manager over store.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger}
}

func isEntry(line, name string) bool {
	return strings.HasSuffix(strings.TrimRight(line, " \t"), "# "+name)
}

func (m *Manager) lines(ctx context.Context) ([]string, error) {
	content, err := m.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return nil, nil
	}
	return strings.Split(content, "\n"), nil
}

func (m *Manager) save(ctx context.Context, lines []string) error {
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	return m.store.Write(ctx, content)
}

func without(lines []string, names ...string) []string {
	out := lines[:0:0]
	for _, line := range lines {
		drop := false
		for _, name := range names {
			if isEntry(line, name) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, line)
		}
	}
	return out
}

// Enable replaces the entries of the given jobs.
func (m *Manager) Enable(ctx context.Context, jobs ...Job) error {
	lines, err := m.lines(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	lines = without(lines, names...)
	for _, j := range jobs {
		lines = append(lines, j.Line())
		m.logger.Info("schedule enabled", zap.String("schedule", j.Name), zap.String("cron", j.Spec))
	}
	return m.save(ctx, lines)
}

// Disable removes the entries of the named schedules.
func (m *Manager) Disable(ctx context.Context, names ...string) error {
	lines, err := m.lines(ctx)
	if err != nil {
		return err
	}
	kept := without(lines, names...)
	for _, name := range names {
		m.logger.Info("schedule disabled", zap.String("schedule", name))
	}
	return m.save(ctx, kept)
}

// Active reports whether schedule name has an entry.
func (m *Manager) Active(ctx context.Context, name string) (bool, error) {
	lines, err := m.lines(ctx)
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		if isEntry(line, name) {
			return true, nil
		}
	}
	return false, nil
}
