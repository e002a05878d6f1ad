package notify

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap/zapcore"
)

// StaleAfter is the age past which a trigger file state no longer wins over
// the current run.
const StaleAfter = 5 * time.Hour

// runStarting sits between success and warning, so a fresh run clears a
// previous success but keeps a recent warning or error.
const runStarting Status = 25

// Trigger keeps a monitoring file holding SUCCESS, WARNING or ERROR. A run
// only escalates the recorded state, unless the file is stale.
type Trigger struct {
	fs   afero.Fs
	path string
	now  func() time.Time

	mu      sync.Mutex
	current Status
}

// TriggerOption configures a Trigger.
type TriggerOption func(t *Trigger)

// WithTriggerFs sets the filesystem, the OS one by default.
func WithTriggerFs(fs afero.Fs) TriggerOption {
	return func(t *Trigger) { t.fs = fs }
}

// WithTriggerClock sets the time source.
func WithTriggerClock(now func() time.Time) TriggerOption {
	return func(t *Trigger) { t.now = now }
}

// NewTrigger opens the trigger file at path and records the start of a run.
func NewTrigger(path string, opts ...TriggerOption) (*Trigger, error) {
	if path == "" {
		return nil, errors.New("empty trigger file path")
	}
	t := &Trigger{fs: afero.NewOsFs(), path: path, now: time.Now, current: runStarting}
	for _, opt := range opts {
		opt(t)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.refresh(StatusSuccess); err != nil {
		return nil, err
	}
	return t, nil
}

// Observe escalates the run state to s and updates the file.
func (t *Trigger) Observe(s Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s > t.current {
		t.current = s
	}
	return t.refresh(t.current)
}

// Hook is a zap hook feeding warnings and errors into the trigger file.
func (t *Trigger) Hook(e zapcore.Entry) error {
	if e.Level < zapcore.WarnLevel {
		return nil
	}
	return t.Observe(StatusOf(e.Level))
}

// State returns the worst status seen by this run.
func (t *Trigger) State() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == runStarting {
		return StatusSuccess
	}
	return t.current
}

func (t *Trigger) refresh(write Status) error {
	recorded, modified, err := t.read()
	if err != nil {
		return err
	}
	if t.current >= recorded || t.now().Sub(modified) > StaleAfter {
		return t.write(write)
	}
	return nil
}

func (t *Trigger) read() (Status, time.Time, error) {
	info, err := t.fs.Stat(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return StatusSuccess, t.now(), nil
	}
	if err != nil {
		return StatusSuccess, time.Time{}, fmt.Errorf("trigger file: %w", err)
	}
	data, err := afero.ReadFile(t.fs, t.path)
	if err != nil {
		return StatusSuccess, time.Time{}, fmt.Errorf("trigger file: %w", err)
	}
	return ParseStatus(strings.TrimSpace(string(data))), info.ModTime(), nil
}

func (t *Trigger) write(s Status) error {
	if err := afero.WriteFile(t.fs, t.path, []byte(s.String()+"\n"), 0644); err != nil {
		return fmt.Errorf("trigger file: %w", err)
	}
	return nil
}

// Started is a no-op, the file is initialized by NewTrigger.
func (t *Trigger) Started(string, time.Time) error { return nil }

// Finished records the final status of the run.
func (t *Trigger) Finished(o Outcome) error {
	return t.Observe(o.Status)
}
