package runner

import (
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/action"
	"github.com/bizflycloud/krista-backup/pkg/notify"
)

type Option func(r *Runner) error

// WithLogger returns an Option which set the runner logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) error {
		r.logger = logger
		return nil
	}
}

// WithNotifier returns an Option which set the receiver of run events.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Runner) error {
		if n == nil {
			return errors.New("nil notifier")
		}
		r.notifier = n
		return nil
	}
}

// WithBuildFunc returns an Option which replace the action builder.
func WithBuildFunc(build func(name string) (action.Action, error)) Option {
	return func(r *Runner) error {
		r.build = build
		return nil
	}
}

// WithProcMount returns an Option which set the proc filesystem scanned for
// concurrent runs.
func WithProcMount(path string) Option {
	return func(r *Runner) error {
		r.procMount = path
		return nil
	}
}

// WithExecutable returns an Option which set the binary name looked for in
// the process table.
func WithExecutable(name string) Option {
	return func(r *Runner) error {
		r.executable = name
		return nil
	}
}

// WithSignalChannel returns an Option which set the channel receiving
// shutdown signals.
func WithSignalChannel(ch chan os.Signal) Option {
	return func(r *Runner) error {
		r.signals = ch
		return nil
	}
}

// WithGracePeriod returns an Option which set how long an interrupted step
// may run before its context is cancelled.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) error {
		r.grace = d
		return nil
	}
}
