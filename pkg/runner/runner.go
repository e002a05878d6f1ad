// Package runner loads a unit (a schedule or a single action) and executes
// its actions one after another.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/valve"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bizflycloud/krista-backup/pkg/action"
	"github.com/bizflycloud/krista-backup/pkg/builder"
	"github.com/bizflycloud/krista-backup/pkg/config"
	"github.com/bizflycloud/krista-backup/pkg/naming"
	"github.com/bizflycloud/krista-backup/pkg/notify"
	"github.com/bizflycloud/krista-backup/pkg/procutil"
)

// DryFlag marks a schedule item as dry-run, as in "cleanup --dry".
const DryFlag = "--dry"

const defaultGracePeriod = 20 * time.Second

var (
	ErrUnknownUnit    = errors.New("unknown schedule or action")
	ErrEmptySchedule  = errors.New("schedule has no actions")
	ErrAlreadyRunning = errors.New("another run is in progress")
	ErrStepFailed     = errors.New("action failed")
	ErrNotLoaded      = errors.New("no unit loaded")
)

// Step is one pipeline entry.
type Step struct {
	Action string
	Dry    bool
}

// Runner executes the actions of one unit.
type Runner struct {
	cfg        *config.Config
	logger     *zap.Logger
	notifier   notify.Notifier
	build      func(name string) (action.Action, error)
	procMount  string
	executable string
	signals    chan os.Signal
	grace      time.Duration

	unit  string
	steps []Step

	mu    sync.Mutex
	worst notify.Status
}

// New creates a Runner over cfg.
func New(cfg *config.Config, opts ...Option) (*Runner, error) {
	r := &Runner{
		cfg:      cfg,
		notifier: notify.Nop{},
		grace:    defaultGracePeriod,
		worst:    notify.StatusSuccess,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.WithOptions(zap.Hooks(r.observe))
	if r.executable == "" {
		r.executable = procutil.Executable()
	}
	if r.build == nil {
		started := cfg.StartTime
		if started.IsZero() {
			started = time.Now().Truncate(time.Second)
		}
		b, err := builder.New(cfg.Actions,
			builder.WithLogger(r.logger),
			builder.WithStartTime(started),
			builder.WithRegistry(naming.NewRegistry(started, cfg.NamingFields())),
		)
		if err != nil {
			return nil, err
		}
		r.build = b.Build
	}
	return r, nil
}

func (r *Runner) observe(e zapcore.Entry) error {
	s := notify.StatusOf(e.Level)
	r.mu.Lock()
	if s > r.worst {
		r.worst = s
	}
	r.mu.Unlock()
	return nil
}

func (r *Runner) escalate(s notify.Status) notify.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s > r.worst {
		r.worst = s
	}
	return r.worst
}

// Load selects the unit to run. A schedule wins over an action of the same
// name, except in dry mode where only actions are looked up.
func (r *Runner) Load(unit string, dry bool) error {
	unit = strings.ToLower(strings.TrimSpace(unit))
	r.unit = unit
	r.steps = nil

	if s, ok := r.cfg.ScheduleEntry(unit); ok && !dry {
		for _, item := range s.Actions {
			if step, ok := parseStep(item); ok {
				r.steps = append(r.steps, step)
			}
		}
		if len(r.steps) == 0 {
			return fmt.Errorf("%w: %s", ErrEmptySchedule, unit)
		}
		return nil
	}
	if _, ok := r.cfg.Action(unit); ok {
		r.steps = []Step{{Action: unit, Dry: dry}}
		return nil
	}
	if dry {
		return fmt.Errorf("%w: no action named %s", ErrUnknownUnit, unit)
	}
	return fmt.Errorf("%w: %s", ErrUnknownUnit, unit)
}

func parseStep(item string) (Step, bool) {
	fields := strings.Fields(item)
	if len(fields) == 0 {
		return Step{}, false
	}
	step := Step{Action: strings.ToLower(fields[0])}
	for _, f := range fields[1:] {
		if f == DryFlag {
			step.Dry = true
		}
	}
	return step, true
}

// Unit returns the loaded unit name.
func (r *Runner) Unit() string { return r.unit }

// Steps returns the loaded pipeline.
func (r *Runner) Steps() []Step {
	return append([]Step(nil), r.steps...)
}

// Execute runs the loaded pipeline and reports the outcome to the notifier.
// An interrupted run is not an error.
func (r *Runner) Execute(ctx context.Context) (notify.Outcome, error) {
	out := notify.Outcome{Unit: r.unit, Started: time.Now()}
	if err := r.notifier.Started(r.unit, out.Started); err != nil {
		r.logger.Warn("notify run start", zap.Error(err))
	}

	err := r.execute(ctx, &out)
	if err != nil {
		r.logger.Error("run failed", zap.String("unit", r.unit), zap.Error(err))
	}
	out.Err = err
	out.Finished = time.Now()
	out.Status = r.escalate(notify.StatusSuccess)

	if nerr := r.notifier.Finished(out); nerr != nil {
		r.logger.Warn("notify run outcome", zap.Error(nerr))
	}
	return out, err
}

func (r *Runner) execute(ctx context.Context, out *notify.Outcome) error {
	if len(r.steps) == 0 {
		return ErrNotLoaded
	}
	if !r.cfg.AllowParallel {
		if err := r.checkParallel(); err != nil {
			return err
		}
	}
	actions, err := r.buildSteps()
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return fmt.Errorf("%w: %s has no runnable action", ErrEmptySchedule, r.unit)
	}
	return r.run(ctx, actions, out)
}

func (r *Runner) checkParallel() error {
	table, err := procutil.NewTable(r.procMount)
	if err != nil {
		return fmt.Errorf("process table: %w", err)
	}
	procs, err := table.Find(procutil.RunPattern(r.executable, ""))
	if err != nil {
		return fmt.Errorf("process table: %w", err)
	}
	if len(procs) > 0 {
		return fmt.Errorf("%w: PID %d: %s", ErrAlreadyRunning, procs[0].PID, procs[0].Cmdline)
	}
	return nil
}

func (r *Runner) buildSteps() ([]action.Action, error) {
	var actions []action.Action
	for _, s := range r.steps {
		a, err := r.build(s.Action)
		if err != nil {
			if errors.Is(err, builder.ErrCyclicSource) {
				return nil, err
			}
			r.logger.Warn("action skipped", zap.String("action", s.Action), zap.Error(err))
			continue
		}
		if s.Dry {
			a.Common().SetDry(true)
			r.logger.Debug("dry flag added", zap.String("action", s.Action))
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func (r *Runner) run(ctx context.Context, actions []action.Action, out *notify.Outcome) error {
	// Graceful valve shut-off: a signal stops the pipeline before the next
	// step and gives the current one the grace period.
	valv := valve.New()
	lever := valve.Lever(valv.Context())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := r.signals
	if sig == nil {
		sig = make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case s := <-sig:
			r.logger.Warn("shutting down", zap.String("signal", s.String()))
			if err := valv.Shutdown(r.grace); err != nil {
				r.logger.Error("action did not stop within grace period", zap.Duration("grace", r.grace))
			}
			cancel()
		case <-done:
		}
	}()

	interrupted := func() bool {
		select {
		case <-lever.Stop():
			return true
		case <-runCtx.Done():
			return true
		default:
			return false
		}
	}

	for _, a := range actions {
		if interrupted() {
			r.logger.Warn("run interrupted", zap.String("unit", r.unit), zap.String("next", a.Name()))
			return nil
		}
		if err := lever.Open(); err != nil {
			r.logger.Warn("run interrupted", zap.String("unit", r.unit), zap.Error(err))
			return nil
		}
		r.logger.Info("action started", zap.String("action", a.Name()))
		err := a.Start(runCtx)
		lever.Close()

		step := notify.Step{Action: a.Name(), Status: notify.StatusSuccess}
		if err == nil {
			out.Steps = append(out.Steps, step)
			r.logger.Info("action done", zap.String("action", a.Name()))
			continue
		}
		step.Status, step.Err = notify.StatusError, err
		out.Steps = append(out.Steps, step)
		if interrupted() {
			r.logger.Warn("run interrupted", zap.String("unit", r.unit), zap.String("action", a.Name()), zap.Error(err))
			return nil
		}
		if !a.Common().ContinueOnError {
			return fmt.Errorf("%w: %s: %v", ErrStepFailed, a.Name(), err)
		}
		r.logger.Error("action failed, continuing", zap.String("action", a.Name()), zap.Error(err))
	}
	return nil
}
