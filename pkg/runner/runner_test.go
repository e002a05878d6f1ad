package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bizflycloud/krista-backup/pkg/action"
	"github.com/bizflycloud/krista-backup/pkg/builder"
	"github.com/bizflycloud/krista-backup/pkg/config"
	"github.com/bizflycloud/krista-backup/pkg/notify"
)

type fakeAction struct {
	action.Base
	run func(ctx context.Context) error
}

func (f *fakeAction) Start(ctx context.Context) error {
	if f.run == nil {
		return nil
	}
	return f.run(ctx)
}

type recorder struct {
	started  []string
	outcomes []notify.Outcome
}

func (r *recorder) Started(unit string, _ time.Time) error {
	r.started = append(r.started, unit)
	return nil
}

func (r *recorder) Finished(o notify.Outcome) error {
	r.outcomes = append(r.outcomes, o)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		AllowParallel: true,
		Schedule: map[string]config.Schedule{
			"daily":  {Cron: "0 1 * * *", Actions: []string{"dump", " tar ", "clean --dry", ""}},
			"empty":  {Cron: "0 2 * * *"},
			"shadow": {Actions: []string{"dump"}},
		},
		Actions: map[string]map[string]interface{}{
			"dump":   {"type": "command", "cmd": "true"},
			"tar":    {"type": "command", "cmd": "true"},
			"clean":  {"type": "command", "cmd": "true"},
			"shadow": {"type": "command", "cmd": "true"},
		},
	}
}

// fakes builds fakeActions, continue_on_error is set for names in cont.
type fakes struct {
	calls []string
	fail  map[string]error
	cont  map[string]bool
	built map[string]*fakeAction
	hook  map[string]func(ctx context.Context) error
}

func newFakes() *fakes {
	return &fakes{
		fail:  map[string]error{},
		cont:  map[string]bool{},
		built: map[string]*fakeAction{},
		hook:  map[string]func(ctx context.Context) error{},
	}
}

func (f *fakes) build(name string) (action.Action, error) {
	if err, ok := f.fail["build:"+name]; ok {
		return nil, err
	}
	a := &fakeAction{}
	a.ContinueOnError = f.cont[name]
	a.Bind(name, nil, action.Env{})
	a.run = func(ctx context.Context) error {
		f.calls = append(f.calls, name)
		if h, ok := f.hook[name]; ok {
			return h(ctx)
		}
		return f.fail[name]
	}
	f.built[name] = a
	return a, nil
}

func newRunner(t *testing.T, cfg *config.Config, f *fakes, opts ...Option) (*Runner, *recorder, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	rec := &recorder{}
	opts = append([]Option{
		WithLogger(zap.New(core)),
		WithNotifier(rec),
		WithBuildFunc(f.build),
		WithSignalChannel(make(chan os.Signal, 1)),
	}, opts...)
	r, err := New(cfg, opts...)
	require.NoError(t, err)
	return r, rec, logs
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name string
		unit string
		dry  bool
		want []Step
		err  error
	}{
		{
			name: "schedule",
			unit: "Daily",
			want: []Step{{Action: "dump"}, {Action: "tar"}, {Action: "clean", Dry: true}},
		},
		{name: "action", unit: "tar", want: []Step{{Action: "tar"}}},
		{name: "dry action", unit: "tar", dry: true, want: []Step{{Action: "tar", Dry: true}}},
		{name: "schedule shadows action", unit: "shadow", want: []Step{{Action: "dump"}}},
		{name: "dry picks the action", unit: "shadow", dry: true, want: []Step{{Action: "shadow", Dry: true}}},
		{name: "dry schedule", unit: "daily", dry: true, err: ErrUnknownUnit},
		{name: "empty schedule", unit: "empty", err: ErrEmptySchedule},
		{name: "unknown", unit: "weekly", err: ErrUnknownUnit},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, _, _ := newRunner(t, testConfig(), newFakes())
			err := r.Load(tc.unit, tc.dry)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, r.Steps())
		})
	}
}

func TestExecute(t *testing.T) {
	f := newFakes()
	r, rec, _ := newRunner(t, testConfig(), f)
	require.NoError(t, r.Load("daily", false))

	out, err := r.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dump", "tar", "clean"}, f.calls)
	assert.True(t, f.built["clean"].Dry)
	assert.False(t, f.built["tar"].Dry)
	assert.Equal(t, notify.StatusSuccess, out.Status)
	require.Len(t, out.Steps, 3)

	assert.Equal(t, []string{"daily"}, rec.started)
	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, "daily", rec.outcomes[0].Unit)
	assert.False(t, rec.outcomes[0].Finished.Before(rec.outcomes[0].Started))
}

func TestExecuteNotLoaded(t *testing.T) {
	r, _, _ := newRunner(t, testConfig(), newFakes())
	_, err := r.Execute(context.Background())
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestExecuteStepFailure(t *testing.T) {
	f := newFakes()
	f.fail["tar"] = errors.New("exit status 2")
	r, rec, _ := newRunner(t, testConfig(), f)
	require.NoError(t, r.Load("daily", false))

	out, err := r.Execute(context.Background())
	assert.ErrorIs(t, err, ErrStepFailed)
	assert.Contains(t, err.Error(), "tar")
	assert.Equal(t, []string{"dump", "tar"}, f.calls)
	assert.Equal(t, notify.StatusError, out.Status)
	require.Len(t, out.Steps, 2)
	assert.Equal(t, notify.StatusError, out.Steps[1].Status)
	assert.ErrorIs(t, rec.outcomes[0].Err, ErrStepFailed)
}

func TestExecuteContinueOnError(t *testing.T) {
	f := newFakes()
	f.fail["tar"] = errors.New("exit status 2")
	f.cont["tar"] = true
	r, _, logs := newRunner(t, testConfig(), f)
	require.NoError(t, r.Load("daily", false))

	out, err := r.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dump", "tar", "clean"}, f.calls)
	assert.Equal(t, notify.StatusError, out.Status)
	assert.Equal(t, 1, logs.FilterMessage("action failed, continuing").Len())
}

func TestExecuteBuildErrors(t *testing.T) {
	f := newFakes()
	f.fail["build:tar"] = fmt.Errorf("%w: tar needs src_path", builder.ErrMissingField)
	r, _, logs := newRunner(t, testConfig(), f)
	require.NoError(t, r.Load("daily", false))

	out, err := r.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dump", "clean"}, f.calls)
	assert.Equal(t, 1, logs.FilterMessage("action skipped").Len())
	assert.Equal(t, notify.StatusWarning, out.Status)

	f = newFakes()
	f.fail["build:clean"] = fmt.Errorf("%w: a -> b -> a", builder.ErrCyclicSource)
	r, _, _ = newRunner(t, testConfig(), f)
	require.NoError(t, r.Load("daily", false))
	_, err = r.Execute(context.Background())
	assert.ErrorIs(t, err, builder.ErrCyclicSource)
	assert.Empty(t, f.calls)
}

func TestExecuteInterrupt(t *testing.T) {
	f := newFakes()
	sig := make(chan os.Signal, 1)
	f.hook["tar"] = func(ctx context.Context) error {
		sig <- syscall.SIGINT
		<-ctx.Done()
		return ctx.Err()
	}
	r, _, logs := newRunner(t, testConfig(), f, WithSignalChannel(sig), WithGracePeriod(10*time.Millisecond))
	require.NoError(t, r.Load("daily", false))

	out, err := r.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dump", "tar"}, f.calls)
	assert.Equal(t, 1, logs.FilterMessage("shutting down").Len())
	assert.True(t, logs.FilterMessage("run interrupted").Len() > 0)
	assert.Len(t, out.Steps, 2)
}

func TestExecuteAlreadyRunning(t *testing.T) {
	proc := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(proc, "4242"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(proc, "4242", "cmdline"),
		[]byte("/usr/bin/krista-backup\x00run\x00weekly\x00"), 0644))

	cfg := testConfig()
	cfg.AllowParallel = false
	f := newFakes()
	r, _, _ := newRunner(t, cfg, f, WithProcMount(proc), WithExecutable("krista-backup"))
	require.NoError(t, r.Load("daily", false))

	_, err := r.Execute(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Contains(t, err.Error(), "4242")
	assert.Empty(t, f.calls)

	r, _, _ = newRunner(t, cfg, f, WithProcMount(proc), WithExecutable("other-tool"))
	require.NoError(t, r.Load("daily", false))
	_, err = r.Execute(context.Background())
	assert.NoError(t, err)
}

func TestExecuteWithBuilder(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		AllowParallel: true,
		StartTime:     time.Date(2021, time.March, 7, 14, 5, 9, 0, time.Local),
		Schedule: map[string]config.Schedule{
			"daily": {Actions: []string{"touch", "fail", "after"}},
		},
		Actions: map[string]map[string]interface{}{
			"touch": {"type": "command", "cmd": "touch marker", "src_path": dir},
			"fail":  {"type": "command", "cmd": "exit 3", "continue_on_error": false},
			"after": {"type": "command", "cmd": "touch after", "src_path": dir},
		},
	}
	r, err := New(cfg, WithSignalChannel(make(chan os.Signal, 1)))
	require.NoError(t, err)
	require.NoError(t, r.Load("daily", false))

	_, err = r.Execute(context.Background())
	assert.ErrorIs(t, err, ErrStepFailed)
	assert.FileExists(t, filepath.Join(dir, "marker"))
	assert.NoFileExists(t, filepath.Join(dir, "after"))
}
