package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var ErrCommandFailed = errors.New("command failed")

// StreamParams control how the lines of one output stream are logged.
type StreamParams struct {
	// DefaultLevel is used for lines that match no filter.
	DefaultLevel zapcore.Level
	// Filters map a level to regular expressions matched from the start
	// of a line.
	Filters map[zapcore.Level][]string
	// RemoveHeader drops the first word of every line.
	RemoveHeader bool
}

// Command is a shell command line run through /bin/sh.
type Command struct {
	Line   string
	Dir    string
	Env    []string
	Stdout StreamParams
	Stderr StreamParams
	Dry    bool
}

// DefaultStdout logs standard output at info level.
var DefaultStdout = StreamParams{DefaultLevel: zapcore.InfoLevel}

// DefaultStderr logs standard error at error level.
var DefaultStderr = StreamParams{DefaultLevel: zapcore.ErrorLevel}

// ExitError reports a command that ran and exited with a non-zero status.
type ExitError struct {
	Line   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: %q exited with code %d", ErrCommandFailed, e.Line, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Is makes errors.Is(err, ErrCommandFailed) hold for exit errors.
func (e *ExitError) Is(target error) bool {
	return target == ErrCommandFailed
}

type rule struct {
	level zapcore.Level
	re    *regexp.Regexp
}

type watcher struct {
	logger *zap.Logger
	params StreamParams
	rules  []rule
}

func newWatcher(logger *zap.Logger, p StreamParams) (*watcher, error) {
	w := &watcher{logger: logger, params: p}
	for _, lvl := range []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel} {
		for _, expr := range p.Filters[lvl] {
			re, err := regexp.Compile("^(?:" + expr + ")")
			if err != nil {
				return nil, fmt.Errorf("stream filter %q: %w", expr, err)
			}
			w.rules = append(w.rules, rule{level: lvl, re: re})
		}
	}
	return w, nil
}

func (w *watcher) level(line string) zapcore.Level {
	for _, r := range w.rules {
		if r.re.MatchString(line) {
			return r.level
		}
	}
	return w.params.DefaultLevel
}

// maxLineLength caps a logged line. Longer lines are cut and the rest of
// them is read and dropped.
const maxLineLength = 1024 * 1024

func (w *watcher) watch(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, truncated, err := readLine(br, maxLineLength)
		if truncated {
			w.logger.Warn("output line truncated", zap.Int("limit", maxLineLength))
		}
		w.log(line)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Keep the pipe drained so the child never blocks on it.
			_, _ = io.Copy(io.Discard, r)
			return err
		}
	}
}

// readLine returns the next line without its newline, keeping at most max
// bytes of it.
func readLine(br *bufio.Reader, max int) (string, bool, error) {
	var (
		buf       []byte
		truncated bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if room := max - len(buf); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		buf = append(buf, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		return strings.TrimSuffix(string(buf), "\n"), truncated, err
	}
}

func (w *watcher) log(line string) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" {
		return
	}
	if w.params.RemoveHeader {
		if idx := strings.IndexAny(line, " \t"); idx >= 0 {
			line = strings.TrimLeft(line[idx:], " \t")
		} else {
			return
		}
	}
	if ce := w.logger.Check(w.level(line), line); ce != nil {
		ce.Write()
	}
}

// Run executes c and logs both output streams line by line. The call returns
// after the process exited and both streams were drained. A non-zero exit
// status is reported as ErrCommandFailed.
func Run(ctx context.Context, logger *zap.Logger, c Command) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c.Dry {
		logger.Info("dry run, command skipped", zap.String("command", c.Line))
		return nil
	}
	logger.Debug("run command", zap.String("command", c.Line), zap.String("dir", c.Dir))

	outWatcher, err := newWatcher(logger, c.Stdout)
	if err != nil {
		return err
	}
	errWatcher, err := newWatcher(logger, c.Stderr)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", c.Line)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", c.Line, err)
	}

	var g errgroup.Group
	g.Go(func() error { return outWatcher.watch(stdout) })
	g.Go(func() error { return errWatcher.watch(stderr) })
	readErr := g.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Line: c.Line, Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("%w: %q: %v", ErrCommandFailed, c.Line, err)
	}
	return readErr
}

// Output runs line and returns its standard output. It ignores dry-run since
// callers use it for discovery only.
func Output(ctx context.Context, line string, env ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", line)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), &ExitError{Line: line, Code: exitErr.ExitCode(), Stderr: strings.TrimSpace(string(exitErr.Stderr))}
		}
		return string(out), err
	}
	return string(out), nil
}

// Quote wraps s in single quotes for /bin/sh.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ExitCode returns the exit status carried by err, or -1.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}
