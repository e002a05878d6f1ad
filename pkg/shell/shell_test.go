package shell

import (
	"bufio"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestRunClassifiesStreams(t *testing.T) {
	logger, logs := observed()
	err := Run(context.Background(), logger, Command{
		Line: `echo "pg_dump: reading schemas"; echo "hello out"; echo "pg_dump: fatal" 1>&2; echo "reading tables" 1>&2`,
		Stdout: StreamParams{
			DefaultLevel: zapcore.InfoLevel,
			Filters:      map[zapcore.Level][]string{zapcore.DebugLevel: {"reading"}},
			RemoveHeader: true,
		},
		Stderr: StreamParams{
			DefaultLevel: zapcore.ErrorLevel,
			Filters:      map[zapcore.Level][]string{zapcore.DebugLevel: {"reading"}},
		},
	})
	require.NoError(t, err)

	levels := map[string]zapcore.Level{}
	for _, e := range logs.All() {
		levels[e.Message] = e.Level
	}
	assert.Equal(t, zapcore.DebugLevel, levels["reading schemas"])
	assert.Equal(t, zapcore.InfoLevel, levels["out"])
	assert.Equal(t, zapcore.ErrorLevel, levels["pg_dump: fatal"])
	assert.Equal(t, zapcore.DebugLevel, levels["reading tables"])
}

func TestRunExitCode(t *testing.T) {
	err := Run(context.Background(), nil, Command{Line: "exit 23"})
	require.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, 23, ExitCode(err))
}

func TestRunDir(t *testing.T) {
	dir := t.TempDir()
	logger, logs := observed()
	require.NoError(t, Run(context.Background(), logger, Command{Line: "pwd", Dir: dir, Stdout: DefaultStdout}))
	assert.Equal(t, 1, logs.FilterMessage(dir).Len())
}

func TestRunDry(t *testing.T) {
	logger, logs := observed()
	require.NoError(t, Run(context.Background(), logger, Command{Line: "exit 1", Dry: true}))
	assert.Equal(t, 1, logs.FilterMessage("dry run, command skipped").Len())
}

func TestRunBadFilter(t *testing.T) {
	err := Run(context.Background(), nil, Command{
		Line:   "true",
		Stderr: StreamParams{Filters: map[zapcore.Level][]string{zapcore.WarnLevel: {"("}}},
	})
	assert.Error(t, err)
}

func TestOutput(t *testing.T) {
	out, err := Output(context.Background(), "echo $KRISTA_TEST", "KRISTA_TEST=value")
	require.NoError(t, err)
	assert.Equal(t, "value\n", out)

	_, err = Output(context.Background(), "echo oops 1>&2; exit 2")
	require.ErrorIs(t, err, ErrCommandFailed)
	assert.Contains(t, err.Error(), "oops")
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, Quote("it's"))
}

func TestRunOversizedLine(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger, logs := observed()
	err := Run(ctx, logger, Command{
		Line:   `head -c 3145728 /dev/zero | tr '\0' a 1>&2; echo 1>&2; echo done`,
		Stdout: DefaultStdout,
		Stderr: DefaultStderr,
	})
	require.NoError(t, err)
	require.NoError(t, ctx.Err())

	assert.Equal(t, 1, logs.FilterMessage("done").Len())
	assert.Equal(t, 1, logs.FilterMessage("output line truncated").Len())
	for _, e := range logs.FilterLevelExact(zapcore.ErrorLevel).All() {
		assert.Len(t, e.Message, maxLineLength)
	}
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		max       int
		want      []string
		truncated []bool
	}{
		{"short lines", "a\nbb\n", 10, []string{"a", "bb", ""}, []bool{false, false, false}},
		{"no trailing newline", "a\nbb", 10, []string{"a", "bb"}, []bool{false, false}},
		{"cut", strings.Repeat("x", 100) + "\nok\n", 16, []string{strings.Repeat("x", 16), "ok", ""}, []bool{true, false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			br := bufio.NewReaderSize(strings.NewReader(tt.input), 16)
			var (
				lines     []string
				truncated []bool
			)
			for {
				line, cut, err := readLine(br, tt.max)
				lines = append(lines, line)
				truncated = append(truncated, cut)
				if err != nil {
					require.Equal(t, io.EOF, err)
					break
				}
			}
			assert.Equal(t, tt.want, lines)
			assert.Equal(t, tt.truncated, truncated)
		})
	}
}
