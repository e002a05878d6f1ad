package action

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/shell"
)

// Command runs one shell command inside src_path.
type Command struct {
	Base `mapstructure:",squash"`
	Cmd  string `mapstructure:"cmd"`
}

var _ Action = (*Command)(nil)

func NewCommand() *Command {
	c := &Command{Base: newBase()}
	c.ContinueOnError = true
	return c
}

func (c *Command) execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		c.Logger().Warn("empty command")
		return fmt.Errorf("%w: cmd", ErrMissingAttribute)
	}
	c.Logger().Info("execute", zap.String("command", line))
	return shell.Run(ctx, c.Logger(), shell.Command{
		Line:   line,
		Dir:    c.SrcPath,
		Stdout: shell.DefaultStdout,
		Stderr: shell.DefaultStderr,
		Dry:    c.Dry,
	})
}

func (c *Command) Start(ctx context.Context) error {
	return c.execute(ctx, c.Cmd)
}

// Script runs a list of shell commands inside src_path. Every command runs
// even when an earlier one failed.
type Script struct {
	Command `mapstructure:",squash"`
	Cmds    []string `mapstructure:"cmds"`
}

var _ Action = (*Script)(nil)

func NewScript() *Script {
	return &Script{Command: *NewCommand()}
}

func (s *Script) Start(ctx context.Context) error {
	var errs error
	for _, line := range s.Cmds {
		if err := s.execute(ctx, line); err != nil {
			s.Logger().Warn("command failed", zap.String("command", line), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
