package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v3"
	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/shell"
)

// TicketFilename marks a backup in progress inside src_path.
const TicketFilename = "backup_in_progress"

const missingFilename = "this_filename_doesnt_exist"

var ErrTicketPresent = errors.New("in-progress ticket still present")

func ticketPath(b *Base) string {
	return filepath.Join(b.SrcPath, TicketFilename)
}

// SetTicket creates the in-progress ticket.
type SetTicket struct {
	Base `mapstructure:",squash"`
}

var _ Action = (*SetTicket)(nil)

func NewSetTicket() *SetTicket {
	return &SetTicket{Base: newBase()}
}

func (t *SetTicket) Start(ctx context.Context) error {
	fs := t.Fs()
	path := ticketPath(&t.Base)
	if fi, err := fs.Stat(t.SrcPath); err == nil && !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", t.SrcPath)
	} else if os.IsNotExist(err) {
		t.Logger().Debug("create ticket directory", zap.String("dir", t.SrcPath))
		if !t.Dry {
			if err := fs.MkdirAll(t.SrcPath, 0755); err != nil {
				return err
			}
		}
	}
	if t.Dry {
		t.Logger().Info("dry run, ticket not created", zap.String("ticket", path))
		return nil
	}

	f, err := fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if os.IsExist(err) {
		t.Logger().Warn("ticket already exists", zap.String("ticket", path))
		return err
	}
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	t.Logger().Info("ticket created", zap.String("ticket", path))
	return nil
}

// UnsetTicket removes the in-progress ticket.
type UnsetTicket struct {
	Base `mapstructure:",squash"`
}

var _ Action = (*UnsetTicket)(nil)

func NewUnsetTicket() *UnsetTicket {
	return &UnsetTicket{Base: newBase()}
}

func (t *UnsetTicket) Start(ctx context.Context) error {
	fs := t.Fs()
	path := ticketPath(&t.Base)
	if _, err := fs.Stat(path); os.IsNotExist(err) {
		t.Logger().Debug("ticket does not exist", zap.String("ticket", path))
		return nil
	}
	if t.Dry {
		t.Logger().Info("dry run, ticket not removed", zap.String("ticket", path))
		return nil
	}
	if err := fs.Remove(path); err != nil {
		return err
	}
	t.Logger().Info("ticket removed", zap.String("ticket", path))
	return nil
}

// CheckTicket waits until no ticket exists in src_path on ssh_servername.
// Presence is detected by comparing an rsync listing of the ticket name with
// the listing of a name that never exists.
type CheckTicket struct {
	Base            `mapstructure:",squash"`
	SSHServername   string `mapstructure:"ssh_servername"`
	RsyncOpts       string `mapstructure:"rsync_opts"`
	WaitTime        int    `mapstructure:"wait_time"`
	WaitCycleNumber int    `mapstructure:"wait_cycle_number"`

	// output runs a listing command; replaced in tests.
	output func(ctx context.Context, line string) (string, error)
}

var _ Action = (*CheckTicket)(nil)

func NewCheckTicket() *CheckTicket {
	return &CheckTicket{
		Base:            newBase(),
		WaitTime:        10,
		WaitCycleNumber: 12,
		output: func(ctx context.Context, line string) (string, error) {
			return shell.Output(ctx, line)
		},
	}
}

// ListCommand builds the rsync listing of filename in src_path.
func (t *CheckTicket) ListCommand(filename string) string {
	return joinArgs(
		"rsync",
		t.RsyncOpts,
		"--include="+filename,
		"--exclude='*'",
		t.SSHServername+":"+t.SrcPath,
	)
}

func (t *CheckTicket) present(ctx context.Context) (bool, error) {
	ticket, err := t.output(ctx, t.ListCommand(TicketFilename))
	if err != nil {
		return false, err
	}
	none, err := t.output(ctx, t.ListCommand(missingFilename))
	if err != nil {
		return false, err
	}
	return len(strings.Split(ticket, "\n"))-len(strings.Split(none, "\n")) == 1, nil
}

func (t *CheckTicket) Start(ctx context.Context) error {
	cycles := t.WaitCycleNumber
	if cycles <= 0 {
		cycles = 1
	}
	left := cycles
	op := func() error {
		t.Logger().Debug("check ticket", zap.Int("checks_left", left))
		left--
		ok, err := t.present(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if ok {
			t.Logger().Debug("ticket present, waiting", zap.Int("wait_time", t.WaitTime))
			return ErrTicketPresent
		}
		return nil
	}
	delay := time.Duration(t.WaitTime) * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(cycles-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, ErrTicketPresent) {
			return fmt.Errorf("%w after %d checks", ErrTicketPresent, cycles)
		}
		return fmt.Errorf("check ticket: %w", err)
	}
	t.Logger().Debug("ticket absent")
	return nil
}
