package action

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bizflycloud/krista-backup/pkg/shell"
)

// Exit codes of rsync that report a partial or interrupted transfer.
var rsyncRetryCodes = map[int]bool{
	10: true, // socket I/O
	12: true, // protocol data stream
	23: true, // partial transfer due to error
	24: true, // partial transfer due to vanished source files
	30: true, // timeout in data send/receive
	35: true, // timeout waiting for daemon connection
}

// Rsync copies the top level entries of src_path to dest_path.
type Rsync struct {
	Base         `mapstructure:",squash"`
	Opts         string   `mapstructure:"opts"`
	OtherOpts    string   `mapstructure:"other_opts"`
	SkipCompress []string `mapstructure:"skip_compress"`
	Exclusions   []string `mapstructure:"exclusions"`
	Bwlimit      string   `mapstructure:"bwlimit"`
	CommandPath  string   `mapstructure:"command_path"`
	Retries      int      `mapstructure:"retries"`

	// Backoff paces retries; tests shorten it.
	Backoff *backoff.Backoff
}

var _ Action = (*Rsync)(nil)

func NewRsync() *Rsync {
	return &Rsync{
		Base:         newBase(),
		OtherOpts:    "-a -h -d -v",
		SkipCompress: []string{"zip", "7z", "tgz", "gz", "bz2", "rar"},
		CommandPath:  "rsync",
		Retries:      3,
	}
}

// ListCommand builds the command listing src_path.
func (r *Rsync) ListCommand() string {
	return joinArgs(r.CommandPath, r.Opts, "--list-only", r.SrcPath)
}

// ParseListing returns the files and directories of an rsync listing. The
// "." entry is dropped.
func ParseListing(out string) (files, dirs []string) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || len(fields[0]) != 10 {
			continue
		}
		perm := fields[0]
		if strings.Trim(perm[1:], "rwxsStT-") != "" {
			continue
		}
		name := strings.Join(fields[4:], " ")
		switch perm[0] {
		case 'd':
			if name != "." {
				dirs = append(dirs, name)
			}
		case '-', 'l':
			files = append(files, name)
		}
	}
	return files, dirs
}

// SyncCommand builds the transfer command for the listed entries.
func (r *Rsync) SyncCommand(includes []string) string {
	args := []string{r.CommandPath, r.Opts, r.OtherOpts}
	if r.Bwlimit != "" {
		args = append(args, "--bwlimit="+r.Bwlimit)
	}
	if len(r.SkipCompress) > 0 {
		args = append(args, "--skip-compress="+strings.Join(r.SkipCompress, "/"))
	}
	for _, inc := range includes {
		args = append(args, "--include="+shell.Quote(inc))
	}
	for _, ex := range r.Exclusions {
		args = append(args, "--exclude="+shell.Quote(ex))
	}
	args = append(args, r.SrcPath, r.DestPath)
	return joinArgs(args...)
}

func (r *Rsync) backoff() *backoff.Backoff {
	if r.Backoff == nil {
		r.Backoff = &backoff.Backoff{Min: 5 * time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	}
	return r.Backoff
}

func (r *Rsync) Start(ctx context.Context) error {
	if _, err := os.Stat(r.DestPath); os.IsNotExist(err) && !r.Dry {
		if err := os.MkdirAll(r.DestPath, 0755); err != nil {
			return err
		}
	}

	out, err := shell.Output(ctx, r.ListCommand())
	if err != nil {
		return fmt.Errorf("list %s: %w", r.SrcPath, err)
	}
	files, dirs := ParseListing(out)
	line := r.SyncCommand(append(dirs, files...))
	if r.Dry {
		r.Logger().Info("generated command", zap.String("command", line))
	}

	b := r.backoff()
	b.Reset()
	for attempt := 0; ; attempt++ {
		err = shell.Run(ctx, r.Logger(), shell.Command{
			Line:   line,
			Dir:    r.SrcPath,
			Stdout: shell.StreamParams{DefaultLevel: zapcore.DebugLevel},
			Stderr: shell.DefaultStderr,
			Dry:    r.Dry,
		})
		code := shell.ExitCode(err)
		if err == nil || !rsyncRetryCodes[code] || attempt >= r.Retries {
			return err
		}
		d := b.Duration()
		r.Logger().Warn("partial transfer, retrying", zap.Int("code", code), zap.Duration("delay", d), zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

func joinArgs(args ...string) string {
	out := args[:0:0]
	for _, a := range args {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return strings.Join(out, " ")
}
