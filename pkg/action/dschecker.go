package action

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/shell"
	"github.com/bizflycloud/krista-backup/pkg/support"
)

var ErrLowSpace = errors.New("not enough free space")

// DataSpaceChecker logs partition usage and optionally enforces a free
// space minimum on dest_path.
type DataSpaceChecker struct {
	Base    `mapstructure:",squash"`
	MinFree string `mapstructure:"min_free"`

	// freeSpace is replaced in tests.
	freeSpace func(path string) (uint64, error)
}

var _ Action = (*DataSpaceChecker)(nil)

func NewDataSpaceChecker() *DataSpaceChecker {
	return &DataSpaceChecker{Base: newBase(), freeSpace: support.FreeSpace}
}

func (d *DataSpaceChecker) Start(ctx context.Context) error {
	out, err := shell.Output(ctx, "df -h")
	if err != nil {
		d.Logger().Error("df failed", zap.Error(err))
	} else {
		d.Logger().Info("partition usage:\n" + strings.TrimRight(out, "\n"))
	}

	if strings.TrimSpace(d.MinFree) == "" {
		return nil
	}
	minFree, err := humanize.ParseBytes(d.MinFree)
	if err != nil {
		return fmt.Errorf("min_free %q: %w", d.MinFree, err)
	}
	free, err := d.freeSpace(d.DestPath)
	if err != nil {
		return fmt.Errorf("free space of %s: %w", d.DestPath, err)
	}
	d.Logger().Info("free space",
		zap.String("path", d.DestPath),
		zap.String("free", humanize.IBytes(free)),
		zap.String("min_free", humanize.IBytes(minFree)))
	if free < minFree {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrLowSpace, d.DestPath, humanize.IBytes(free), humanize.IBytes(minFree))
	}
	return nil
}
