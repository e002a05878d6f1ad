package action

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/cleanup"
)

// Cleaner removes old output of its source action.
type Cleaner struct {
	Base       `mapstructure:",squash"`
	Days       *int     `mapstructure:"days"`
	MaxFiles   *int     `mapstructure:"max_files"`
	Exclusions []string `mapstructure:"exclusions"`

	// Now replaces the clock in tests.
	Now func() time.Time
}

var _ Action = (*Cleaner)(nil)

func NewCleaner() *Cleaner {
	return &Cleaner{Base: newBase()}
}

func (c *Cleaner) Start(ctx context.Context) error {
	src := c.Source()
	if src == nil {
		return fmt.Errorf("%w: %s", ErrNoProducer, c.SourceName)
	}
	exclusions := c.exclusions(c.Exclusions)
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Logger().Info("clean", zap.String("source", src.Name()))

	cl := &cleanup.Cleaner{
		Fs:         c.Fs(),
		Logger:     c.Logger(),
		Dry:        c.Dry,
		Exclusions: exclusions,
		Now:        c.Now,
	}
	return cl.Clean(src, cleanup.Rule{Days: c.Days, MaxFiles: c.MaxFiles})
}
