package builder

import (
	"errors"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/naming"
)

type Option func(b *Builder) error

// WithLogger returns an Option which set the parent logger of built actions.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Builder) error {
		b.logger = logger
		return nil
	}
}

// WithRegistry returns an Option which set the naming scheme registry.
func WithRegistry(r *naming.Registry) Option {
	return func(b *Builder) error {
		if r == nil {
			return errors.New("nil naming registry")
		}
		b.registry = r
		return nil
	}
}

// WithFs returns an Option which set the filesystem handed to actions.
func WithFs(fs afero.Fs) Option {
	return func(b *Builder) error {
		b.fs = fs
		return nil
	}
}

// WithStartTime returns an Option which set the shared run start time.
func WithStartTime(t time.Time) Option {
	return func(b *Builder) error {
		b.started = t
		return nil
	}
}
