package action

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/naming"
	"github.com/bizflycloud/krista-backup/pkg/pattern"
)

// DryRunSuffix is appended to the logger name of dry-run actions.
const DryRunSuffix = "DRYRUN"

var (
	ErrMissingAttribute = errors.New("missing attribute")
	ErrNoSource         = errors.New("source path does not exist")
	ErrNoProducer       = errors.New("action has no source action")
)

// Action is one configured unit of work.
type Action interface {
	Name() string
	Common() *Base
	// Start runs the action. A returned error marks the step as failed.
	Start(ctx context.Context) error
}

// Env carries the per-invocation collaborators of an action.
type Env struct {
	Logger  *zap.Logger
	Scheme  *naming.Scheme
	Fs      afero.Fs
	Started time.Time
}

// Base holds the attributes shared by every action type.
type Base struct {
	Type            string      `mapstructure:"type"`
	SourceName      string      `mapstructure:"source"`
	SrcPath         string      `mapstructure:"src_path"`
	DestPath        string      `mapstructure:"dest_path"`
	Basename        string      `mapstructure:"basename"`
	NamingScheme    interface{} `mapstructure:"naming_scheme"`
	UseReInPatterns bool        `mapstructure:"use_re_in_patterns"`
	ContinueOnError bool        `mapstructure:"continue_on_error"`
	Dry             bool        `mapstructure:"dry"`
	Descr           string      `mapstructure:"descr"`

	name    string
	record  map[string]interface{}
	source  Action
	parent  *zap.Logger
	logger  *zap.Logger
	scheme  *naming.Scheme
	fs      afero.Fs
	started time.Time
}

func newBase() Base {
	return Base{
		SrcPath:  ".",
		DestPath: ".",
		Basename: naming.RandomToken(),
	}
}

// Bind attaches the name, the resolved record and the environment.
func (b *Base) Bind(name string, record map[string]interface{}, env Env) {
	b.name = name
	b.record = record
	b.scheme = env.Scheme
	b.fs = env.Fs
	b.started = env.Started
	b.parent = env.Logger
	if b.parent == nil {
		b.parent = zap.NewNop()
	}
	b.nameLogger()
}

func (b *Base) nameLogger() {
	if b.parent == nil {
		return
	}
	if b.Dry {
		b.logger = b.parent.Named(b.name + "_" + DryRunSuffix)
		return
	}
	b.logger = b.parent.Named(b.name)
}

// SetDry switches the action into dry-run mode.
func (b *Base) SetDry(dry bool) {
	if b.Dry || !dry {
		return
	}
	b.Dry = true
	b.nameLogger()
}

// SetSource attaches the built ancestor action.
func (b *Base) SetSource(a Action) {
	b.source = a
}

func (b *Base) Name() string   { return b.name }
func (b *Base) Common() *Base  { return b }
func (b *Base) Source() Action { return b.source }

func (b *Base) Logger() *zap.Logger {
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b.logger
}

func (b *Base) Scheme() *naming.Scheme {
	return b.scheme
}

func (b *Base) Fs() afero.Fs {
	if b.fs == nil {
		b.fs = afero.NewOsFs()
	}
	return b.fs
}

// Started is the shared start time of the invocation.
func (b *Base) Started() time.Time {
	if b.started.IsZero() {
		return time.Now()
	}
	return b.started
}

// Fields returns the values visible to naming templates: every resolved
// attribute plus the effective basename.
func (b *Base) Fields() naming.Fields {
	f := make(naming.Fields, len(b.record)+1)
	for k, v := range b.record {
		switch v.(type) {
		case map[string]interface{}, map[interface{}]interface{}, []interface{}:
			continue
		}
		f[k] = v
	}
	f["basename"] = b.Basename
	return f
}

// Dirname is the directory the action writes to.
func (b *Base) Dirname() string {
	return b.DestPath
}

// ExtractTime reads the timestamp of a file name through the scheme.
func (b *Base) ExtractTime(name, pattern string) (time.Time, bool) {
	if b.scheme == nil {
		return time.Time{}, false
	}
	return b.scheme.ExtractTime(name, pattern)
}

// UseRegexp reports whether patterns are regular expressions.
func (b *Base) UseRegexp() bool {
	return b.UseReInPatterns
}

// exclusions compiles patterns, skipping invalid ones with a warning.
func (b *Base) exclusions(patterns []string) *pattern.Set {
	set, err := pattern.Compile(patterns, b.UseReInPatterns)
	for _, e := range multierr.Errors(err) {
		b.Logger().Warn("invalid exclusion skipped", zap.Error(e))
	}
	return set
}

// Factory creates an action of one type with its defaults.
type Factory struct {
	New      func() Action
	Required []string
}

var types = map[string]Factory{
	"command":                  {New: func() Action { return NewCommand() }, Required: []string{"cmd"}},
	"script":                   {New: func() Action { return NewScript() }, Required: []string{"cmds"}},
	"tar":                      {New: func() Action { return NewTar() }},
	"zip":                      {New: func() Action { return NewZip() }},
	"pgdump":                   {New: func() Action { return NewPgDump() }},
	"cleaner":                  {New: func() Action { return NewCleaner() }, Required: []string{"source"}},
	"rsync":                    {New: func() Action { return NewRsync() }},
	"dschecker":                {New: func() Action { return NewDataSpaceChecker() }},
	"mount":                    {New: func() Action { return NewMount() }, Required: []string{"mnt_dev", "mnt_point"}},
	"umount":                   {New: func() Action { return NewUmount() }, Required: []string{"mnt_point"}},
	"move_bkp_period":          {New: func() Action { return NewMoveBkpPeriod() }, Required: []string{"periods"}},
	"set_in_progress_ticket":   {New: func() Action { return NewSetTicket() }},
	"unset_in_progress_ticket": {New: func() Action { return NewUnsetTicket() }},
	"check_in_progress_ticket": {New: func() Action { return NewCheckTicket() }},
}

// Lookup returns the factory of a type tag.
func Lookup(tag string) (Factory, bool) {
	f, ok := types[tag]
	return f, ok
}

// Types lists the known type tags.
func Types() []string {
	tags := make([]string, 0, len(types))
	for t := range types {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
