package builder

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/action"
	"github.com/bizflycloud/krista-backup/pkg/naming"
)

// MaxSourceDepth limits the number of ancestors of one action.
const MaxSourceDepth = 10

var (
	ErrUnknownAction   = errors.New("unknown action")
	ErrCyclicSource    = errors.New("cyclic source chain")
	ErrMissingAncestor = errors.New("source action not found")
	ErrSourceDepth     = errors.New("source chain too deep")
	ErrMissingType     = errors.New("action has no type")
	ErrUnknownType     = errors.New("unknown action type")
	ErrMissingField    = errors.New("missing required field")
	ErrUnknownField    = errors.New("unknown field")
)

// Record is a flattened action configuration.
type Record map[string]interface{}

// Builder resolves action records and instantiates actions. Results are
// memoized, so actions sharing an ancestor share one instance of it.
type Builder struct {
	actions  map[string]map[string]interface{}
	registry *naming.Registry
	logger   *zap.Logger
	fs       afero.Fs
	started  time.Time

	resolved map[string]Record
	built    map[string]action.Action
	building map[string]bool
}

// New creates a Builder over the raw actions section of the config.
func New(actions map[string]map[string]interface{}, opts ...Option) (*Builder, error) {
	b := &Builder{
		actions:  make(map[string]map[string]interface{}, len(actions)),
		resolved: make(map[string]Record),
		built:    make(map[string]action.Action),
		building: make(map[string]bool),
	}
	for name, rec := range actions {
		b.actions[strings.ToLower(name)] = rec
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.started.IsZero() {
		b.started = time.Now().Truncate(time.Second)
	}
	if b.registry == nil {
		b.registry = naming.NewRegistry(b.started, nil)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.fs == nil {
		b.fs = afero.NewOsFs()
	}
	return b, nil
}

// Has reports whether name is a configured action.
func (b *Builder) Has(name string) bool {
	_, ok := b.actions[strings.ToLower(name)]
	return ok
}

// Resolve follows the source chain of name and merges the records, the
// child winning over its ancestors.
func (b *Builder) Resolve(name string) (Record, error) {
	name = strings.ToLower(name)
	if rec, ok := b.resolved[name]; ok {
		return rec, nil
	}

	var (
		chain   []string
		records []map[string]interface{}
		seen    = make(map[string]bool)
		cur     = name
	)
	for {
		if seen[cur] {
			return nil, fmt.Errorf("%w: %s", ErrCyclicSource, strings.Join(append(chain, cur), " -> "))
		}
		if len(chain) > MaxSourceDepth {
			return nil, fmt.Errorf("%w: %s has more than %d ancestors", ErrSourceDepth, name, MaxSourceDepth)
		}
		rec, ok := b.actions[cur]
		if !ok {
			if cur == name {
				return nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
			}
			return nil, fmt.Errorf("%w: %s (source of %s)", ErrMissingAncestor, cur, chain[len(chain)-1])
		}
		seen[cur] = true
		chain = append(chain, cur)
		records = append(records, rec)

		src := strings.ToLower(strings.TrimSpace(cast.ToString(rec["source"])))
		if src == "" {
			break
		}
		cur = src
	}

	merged := make(Record)
	for i := len(records) - 1; i >= 0; i-- {
		for k, v := range records[i] {
			merged[k] = deepCopy(v)
		}
	}
	b.resolved[name] = merged
	return merged, nil
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[cast.ToString(k)] = deepCopy(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}

// Build instantiates the named action with its typed configuration, naming
// scheme, source back-reference and sub-actions.
func (b *Builder) Build(name string) (action.Action, error) {
	name = strings.ToLower(name)
	if a, ok := b.built[name]; ok {
		return a, nil
	}
	if b.building[name] {
		return nil, fmt.Errorf("%w: %s refers to itself", ErrCyclicSource, name)
	}
	b.building[name] = true
	defer delete(b.building, name)

	rec, err := b.Resolve(name)
	if err != nil {
		return nil, err
	}
	tag := strings.ToLower(strings.TrimSpace(cast.ToString(rec["type"])))
	if tag == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingType, name)
	}
	factory, ok := action.Lookup(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %s has type %q", ErrUnknownType, name, tag)
	}
	for _, field := range factory.Required {
		if isEmpty(rec[field]) {
			return nil, fmt.Errorf("%w: %s needs %s", ErrMissingField, name, field)
		}
	}

	a := factory.New()
	if err := b.decode(name, rec, a); err != nil {
		return nil, err
	}
	base := a.Common()
	scheme, err := b.scheme(base.NamingScheme)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	base.Bind(name, rec, action.Env{
		Logger:  b.logger,
		Scheme:  scheme,
		Fs:      b.fs,
		Started: b.started,
	})

	if src := strings.TrimSpace(base.SourceName); src != "" {
		srcRec, err := b.Resolve(src)
		if err != nil {
			return nil, err
		}
		if cast.ToString(srcRec["type"]) != "" {
			srcAction, err := b.Build(src)
			if err != nil {
				return nil, fmt.Errorf("%s: source %s: %w", name, src, err)
			}
			base.SetSource(srcAction)
		}
	}

	if m, ok := a.(*action.MoveBkpPeriod); ok {
		var subs []action.Action
		for _, sub := range m.ActionList {
			sa, err := b.Build(sub)
			if err != nil {
				return nil, fmt.Errorf("%s: action_list %s: %w", name, sub, err)
			}
			subs = append(subs, sa)
		}
		m.SetSubactions(subs)
	}

	b.built[name] = a
	b.logger.Debug("action built", zap.String("action", name), zap.String("type", tag))
	return a, nil
}

func (b *Builder) scheme(ref interface{}) (*naming.Scheme, error) {
	switch v := ref.(type) {
	case nil:
		return b.registry.Get("")
	case string:
		return b.registry.Get(strings.TrimSpace(v))
	}
	cfg, err := cast.ToStringMapE(ref)
	if err != nil {
		return nil, fmt.Errorf("naming_scheme: %w", err)
	}
	return b.registry.FromConfig(cfg)
}

// decode binds rec onto the typed configuration of a. Unused keys of the
// action's own record are errors, unused inherited keys are ignored.
func (b *Builder) decode(name string, rec Record, a action.Action) error {
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			splitCommaHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Metadata:         &md,
		Result:           a,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]interface{}(rec)); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	own := b.actions[name]
	var unknown []string
	for _, key := range md.Unused {
		root := key
		if i := strings.IndexAny(root, ".["); i >= 0 {
			root = root[:i]
		}
		if _, ok := own[root]; ok {
			unknown = append(unknown, key)
			continue
		}
		b.logger.Debug("inherited field ignored", zap.String("action", name), zap.String("field", key))
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: %s: %s", ErrUnknownField, name, strings.Join(unknown, ", "))
	}
	return nil
}

// splitCommaHook turns "a, b" into []string{"a", "b"} for slice targets.
func splitCommaHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice {
		return data, nil
	}
	raw := reflect.ValueOf(data).String()
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	case map[interface{}]interface{}:
		return len(t) == 0
	}
	return false
}
