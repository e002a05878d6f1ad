package naming

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// Registry holds the schemes known to one invocation. All schemes share the
// run start time used for the date placeholder.
type Registry struct {
	mu      sync.Mutex
	date    time.Time
	static  Fields
	schemes map[string]*Scheme
	configs map[string]map[string]string
}

// NewRegistry creates a registry holding the default scheme. static values
// (server identity from the naming config) are visible to every scheme.
func NewRegistry(date time.Time, static Fields) *Registry {
	r := &Registry{
		date:    date,
		static:  static,
		schemes: make(map[string]*Scheme),
		configs: make(map[string]map[string]string),
	}
	def, err := newScheme(DefaultSchemeID, defaultTemplates, copyFields(static), date)
	if err != nil {
		panic(err)
	}
	r.schemes[DefaultSchemeID] = def
	return r
}

// Get returns the scheme registered as id. An empty id selects the default.
func (r *Registry) Get(id string) (*Scheme, error) {
	if id == "" {
		id = DefaultSchemeID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schemes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, id)
	}
	return s, nil
}

// FromConfig registers a custom scheme described by an inline naming_scheme
// map. Missing templates are taken from the default scheme and keys other
// than templates become static fields. Registering an id twice fails unless
// the configuration is identical.
func (r *Registry) FromConfig(cfg map[string]interface{}) (*Scheme, error) {
	flat := make(map[string]string, len(cfg))
	for k, v := range cfg {
		flat[strings.ToLower(k)] = cast.ToString(v)
	}
	id := flat["scheme_id"]
	if id == "" {
		id = "CustomNamingScheme_" + RandomToken()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.configs[id]; ok {
		if sameConfig(prev, flat) {
			return r.schemes[id], nil
		}
		return nil, fmt.Errorf("%w: %s", ErrDuplicateScheme, id)
	}
	if _, ok := r.schemes[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateScheme, id)
	}

	templates := defaultTemplates
	static := copyFields(r.static)
	for k, v := range flat {
		if k == "scheme_id" {
			continue
		}
		if f, ok := formatByKey(k); ok {
			templates[f] = v
			continue
		}
		static[k] = v
	}

	s, err := newScheme(id, templates, static, r.date)
	if err != nil {
		return nil, err
	}
	r.schemes[id] = s
	r.configs[id] = flat
	return s, nil
}

// RandomToken returns six upper-case hex characters taken from a random UUID.
func RandomToken() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))[:6]
}

func formatByKey(key string) (Format, bool) {
	for i, k := range formatKeys {
		if k == key {
			return Format(i), true
		}
	}
	return 0, false
}

func sameConfig(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func copyFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
