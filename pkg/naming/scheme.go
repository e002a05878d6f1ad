package naming

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ncruces/go-strftime"
	"github.com/spf13/cast"
)

// FilenameDateFormat is the strftime format of the run timestamp in file names.
const FilenameDateFormat = "%Y%m%d_%H%M%S"

const DefaultSchemeID = "default"

var (
	ErrBadTemplate     = errors.New("malformed naming template")
	ErrUnresolvedField = errors.New("unresolved naming placeholder")
	ErrUnknownScheme   = errors.New("unknown naming scheme")
	ErrDuplicateScheme = errors.New("naming scheme already exists")
)

// Format selects one of the scheme templates.
type Format int

const (
	FsDump Format = iota
	FsDumpHash
	PgDump
	PgDumpHash
)

var formatKeys = [...]string{
	FsDump:     "fsdump_fileformat",
	FsDumpHash: "fsdump_hash_fileformat",
	PgDump:     "pgdump_fileformat",
	PgDumpHash: "pgdump_hash_fileformat",
}

func (f Format) String() string {
	if int(f) < len(formatKeys) {
		return formatKeys[f]
	}
	return fmt.Sprintf("format(%d)", int(f))
}

var defaultTemplates = [...]string{
	FsDump:     "{basename}-{date:%Y%m%d_%H%M%S}-{level}.{ext}",
	FsDumpHash: "{basename}-{date:%Y%m%d_%H%M%S}-{level}.hash",
	PgDump:     "{basename}-{dbname}-{date:%Y%m%d_%H%M%S}.pgdump",
	PgDumpHash: "{basename}-{dbname}-{date:%Y%m%d_%H%M%S}.hash",
}

// Pattern fragments used for reserved placeholders nobody supplied.
var patternDefaults = map[string]string{
	"level":    `\d`,
	"ext":      `(?P<ext>.*)`,
	"basename": `(?P<basename>.*)`,
	"dbname":   `[^-\s]+`,
}

// Fields holds placeholder values.
type Fields map[string]interface{}

// Scheme renders file names from templates and derives the regular
// expressions that find them again.
type Scheme struct {
	ID string

	templates [len(formatKeys)]string
	parsed    [len(formatKeys)][]segment
	static    Fields
	date      time.Time

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

func newScheme(id string, templates [len(formatKeys)]string, static Fields, date time.Time) (*Scheme, error) {
	s := &Scheme{
		ID:        id,
		templates: templates,
		static:    static,
		date:      date,
		compiled:  make(map[string]*regexp.Regexp),
	}
	for i, tmpl := range templates {
		segments, err := parseTemplate(tmpl)
		if err != nil {
			return nil, fmt.Errorf("scheme %s, %s: %w", id, Format(i), err)
		}
		s.parsed[i] = segments
	}
	return s, nil
}

// Template returns the raw template string of f.
func (s *Scheme) Template(f Format) string {
	return s.templates[f]
}

// Render substitutes placeholders of template f. Overrides win over action
// fields, which win over static scheme fields. The date placeholder falls
// back to the run start time.
func (s *Scheme) Render(f Format, action, overrides Fields) (string, error) {
	var b strings.Builder
	for _, seg := range s.parsed[f] {
		if !seg.isField() {
			b.WriteString(seg.literal)
			continue
		}
		value, ok := s.lookup(seg.field, action, overrides)
		if !ok {
			if seg.field != "date" {
				return "", fmt.Errorf("%w: {%s} in scheme %s", ErrUnresolvedField, seg.field, s.ID)
			}
			value = s.date
		}
		b.WriteString(formatValue(value, seg.spec))
	}
	return b.String(), nil
}

// Pattern builds the regular expression matching names rendered from
// template f. Override values are inserted as regular expressions, other
// values are quoted. Reserved placeholders without a value become
// permissive fragments; date is derived from its strftime spec.
func (s *Scheme) Pattern(f Format, action, overrides Fields) (string, error) {
	var b strings.Builder
	for _, seg := range s.parsed[f] {
		if !seg.isField() {
			b.WriteString(regexp.QuoteMeta(seg.literal))
			continue
		}
		if v, ok := overrides[seg.field]; ok && v != nil {
			b.WriteString(formatValue(v, seg.spec))
			continue
		}
		if seg.field == "date" {
			b.WriteString(DateRegex(dateSpec(seg.spec)))
			continue
		}
		if value, ok := s.lookup(seg.field, action, nil); ok {
			b.WriteString(regexp.QuoteMeta(formatValue(value, seg.spec)))
			continue
		}
		if def, ok := patternDefaults[seg.field]; ok {
			b.WriteString(def)
			continue
		}
		return "", fmt.Errorf("%w: {%s} in scheme %s", ErrUnresolvedField, seg.field, s.ID)
	}
	return b.String(), nil
}

// ExtractTime reads the date group of pattern from name and parses it with
// the date specs of the scheme templates.
func (s *Scheme) ExtractTime(name, pattern string) (time.Time, bool) {
	re, err := s.compile(pattern)
	if err != nil {
		return time.Time{}, false
	}
	m := re.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	idx := re.SubexpIndex("date")
	if idx < 0 {
		return time.Time{}, false
	}
	date := m[idx]
	for _, segments := range s.parsed {
		spec, ok := fieldSpec(segments, "date")
		if !ok {
			continue
		}
		t, err := strftime.Parse(dateSpec(spec), date)
		if err != nil {
			continue
		}
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.Local), true
	}
	return time.Time{}, false
}

// Match reports whether name matches pattern from its beginning.
func (s *Scheme) Match(name, pattern string) (map[string]string, bool) {
	re, err := s.compile(pattern)
	if err != nil {
		return nil, false
	}
	m := re.FindStringSubmatch(name)
	if m == nil {
		return nil, false
	}
	groups := make(map[string]string)
	for i, n := range re.SubexpNames() {
		if n != "" {
			groups[n] = m[i]
		}
	}
	return groups, true
}

func (s *Scheme) compile(pattern string) (*regexp.Regexp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if re, ok := s.compiled[pattern]; ok {
		return re, nil
	}
	re, err := Compile(pattern)
	if err != nil {
		return nil, err
	}
	s.compiled[pattern] = re
	return re, nil
}

func (s *Scheme) lookup(field string, action, overrides Fields) (interface{}, bool) {
	for _, src := range []Fields{overrides, action, s.static} {
		if v, ok := src[field]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Compile anchors pattern at the start of the name.
func Compile(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pattern + ")")
}

func formatValue(v interface{}, spec string) string {
	if t, ok := v.(time.Time); ok {
		return strftime.Format(dateSpec(spec), t)
	}
	return cast.ToString(v)
}

// dateSpec is the strftime spec of a date placeholder; a bare {date} uses
// FilenameDateFormat.
func dateSpec(spec string) string {
	if spec == "" {
		return FilenameDateFormat
	}
	return spec
}

var strftimeRegex = map[byte]string{
	'd': `(?:0[1-9]|[1-2]\d|30|31)`,
	'm': `(?:0[1-9]|1[0-2])`,
	'Y': `(?:\d{4})`,
	'H': `(?:[0-1]\d|2[0-4])`,
	'M': `(?:[0-5]\d)`,
	'S': `(?:[0-5]\d)`,
}

// DateRegex converts a strftime spec into a regular expression with a named
// "date" group. Unsupported directives are matched literally.
func DateRegex(spec string) string {
	var b strings.Builder
	for i := 0; i < len(spec); i++ {
		if spec[i] == '%' && i+1 < len(spec) {
			if re, ok := strftimeRegex[spec[i+1]]; ok {
				b.WriteString(re)
				i++
				continue
			}
		}
		b.WriteString(regexp.QuoteMeta(spec[i : i+1]))
	}
	return "(?P<date>" + b.String() + ")"
}
