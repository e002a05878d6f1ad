package naming

import (
	"fmt"
	"strings"
)

type segment struct {
	literal string
	field   string
	spec    string
}

func (s segment) isField() bool {
	return s.field != ""
}

// parseTemplate splits a "{name:spec}" style template into literal and
// placeholder segments. "{{" and "}}" stand for literal braces.
func parseTemplate(tmpl string) ([]segment, error) {
	var (
		segments []segment
		literal  strings.Builder
	)
	flush := func() {
		if literal.Len() > 0 {
			segments = append(segments, segment{literal: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			literal.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			literal.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed placeholder in %q", ErrBadTemplate, tmpl)
			}
			body := tmpl[i+1 : i+end]
			name, spec := body, ""
			if idx := strings.IndexByte(body, ':'); idx >= 0 {
				name, spec = body[:idx], body[idx+1:]
			}
			if idx := strings.IndexByte(name, '!'); idx >= 0 {
				name = name[:idx]
			}
			if name == "" {
				return nil, fmt.Errorf("%w: empty placeholder in %q", ErrBadTemplate, tmpl)
			}
			flush()
			segments = append(segments, segment{field: name, spec: spec})
			i += end
		case c == '}':
			return nil, fmt.Errorf("%w: single '}' in %q", ErrBadTemplate, tmpl)
		default:
			literal.WriteByte(c)
		}
	}
	flush()
	return segments, nil
}

// fieldSpec returns the format spec of the first placeholder named key.
func fieldSpec(segments []segment, key string) (string, bool) {
	for _, s := range segments {
		if s.field == key {
			return s.spec, true
		}
	}
	return "", false
}
