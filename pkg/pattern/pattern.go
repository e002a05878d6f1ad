package pattern

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/multierr"
)

// Translate converts a shell glob into an unanchored regular expression.
// "*" and "?" match any character including the path separator, bracket
// expressions are kept and "[!...]" negates.
func Translate(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := i + 1
			if j < len(glob) && glob[j] == '!' {
				j++
			}
			if j < len(glob) && glob[j] == ']' {
				j++
			}
			for j < len(glob) && glob[j] != ']' {
				j++
			}
			if j >= len(glob) {
				b.WriteString(`\[`)
				continue
			}
			body := glob[i+1 : j]
			if strings.HasPrefix(body, "!") {
				body = "^" + body[1:]
			} else if strings.HasPrefix(body, "^") {
				body = `\` + body
			}
			body = strings.ReplaceAll(body, `\`, `\\`)
			b.WriteString("[" + body + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}

// Set is a list of compiled patterns. Regular expressions match from the
// start of a name, globs must match the whole name.
type Set struct {
	res []*regexp.Regexp
}

// Compile prepares patterns. Empty entries are dropped. When useRegexp is
// false every entry is a shell glob. Invalid entries are left out of the
// returned set, which is always usable, and reported together in the error.
func Compile(patterns []string, useRegexp bool) (*Set, error) {
	s := &Set{}
	var errs error
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		expr := "^(?:" + p + ")"
		if !useRegexp {
			expr = "^(?s:" + Translate(p) + `)\z`
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("pattern %q: %w", p, err))
			continue
		}
		s.res = append(s.res, re)
	}
	return s, errs
}

// Match reports whether any pattern matches name.
func (s *Set) Match(name string) bool {
	if s == nil {
		return false
	}
	for _, re := range s.res {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Len returns the number of patterns.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.res)
}

// Fragment returns p as a regular expression fragment, translating globs.
func Fragment(p string, useRegexp bool) string {
	p = strings.TrimSpace(p)
	if useRegexp {
		return p
	}
	return Translate(p)
}
