package pkgmgr

import (
	"fmt"
	"strings"
	"unicode"
)

// Request names a package and an optional version constraint, written
// "name", "name=1.0", "name>=1.0", "name<2" and so on.
type Request struct {
	Name    string
	Op      string
	Version string
}

var ops = []string{">=", "<=", "=", ">", "<"}

// ParseRequest parses a package request.
func ParseRequest(s string) (Request, error) {
	s = strings.TrimSpace(s)
	for _, op := range ops {
		if name, version, ok := strings.Cut(s, op); ok {
			name, version = strings.TrimSpace(name), strings.TrimSpace(version)
			if name == "" || version == "" {
				return Request{}, fmt.Errorf("invalid package request %q", s)
			}
			return Request{Name: name, Op: op, Version: version}, nil
		}
	}
	if s == "" || strings.ContainsAny(s, " \t<>=") {
		return Request{}, fmt.Errorf("invalid package request %q", s)
	}
	return Request{Name: s}, nil
}

// ParseRequests parses each string with ParseRequest.
func ParseRequests(ss []string) ([]Request, error) {
	reqs := make([]Request, 0, len(ss))
	for _, s := range ss {
		r, err := ParseRequest(s)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

func (r Request) String() string { return r.Name + r.Op + r.Version }

// Matches reports whether version satisfies the constraint.
func (r Request) Matches(version string) bool {
	if r.Op == "" {
		return true
	}
	c := Vercmp(version, r.Version)
	switch r.Op {
	case "=":
		return c == 0
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	}
	return false
}

// Vercmp compares two [epoch:]version[-release] strings the way pacman
// does: -1 if a is older, 0 if equal, 1 if newer.
func Vercmp(a, b string) int {
	if a == b {
		return 0
	}

	ea, va, ra := splitEVR(a)
	eb, vb, rb := splitEVR(b)

	if c := segcmp(ea, eb); c != 0 {
		return c
	}
	if c := segcmp(va, vb); c != 0 {
		return c
	}
	if ra != "" && rb != "" {
		return segcmp(ra, rb)
	}
	return 0
}

func splitEVR(s string) (epoch, version, release string) {
	epoch = "0"
	if e, rest, ok := strings.Cut(s, ":"); ok && e != "" && strings.IndexFunc(e, notDigit) == -1 {
		epoch, s = e, rest
	}
	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		return epoch, s[:i], s[i+1:]
	}
	return epoch, s, ""
}

func notDigit(r rune) bool { return !unicode.IsDigit(r) }
func notAlnum(r rune) bool { return !isDigit(r) && !isAlpha(r) }
func isDigit(r rune) bool  { return r >= '0' && r <= '9' }
func isAlpha(r rune) bool  { return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') }

func span(s string, pred func(rune) bool) (string, string) {
	i := strings.IndexFunc(s, func(r rune) bool { return !pred(r) })
	if i == -1 {
		return s, ""
	}
	return s[:i], s[i:]
}

// segcmp compares alternating numeric and alphabetic segments.
func segcmp(a, b string) int {
	if a == b {
		return 0
	}

	for a != "" && b != "" {
		a = strings.TrimLeftFunc(a, notAlnum)
		b = strings.TrimLeftFunc(b, notAlnum)
		if a == "" || b == "" {
			break
		}

		numeric := isDigit(rune(a[0]))
		pred := isAlpha
		if numeric {
			pred = isDigit
		}

		var sa, sb string
		sa, a = span(a, pred)
		sb, b = span(b, pred)

		if sb == "" {
			// Segments of different types: numbers are newer.
			if numeric {
				return 1
			}
			return -1
		}

		if numeric {
			sa = strings.TrimLeft(sa, "0")
			sb = strings.TrimLeft(sb, "0")
			if len(sa) != len(sb) {
				if len(sa) > len(sb) {
					return 1
				}
				return -1
			}
		}
		if c := strings.Compare(sa, sb); c != 0 {
			return c
		}
	}

	if a == "" && b == "" {
		return 0
	}
	// A leftover alphabetic suffix never beats an empty string.
	if (a == "" && (b == "" || !isAlpha(rune(b[0])))) || (a != "" && isAlpha(rune(a[0]))) {
		return -1
	}
	return 1
}
