package compat

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	version "github.com/hashicorp/go-version"
)

// Range is a set of alternative version constraints. A version satisfies
// the range when it satisfies any alternative. An empty Range matches every
// version.
type Range []version.Constraints

var partialPattern = regexp.MustCompile(`^v?(\d+|[xX*])(?:\.(\d+|[xX*]))?(?:\.(\d+|[xX*]))?$`)

// ParseRange translates an npm-style range ("^1.2.0", "~1.2", "1.x",
// ">=1.0.0 <2.0.0", "1.0.0 || 2.0.0") into go-version constraints.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" || s == "x" || s == "X" || s == "latest" {
		return nil, nil
	}

	var r Range
	for _, alt := range strings.Split(s, "||") {
		expr, err := translate(strings.TrimSpace(alt))
		if err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", s, err)
		}
		if expr == "" {
			return nil, nil
		}
		c, err := version.NewConstraint(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", s, err)
		}
		r = append(r, c)
	}
	return r, nil
}

// Check reports whether v satisfies the range.
func (r Range) Check(v *version.Version) bool {
	if len(r) == 0 {
		return true
	}
	for _, c := range r {
		if c.Check(v) {
			return true
		}
	}
	return false
}

// Satisfies reports whether the version string v satisfies the range
// string rng. Unparseable input never satisfies.
func Satisfies(v, rng string) bool {
	ver, err := version.NewVersion(v)
	if err != nil {
		return false
	}
	r, err := ParseRange(rng)
	if err != nil {
		return false
	}
	return r.Check(ver)
}

// translate converts one space-separated comparator set.
func translate(set string) (string, error) {
	// "1.0.0 - 2.0.0" hyphen ranges.
	if parts := strings.Split(set, " - "); len(parts) == 2 {
		lo, err := translate(">=" + strings.TrimSpace(parts[0]))
		if err != nil {
			return "", err
		}
		hi, err := translate("<=" + strings.TrimSpace(parts[1]))
		if err != nil {
			return "", err
		}
		return lo + ", " + hi, nil
	}

	var out []string
	for _, tok := range joinOperators(strings.Fields(set)) {
		expr, err := comparator(tok)
		if err != nil {
			return "", err
		}
		if expr != "" {
			out = append(out, expr)
		}
	}
	return strings.Join(out, ", "), nil
}

// joinOperators merges a bare operator with the version that follows it
// (">= 1.0.0" becomes ">=1.0.0").
func joinOperators(fields []string) []string {
	var out []string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if strings.Trim(f, "<>=!~^") == "" && i+1 < len(fields) {
			f += fields[i+1]
			i++
		}
		out = append(out, f)
	}
	return out
}

func comparator(tok string) (string, error) {
	switch {
	case tok == "*" || tok == "x" || tok == "X":
		return "", nil
	case strings.HasPrefix(tok, "^"):
		return caret(tok[1:])
	case strings.HasPrefix(tok, "~>"):
		return "~> " + tok[2:], nil
	case strings.HasPrefix(tok, "~"):
		return tilde(tok[1:])
	}

	for _, op := range []string{">=", "<=", "!=", ">", "<", "="} {
		if strings.HasPrefix(tok, op) {
			v := strings.TrimPrefix(tok[len(op):], "v")
			if _, err := version.NewVersion(v); err != nil {
				return "", err
			}
			return op + " " + v, nil
		}
	}

	// Bare version, possibly partial ("1", "1.2", "1.x").
	major, minor, patch, ok := partial(tok)
	if !ok {
		if _, err := version.NewVersion(tok); err != nil {
			return "", err
		}
		return "= " + strings.TrimPrefix(tok, "v"), nil
	}
	switch {
	case major < 0:
		return "", nil
	case minor < 0:
		return fmt.Sprintf(">= %d.0.0, < %d.0.0", major, major+1), nil
	case patch < 0:
		return fmt.Sprintf(">= %d.%d.0, < %d.%d.0", major, minor, major, minor+1), nil
	default:
		return fmt.Sprintf("= %d.%d.%d", major, minor, patch), nil
	}
}

// caret allows changes that do not modify the left-most non-zero part.
func caret(v string) (string, error) {
	major, minor, patch, ok := partial(v)
	if !ok {
		base, err := version.NewVersion(v)
		if err != nil {
			return "", err
		}
		seg := base.Segments()
		major, minor, patch = seg[0], seg[1], seg[2]
		return caretBounds(base.Original(), major, minor, patch), nil
	}
	if major < 0 {
		return "", nil
	}
	lo := fmt.Sprintf("%d.%d.%d", major, max(minor, 0), max(patch, 0))
	switch {
	case minor < 0:
		return fmt.Sprintf(">= %s, < %d.0.0", lo, major+1), nil
	case patch < 0 && major == 0:
		return fmt.Sprintf(">= %s, < 0.%d.0", lo, minor+1), nil
	case patch < 0:
		return fmt.Sprintf(">= %s, < %d.0.0", lo, major+1), nil
	}
	return caretBounds(lo, major, minor, patch), nil
}

func caretBounds(lo string, major, minor, patch int) string {
	switch {
	case major > 0:
		return fmt.Sprintf(">= %s, < %d.0.0", lo, major+1)
	case minor > 0:
		return fmt.Sprintf(">= %s, < 0.%d.0", lo, minor+1)
	default:
		return fmt.Sprintf(">= %s, < 0.0.%d", lo, patch+1)
	}
}

// tilde allows patch-level changes when a minor is given, minor-level
// changes otherwise.
func tilde(v string) (string, error) {
	major, minor, patch, ok := partial(v)
	if !ok {
		base, err := version.NewVersion(v)
		if err != nil {
			return "", err
		}
		seg := base.Segments()
		return fmt.Sprintf(">= %s, < %d.%d.0", base.Original(), seg[0], seg[1]+1), nil
	}
	if major < 0 {
		return "", nil
	}
	lo := fmt.Sprintf("%d.%d.%d", major, max(minor, 0), max(patch, 0))
	if minor < 0 {
		return fmt.Sprintf(">= %s, < %d.0.0", lo, major+1), nil
	}
	return fmt.Sprintf(">= %s, < %d.%d.0", lo, major, minor+1), nil
}

// partial parses "1", "1.2", "1.2.3" and wildcard forms. Missing or
// wildcard parts are returned as -1.
func partial(v string) (major, minor, patch int, ok bool) {
	m := partialPattern.FindStringSubmatch(v)
	if m == nil {
		return 0, 0, 0, false
	}
	nums := [3]int{-1, -1, -1}
	for i := 0; i < 3; i++ {
		part := m[i+1]
		if part == "" || part == "x" || part == "X" || part == "*" {
			break
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, 0, 0, false
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], true
}

// baseVersion returns the first concrete version mentioned in a range, used
// to compare two ranges that may not overlap.
func baseVersion(rng string) (*version.Version, bool) {
	for _, f := range strings.FieldsFunc(rng, func(r rune) bool {
		return r == ' ' || r == '|' || r == ','
	}) {
		f = strings.TrimLeft(f, "<>=!~^v")
		f = strings.NewReplacer("x", "0", "X", "0", "*", "0").Replace(f)
		if v, err := version.NewVersion(f); err == nil {
			return v, true
		}
	}
	return nil, false
}
