// SPDX-License-Identifier: MPL-2.0

package resource

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidFilter is the sentinel error wrapped by InvalidFilterError.
var ErrInvalidFilter = errors.New("invalid filter")

const (
	opAnd filterOp = iota
	opOr
	opNot
	opEqual
	opApprox
	opGreaterEq
	opLessEq
	opPresent
	opSubstring
)

type (
	filterOp int

	// Filter is a parsed LDAP-style filter such as
	// "(&(package=foo)(version>=1.0))". A Filter is immutable once parsed.
	Filter struct {
		op       filterOp
		attr     string
		value    string
		parts    []string
		children []*Filter
		text     string
	}

	// InvalidFilterError is returned when a filter string cannot be parsed.
	InvalidFilterError struct {
		Value  string
		Pos    int
		Reason string
	}

	filterParser struct {
		s   string
		pos int
	}
)

// ParseFilter parses an LDAP-style filter expression.
func ParseFilter(s string) (*Filter, error) {
	p := &filterParser{s: strings.TrimSpace(s)}
	f, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, p.errorf("unexpected trailing characters")
	}
	return f, nil
}

// MustParseFilter is like ParseFilter but panics on error.
func MustParseFilter(s string) *Filter {
	f, err := ParseFilter(s)
	if err != nil {
		panic(err)
	}
	return f
}

// String returns the filter text as it was parsed.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.text
}

// Matches reports whether the attributes satisfy the filter. A nil filter
// matches everything.
func (f *Filter) Matches(attrs Attributes) bool {
	if f == nil {
		return true
	}
	switch f.op {
	case opAnd:
		for _, c := range f.children {
			if !c.Matches(attrs) {
				return false
			}
		}
		return true
	case opOr:
		for _, c := range f.children {
			if c.Matches(attrs) {
				return true
			}
		}
		return false
	case opNot:
		return !f.children[0].Matches(attrs)
	case opPresent:
		_, ok := attrs.Lookup(f.attr)
		return ok
	default:
		v, ok := attrs.Lookup(f.attr)
		if !ok {
			return false
		}
		return f.compare(v)
	}
}

// Attributes returns the attribute names the filter references.
func (f *Filter) Attributes() []string {
	if f == nil {
		return nil
	}
	var out []string
	var walk func(*Filter)
	walk = func(n *Filter) {
		if n.attr != "" {
			out = append(out, n.attr)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(f)
	return out
}

func (f *Filter) compare(v any) bool {
	switch x := v.(type) {
	case []string:
		for _, e := range x {
			if f.compare(e) {
				return true
			}
		}
		return false
	case []any:
		for _, e := range x {
			if f.compare(e) {
				return true
			}
		}
		return false
	case string:
		return f.compareString(x)
	case Version:
		fv, err := ParseVersion(f.value)
		if err != nil {
			return false
		}
		return f.ordered(x.Compare(fv))
	case int:
		return f.compareInt(int64(x))
	case int64:
		return f.compareInt(x)
	case float64:
		fv, err := strconv.ParseFloat(strings.TrimSpace(f.value), 64)
		if err != nil {
			return false
		}
		switch {
		case x < fv:
			return f.ordered(-1)
		case x > fv:
			return f.ordered(1)
		default:
			return f.ordered(0)
		}
	case bool:
		fv, err := strconv.ParseBool(strings.TrimSpace(f.value))
		if err != nil {
			return false
		}
		return (f.op == opEqual || f.op == opApprox) && x == fv
	default:
		return f.compareString(fmt.Sprint(x))
	}
}

func (f *Filter) compareInt(x int64) bool {
	fv, err := strconv.ParseInt(strings.TrimSpace(f.value), 10, 64)
	if err != nil {
		return false
	}
	switch {
	case x < fv:
		return f.ordered(-1)
	case x > fv:
		return f.ordered(1)
	default:
		return f.ordered(0)
	}
}

func (f *Filter) compareString(s string) bool {
	switch f.op {
	case opSubstring:
		return matchSubstring(s, f.parts)
	case opApprox:
		return strings.EqualFold(stripSpace(s), stripSpace(f.value))
	default:
		return f.ordered(strings.Compare(s, f.value))
	}
}

// ordered maps a comparison result onto the filter operator.
func (f *Filter) ordered(c int) bool {
	switch f.op {
	case opEqual, opApprox:
		return c == 0
	case opGreaterEq:
		return c >= 0
	case opLessEq:
		return c <= 0
	default:
		return false
	}
}

func matchSubstring(s string, parts []string) bool {
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, mid := range parts[1 : len(parts)-1] {
		i := strings.Index(s, mid)
		if i < 0 {
			return false
		}
		s = s[i+len(mid):]
	}
	return strings.HasSuffix(s, last)
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func (p *filterParser) parseFilter() (*Filter, error) {
	p.skipSpace()
	start := p.pos
	if !p.consume('(') {
		return nil, p.errorf("expected '('")
	}
	p.skipSpace()
	if p.pos >= len(p.s) {
		return nil, p.errorf("unexpected end of filter")
	}

	var (
		f   *Filter
		err error
	)
	switch p.s[p.pos] {
	case '&':
		p.pos++
		f, err = p.parseList(opAnd)
	case '|':
		p.pos++
		f, err = p.parseList(opOr)
	case '!':
		p.pos++
		var child *Filter
		child, err = p.parseFilter()
		if err == nil {
			f = &Filter{op: opNot, children: []*Filter{child}}
		}
	default:
		f, err = p.parseItem()
	}
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if !p.consume(')') {
		return nil, p.errorf("expected ')'")
	}
	f.text = p.s[start:p.pos]
	return f, nil
}

func (p *filterParser) parseList(op filterOp) (*Filter, error) {
	f := &Filter{op: op}
	for {
		p.skipSpace()
		if p.pos >= len(p.s) || p.s[p.pos] != '(' {
			break
		}
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		f.children = append(f.children, child)
	}
	if len(f.children) == 0 {
		return nil, p.errorf("empty filter list")
	}
	return f, nil
}

func (p *filterParser) parseItem() (*Filter, error) {
	start := p.pos
	for p.pos < len(p.s) && !strings.ContainsRune("=<>~()", rune(p.s[p.pos])) {
		p.pos++
	}
	attr := strings.TrimSpace(p.s[start:p.pos])
	if attr == "" {
		return nil, p.errorf("missing attribute name")
	}

	f := &Filter{attr: attr}
	switch {
	case strings.HasPrefix(p.s[p.pos:], "~="):
		f.op = opApprox
		p.pos += 2
	case strings.HasPrefix(p.s[p.pos:], ">="):
		f.op = opGreaterEq
		p.pos += 2
	case strings.HasPrefix(p.s[p.pos:], "<="):
		f.op = opLessEq
		p.pos += 2
	case strings.HasPrefix(p.s[p.pos:], "="):
		f.op = opEqual
		p.pos++
	default:
		return nil, p.errorf("expected operator")
	}

	var (
		cur     strings.Builder
		parts   []string
		raw     strings.Builder
		escaped bool
	)
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if escaped {
			cur.WriteByte(c)
			raw.WriteByte(c)
			escaped = false
			p.pos++
			continue
		}
		if c == '\\' {
			escaped = true
			p.pos++
			continue
		}
		if c == ')' {
			break
		}
		if c == '(' {
			return nil, p.errorf("unescaped '(' in value")
		}
		if c == '*' && f.op == opEqual {
			parts = append(parts, cur.String())
			cur.Reset()
		} else {
			cur.WriteByte(c)
		}
		raw.WriteByte(c)
		p.pos++
	}
	if escaped {
		return nil, p.errorf("dangling escape")
	}

	f.value = raw.String()
	if parts != nil {
		parts = append(parts, cur.String())
		if len(parts) == 2 && parts[0] == "" && parts[1] == "" {
			f.op = opPresent
		} else {
			f.op = opSubstring
			f.parts = parts
		}
	} else {
		f.value = cur.String()
	}
	return f, nil
}

func (p *filterParser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t' || p.s[p.pos] == '\n' || p.s[p.pos] == '\r') {
		p.pos++
	}
}

func (p *filterParser) consume(c byte) bool {
	if p.pos < len(p.s) && p.s[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *filterParser) errorf(reason string) error {
	return &InvalidFilterError{Value: p.s, Pos: p.pos, Reason: reason}
}

// Error implements the error interface.
func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter %q at offset %d: %s", e.Value, e.Pos, e.Reason)
}

// Unwrap returns ErrInvalidFilter for errors.Is() compatibility.
func (e *InvalidFilterError) Unwrap() error { return ErrInvalidFilter }
