// SPDX-License-Identifier: MPL-2.0

package resource

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidVersion is the sentinel error wrapped by InvalidVersionError.
	ErrInvalidVersion = errors.New("invalid version")
	// ErrInvalidVersionRange is the sentinel error wrapped by InvalidVersionRangeError.
	ErrInvalidVersionRange = errors.New("invalid version range")

	// EmptyVersion is 0.0.0, the version assumed when none is declared.
	EmptyVersion = Version{}

	versionRegex = regexp.MustCompile(`^(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:\.([0-9A-Za-z_\-]+))?$`)
)

type (
	// Version is a four-part major.minor.micro.qualifier version.
	// Qualifiers compare lexically; a missing qualifier sorts first.
	Version struct {
		Major     int
		Minor     int
		Micro     int
		Qualifier string
	}

	// InvalidVersionError is returned when a version string cannot be parsed.
	InvalidVersionError struct {
		Value string
	}

	// VersionRange is an interval of versions. A nil Right means unbounded.
	// The textual forms are "1.0" (at least 1.0) and interval notation such as
	// "[1.0,2.0)".
	VersionRange struct {
		Left      Version
		LeftOpen  bool
		Right     *Version
		RightOpen bool
	}

	// InvalidVersionRangeError is returned when a range string cannot be parsed.
	InvalidVersionRangeError struct {
		Value  string
		Reason string
	}
)

// ParseVersion parses a version string. The empty string yields EmptyVersion.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EmptyVersion, nil
	}
	m := versionRegex.FindStringSubmatch(s)
	if m == nil {
		return Version{}, &InvalidVersionError{Value: s}
	}
	var v Version
	parts := []*int{&v.Major, &v.Minor, &v.Micro}
	for i, p := range parts {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Version{}, &InvalidVersionError{Value: s}
		}
		*p = n
	}
	v.Qualifier = m[4]
	return v, nil
}

// MustParseVersion is like ParseVersion but panics on error.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the canonical text form, always with three numeric parts.
func (v Version) String() string {
	base := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
	if v.Qualifier != "" {
		return base + "." + v.Qualifier
	}
	return base
}

// Compare returns -1, 0 or 1 depending on whether v sorts before, equal to or after o.
func (v Version) Compare(o Version) int {
	for _, d := range [3][2]int{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Micro, o.Micro}} {
		if d[0] != d[1] {
			if d[0] < d[1] {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(v.Qualifier, o.Qualifier)
}

// Error implements the error interface.
func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid version %q", e.Value)
}

// Unwrap returns ErrInvalidVersion for errors.Is() compatibility.
func (e *InvalidVersionError) Unwrap() error { return ErrInvalidVersion }

// AnyVersion returns the range that includes every version.
func AnyVersion() VersionRange {
	return VersionRange{Left: EmptyVersion}
}

// ExactVersion returns the range [v,v].
func ExactVersion(v Version) VersionRange {
	right := v
	return VersionRange{Left: v, Right: &right}
}

// ParseVersionRange parses "1.0", "[1.0,2.0)", "(1.0,2.0]" and so on.
// The empty string yields AnyVersion.
func ParseVersionRange(s string) (VersionRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return AnyVersion(), nil
	}

	if s[0] != '[' && s[0] != '(' {
		v, err := ParseVersion(s)
		if err != nil {
			return VersionRange{}, &InvalidVersionRangeError{Value: s, Reason: err.Error()}
		}
		return VersionRange{Left: v}, nil
	}

	last := s[len(s)-1]
	if last != ']' && last != ')' {
		return VersionRange{}, &InvalidVersionRangeError{Value: s, Reason: "missing closing bracket"}
	}
	left, right, ok := strings.Cut(s[1:len(s)-1], ",")
	if !ok {
		return VersionRange{}, &InvalidVersionRangeError{Value: s, Reason: "missing comma"}
	}
	lv, err := ParseVersion(left)
	if err != nil {
		return VersionRange{}, &InvalidVersionRangeError{Value: s, Reason: err.Error()}
	}
	rv, err := ParseVersion(right)
	if err != nil {
		return VersionRange{}, &InvalidVersionRangeError{Value: s, Reason: err.Error()}
	}

	r := VersionRange{Left: lv, LeftOpen: s[0] == '(', Right: &rv, RightOpen: last == ')'}
	if lv.Compare(rv) > 0 {
		return VersionRange{}, &InvalidVersionRangeError{Value: s, Reason: "left bound exceeds right bound"}
	}
	return r, nil
}

// MustParseVersionRange is like ParseVersionRange but panics on error.
func MustParseVersionRange(s string) VersionRange {
	r, err := ParseVersionRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Includes reports whether v lies inside the range.
func (r VersionRange) Includes(v Version) bool {
	c := v.Compare(r.Left)
	if c < 0 || (c == 0 && r.LeftOpen) {
		return false
	}
	if r.Right == nil {
		return true
	}
	c = v.Compare(*r.Right)
	return c < 0 || (c == 0 && !r.RightOpen)
}

// String returns the range in the notation accepted by ParseVersionRange.
func (r VersionRange) String() string {
	if r.Right == nil {
		return r.Left.String()
	}
	open, closing := "[", "]"
	if r.LeftOpen {
		open = "("
	}
	if r.RightOpen {
		closing = ")"
	}
	return open + r.Left.String() + "," + r.Right.String() + closing
}

// FilterString renders the range as a filter expression over attr.
func (r VersionRange) FilterString(attr string) string {
	var lower string
	if r.LeftOpen {
		lower = fmt.Sprintf("(!(%s<=%s))", attr, r.Left)
	} else {
		lower = fmt.Sprintf("(%s>=%s)", attr, r.Left)
	}
	if r.Right == nil {
		return lower
	}
	var upper string
	if r.RightOpen {
		upper = fmt.Sprintf("(!(%s>=%s))", attr, *r.Right)
	} else {
		upper = fmt.Sprintf("(%s<=%s)", attr, *r.Right)
	}
	return "(&" + lower + upper + ")"
}

// Error implements the error interface.
func (e *InvalidVersionRangeError) Error() string {
	return fmt.Sprintf("invalid version range %q: %s", e.Value, e.Reason)
}

// Unwrap returns ErrInvalidVersionRange for errors.Is() compatibility.
func (e *InvalidVersionRangeError) Unwrap() error { return ErrInvalidVersionRange }
