// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func TestFormatErrorPassesThroughPlainErrors(t *testing.T) {
	t.Parallel()

	if err := FormatError(nil, "x.cue"); err != nil {
		t.Errorf("FormatError(nil) = %v", err)
	}
	plain := errors.New("disk on fire")
	err := FormatError(plain, "x.cue")
	if !errors.Is(err, plain) || !strings.HasPrefix(err.Error(), "x.cue: ") {
		t.Errorf("FormatError(plain) = %v", err)
	}
}

func TestErrorRendering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "single issue with path",
			err:  &Error{File: "config.cue", Issues: []Issue{{Path: "content[0].name", Message: "expected string, got int"}}},
			want: "config.cue: content[0].name: expected string, got int",
		},
		{
			name: "syntax error has no path",
			err:  &Error{File: "config.cue", Issues: []Issue{{Message: "expected operand"}}},
			want: "config.cue: expected operand",
		},
		{
			name: "several issues",
			err: &Error{File: "a.module.cue", Issues: []Issue{
				{Path: "symbolic_name", Message: "invalid value"},
				{Path: "version", Message: "conflicting values"},
			}},
			want: "a.module.cue: validation failed:\n  symbolic_name: invalid value\n  version: conflicting values",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorPaths(t *testing.T) {
	t.Parallel()

	e := &Error{Issues: []Issue{{Path: "a"}, {Message: "syntax"}, {Path: "b[1]"}, {Path: "a"}}}
	if got := e.Paths(); !slices.Equal(got, []string{"a", "b[1]"}) {
		t.Errorf("Paths() = %v", got)
	}
}

func TestFormatPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path []string
		want string
	}{
		{nil, ""},
		{[]string{"name"}, "name"},
		{[]string{"metrics", "address"}, "metrics.address"},
		{[]string{"content", "0", "name"}, "content[0].name"},
		{[]string{"content", "0", "requirements", "2", "filter"}, "content[0].requirements[2].filter"},
		{[]string{"0"}, "0"},
	}
	for _, tt := range tests {
		if got := formatPath(tt.path); got != tt.want {
			t.Errorf("formatPath(%v) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestCheckSize(t *testing.T) {
	t.Parallel()

	if err := checkSize(make([]byte, 100), 100, "x.cue"); err != nil {
		t.Errorf("at limit: %v", err)
	}
	if err := checkSize(make([]byte, 100), 0, "x.cue"); err != nil {
		t.Errorf("no limit: %v", err)
	}
	err := checkSize(make([]byte, 101), 100, "x.cue")
	var se *SizeError
	if !errors.As(err, &se) || !errors.Is(err, ErrTooLarge) {
		t.Fatalf("over limit = %v", err)
	}
	if se.Size != 101 || se.Limit != 100 || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Errorf("SizeError = %+v (%v)", se, err)
	}
}
