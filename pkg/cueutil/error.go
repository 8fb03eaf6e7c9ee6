// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"errors"
	"fmt"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ErrTooLarge is returned for documents above the configured size limit.
var ErrTooLarge = errors.New("document too large")

type (
	// Issue is one problem found in a document.
	Issue struct {
		// Path is the JSON-style path of the offending field, e.g.
		// "content[0].name". Empty for syntax errors.
		Path    string
		Message string
	}

	// Error lists the issues CUE reported for a document.
	Error struct {
		File   string
		Issues []Issue
	}

	// SizeError reports a document above the size limit.
	SizeError struct {
		File  string
		Size  int64
		Limit int64
	}
)

func (e *Error) Error() string {
	lines := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		lines[i] = is.String()
	}
	if len(lines) == 1 {
		return e.File + ": " + lines[0]
	}
	return fmt.Sprintf("%s: validation failed:\n  %s", e.File, strings.Join(lines, "\n  "))
}

// Paths returns the distinct non-empty issue paths in report order.
func (e *Error) Paths() []string {
	var out []string
	seen := make(map[string]bool)
	for _, is := range e.Issues {
		if is.Path != "" && !seen[is.Path] {
			seen[is.Path] = true
			out = append(out, is.Path)
		}
	}
	return out
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%s: file size %d bytes exceeds maximum %d bytes", e.File, e.Size, e.Limit)
}

func (e *SizeError) Unwrap() error { return ErrTooLarge }

// FormatError converts a CUE error into an *Error whose issues carry
// JSON-style paths. Errors that do not come from CUE are prefixed with file.
func FormatError(err error, file string) error {
	if err == nil {
		return nil
	}
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return fmt.Errorf("%s: %w", file, err)
	}

	out := &Error{File: file, Issues: make([]Issue, 0, len(list))}
	for _, ce := range list {
		path := formatPath(cueerrors.Path(ce))
		msg := ce.Error()
		// CUE sometimes repeats the path at the start of the message.
		if path != "" {
			if rest, ok := strings.CutPrefix(msg, path); ok {
				msg = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
			}
		}
		out.Issues = append(out.Issues, Issue{Path: path, Message: msg})
	}
	return out
}

// formatPath renders ["content", "0", "name"] as "content[0].name".
func formatPath(path []string) string {
	var b strings.Builder
	for i, part := range path {
		switch {
		case i > 0 && isIndex(part):
			b.WriteString("[" + part + "]")
		case i > 0:
			b.WriteString("." + part)
		default:
			b.WriteString(part)
		}
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func checkSize(data []byte, limit int64, file string) error {
	if limit > 0 && int64(len(data)) > limit {
		return &SizeError{File: file, Size: int64(len(data)), Limit: limit}
	}
	return nil
}
