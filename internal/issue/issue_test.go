// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"strings"
	"testing"
)

func TestCatalogIsComplete(t *testing.T) {
	t.Parallel()

	values := Values()
	if len(values) != int(WatchLimitId) {
		t.Fatalf("catalog has %d entries, want %d", len(values), WatchLimitId)
	}
	for i, is := range values {
		if is.Id() != Id(i+1) {
			t.Errorf("Values()[%d].Id() = %d", i, is.Id())
		}
		if !strings.HasPrefix(strings.TrimSpace(string(is.MarkdownMsg())), "# ") {
			t.Errorf("issue %d has no heading", is.Id())
		}
	}
	if Get(0) != nil {
		t.Error("Get(0) returned an issue")
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	is := &Issue{id: 99, mdMsg: "# Title\n\nbody", docLinks: []HttpLink{"https://example.com/docs"}}
	out, err := is.Render("notty")
	if err != nil {
		t.Fatalf("Render() = %v", err)
	}
	for _, want := range []string{"Title", "body", "See also", "https://example.com/docs"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered output missing %q:\n%s", want, out)
		}
	}
}

func TestLinksAreCopies(t *testing.T) {
	t.Parallel()

	is := &Issue{docLinks: []HttpLink{"a"}}
	links := is.DocLinks()
	links[0] = "b"
	if is.docLinks[0] != "a" {
		t.Error("DocLinks exposed internal slice")
	}
}

func TestActionableError(t *testing.T) {
	t.Parallel()

	cause := errors.New("no provider for (package=foo)")
	tests := []struct {
		name string
		err  *ActionableError
		want string
	}{
		{"operation only", &ActionableError{Operation: "start subsystem"}, "failed to start subsystem"},
		{"with resource", &ActionableError{Operation: "start subsystem", Resource: "3"}, "failed to start subsystem: 3"},
		{"with cause", &ActionableError{Operation: "install subsystem", Resource: "./app", Cause: cause}, "failed to install subsystem: ./app: no provider for (package=foo)"},
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

func TestErrorContextBuild(t *testing.T) {
	t.Parallel()

	cause := errors.New("cycle")
	err := NewErrorContext().
		WithOperation("install subsystem").
		WithResource("./child").
		WithSuggestion("Install under a different parent").
		WithSuggestions("Inspect the tree").
		WithIssue(DependencyCycleId).
		Wrap(cause).
		BuildError()

	var ae *ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("BuildError() = %T", err)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable with errors.Is")
	}
	if ae.Issue != DependencyCycleId || len(ae.Suggestions) != 2 || !ae.HasSuggestions() {
		t.Errorf("built = %+v", ae)
	}
	if NewErrorContext().Wrap(cause).BuildError() != nil {
		t.Error("context without operation built an error")
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	inner := errors.New("disk full")
	ae := &ActionableError{
		Operation:   "save subsystem",
		Suggestions: []string{"Free some space"},
		Cause:       errors.Join(inner),
	}
	short := ae.Format(false)
	if !strings.Contains(short, "  • Free some space") || strings.Contains(short, "Error chain") {
		t.Errorf("Format(false) = %q", short)
	}
	if long := ae.Format(true); !strings.Contains(long, "Error chain:") || !strings.Contains(long, "1. disk full") {
		t.Errorf("Format(true) = %q", long)
	}
}
