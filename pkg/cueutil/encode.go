// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"fmt"

	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/format"
)

// Encode renders v (a struct with json tags, or a map) as formatted CUE.
// The output round-trips through Decode against a matching schema.
func Encode(v any) ([]byte, error) {
	ctx := cuecontext.New()
	val := ctx.Encode(v)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("encode to CUE: %w", err)
	}
	out, err := format.Node(val.Syntax())
	if err != nil {
		return nil, fmt.Errorf("format CUE: %w", err)
	}
	return out, nil
}
