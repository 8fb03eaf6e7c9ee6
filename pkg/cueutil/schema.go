// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Schema is one definition inside an embedded CUE schema source.
// A cue.Context is not safe for concurrent use, so every call compiles
// into a fresh context; a Schema itself is immutable and shareable.
type Schema struct {
	src []byte
	def cue.Path
}

// NewSchema returns the schema rooted at definition def (e.g. "#Module").
func NewSchema(src []byte, def string) *Schema {
	return &Schema{src: src, def: cue.ParsePath(def)}
}

// Definition returns the schema for another definition of the same source.
func (s *Schema) Definition(def string) *Schema {
	return NewSchema(s.src, def)
}

// Unify compiles data, unifies it with the schema definition and
// validates the result.
func (s *Schema) Unify(data []byte, opts ...Option) (cue.Value, error) {
	o := newOptions(opts)
	if err := checkSize(data, o.maxFileSize, o.filename); err != nil {
		return cue.Value{}, err
	}

	ctx := cuecontext.New()
	root := ctx.CompileBytes(s.src).LookupPath(s.def)
	if err := root.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("schema %s: %w", s.def, err)
	}
	doc := ctx.CompileBytes(data, cue.Filename(o.filename))
	if err := doc.Err(); err != nil {
		return cue.Value{}, FormatError(err, o.filename)
	}

	unified := root.Unify(doc)
	if err := unified.Validate(cue.Concrete(o.concrete)); err != nil {
		return cue.Value{}, FormatError(err, o.filename)
	}
	return unified, nil
}

// DecodeMap is Unify followed by decoding into a generic map, the shape
// viper merges.
func (s *Schema) DecodeMap(data []byte, opts ...Option) (map[string]any, error) {
	v, err := s.Unify(data, opts...)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := v.Decode(&out); err != nil {
		return nil, FormatError(err, newOptions(opts).filename)
	}
	return out, nil
}

// Decode validates data against s and decodes it into a T.
func Decode[T any](s *Schema, data []byte, opts ...Option) (*T, error) {
	v, err := s.Unify(data, opts...)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := v.Decode(out); err != nil {
		return nil, FormatError(err, newOptions(opts).filename)
	}
	return out, nil
}
