// SPDX-License-Identifier: MPL-2.0

// Package cueutil validates CUE documents against embedded schemas and
// renders Go values back to CUE.
//
// Declared subsystem manifests, module descriptors, persisted lifecycle
// records and the configuration file all share one schema source per
// package; each document kind is a definition within it:
//
//	//go:embed schema.cue
//	var schemaSource []byte
//
//	var subsystemSchema = cueutil.NewSchema(schemaSource, "#Subsystem")
//
//	decl, err := cueutil.Decode[manifest.Declared](subsystemSchema, data,
//	    cueutil.WithFilename("subsystem.cue"))
//
// Validation failures are reported as *Error values whose issues carry
// JSON-style paths such as content[0].start_order.
package cueutil
