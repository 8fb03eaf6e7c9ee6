// SPDX-License-Identifier: MPL-2.0

// Package manifest parses the CUE documents that describe subsystems and
// modules, and defines the record persisted for every installed subsystem.
//
// A subsystem archive is a directory holding subsystem.cue (the declared
// manifest), any number of *.module.cue module descriptors (the bundled local
// repository) and nested archives under subsystems/. When subsystem.cue is
// absent a manifest is derived from the directory name and the bundled
// modules.
package manifest
