// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable, user-facing errors for the tessera CLI.
//
// An ActionableError names the operation that failed, the subsystem or file
// involved and suggestions for fixing it. Well-known failures additionally map
// to an Issue from the catalog, whose Markdown guidance is rendered with
// glamour.
package issue
