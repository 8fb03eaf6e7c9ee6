// SPDX-License-Identifier: MPL-2.0

// Package testutil writes subsystem archives and file repositories to disk
// from compact descriptions (WriteArchive, WriteRepository) and isolates
// the directories tessera derives its configuration and state from.
package testutil
