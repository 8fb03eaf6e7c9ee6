// SPDX-License-Identifier: MPL-2.0

package main

import "fmt"

// Exit codes. Scripts driving tessera can tell a failed resolution from a
// request that conflicts with the current tree.
const (
	ExitFailure    = 1
	ExitInvalid    = 2
	ExitResolution = 3
	ExitConflict   = 4
	ExitDenied     = 5
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }
