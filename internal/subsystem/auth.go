// SPDX-License-Identifier: MPL-2.0

package subsystem

import "context"

const (
	OpInstall      Operation = "install"
	OpStart        Operation = "start"
	OpStop         Operation = "stop"
	OpUninstall    Operation = "uninstall"
	OpRequirements Operation = "add-requirements"
	OpInspect      Operation = "inspect"
)

type (
	// Operation names a lifecycle operation checked by an Authorizer.
	Operation string

	// Authorizer decides whether the caller may perform op on target. A
	// non-nil error denies the operation. Install is checked against the
	// parent the new subsystem is installed into.
	Authorizer interface {
		Authorize(ctx context.Context, op Operation, target *Subsystem) error
	}

	// AuthorizerFunc adapts a function to Authorizer.
	AuthorizerFunc func(ctx context.Context, op Operation, target *Subsystem) error

	allowAll struct{}
)

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, op Operation, target *Subsystem) error {
	return f(ctx, op, target)
}

func (allowAll) Authorize(context.Context, Operation, *Subsystem) error { return nil }
