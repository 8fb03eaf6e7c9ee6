// SPDX-License-Identifier: MPL-2.0

package resource

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// NamespaceIdentity carries the identity capability every resource exposes.
	NamespaceIdentity Namespace = "identity"
	// NamespacePackage is the namespace for exported and imported packages.
	NamespacePackage Namespace = "package"
	// NamespaceHost attaches fragments to their host module.
	NamespaceHost Namespace = "host"
	// NamespaceService describes provided and consumed services.
	NamespaceService Namespace = "service"
	// NamespaceExecutionEnvironment describes the runtime environment.
	// Only the system repository may satisfy requirements in this namespace.
	NamespaceExecutionEnvironment Namespace = "ee"
	// NamespaceNative describes native platform properties.
	// Only the system repository may satisfy requirements in this namespace.
	NamespaceNative Namespace = "native"

	// TypeModule is an ordinary installable module.
	TypeModule Type = "module"
	// TypeFragment is a module that attaches to a host module.
	TypeFragment Type = "fragment"
	// TypeApplication is a scoped subsystem that imports what its content needs.
	TypeApplication Type = "application"
	// TypeComposite is a scoped subsystem with explicit import and export policy.
	TypeComposite Type = "composite"
	// TypeFeature is an unscoped subsystem sharing its parent's region.
	TypeFeature Type = "feature"

	// AttrVersion is the version attribute key on identity and package capabilities.
	AttrVersion = "version"
	// AttrType is the type attribute key on identity capabilities.
	AttrType = "type"

	// DirectiveResolution selects mandatory or optional resolution.
	DirectiveResolution = "resolution"
	// DirectiveCardinality selects single or multiple wiring.
	DirectiveCardinality = "cardinality"
	// DirectiveEffective selects when a requirement takes effect.
	DirectiveEffective = "effective"
	// DirectiveMandatory lists capability attributes a matching filter must reference.
	DirectiveMandatory = "mandatory"

	// ResolutionMandatory is the default resolution directive value.
	ResolutionMandatory = "mandatory"
	// ResolutionOptional marks a requirement that may stay unsatisfied.
	ResolutionOptional = "optional"
	// CardinalityMultiple allows wiring to more than one provider.
	CardinalityMultiple = "multiple"
	// EffectiveResolve is the default effective directive value.
	EffectiveResolve = "resolve"
)

var (
	// ErrInvalidNamespace is the sentinel error wrapped by InvalidNamespaceError.
	ErrInvalidNamespace = errors.New("invalid namespace")
	// ErrInvalidType is the sentinel error wrapped by InvalidTypeError.
	ErrInvalidType = errors.New("invalid resource type")
	// ErrInvalidLocation is the sentinel error wrapped by InvalidLocationError.
	ErrInvalidLocation = errors.New("invalid location")
)

type (
	// Namespace groups capabilities and requirements of one kind.
	Namespace string

	// InvalidNamespaceError is returned when a Namespace is empty or contains whitespace.
	InvalidNamespaceError struct {
		Value Namespace
	}

	// Type is the resource type recorded on the identity capability.
	Type string

	// InvalidTypeError is returned when a Type is not one of the known values.
	InvalidTypeError struct {
		Value Type
	}

	// Location uniquely identifies an installed resource (module or subsystem).
	Location string

	// InvalidLocationError is returned when a Location is empty or whitespace-only.
	InvalidLocationError struct {
		Value Location
	}
)

// Validate returns an error if the namespace is empty or contains whitespace.
func (n Namespace) Validate() error {
	if n == "" || strings.ContainsAny(string(n), " \t\r\n") {
		return &InvalidNamespaceError{Value: n}
	}
	return nil
}

// IsSystemOnly reports whether requirements in this namespace may only be
// satisfied by the system repository.
func (n Namespace) IsSystemOnly() bool {
	return n == NamespaceExecutionEnvironment || n == NamespaceNative
}

// String returns the string representation of the Namespace.
func (n Namespace) String() string { return string(n) }

// Error implements the error interface.
func (e *InvalidNamespaceError) Error() string {
	return fmt.Sprintf("invalid namespace %q", e.Value)
}

// Unwrap returns ErrInvalidNamespace for errors.Is() compatibility.
func (e *InvalidNamespaceError) Unwrap() error { return ErrInvalidNamespace }

// Validate returns an error if the type is not recognized.
func (t Type) Validate() error {
	switch t {
	case TypeModule, TypeFragment, TypeApplication, TypeComposite, TypeFeature:
		return nil
	default:
		return &InvalidTypeError{Value: t}
	}
}

// IsSubsystem reports whether the type denotes a subsystem.
func (t Type) IsSubsystem() bool {
	return t == TypeApplication || t == TypeComposite || t == TypeFeature
}

// IsScoped reports whether the type owns its own region.
func (t Type) IsScoped() bool {
	return t == TypeApplication || t == TypeComposite
}

// String returns the string representation of the Type.
func (t Type) String() string { return string(t) }

// Error implements the error interface.
func (e *InvalidTypeError) Error() string {
	return fmt.Sprintf("invalid resource type %q (valid: module, fragment, application, composite, feature)", e.Value)
}

// Unwrap returns ErrInvalidType for errors.Is() compatibility.
func (e *InvalidTypeError) Unwrap() error { return ErrInvalidType }

// Validate returns an error if the location is empty or whitespace-only.
func (l Location) Validate() error {
	if strings.TrimSpace(string(l)) == "" {
		return &InvalidLocationError{Value: l}
	}
	return nil
}

// String returns the string representation of the Location.
func (l Location) String() string { return string(l) }

// Error implements the error interface.
func (e *InvalidLocationError) Error() string {
	return fmt.Sprintf("invalid location %q", e.Value)
}

// Unwrap returns ErrInvalidLocation for errors.Is() compatibility.
func (e *InvalidLocationError) Unwrap() error { return ErrInvalidLocation }
