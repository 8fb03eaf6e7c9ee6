// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tessera/tessera/pkg/resource"
)

const (
	// ProvisionRejectDependencies keeps dependencies out of the subsystem; they
	// are provisioned into the nearest ancestor that accepts them.
	ProvisionRejectDependencies ProvisionPolicy = "rejectDependencies"
	// ProvisionAcceptDependencies provisions dependencies into the subsystem itself.
	ProvisionAcceptDependencies ProvisionPolicy = "acceptDependencies"

	// DependenciesAtInstall installs dependencies while the subsystem installs.
	DependenciesAtInstall ProvisionDependencies = "install"
	// DependenciesAtResolve defers dependency installation to the first start.
	DependenciesAtResolve ProvisionDependencies = "resolve"

	// ActivationEager starts a module immediately.
	ActivationEager Activation = "eager"
	// ActivationLazy leaves a started module in STARTING until first use.
	ActivationLazy Activation = "lazy"
)

var (
	// ErrInvalidManifest is the sentinel error wrapped by InvalidManifestError.
	ErrInvalidManifest = errors.New("invalid manifest")
	// ErrInvalidProvisionPolicy is the sentinel error wrapped by InvalidProvisionPolicyError.
	ErrInvalidProvisionPolicy = errors.New("invalid provision policy")
)

type (
	// ProvisionPolicy decides where a subsystem's dependencies are provisioned.
	ProvisionPolicy string

	// InvalidProvisionPolicyError is returned when a ProvisionPolicy is not recognized.
	InvalidProvisionPolicyError struct {
		Value ProvisionPolicy
	}

	// ProvisionDependencies decides when dependencies are installed.
	ProvisionDependencies string

	// Activation is a module activation policy.
	Activation string

	// InvalidManifestError collects field-level validation errors of a
	// declared manifest or module descriptor.
	InvalidManifestError struct {
		Name        string
		FieldErrors []error
	}

	// RequirementDecl is a requirement as written in a manifest.
	RequirementDecl struct {
		Namespace   resource.Namespace `json:"namespace"`
		Filter      string             `json:"filter,omitempty"`
		Optional    bool               `json:"optional,omitempty"`
		Cardinality string             `json:"cardinality,omitempty"`
		Effective   string             `json:"effective,omitempty"`
	}

	// CapabilityDecl is a capability as written in a manifest.
	CapabilityDecl struct {
		Namespace  resource.Namespace `json:"namespace"`
		Attributes map[string]any     `json:"attributes,omitempty"`
		Directives map[string]string  `json:"directives,omitempty"`
	}

	// ExportDecl names capabilities a composite exposes to its parent.
	ExportDecl struct {
		Namespace resource.Namespace `json:"namespace"`
		Filter    string             `json:"filter,omitempty"`
	}
)

// Validate returns an error if the policy is not recognized. The empty value
// is valid and means the type default.
func (p ProvisionPolicy) Validate() error {
	switch p {
	case "", ProvisionRejectDependencies, ProvisionAcceptDependencies:
		return nil
	default:
		return &InvalidProvisionPolicyError{Value: p}
	}
}

// Error implements the error interface.
func (e *InvalidProvisionPolicyError) Error() string {
	return fmt.Sprintf("invalid provision policy %q", e.Value)
}

// Unwrap returns ErrInvalidProvisionPolicy for errors.Is() compatibility.
func (e *InvalidProvisionPolicyError) Unwrap() error { return ErrInvalidProvisionPolicy }

// Error implements the error interface.
func (e *InvalidManifestError) Error() string {
	msgs := make([]string, len(e.FieldErrors))
	for i, fe := range e.FieldErrors {
		msgs[i] = fe.Error()
	}
	return fmt.Sprintf("invalid manifest %q: %s", e.Name, strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidManifest for errors.Is() compatibility.
func (e *InvalidManifestError) Unwrap() error { return ErrInvalidManifest }

// Directives converts the declaration into requirement directives.
func (d RequirementDecl) Directives() resource.Directives {
	dirs := resource.Directives{}
	if d.Optional {
		dirs[resource.DirectiveResolution] = resource.ResolutionOptional
	}
	if d.Cardinality != "" {
		dirs[resource.DirectiveCardinality] = d.Cardinality
	}
	if d.Effective != "" {
		dirs[resource.DirectiveEffective] = d.Effective
	}
	return dirs
}

// ParseFilter parses the declared filter. An empty filter matches everything.
func (d RequirementDecl) ParseFilter() (*resource.Filter, error) {
	if strings.TrimSpace(d.Filter) == "" {
		return nil, nil
	}
	return resource.ParseFilter(d.Filter)
}

// AddTo adds the requirement to set on behalf of owner.
func (d RequirementDecl) AddTo(set *resource.Set, owner resource.Resource) (*resource.Requirement, error) {
	f, err := d.ParseFilter()
	if err != nil {
		return nil, err
	}
	return set.AddRequirement(owner, d.Namespace, f, d.Directives()), nil
}

// DeclFromRequirement converts a requirement back into its declaration.
func DeclFromRequirement(r *resource.Requirement) RequirementDecl {
	return RequirementDecl{
		Namespace:   r.Namespace,
		Filter:      r.Filter.String(),
		Optional:    r.IsOptional(),
		Cardinality: r.Directives[resource.DirectiveCardinality],
		Effective:   r.Directives[resource.DirectiveEffective],
	}
}

// ConvertedAttributes converts declared attributes, turning "version" strings into
// resource.Version values and normalizing numbers.
func (d CapabilityDecl) ConvertedAttributes() (resource.Attributes, error) {
	attrs := resource.Attributes{}
	for k, v := range d.Attributes {
		switch x := v.(type) {
		case string:
			if k == resource.AttrVersion {
				ver, err := resource.ParseVersion(x)
				if err != nil {
					return nil, err
				}
				attrs[k] = ver
				continue
			}
			attrs[k] = x
		case []any:
			strs := make([]string, 0, len(x))
			for _, e := range x {
				strs = append(strs, fmt.Sprint(e))
			}
			attrs[k] = strs
		case int:
			attrs[k] = int64(x)
		default:
			attrs[k] = v
		}
	}
	return attrs, nil
}

// AddTo adds the capability to set on behalf of owner.
func (d CapabilityDecl) AddTo(set *resource.Set, owner resource.Resource) (*resource.Capability, error) {
	attrs, err := d.ConvertedAttributes()
	if err != nil {
		return nil, err
	}
	dirs := resource.Directives{}
	for k, v := range d.Directives {
		dirs[k] = v
	}
	return set.AddCapability(owner, d.Namespace, attrs, dirs), nil
}

func validateRequirements(reqs []RequirementDecl, field string) []error {
	var errs []error
	for i, r := range reqs {
		if err := r.Namespace.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s[%d]: %w", field, i, err))
		}
		if _, err := r.ParseFilter(); err != nil {
			errs = append(errs, fmt.Errorf("%s[%d]: %w", field, i, err))
		}
	}
	return errs
}

func validateCapabilities(caps []CapabilityDecl, field string) []error {
	var errs []error
	for i, c := range caps {
		if err := c.Namespace.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s[%d]: %w", field, i, err))
		}
		if _, err := c.ConvertedAttributes(); err != nil {
			errs = append(errs, fmt.Errorf("%s[%d]: %w", field, i, err))
		}
	}
	return errs
}
