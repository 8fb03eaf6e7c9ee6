// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"fmt"
	"strings"

	"github.com/tessera/tessera/pkg/cueutil"
	"github.com/tessera/tessera/pkg/resource"
)

// ModuleSuffix is the file suffix of module descriptors.
const ModuleSuffix = ".module.cue"

// ModuleDescriptor is the decoded form of a *.module.cue file.
type ModuleDescriptor struct {
	SymbolicName string            `json:"symbolic_name"`
	Version      string            `json:"version,omitempty"`
	Type         resource.Type     `json:"type,omitempty"`
	Activation   Activation        `json:"activation,omitempty"`
	Host         string            `json:"host,omitempty"`
	HostVersion  string            `json:"host_version,omitempty"`
	Capabilities []CapabilityDecl  `json:"capabilities,omitempty"`
	Requirements []RequirementDecl `json:"requirements,omitempty"`
}

// ParseModule parses and validates a module descriptor.
func ParseModule(data []byte, filename string) (*ModuleDescriptor, error) {
	if filename == "" {
		filename = "module" + ModuleSuffix
	}
	m, err := cueutil.Decode[ModuleDescriptor](moduleSchema, data, cueutil.WithFilename(filename))
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode renders the descriptor as CUE text accepted by ParseModule.
func (m *ModuleDescriptor) Encode() ([]byte, error) {
	return cueutil.Encode(m)
}

// Validate checks constraints the schema cannot express.
func (m *ModuleDescriptor) Validate() error {
	var errs []error
	if _, err := resource.ParseVersion(m.Version); err != nil {
		errs = append(errs, fmt.Errorf("version: %w", err))
	}
	if m.ModuleType() == resource.TypeFragment && strings.TrimSpace(m.Host) == "" {
		errs = append(errs, fmt.Errorf("host: fragments must name a host"))
	}
	if _, err := resource.ParseVersionRange(m.HostVersion); err != nil {
		errs = append(errs, fmt.Errorf("host_version: %w", err))
	}
	errs = append(errs, validateRequirements(m.Requirements, "requirements")...)
	errs = append(errs, validateCapabilities(m.Capabilities, "capabilities")...)
	if len(errs) > 0 {
		return &InvalidManifestError{Name: m.SymbolicName, FieldErrors: errs}
	}
	return nil
}

// ModuleType returns the declared type, defaulting to module.
func (m *ModuleDescriptor) ModuleType() resource.Type {
	if m.Type == "" {
		return resource.TypeModule
	}
	return m.Type
}

// ActivationPolicy returns the declared activation, defaulting to eager.
func (m *ModuleDescriptor) ActivationPolicy() Activation {
	if m.Activation == "" {
		return ActivationEager
	}
	return m.Activation
}

// Identity returns the module identity. Validate must have succeeded.
func (m *ModuleDescriptor) Identity() resource.Identity {
	v, _ := resource.ParseVersion(m.Version)
	return resource.Identity{SymbolicName: m.SymbolicName, Version: v, Type: m.ModuleType()}
}

// Populate adds the identity capability, declared capabilities, declared
// requirements and, for fragments, the host requirement to set.
func (m *ModuleDescriptor) Populate(set *resource.Set, owner resource.Resource) error {
	id := m.Identity()
	set.AddCapability(owner, resource.NamespaceIdentity, id.Attributes(), nil)
	if id.Type == resource.TypeModule {
		set.AddCapability(owner, resource.NamespaceHost, resource.Attributes{
			string(resource.NamespaceHost): id.SymbolicName,
			resource.AttrVersion:           id.Version,
		}, nil)
	}
	for _, c := range m.Capabilities {
		if _, err := c.AddTo(set, owner); err != nil {
			return err
		}
	}
	for _, r := range m.Requirements {
		if _, err := r.AddTo(set, owner); err != nil {
			return err
		}
	}
	if id.Type == resource.TypeFragment {
		rng, _ := resource.ParseVersionRange(m.HostVersion)
		filter := fmt.Sprintf("(&(%s=%s)%s)", resource.NamespaceHost, m.Host, rng.FilterString(resource.AttrVersion))
		set.AddRequirement(owner, resource.NamespaceHost, resource.MustParseFilter(filter), nil)
	}
	return nil
}
