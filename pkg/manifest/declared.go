// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	_ "embed"
	"fmt"
	"slices"

	"github.com/tessera/tessera/pkg/cueutil"
	"github.com/tessera/tessera/pkg/resource"
)

// FileName is the declared manifest file inside a subsystem archive.
const FileName = "subsystem.cue"

//go:embed schema.cue
var schemaSource []byte

var (
	subsystemSchema = cueutil.NewSchema(schemaSource, "#Subsystem")
	moduleSchema    = subsystemSchema.Definition("#Module")
	recordSchema    = subsystemSchema.Definition("#Record")
)

type (
	// Declared is the decoded form of subsystem.cue.
	Declared struct {
		SymbolicName          string                `json:"symbolic_name"`
		Version               string                `json:"version,omitempty"`
		Type                  resource.Type         `json:"type,omitempty"`
		ProvisionPolicy       ProvisionPolicy       `json:"provision_policy,omitempty"`
		ProvisionDependencies ProvisionDependencies `json:"provision_dependencies,omitempty"`
		Content               []ContentDecl         `json:"content,omitempty"`
		Requirements          []RequirementDecl     `json:"requirements,omitempty"`
		Capabilities          []CapabilityDecl      `json:"capabilities,omitempty"`
		Exports               []ExportDecl          `json:"exports,omitempty"`
		PreferredProviders    []ProviderDecl        `json:"preferred_providers,omitempty"`
	}

	// ContentDecl is one declared content entry.
	ContentDecl struct {
		Name       string        `json:"name"`
		Version    string        `json:"version,omitempty"`
		Type       resource.Type `json:"type,omitempty"`
		Optional   bool          `json:"optional,omitempty"`
		StartOrder int           `json:"start_order,omitempty"`
	}

	// ProviderDecl names a preferred provider.
	ProviderDecl struct {
		Name    string        `json:"name"`
		Version string        `json:"version,omitempty"`
		Type    resource.Type `json:"type,omitempty"`
	}

	// Content is a validated content entry with its version range parsed.
	Content struct {
		Name       string
		Range      resource.VersionRange
		Type       resource.Type
		Optional   bool
		StartOrder int
	}
)

// ParseDeclared parses and validates subsystem.cue contents.
func ParseDeclared(data []byte, filename string) (*Declared, error) {
	if filename == "" {
		filename = FileName
	}
	d, err := cueutil.Decode[Declared](subsystemSchema, data, cueutil.WithFilename(filename))
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Encode renders the manifest as CUE text accepted by ParseDeclared.
func (d *Declared) Encode() ([]byte, error) {
	return cueutil.Encode(d)
}

// Validate checks constraints the schema cannot express: parseable versions,
// version ranges and filters.
func (d *Declared) Validate() error {
	var errs []error
	if _, err := resource.ParseVersion(d.Version); err != nil {
		errs = append(errs, fmt.Errorf("version: %w", err))
	}
	if err := d.SubsystemType().Validate(); err != nil || !d.SubsystemType().IsSubsystem() {
		errs = append(errs, fmt.Errorf("type: %w", &resource.InvalidTypeError{Value: d.Type}))
	}
	if err := d.ProvisionPolicy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("provision_policy: %w", err))
	}
	for i, c := range d.Content {
		if _, err := resource.ParseVersionRange(c.Version); err != nil {
			errs = append(errs, fmt.Errorf("content[%d].version: %w", i, err))
		}
		if c.Type != "" {
			if err := c.Type.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("content[%d].type: %w", i, err))
			}
		}
	}
	for i, p := range d.PreferredProviders {
		if _, err := resource.ParseVersionRange(p.Version); err != nil {
			errs = append(errs, fmt.Errorf("preferred_providers[%d].version: %w", i, err))
		}
	}
	errs = append(errs, validateRequirements(d.Requirements, "requirements")...)
	errs = append(errs, validateCapabilities(d.Capabilities, "capabilities")...)
	for i, e := range d.Exports {
		if _, err := (RequirementDecl{Namespace: e.Namespace, Filter: e.Filter}).ParseFilter(); err != nil {
			errs = append(errs, fmt.Errorf("exports[%d]: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return &InvalidManifestError{Name: d.SymbolicName, FieldErrors: errs}
	}
	return nil
}

// SubsystemType returns the declared type, defaulting to application.
func (d *Declared) SubsystemType() resource.Type {
	if d.Type == "" {
		return resource.TypeApplication
	}
	return d.Type
}

// Identity returns the declared identity. Validate must have succeeded.
func (d *Declared) Identity() resource.Identity {
	v, _ := resource.ParseVersion(d.Version)
	return resource.Identity{SymbolicName: d.SymbolicName, Version: v, Type: d.SubsystemType()}
}

// AcceptsDependencies reports whether dependencies are provisioned into this
// subsystem. Only composites may accept them.
func (d *Declared) AcceptsDependencies() bool {
	return d.SubsystemType() == resource.TypeComposite && d.ProvisionPolicy == ProvisionAcceptDependencies
}

// DefersDependencies reports whether dependency installation waits for start.
func (d *Declared) DefersDependencies() bool {
	return d.ProvisionDependencies == DependenciesAtResolve
}

// ContentEntries returns the parsed content entries. Validate must have succeeded.
func (d *Declared) ContentEntries() []Content {
	out := make([]Content, 0, len(d.Content))
	for _, c := range d.Content {
		r, _ := resource.ParseVersionRange(c.Version)
		t := c.Type
		if t == "" {
			t = resource.TypeModule
		}
		out = append(out, Content{Name: c.Name, Range: r, Type: t, Optional: c.Optional, StartOrder: c.StartOrder})
	}
	return out
}

// FindContent returns the content entry matching the identity, if any.
func (d *Declared) FindContent(id resource.Identity) (Content, bool) {
	for _, c := range d.ContentEntries() {
		if c.Matches(id) {
			return c, true
		}
	}
	return Content{}, false
}

// PreferredProviderEntries returns preferred providers as content-like entries.
func (d *Declared) PreferredProviderEntries() []Content {
	out := make([]Content, 0, len(d.PreferredProviders))
	for _, p := range d.PreferredProviders {
		r, _ := resource.ParseVersionRange(p.Version)
		out = append(out, Content{Name: p.Name, Range: r, Type: p.Type})
	}
	return out
}

// Matches reports whether id satisfies the entry. An empty Type matches any type.
func (c Content) Matches(id resource.Identity) bool {
	if c.Name != id.SymbolicName || !c.Range.Includes(id.Version) {
		return false
	}
	return c.Type == "" || c.Type == id.Type
}

// Requirement builds the identity requirement selecting this entry.
func (c Content) Requirement(set *resource.Set, owner resource.Resource) *resource.Requirement {
	filter := fmt.Sprintf("(&(%s=%s)%s", resource.NamespaceIdentity, c.Name, c.Range.FilterString(resource.AttrVersion))
	if c.Type != "" {
		filter += fmt.Sprintf("(%s=%s)", resource.AttrType, c.Type)
	}
	filter += ")"
	dirs := resource.Directives{}
	if c.Optional {
		dirs[resource.DirectiveResolution] = resource.ResolutionOptional
	}
	return set.AddRequirement(owner, resource.NamespaceIdentity, resource.MustParseFilter(filter), dirs)
}

// ExportFilters parses the declared exports.
func (d *Declared) ExportFilters() (map[resource.Namespace][]*resource.Filter, error) {
	out := make(map[resource.Namespace][]*resource.Filter)
	for _, e := range d.Exports {
		f, err := (RequirementDecl{Namespace: e.Namespace, Filter: e.Filter}).ParseFilter()
		if err != nil {
			return nil, err
		}
		out[e.Namespace] = append(out[e.Namespace], f)
	}
	return out, nil
}

// Clone returns a deep-enough copy for mutation of slice fields.
func (d *Declared) Clone() *Declared {
	c := *d
	c.Content = slices.Clone(d.Content)
	c.Requirements = slices.Clone(d.Requirements)
	c.Capabilities = slices.Clone(d.Capabilities)
	c.Exports = slices.Clone(d.Exports)
	c.PreferredProviders = slices.Clone(d.PreferredProviders)
	return &c
}
