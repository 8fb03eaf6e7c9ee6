// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"github.com/tessera/tessera/pkg/cueutil"
	"github.com/tessera/tessera/pkg/resource"
)

type (
	// Record is the computed manifest persisted for every installed subsystem.
	// It is enough to rebuild the subsystem, its region and its constituents
	// on a cold restart.
	Record struct {
		ID                  uint64            `json:"id"`
		Location            string            `json:"location"`
		State               string            `json:"state"`
		Manifest            string            `json:"manifest"`
		Parents             []uint64          `json:"parents,omitempty"`
		Autostart           bool              `json:"autostart,omitempty"`
		DependenciesPending bool              `json:"dependencies_pending,omitempty"`
		Dependency          bool              `json:"dependency,omitempty"`
		Region              string            `json:"region,omitempty"`
		LastID              uint64            `json:"last_id,omitempty"`
		Constituents        []Constituent     `json:"constituents,omitempty"`
		References          []Reference       `json:"references,omitempty"`
		Requirements        []RequirementDecl `json:"requirements,omitempty"`
	}

	// Constituent is a module provisioned into a subsystem. Digest addresses
	// the module descriptor in the store's content area.
	Constituent struct {
		Location   string        `json:"location"`
		Name       string        `json:"name"`
		Version    string        `json:"version"`
		Type       resource.Type `json:"type"`
		Digest     string        `json:"digest"`
		Dependency bool          `json:"dependency,omitempty"`
	}

	// Reference records that a subsystem uses a resource, either as declared
	// content or as a dependency.
	Reference struct {
		Location string `json:"location"`
		Content  bool   `json:"content,omitempty"`
	}
)

// ParseRecord decodes a persisted record.
func ParseRecord(data []byte, filename string) (*Record, error) {
	return cueutil.Decode[Record](recordSchema, data, cueutil.WithFilename(filename))
}

// Encode renders the record as CUE text accepted by ParseRecord.
func (r *Record) Encode() ([]byte, error) {
	return cueutil.Encode(r)
}

// Declared parses the embedded declared manifest.
func (r *Record) Declared() (*Declared, error) {
	return ParseDeclared([]byte(r.Manifest), r.Location)
}
