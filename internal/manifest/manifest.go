// Package manifest loads compose manifests: a base image source plus
// the packages to layer on it.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aweris/stratum/internal/pkgmgr"
)

var ErrInvalid = errors.New("manifest: invalid")

// Base names where the base commit comes from. Exactly one field is set.
type Base struct {
	// Ref is a local ref or commit digest already in the store.
	Ref string `yaml:"ref,omitempty"`
	// Image is an OCI reference fetched into the store.
	Image string `yaml:"image,omitempty"`
	// Dir is a local directory imported as a base commit.
	Dir string `yaml:"dir,omitempty"`
}

// Manifest describes one compose.
type Manifest struct {
	OSName    string   `yaml:"osname"`
	Base      Base     `yaml:"base"`
	Packages  []string `yaml:"packages,omitempty"`
	Allowlist []string `yaml:"allowlist,omitempty"`
	Collision string   `yaml:"collision,omitempty"`
	Subject   string   `yaml:"subject,omitempty"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a manifest. Unknown keys are rejected.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest is complete.
func (m *Manifest) Validate() error {
	if m.OSName == "" {
		return fmt.Errorf("%w: osname is required", ErrInvalid)
	}

	set := 0
	for _, v := range []string{m.Base.Ref, m.Base.Image, m.Base.Dir} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: base needs exactly one of ref, image or dir", ErrInvalid)
	}

	if _, err := m.Requests(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Requests parses the package list.
func (m *Manifest) Requests() ([]pkgmgr.Request, error) {
	return pkgmgr.ParseRequests(m.Packages)
}
