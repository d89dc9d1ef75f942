// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// MatchSystemOnly restricts a package query to packages shipped with
// the system image.
const MatchSystemOnly int64 = 0x00100000

// Manifest describes a multi-user device.
type Manifest struct {
	// PlatformLevel is the host's capability level. It decides which
	// call shape versioned services accept.
	PlatformLevel int `yaml:"platform_level" json:"platform_level"`

	// CurrentUser is the user id of the profile the client runs in.
	CurrentUser int `yaml:"current_user" json:"current_user"`

	// Profiles in platform order.
	Profiles []Profile `yaml:"profiles" json:"profiles"`
}

// Profile is one user profile and its installed packages.
type Profile struct {
	Handle   Handle    `yaml:"handle" json:"handle"`
	Packages []Package `yaml:"packages" json:"packages"`
}

// Package is one installed package.
type Package struct {
	Name   string `yaml:"name" json:"name"`
	System bool   `yaml:"system,omitempty" json:"system,omitempty"`
}

// Load reads a manifest from path. Files ending in .json or .jsonc are
// parsed as JSON with comments; everything else as YAML.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device manifest: %w", err)
	}

	var manifest *Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		manifest, err = ParseJSONC(data)
	default:
		manifest, err = ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("device manifest %s: %w", path, err)
	}
	return manifest, nil
}

// ParseYAML parses and validates a YAML manifest.
func ParseYAML(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// ParseJSONC parses and validates a JSON manifest that may contain
// comments and trailing commas.
func ParseJSONC(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &manifest); err != nil {
		return nil, fmt.Errorf("parsing JSONC: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Validate checks that every handle resolves to a distinct user id and
// that the current user has a profile.
func (m *Manifest) Validate() error {
	var errs []error
	if m.PlatformLevel <= 0 {
		errs = append(errs, fmt.Errorf("platform_level must be positive, got %d", m.PlatformLevel))
	}

	seen := make(map[int]bool, len(m.Profiles))
	for i, profile := range m.Profiles {
		userID, err := IdentifierOf(profile.Handle)
		if err != nil {
			errs = append(errs, fmt.Errorf("profiles[%d]: %w", i, err))
			continue
		}
		if seen[userID] {
			errs = append(errs, fmt.Errorf("profiles[%d]: duplicate user id %d", i, userID))
		}
		seen[userID] = true
		for j, pkg := range profile.Packages {
			if pkg.Name == "" {
				errs = append(errs, fmt.Errorf("profiles[%d].packages[%d]: name is required", i, j))
			}
		}
	}
	if len(m.Profiles) > 0 && !seen[m.CurrentUser] {
		errs = append(errs, fmt.Errorf("current_user %d has no profile", m.CurrentUser))
	}
	return errors.Join(errs...)
}

// UserProfiles returns the handles of every profile, in manifest order.
func (m *Manifest) UserProfiles() []Handle {
	handles := make([]Handle, len(m.Profiles))
	for i, profile := range m.Profiles {
		handles[i] = profile.Handle
	}
	return handles
}

// CurrentProfile returns the handle of the current user's profile.
func (m *Manifest) CurrentProfile() (Handle, error) {
	profile, err := m.profile(m.CurrentUser)
	if err != nil {
		return "", err
	}
	return profile.Handle, nil
}

// InstalledPackages lists the packages installed for userID, honouring
// MatchSystemOnly in flags.
func (m *Manifest) InstalledPackages(userID int, flags int64) ([]Package, error) {
	profile, err := m.profile(userID)
	if err != nil {
		return nil, err
	}
	packages := make([]Package, 0, len(profile.Packages))
	for _, pkg := range profile.Packages {
		if flags&MatchSystemOnly != 0 && !pkg.System {
			continue
		}
		packages = append(packages, pkg)
	}
	return packages, nil
}

// ErrUnknownUser is returned for a user id without a profile.
var ErrUnknownUser = errors.New("unknown user")

func (m *Manifest) profile(userID int) (*Profile, error) {
	for i := range m.Profiles {
		id, err := IdentifierOf(m.Profiles[i].Handle)
		if err == nil && id == userID {
			return &m.Profiles[i], nil
		}
	}
	return nil, fmt.Errorf("%w %d", ErrUnknownUser, userID)
}
