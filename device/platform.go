// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"

	"github.com/bureau-foundation/pkgbroker/broker"
)

// Platform is the unprivileged view of a device: every profile handle,
// but only the current profile's packages.
type Platform struct {
	manifest *Manifest
}

// NewPlatform returns the unprivileged view of manifest.
func NewPlatform(manifest *Manifest) *Platform {
	return &Platform{manifest: manifest}
}

// UserProfiles implements broker.ProfileSource.
func (p *Platform) UserProfiles(ctx context.Context) ([]broker.Handle, error) {
	handles := p.manifest.UserProfiles()
	out := make([]broker.Handle, len(handles))
	for i, handle := range handles {
		out[i] = handle
	}
	return out, nil
}

// CurrentProfile implements broker.ProfileSource.
func (p *Platform) CurrentProfile(ctx context.Context) (broker.Handle, error) {
	handle, err := p.manifest.CurrentProfile()
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// InstalledPackages implements broker.LocalPackages for the current
// user.
func (p *Platform) InstalledPackages(ctx context.Context, flags int64) ([]broker.PackageRecord, error) {
	packages, err := p.manifest.InstalledPackages(p.manifest.CurrentUser, flags)
	if err != nil {
		return nil, err
	}
	records := make([]broker.PackageRecord, len(packages))
	for i, pkg := range packages {
		records[i] = broker.PackageRecord{Name: pkg.Name, Flags: flags}
	}
	return records, nil
}
