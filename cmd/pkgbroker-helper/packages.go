// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/pkgbroker/device"
	"github.com/bureau-foundation/pkgbroker/lib/codec"
	"github.com/bureau-foundation/pkgbroker/lib/ipc"
)

// packageService answers getInstalledPackages from the device
// manifest. Only the call shape matching the platform level is
// implemented; the other is rejected as it would be by the platform.
type packageService struct {
	manifest *device.Manifest
}

func newPackageService(manifest *device.Manifest) *packageService {
	return &packageService{manifest: manifest}
}

func (s *packageService) Descriptor() string {
	return ipc.PackageServiceDescriptor
}

func (s *packageService) Transact(ctx context.Context, method string, args codec.RawMessage) (any, error) {
	wide := s.manifest.PlatformLevel >= ipc.WideFlagsPlatformLevel

	var flags int64
	var userID int
	switch method {
	case ipc.MethodInstalledPackagesNarrow:
		if wide {
			return nil, s.unavailable(method)
		}
		var narrow ipc.InstalledPackagesNarrowArgs
		if err := codec.Unmarshal(args, &narrow); err != nil {
			return nil, fmt.Errorf("decoding arguments: %w", err)
		}
		flags, userID = int64(narrow.Flags), narrow.UserID
	case ipc.MethodInstalledPackagesWide:
		if !wide {
			return nil, s.unavailable(method)
		}
		var wideArgs ipc.InstalledPackagesWideArgs
		if err := codec.Unmarshal(args, &wideArgs); err != nil {
			return nil, fmt.Errorf("decoding arguments: %w", err)
		}
		flags, userID = wideArgs.Flags, wideArgs.UserID
	default:
		return nil, fmt.Errorf("no such method")
	}

	packages, err := s.manifest.InstalledPackages(userID, flags)
	if err != nil {
		return nil, err
	}
	list := ipc.PackageList{List: make([]ipc.PackageInfo, len(packages))}
	for i, pkg := range packages {
		list.List[i] = ipc.PackageInfo{PackageName: pkg.Name, Flags: flags}
	}
	return list, nil
}

func (s *packageService) unavailable(method string) error {
	return fmt.Errorf("method %s not implemented at platform level %d", method, s.manifest.PlatformLevel)
}
