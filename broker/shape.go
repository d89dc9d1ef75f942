// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/bureau-foundation/pkgbroker/lib/ipc"
)

// CallShape is one encoding of getInstalledPackages. The set is closed:
// NarrowShape and WideShape are the only implementations.
type CallShape interface {
	// Method is the remote method descriptor the shape invokes.
	Method() string

	listPackages(ctx context.Context, proxy *ServiceProxy, flags int64, userID int) ([]PackageRecord, error)
}

// ErrFlagsOverflow is returned when the narrow shape is asked to send
// flags that need more than 32 bits.
var ErrFlagsOverflow = errors.New("flags do not fit the narrow call shape")

// NarrowShape sends flags as int32. Used below
// ipc.WideFlagsPlatformLevel.
type NarrowShape struct{}

func (NarrowShape) Method() string { return ipc.MethodInstalledPackagesNarrow }

func (s NarrowShape) listPackages(ctx context.Context, proxy *ServiceProxy, flags int64, userID int) ([]PackageRecord, error) {
	if flags > math.MaxInt32 || flags < math.MinInt32 {
		return nil, fmt.Errorf("%w: %#x", ErrFlagsOverflow, flags)
	}
	args := ipc.InstalledPackagesNarrowArgs{Flags: int32(flags), UserID: userID}
	return transactList(ctx, proxy, s.Method(), args)
}

// WideShape sends flags as int64. Used from ipc.WideFlagsPlatformLevel
// on.
type WideShape struct{}

func (WideShape) Method() string { return ipc.MethodInstalledPackagesWide }

func (s WideShape) listPackages(ctx context.Context, proxy *ServiceProxy, flags int64, userID int) ([]PackageRecord, error) {
	args := ipc.InstalledPackagesWideArgs{Flags: flags, UserID: userID}
	return transactList(ctx, proxy, s.Method(), args)
}

func transactList(ctx context.Context, proxy *ServiceProxy, method string, args any) ([]PackageRecord, error) {
	var list ipc.PackageList
	if err := proxy.Transact(ctx, method, args, &list); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRemoteCall, method, err)
	}
	records := make([]PackageRecord, len(list.List))
	for i, info := range list.List {
		records[i] = PackageRecord{Name: info.PackageName, Flags: info.Flags}
	}
	return records, nil
}

// SelectShape returns the call shape for a platform level. It depends
// on nothing but the level.
func SelectShape(platformLevel int) CallShape {
	if platformLevel >= ipc.WideFlagsPlatformLevel {
		return WideShape{}
	}
	return NarrowShape{}
}

// proxySource is the part of ServiceHandle the adapter needs.
type proxySource interface {
	Get(ctx context.Context) (*ServiceProxy, error)
}

// LevelSource reports the platform level of the device behind the
// helper.
type LevelSource func(ctx context.Context) (int, error)

// VersionAdapter is the one place that knows getInstalledPackages has
// more than one signature. The shape is chosen once: at construction
// when the level is known, otherwise on the first call that can learn
// it.
type VersionAdapter struct {
	source proxySource
	level  LevelSource

	mu    sync.Mutex
	shape CallShape
}

// NewVersionAdapter selects the call shape for platformLevel.
func NewVersionAdapter(platformLevel int, handle *ServiceHandle) *VersionAdapter {
	return &VersionAdapter{shape: SelectShape(platformLevel), source: handle}
}

// NewDeferredVersionAdapter selects the call shape from level the first
// time ListPackages reaches the helper. A failed lookup is retried on
// the next call.
func NewDeferredVersionAdapter(level LevelSource, handle *ServiceHandle) *VersionAdapter {
	return &VersionAdapter{level: level, source: handle}
}

// Shape returns the selected call shape, or nil while the platform
// level is still unknown.
func (a *VersionAdapter) Shape() CallShape {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shape
}

func (a *VersionAdapter) selectShape(ctx context.Context) (CallShape, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.shape != nil {
		return a.shape, nil
	}
	level, err := a.level(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: learning platform level: %w", ErrSessionUnavailable, err)
	}
	a.shape = SelectShape(level)
	return a.shape, nil
}

// ListPackages lists the packages installed for user id identity.
func (a *VersionAdapter) ListPackages(ctx context.Context, flags int64, identity int) ([]PackageRecord, error) {
	proxy, err := a.source.Get(ctx)
	if err != nil {
		return nil, err
	}
	shape, err := a.selectShape(ctx)
	if err != nil {
		return nil, err
	}
	return shape.listPackages(ctx, proxy, flags, identity)
}
