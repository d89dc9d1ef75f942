// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/pkgbroker/lib/ipc"
	"github.com/bureau-foundation/pkgbroker/lib/service"
)

// userHandle is a test profile handle.
type userHandle int

func (h userHandle) String() string { return fmt.Sprintf("UserHandle{%d}", int(h)) }

// brokenHandle is a handle the test identifier function cannot resolve.
type brokenHandle string

func (h brokenHandle) String() string { return string(h) }

func testIdentifierOf(handle Handle) (int, error) {
	switch h := handle.(type) {
	case userHandle:
		return int(h), nil
	case brokenHandle:
		return 0, fmt.Errorf("handle %q has no user id", string(h))
	}
	return 0, fmt.Errorf("unexpected handle type %T", handle)
}

// fakeHelper is an in-memory Helper.
type fakeHelper struct {
	mu sync.Mutex

	apiVersion    int
	platformLevel int
	unreachable   bool
	granted       bool
	dontAskAgain  bool
	requestErr    error

	statusCalls int
	checkCalls  int
	requests    []int32

	// bindFailures is how many GetService calls fail before one
	// succeeds.
	bindFailures int
	bindCalls    int
	bindStarted  chan struct{}
	bindRelease  chan struct{}

	packages  map[int][]string
	transacts []string

	events chan ipc.GrantEvent
}

func newFakeHelper() *fakeHelper {
	return &fakeHelper{
		apiVersion:    ipc.CurrentAPIVersion,
		platformLevel: 34,
		packages:      map[int][]string{},
		events:        make(chan ipc.GrantEvent, 16),
	}
}

var errHelperGone = fmt.Errorf("dial unix /run/pkgbroker.sock: %w", service.ErrUnreachable)

func (f *fakeHelper) Status(ctx context.Context) (ipc.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.unreachable {
		return ipc.StatusResponse{}, errHelperGone
	}
	return ipc.StatusResponse{APIVersion: f.apiVersion, PlatformLevel: f.platformLevel}, nil
}

func (f *fakeHelper) CheckPermission(ctx context.Context) (ipc.PermissionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkCalls++
	if f.unreachable {
		return ipc.PermissionResponse{}, errHelperGone
	}
	return ipc.PermissionResponse{Granted: f.granted, DontAskAgain: f.dontAskAgain}, nil
}

func (f *fakeHelper) RequestPermission(ctx context.Context, token int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return errHelperGone
	}
	if f.requestErr != nil {
		return f.requestErr
	}
	f.requests = append(f.requests, token)
	return nil
}

func (f *fakeHelper) SubscribeGrants(ctx context.Context) (<-chan ipc.GrantEvent, error) {
	f.mu.Lock()
	unreachable := f.unreachable
	f.mu.Unlock()
	if unreachable {
		return nil, errHelperGone
	}
	out := make(chan ipc.GrantEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-f.events:
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeHelper) GetService(ctx context.Context, name string) (ipc.ServiceBinding, error) {
	f.mu.Lock()
	f.bindCalls++
	fail := f.bindFailures > 0
	if fail {
		f.bindFailures--
	}
	started, release := f.bindStarted, f.bindRelease
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ipc.ServiceBinding{}, ctx.Err()
		}
	}
	if fail {
		return ipc.ServiceBinding{}, errors.New("service manager busy")
	}
	return ipc.ServiceBinding{Name: name, Handle: 7, Descriptor: ipc.PackageServiceDescriptor}, nil
}

func (f *fakeHelper) Transact(ctx context.Context, handle uint64, method string, args any, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transacts = append(f.transacts, method)

	var userID int
	switch a := args.(type) {
	case ipc.InstalledPackagesNarrowArgs:
		userID = a.UserID
	case ipc.InstalledPackagesWideArgs:
		userID = a.UserID
	default:
		return fmt.Errorf("unexpected args %T", args)
	}
	names, ok := f.packages[userID]
	if !ok {
		return fmt.Errorf("user %d does not exist", userID)
	}
	list := result.(*ipc.PackageList)
	list.List = make([]ipc.PackageInfo, len(names))
	for i, name := range names {
		list.List[i] = ipc.PackageInfo{PackageName: name}
	}
	return nil
}

func (f *fakeHelper) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeHelper) lastRequest() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeHelper) set(update func(*fakeHelper)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	update(f)
}

// fakePlatform is an in-memory Platform.
type fakePlatform struct {
	handles    []Handle
	current    Handle
	local      []PackageRecord
	listErr    error
	localErr   error
	localFlags []int64
	mu         sync.Mutex
}

func (p *fakePlatform) UserProfiles(ctx context.Context) ([]Handle, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return p.handles, nil
}

func (p *fakePlatform) CurrentProfile(ctx context.Context) (Handle, error) {
	return p.current, nil
}

func (p *fakePlatform) InstalledPackages(ctx context.Context, flags int64) ([]PackageRecord, error) {
	p.mu.Lock()
	p.localFlags = append(p.localFlags, flags)
	p.mu.Unlock()
	if p.localErr != nil {
		return nil, p.localErr
	}
	return p.local, nil
}

// staticGate is a GrantReader with a fixed answer.
type staticGate bool

func (g staticGate) Granted() bool { return bool(g) }

func recordNames(records []PackageRecord) []string {
	names := make([]string, len(records))
	for i, record := range records {
		names[i] = record.Name
	}
	return names
}
