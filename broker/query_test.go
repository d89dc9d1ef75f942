// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/pkgbroker/lib/clock"
)

type orchestratorFixture struct {
	helper       *fakeHelper
	platform     *fakePlatform
	gate         *PermissionGate
	orchestrator *Orchestrator
}

func newOrchestratorFixture(t *testing.T, handles []Handle, config OrchestratorConfig) *orchestratorFixture {
	t.Helper()
	helper := newFakeHelper()
	helper.granted = true
	platform := &fakePlatform{handles: handles, current: handles[0]}
	gate := NewPermissionGate(helper, GateConfig{Clock: clock.Fake(epoch)})
	handle := NewServiceHandle("package", helper, gate, nil)
	adapter := NewVersionAdapter(helper.platformLevel, handle)
	return &orchestratorFixture{
		helper:       helper,
		platform:     platform,
		gate:         gate,
		orchestrator: NewOrchestrator(NewProfileEnumerator(platform, testIdentifierOf), platform, gate, adapter, config),
	}
}

// byID flattens the privileged entries to user id → package names.
func byID(result *QueryResult) map[int][]string {
	out := make(map[int][]string, len(result.Profiles))
	for _, entry := range result.Profiles {
		out[entry.Identity.ID] = recordNames(entry.Records)
	}
	return out
}

func TestRunTwoProfiles(t *testing.T) {
	fixture := newOrchestratorFixture(t, []Handle{userHandle(0), userHandle(10)}, OrchestratorConfig{IncludeCurrentPrivileged: true})
	fixture.helper.packages[0] = []string{"pkg.a"}
	fixture.helper.packages[10] = []string{}

	result, err := fixture.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := map[int][]string{0: {"pkg.a"}, 10: {}}
	if diff := cmp.Diff(want, byID(result)); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if result.Notice != "" {
		t.Errorf("notice = %q, want empty", result.Notice)
	}
	if records, ok := result.ForIdentity(0); !ok || len(records) != 1 {
		t.Errorf("ForIdentity(0) = %v, %v", records, ok)
	}
	if _, ok := result.ForIdentity(5); ok {
		t.Error("ForIdentity(5) found an entry for a missing profile")
	}
}

func TestRunIsolatesIdentityFailure(t *testing.T) {
	handles := []Handle{userHandle(0), brokenHandle("UserHandle{corrupt}"), userHandle(10), userHandle(11)}
	fixture := newOrchestratorFixture(t, handles, OrchestratorConfig{IncludeCurrentPrivileged: true})
	for _, id := range []int{0, 10, 11} {
		fixture.helper.packages[id] = []string{fmt.Sprintf("pkg.user%d", id)}
	}

	result, err := fixture.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Profiles) != len(handles) {
		t.Fatalf("got %d entries, want %d", len(result.Profiles), len(handles))
	}
	var empty, populated int
	for _, entry := range result.Profiles {
		if len(entry.Records) == 0 {
			empty++
			if !errors.Is(entry.Err, ErrIdentityResolution) {
				t.Errorf("empty entry error = %v, want ErrIdentityResolution", entry.Err)
			}
			if entry.Identity.ID != UnresolvedID {
				t.Errorf("unresolved entry id = %d, want %d", entry.Identity.ID, UnresolvedID)
			}
		} else {
			populated++
		}
	}
	if empty != 1 || populated != len(handles)-1 {
		t.Errorf("empty=%d populated=%d, want 1 and %d", empty, populated, len(handles)-1)
	}
}

func TestRunRetriesSessionOnNextRun(t *testing.T) {
	fixture := newOrchestratorFixture(t, []Handle{userHandle(0)}, OrchestratorConfig{IncludeCurrentPrivileged: true})
	fixture.helper.packages[0] = []string{"pkg.a"}
	fixture.helper.bindFailures = 1
	ctx := context.Background()

	first, err := fixture.orchestrator.Run(ctx)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if records, _ := first.ForIdentity(0); len(records) != 0 {
		t.Fatalf("first Run records = %v, want empty", records)
	}
	if !errors.Is(first.Profiles[0].Err, ErrSessionUnavailable) {
		t.Errorf("first Run error = %v, want ErrSessionUnavailable", first.Profiles[0].Err)
	}

	second, err := fixture.orchestrator.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	records, _ := second.ForIdentity(0)
	if diff := cmp.Diff([]string{"pkg.a"}, recordNames(records)); diff != "" {
		t.Errorf("second Run mismatch (-want +got):\n%s", diff)
	}
}

func TestRunWithoutGrantReturnsEmptyEntries(t *testing.T) {
	fixture := newOrchestratorFixture(t, []Handle{userHandle(0), userHandle(10)}, OrchestratorConfig{IncludeCurrentPrivileged: true})
	fixture.helper.granted = false
	fixture.helper.packages[0] = []string{"pkg.a"}
	fixture.helper.packages[10] = []string{"pkg.b"}

	result, err := fixture.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, entry := range result.Profiles {
		if len(entry.Records) != 0 || entry.Err != nil {
			t.Errorf("entry %d = %v (err %v), want empty without error", entry.Identity.ID, entry.Records, entry.Err)
		}
		if entry.Permission != StateRequested {
			t.Errorf("entry %d permission = %v, want %v", entry.Identity.ID, entry.Permission, StateRequested)
		}
	}
	if got := fixture.helper.requestCount(); got != 1 {
		t.Errorf("issued %d requests, want 1", got)
	}
	if fixture.helper.bindCalls != 0 {
		t.Errorf("bound the service without a grant")
	}
}

func TestRunHelperUnavailable(t *testing.T) {
	fixture := newOrchestratorFixture(t, []Handle{userHandle(0), userHandle(10)}, OrchestratorConfig{IncludeCurrentPrivileged: true})
	fixture.helper.unreachable = true
	fixture.platform.local = []PackageRecord{{Name: "org.example.self"}}

	result, err := fixture.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Notice != UnavailableNotice {
		t.Errorf("notice = %q, want %q", result.Notice, UnavailableNotice)
	}
	if diff := cmp.Diff([]string{"org.example.self"}, recordNames(result.Current.Records)); diff != "" {
		t.Errorf("current mismatch (-want +got):\n%s", diff)
	}
	for _, entry := range result.Profiles {
		if len(entry.Records) != 0 {
			t.Errorf("entry %d has records with no helper", entry.Identity.ID)
		}
	}

	// Later runs keep the notice without contacting the helper again.
	again, err := fixture.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if again.Notice != UnavailableNotice {
		t.Errorf("second notice = %q, want %q", again.Notice, UnavailableNotice)
	}
	if fixture.helper.statusCalls != 1 {
		t.Errorf("status called %d times, want 1", fixture.helper.statusCalls)
	}
}

func TestRunCurrentProfileDuplication(t *testing.T) {
	handles := []Handle{userHandle(0), userHandle(10)}
	for _, include := range []bool{true, false} {
		fixture := newOrchestratorFixture(t, handles, OrchestratorConfig{IncludeCurrentPrivileged: include, Flags: 0x40})
		fixture.helper.packages[0] = []string{"pkg.a"}
		fixture.helper.packages[10] = []string{"pkg.b"}
		fixture.platform.local = []PackageRecord{{Name: "pkg.a", Flags: 0x40}}

		result, err := fixture.orchestrator.Run(context.Background())
		if err != nil {
			t.Fatalf("include=%v: Run: %v", include, err)
		}
		_, hasCurrent := result.ForIdentity(0)
		if hasCurrent != include {
			t.Errorf("include=%v: privileged entry for current profile present=%v", include, hasCurrent)
		}
		if result.Current.Channel != ChannelLocal || result.Current.Identity.ID != 0 {
			t.Errorf("include=%v: current = %+v", include, result.Current)
		}
		if diff := cmp.Diff([]int64{0x40}, fixture.platform.localFlags); diff != "" {
			t.Errorf("include=%v: local flags mismatch (-want +got):\n%s", include, diff)
		}
	}
}

func TestRunParallelKeepsOrder(t *testing.T) {
	var handles []Handle
	for id := range 20 {
		handles = append(handles, userHandle(id))
	}
	fixture := newOrchestratorFixture(t, handles, OrchestratorConfig{IncludeCurrentPrivileged: true, Parallelism: 4})
	for id := range 20 {
		fixture.helper.packages[id] = []string{fmt.Sprintf("pkg.%d", id)}
	}

	result, err := fixture.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, entry := range result.Profiles {
		if entry.Identity.ID != i {
			t.Fatalf("entry %d has id %d", i, entry.Identity.ID)
		}
		if diff := cmp.Diff([]string{fmt.Sprintf("pkg.%d", i)}, recordNames(entry.Records)); diff != "" {
			t.Errorf("entry %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	if fixture.helper.bindCalls != 1 {
		t.Errorf("GetService called %d times, want 1", fixture.helper.bindCalls)
	}
}

func TestRunParallelIssuesOneRequest(t *testing.T) {
	var handles []Handle
	for id := range 16 {
		handles = append(handles, userHandle(id))
	}
	fixture := newOrchestratorFixture(t, handles, OrchestratorConfig{IncludeCurrentPrivileged: true, Parallelism: 8})
	fixture.helper.granted = false

	result, err := fixture.orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := fixture.helper.requestCount(); got != 1 {
		t.Errorf("parallel checks issued %d requests, want 1", got)
	}
	for _, entry := range result.Profiles {
		if len(entry.Records) != 0 || entry.Permission != StateRequested {
			t.Errorf("entry %d = %v (permission %v), want empty and requested", entry.Identity.ID, entry.Records, entry.Permission)
		}
	}
}

func TestRunProfileListFailure(t *testing.T) {
	fixture := newOrchestratorFixture(t, []Handle{userHandle(0)}, OrchestratorConfig{})
	fixture.platform.listErr = errors.New("profile service down")

	if _, err := fixture.orchestrator.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded without a profile list")
	}
}

func TestRunCancelled(t *testing.T) {
	fixture := newOrchestratorFixture(t, []Handle{userHandle(0)}, OrchestratorConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	if _, err := fixture.orchestrator.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
}
