// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/pkgbroker/broker"
	"github.com/bureau-foundation/pkgbroker/device"
	"github.com/bureau-foundation/pkgbroker/lib/ipc"
	"github.com/bureau-foundation/pkgbroker/lib/testutil"
)

// TestBrokerAgainstHelper runs the full client stack against a helper
// on a real socket.
func TestBrokerAgainstHelper(t *testing.T) {
	for _, level := range []int{30, 34} {
		manifest := parseManifest(t, testManifest)
		manifest.PlatformLevel = level
		fixture := startHelper(t, manifest)

		b := broker.New(fixture.client, device.NewPlatform(manifest), device.IdentifierOf, broker.Config{
			IncludeCurrentPrivileged: true,
			Parallelism:              2,
			Logger:                   testLogger(),
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		release, err := b.Start(ctx)
		if err != nil {
			t.Fatalf("level %d: Start: %v", level, err)
		}
		wantShape := ipc.MethodInstalledPackagesNarrow
		if level >= ipc.WideFlagsPlatformLevel {
			wantShape = ipc.MethodInstalledPackagesWide
		}
		if got := b.Shape().Method(); got != wantShape {
			t.Errorf("level %d: shape = %s, want %s", level, got, wantShape)
		}

		// Before the operator answers, only the local channel has data.
		first, err := b.Run(ctx)
		if err != nil {
			t.Fatalf("level %d: Run: %v", level, err)
		}
		for _, entry := range first.Profiles {
			if len(entry.Records) != 0 {
				t.Errorf("level %d: profile %d listed before grant", level, entry.Identity.ID)
			}
		}
		if diff := cmp.Diff([]string{"com.android.settings", "org.example.notes"}, names(first.Current.Records)); diff != "" {
			t.Errorf("level %d: current mismatch (-want +got):\n%s", level, diff)
		}

		testutil.RequireReceive(t, fixture.decider.requests, 5*time.Second, "grant prompt")
		fixture.decider.answers <- allow
		state, err := b.Gate().WaitResolved(ctx)
		if err != nil {
			t.Fatalf("level %d: WaitResolved: %v", level, err)
		}
		if state != broker.StateGranted {
			t.Fatalf("level %d: state = %v, want granted", level, state)
		}

		second, err := b.Run(ctx)
		if err != nil {
			t.Fatalf("level %d: second Run: %v", level, err)
		}
		got := map[int][]string{}
		for _, entry := range second.Profiles {
			if entry.Err != nil {
				t.Errorf("level %d: profile %d: %v", level, entry.Identity.ID, entry.Err)
			}
			got[entry.Identity.ID] = names(entry.Records)
		}
		want := map[int][]string{
			0:  {"com.android.settings", "org.example.notes"},
			10: {"org.example.work.mail"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("level %d: profiles mismatch (-want +got):\n%s", level, diff)
		}

		release()
	}
}

func names(records []broker.PackageRecord) []string {
	out := make([]string, len(records))
	for i, record := range records {
		out[i] = record.Name
	}
	return out
}
