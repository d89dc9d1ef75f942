// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/pkgbroker/broker"
	"github.com/bureau-foundation/pkgbroker/device"
)

func sampleResult() *broker.QueryResult {
	return &broker.QueryResult{
		Current: broker.Entry{
			Identity: broker.Identity{Handle: device.HandleFor(0), ID: 0},
			Channel:  broker.ChannelLocal,
			Records:  []broker.PackageRecord{{Name: "org.example.notes"}},
		},
		Handles: []broker.Handle{device.HandleFor(0), device.HandleFor(10)},
		Profiles: []broker.Entry{
			{
				Identity:   broker.Identity{Handle: device.HandleFor(0), ID: 0},
				Channel:    broker.ChannelPrivileged,
				Records:    []broker.PackageRecord{{Name: "org.example.notes"}},
				Permission: broker.StateGranted,
			},
			{
				Identity:   broker.Identity{Handle: device.HandleFor(10), ID: 10},
				Channel:    broker.ChannelPrivileged,
				Records:    []broker.PackageRecord{},
				Permission: broker.StateGranted,
				Err:        errors.New("remote call failed"),
			},
		},
	}
}

func TestWriteText(t *testing.T) {
	var out bytes.Buffer
	report := newReport(sampleResult(), broker.StateGranted, broker.WideShape{})
	if err := report.writeText(&out, false); err != nil {
		t.Fatalf("writeText: %v", err)
	}

	want := `Helper: granted (getInstalledPackages(JI))

Current profile
  UserHandle{0} [user 0, local]
    org.example.notes

User profiles
  UserHandle{0}
  UserHandle{10}

All profiles
  UserHandle{0} [user 0, privileged]
    org.example.notes
  UserHandle{10} [user 10, privileged]
    unavailable: remote call failed
`
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("text mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteTextPendingPermission(t *testing.T) {
	result := &broker.QueryResult{
		Current: broker.Entry{Identity: broker.Identity{Handle: device.HandleFor(0)}, Channel: broker.ChannelLocal},
		Profiles: []broker.Entry{{
			Identity:   broker.Identity{Handle: device.HandleFor(10), ID: 10},
			Channel:    broker.ChannelPrivileged,
			Permission: broker.StateRequested,
		}},
		Notice: broker.UnavailableNotice,
	}
	var out bytes.Buffer
	if err := newReport(result, broker.StateRequested, nil).writeText(&out, false); err != nil {
		t.Fatalf("writeText: %v", err)
	}
	text := out.String()
	for _, fragment := range []string{"Helper: requested\n", broker.UnavailableNotice, "permission requested", "no packages"} {
		if !strings.Contains(text, fragment) {
			t.Errorf("output missing %q:\n%s", fragment, text)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	var out bytes.Buffer
	report := newReport(sampleResult(), broker.StateGranted, broker.NarrowShape{})
	if err := report.writeJSON(&out); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}

	var decoded struct {
		Helper struct {
			Permission string `json:"permission"`
			CallShape  string `json:"call_shape"`
		} `json:"helper"`
		Users    []string `json:"user_profiles"`
		Profiles []struct {
			UserID   int      `json:"user_id"`
			Packages []string `json:"packages"`
			Error    string   `json:"error"`
		} `json:"profiles"`
	}
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decoding output: %v\n%s", err, out.String())
	}
	if decoded.Helper.Permission != "granted" || decoded.Helper.CallShape != "getInstalledPackages(II)" {
		t.Errorf("helper = %+v", decoded.Helper)
	}
	if diff := cmp.Diff([]string{"UserHandle{0}", "UserHandle{10}"}, decoded.Users); diff != "" {
		t.Errorf("user profiles mismatch (-want +got):\n%s", diff)
	}
	if len(decoded.Profiles) != 2 {
		t.Fatalf("got %d profiles, want 2", len(decoded.Profiles))
	}
	if decoded.Profiles[1].Packages == nil || len(decoded.Profiles[1].Packages) != 0 {
		t.Errorf("failed profile packages = %#v, want empty list", decoded.Profiles[1].Packages)
	}
	if decoded.Profiles[1].Error == "" {
		t.Error("failed profile has no error")
	}
}
