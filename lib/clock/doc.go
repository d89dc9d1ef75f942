// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The broker measures how long a permission request has been in
// flight, and the helper stamps grant decisions. Both take a Clock so
// tests can move time explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	gate := broker.NewPermissionGate(backend, broker.GateConfig{Clock: fake})
//	fake.Advance(3 * time.Minute) // the in-flight request is now stale
package clock
