// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker lists installed packages for every user profile by
// brokering privileged calls through the pkgbroker helper.
//
// An unprivileged process can see its own profile's packages but not
// those of other profiles. The helper can. The broker asks the helper
// for a grant, waits for the operator's answer to arrive asynchronously,
// and once granted issues the privileged query for each profile on the
// caller's behalf.
//
// # Components
//
//   - [PermissionGate] tracks the grant (Unknown → Requested →
//     Granted | Denied) and issues requests. It never blocks on the
//     operator: the answer arrives as an event on the grant stream.
//   - [ServiceHandle] resolves the helper's package service once per
//     process, single-flight, and never rebinds.
//   - [VersionAdapter] picks the call shape the helper's platform level
//     accepts and normalises results to [PackageRecord].
//   - [ProfileEnumerator] lists profile handles and derives user ids
//     through an injected [IdentifierFunc].
//   - [Orchestrator] fans the query out across profiles. A failure for
//     one profile empties that profile's entry and never aborts the
//     rest.
//
// [Broker] wires these together and owns the grant-listener
// registration:
//
//	b := broker.New(client, platform, device.IdentifierOf, broker.Config{...})
//	release, err := b.Start(ctx)
//	if err != nil { ... }
//	defer release()
//	result, err := b.Run(ctx)
package broker
