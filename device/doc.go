// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package device is the trusted description of the host: its platform
// capability level, its user profiles, and the packages installed in
// each profile.
//
// Both sides read the same manifest. The helper answers package
// queries for any profile from it; the client uses it only for what an
// unprivileged process may see on its own (the profile list, its own
// profile's packages, the platform level).
//
// Profiles are named by opaque handles such as "UserHandle{10}".
// [IdentifierOf] extracts the numeric user id from a handle and is the
// only code that knows the handle format.
package device
