// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
)

// Handle is an opaque platform user handle.
type Handle = fmt.Stringer

// IdentifierFunc extracts the numeric user id from a handle.
type IdentifierFunc func(Handle) (int, error)

// UnresolvedID is the Identity.ID of a profile whose handle could not
// be resolved.
const UnresolvedID = -1

// Identity is a user profile: its handle and derived user id.
type Identity struct {
	Handle Handle
	ID     int
}

// PackageRecord is one installed package.
type PackageRecord struct {
	Name string

	// Flags is the metadata flag set the record was requested with.
	Flags int64
}

// Channel names the path a package list came through.
type Channel string

const (
	// ChannelLocal is the caller's own, unprivileged view of its
	// profile.
	ChannelLocal Channel = "local"

	// ChannelPrivileged is a query brokered through the helper.
	ChannelPrivileged Channel = "privileged"
)

// Entry is the outcome of one profile's query. Records is empty (not
// nil) when the query was denied or failed.
type Entry struct {
	Identity Identity
	Channel  Channel
	Records  []PackageRecord

	// Permission is the gate state observed when the entry was built.
	// Meaningless for ChannelLocal.
	Permission PermissionState

	// Err is the reason Records is empty, if any. A denied permission
	// is not an error.
	Err error
}

// QueryResult is the aggregate of one Orchestrator.Run.
type QueryResult struct {
	// Current is the caller's own profile through the local channel.
	Current Entry

	// Handles is every profile the platform reported, in platform
	// order, whether or not it was queried.
	Handles []Handle

	// Profiles holds one privileged entry per profile, in platform
	// order.
	Profiles []Entry

	// Notice is a one-line message for the user when the helper is
	// unavailable. Empty otherwise.
	Notice string
}

// ForIdentity returns the privileged records for user id, and whether
// an entry for that id exists.
func (r *QueryResult) ForIdentity(id int) ([]PackageRecord, bool) {
	for _, entry := range r.Profiles {
		if entry.Identity.ID == id {
			return entry.Records, true
		}
	}
	return nil, false
}

// ProfileSource is the trusted platform primitive that enumerates user
// profiles visible to the caller.
type ProfileSource interface {
	UserProfiles(ctx context.Context) ([]Handle, error)
	CurrentProfile(ctx context.Context) (Handle, error)
}

// LocalPackages is the unprivileged package channel for the caller's
// own profile.
type LocalPackages interface {
	InstalledPackages(ctx context.Context, flags int64) ([]PackageRecord, error)
}
