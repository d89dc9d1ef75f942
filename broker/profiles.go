// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
)

// ProfileEnumerator lists the profiles visible to the caller and maps
// their handles to user ids.
type ProfileEnumerator struct {
	source       ProfileSource
	identifierOf IdentifierFunc
}

// NewProfileEnumerator creates an enumerator over source. identifierOf
// is the only code that interprets handles.
func NewProfileEnumerator(source ProfileSource, identifierOf IdentifierFunc) *ProfileEnumerator {
	return &ProfileEnumerator{source: source, identifierOf: identifierOf}
}

// ListIdentities returns every profile handle in platform order. The
// current profile is always among them.
func (e *ProfileEnumerator) ListIdentities(ctx context.Context) ([]Handle, error) {
	handles, err := e.source.UserProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing user profiles: %w", err)
	}
	return handles, nil
}

// Current returns the caller's own profile handle.
func (e *ProfileEnumerator) Current(ctx context.Context) (Handle, error) {
	handle, err := e.source.CurrentProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving current profile: %w", err)
	}
	return handle, nil
}

// Derive returns the user id of handle. Errors, and panics raised by
// the identifier function, are reported as ErrIdentityResolution.
func (e *ProfileEnumerator) Derive(handle Handle) (id int, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			id, err = UnresolvedID, fmt.Errorf("%w: %v: panic: %v", ErrIdentityResolution, handle, recovered)
		}
	}()

	id, err = e.identifierOf(handle)
	if err != nil {
		return UnresolvedID, fmt.Errorf("%w: %v: %w", ErrIdentityResolution, handle, err)
	}
	return id, nil
}

// Resolve derives handle into an Identity. On failure the identity
// carries UnresolvedID.
func (e *ProfileEnumerator) Resolve(handle Handle) (Identity, error) {
	id, err := e.Derive(handle)
	return Identity{Handle: handle, ID: id}, err
}
