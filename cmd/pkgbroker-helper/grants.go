// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/bureau-foundation/pkgbroker/lib/binhash"
	"github.com/bureau-foundation/pkgbroker/lib/ipc"
	"github.com/bureau-foundation/pkgbroker/lib/service"
)

// grantKey identifies a caller for grant purposes. digest is empty
// when grants are bound to uid alone.
type grantKey struct {
	uid    uint32
	digest string
}

func (k grantKey) String() string {
	if k.digest == "" {
		return fmt.Sprintf("uid %d", k.uid)
	}
	return fmt.Sprintf("uid %d exe %s", k.uid, k.digest[:12])
}

type grantState int

const (
	grantNone grantState = iota
	grantGranted
	grantDenied
	grantDeniedPermanent
)

// permission renders the state as a check-permission answer.
func (s grantState) permission() ipc.PermissionResponse {
	return ipc.PermissionResponse{
		Granted:      s == grantGranted,
		DontAskAgain: s == grantDeniedPermanent,
	}
}

func stateFor(decision Decision) grantState {
	switch {
	case decision.Outcome == ipc.OutcomeGranted:
		return grantGranted
	case decision.DontAskAgain:
		return grantDeniedPermanent
	default:
		return grantDenied
	}
}

// identify derives the grant key for a connected caller.
func (h *Helper) identify(caller service.Caller) (grantKey, error) {
	key := grantKey{uid: caller.UID}
	if !h.bindExecutable {
		return key, nil
	}
	digest, err := h.hashProcess(caller.PID)
	if err != nil {
		return grantKey{}, fmt.Errorf("identifying caller executable: %w", err)
	}
	key.digest = binhash.FormatDigest(digest)
	return key, nil
}

// grantStateLocked returns the recorded state for key. Caller holds
// h.mu.
func (h *Helper) grantStateLocked(key grantKey) grantState {
	return h.grants[key]
}

// requireGrant fails unless key holds a grant.
func (h *Helper) requireGrant(key grantKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.grantStateLocked(key) != grantGranted {
		return fmt.Errorf("permission denied: %s holds no grant", key)
	}
	return nil
}
