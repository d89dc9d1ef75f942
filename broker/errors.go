// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

var (
	// ErrBrokerUnavailable means the helper is not installed or not
	// reachable. It is permanent for the session: the gate stops
	// asking and every privileged query degrades to empty.
	ErrBrokerUnavailable = errors.New("privileged helper unavailable")

	// ErrSessionUnavailable means the remote service could not be
	// bound. The failure is not cached; the next Get retries.
	ErrSessionUnavailable = errors.New("privileged session unavailable")

	// ErrIdentityResolution means a profile handle could not be turned
	// into a user id. It affects only that profile.
	ErrIdentityResolution = errors.New("identity resolution failed")

	// ErrRemoteCall wraps failures of a privileged call after the
	// session was bound.
	ErrRemoteCall = errors.New("remote call failed")
)
