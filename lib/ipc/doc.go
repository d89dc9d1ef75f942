// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the CBOR message types exchanged between the
// broker client and the privileged helper over the helper's Unix
// socket. Both cmd/pkgbroker-helper and the broker import this package
// so the wire types are defined once.
//
// Requests are CBOR maps carrying an "action" field plus the
// action-specific fields below. Responses use the envelope in
// lib/service. The subscribe-grants action keeps the connection open
// and streams [GrantEvent] values until either side closes it.
package ipc
