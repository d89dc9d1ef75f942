// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the Unix socket transport shared by the
// privileged helper and its clients.
//
// The protocol is CBOR request-response: a client connects, writes one
// CBOR map with an "action" field, and reads one [Response] envelope.
// Stream actions (registered with HandleStream) answer with an ok
// envelope and then keep the connection open, writing further CBOR
// values until the handler returns.
//
// # Caller identity
//
// The server reads the connecting process's credentials with
// SO_PEERCRED and hands them to every handler as a [Caller]. Handlers
// use the caller's uid and pid to decide what it may do; nothing in the
// request body is trusted for identity.
package service
