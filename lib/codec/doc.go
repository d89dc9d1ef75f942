// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration shared by the broker
// client and the privileged helper. Every frame on the helper socket
// (requests, response envelopes, grant events, transact arguments) is
// encoded through this package so both ends agree on map ordering,
// integer width, and how untyped maps decode.
//
// Consumers import only lib/codec, never fxamacker/cbor directly.
package codec
