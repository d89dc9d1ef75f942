// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements pkgbroker-helper, the privileged half of
// pkgbroker. It serves the device's package database to callers that
// hold a grant, over a Unix socket speaking the lib/service CBOR
// protocol.
//
// # Grants
//
// Callers are identified by the kernel-reported uid of the connecting
// process and, with helper.bind_executable set, a BLAKE3 digest of its
// executable. A caller asks for access with "request-permission"; the
// helper answers asynchronously on every "subscribe-grants" stream the
// same caller holds open. Answers come from the uid allow/deny lists,
// the configured default decision, or an operator prompt on the
// helper's terminal.
//
// Grants live in memory and end when the helper exits.
//
// # Services
//
// "get-service" binds a named service and "transact" invokes a method
// on it. The only service is "package", whose getInstalledPackages
// shape follows the device's platform level.
package main
