// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements pkgbroker, which lists the installed
// packages of every user profile on the device.
//
// The current profile is always listed through the unprivileged local
// channel. Other profiles are listed through pkgbroker-helper once the
// helper's operator has granted access; the first run asks for the
// grant, and --wait keeps the command alive until it is answered.
//
// Output is text by default, styled when stdout is a terminal, or
// JSON with --json.
package main
