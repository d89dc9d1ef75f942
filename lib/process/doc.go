// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers for pkgbroker binaries:
// fatal error reporting to stderr before (or after) the structured
// logger exists, and the matching process exit.
package process
