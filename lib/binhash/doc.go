// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash fingerprints caller executables with BLAKE3.
//
// The helper identifies callers by peer credentials (uid, pid). A uid
// alone is too coarse on a single-user host: every program the user
// runs shares it. The helper therefore keys grants by (uid, digest of
// the caller's executable), so approving one binary does not approve
// every other binary running under the same account.
//
//   - [HashFile] streams a file through BLAKE3 with constant memory
//   - [HashProcess] hashes /proc/<pid>/exe
//   - [FormatDigest] and [ParseDigest] convert to and from the hex
//     form used in log output and grant keys
package binhash
