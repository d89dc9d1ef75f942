// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/zeebo/blake3"
)

// HashFile computes the BLAKE3-256 digest of the file at path.
func HashFile(path string) ([32]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return [32]byte{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return [32]byte{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// procRoot is overridden in tests.
var procRoot = "/proc"

// HashProcess hashes the executable of the running process pid. The
// caller must be able to read /proc/<pid>/exe, which in practice means
// running as root or as the same user as pid.
func HashProcess(pid int32) ([32]byte, error) {
	if pid <= 0 {
		return [32]byte{}, fmt.Errorf("invalid pid %d", pid)
	}
	return HashFile(processExe(pid))
}

// ExecutablePath returns the path of the running executable of pid,
// for display. The path may no longer name the file that was hashed.
func ExecutablePath(pid int32) (string, error) {
	path, err := os.Readlink(processExe(pid))
	if err != nil {
		return "", fmt.Errorf("resolving executable of pid %d: %w", pid, err)
	}
	return path, nil
}

func processExe(pid int32) string {
	return procRoot + "/" + strconv.Itoa(int(pid)) + "/exe"
}

// FormatDigest returns the hex encoding of digest.
func FormatDigest(digest [32]byte) string {
	return hex.EncodeToString(digest[:])
}

// ParseDigest parses a 64-character hex string into a digest.
func ParseDigest(hexString string) ([32]byte, error) {
	var digest [32]byte
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing hash digest: %w", err)
	}
	if len(decoded) != 32 {
		return digest, fmt.Errorf("hash digest is %d bytes, want 32", len(decoded))
	}
	copy(digest[:], decoded)
	return digest, nil
}
