// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Handle is an opaque platform user handle.
type Handle string

func (h Handle) String() string { return string(h) }

// HandleFor returns the canonical handle for userID.
func HandleFor(userID int) Handle {
	return Handle(handlePrefix + strconv.Itoa(userID) + handleSuffix)
}

const (
	handlePrefix = "UserHandle{"
	handleSuffix = "}"
)

// IdentifierOf extracts the user id from a handle.
func IdentifierOf(handle fmt.Stringer) (int, error) {
	if handle == nil {
		return 0, fmt.Errorf("nil user handle")
	}
	text := handle.String()
	inner, ok := strings.CutPrefix(text, handlePrefix)
	if !ok {
		return 0, fmt.Errorf("user handle %q: missing %q prefix", text, handlePrefix)
	}
	inner, ok = strings.CutSuffix(inner, handleSuffix)
	if !ok {
		return 0, fmt.Errorf("user handle %q: missing closing brace", text)
	}
	userID, err := strconv.Atoi(inner)
	if err != nil {
		return 0, fmt.Errorf("user handle %q: %w", text, err)
	}
	if userID < 0 {
		return 0, fmt.Errorf("user handle %q: negative user id", text)
	}
	return userID, nil
}
