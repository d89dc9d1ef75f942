// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package helperclient is the client side of the pkgbroker-helper
// socket protocol. [Client] implements broker.Helper.
package helperclient
