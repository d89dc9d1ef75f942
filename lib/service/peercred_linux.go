// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials reads SO_PEERCRED from a Unix socket connection.
func peerCredentials(conn net.Conn) (Caller, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return Caller{}, fmt.Errorf("connection is %T, not a Unix socket", conn)
	}
	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return Caller{}, fmt.Errorf("accessing socket descriptor: %w", err)
	}

	var credentials *unix.Ucred
	var sockoptErr error
	if err := rawConn.Control(func(fd uintptr) {
		credentials, sockoptErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Caller{}, fmt.Errorf("reading peer credentials: %w", err)
	}
	if sockoptErr != nil {
		return Caller{}, fmt.Errorf("reading peer credentials: %w", sockoptErr)
	}

	return Caller{UID: credentials.Uid, GID: credentials.Gid, PID: credentials.Pid}, nil
}
