// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/pkgbroker/lib/codec"
	"github.com/bureau-foundation/pkgbroker/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// startServer runs server.Serve until the test ends and waits for the
// socket to be listening.
func startServer(t *testing.T, server *SocketServer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server ready")
}

func newTestServer(t *testing.T) (*SocketServer, string) {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "helper.sock")
	return NewSocketServer(socketPath, testLogger()), socketPath
}

func TestSocketServerPassesPeerCredentials(t *testing.T) {
	server, socketPath := newTestServer(t)
	server.Handle("whoami", func(_ context.Context, caller Caller, _ []byte) (any, error) {
		return map[string]any{"uid": caller.UID, "pid": caller.PID}, nil
	})
	startServer(t, server)

	var result struct {
		UID uint32 `cbor:"uid"`
		PID int32  `cbor:"pid"`
	}
	if err := NewServiceClient(socketPath).Call(context.Background(), "whoami", nil, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.UID != uint32(os.Getuid()) {
		t.Errorf("uid = %d, want %d", result.UID, os.Getuid())
	}
	if result.PID != int32(os.Getpid()) {
		t.Errorf("pid = %d, want %d", result.PID, os.Getpid())
	}
}

func TestSocketServerDecodesActionFields(t *testing.T) {
	server, socketPath := newTestServer(t)
	server.Handle("echo", func(_ context.Context, _ Caller, raw []byte) (any, error) {
		var request struct {
			Name string `cbor:"name"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		return map[string]string{"name": request.Name}, nil
	})
	startServer(t, server)

	var result map[string]string
	err := NewServiceClient(socketPath).Call(context.Background(), "echo", map[string]any{"name": "package"}, &result)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result["name"] != "package" {
		t.Errorf("name = %q, want package", result["name"])
	}
}

func TestSocketServerUnknownAction(t *testing.T) {
	server, socketPath := newTestServer(t)
	startServer(t, server)

	err := NewServiceClient(socketPath).Call(context.Background(), "nonexistent", nil, nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
	if !strings.Contains(serviceErr.Message, `unknown action "nonexistent"`) {
		t.Errorf("message = %q", serviceErr.Message)
	}
}

func TestSocketServerHandlerError(t *testing.T) {
	server, socketPath := newTestServer(t)
	server.Handle("fail", func(context.Context, Caller, []byte) (any, error) {
		return nil, errors.New("permission not granted")
	})
	startServer(t, server)

	err := NewServiceClient(socketPath).Call(context.Background(), "fail", nil, nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
	if serviceErr.Action != "fail" || serviceErr.Message != "permission not granted" {
		t.Errorf("ServiceError = %+v", serviceErr)
	}
	if errors.Is(err, ErrUnreachable) {
		t.Error("a handler error must not look like an unreachable socket")
	}
}

func TestSocketServerMissingAction(t *testing.T) {
	server, socketPath := newTestServer(t)
	startServer(t, server)

	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer conn.Close()
	if err := codec.NewEncoder(conn).Encode(map[string]string{"name": "x"}); err != nil {
		t.Fatalf("writing request: %v", err)
	}
	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if response.OK || !strings.Contains(response.Error, "missing required field: action") {
		t.Errorf("response = %+v", response)
	}
}

func TestSocketServerStream(t *testing.T) {
	server, socketPath := newTestServer(t)
	server.HandleStream("subscribe", func(ctx context.Context, caller Caller, _ []byte, conn net.Conn) {
		encoder := codec.NewEncoder(conn)
		for i := range 3 {
			if err := encoder.Encode(map[string]any{"sequence": i, "uid": caller.UID}); err != nil {
				return
			}
		}
	})
	startServer(t, server)

	stream, err := NewServiceClient(socketPath).Stream(context.Background(), "subscribe", nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	for i := range 3 {
		var frame struct {
			Sequence int    `cbor:"sequence"`
			UID      uint32 `cbor:"uid"`
		}
		if err := stream.Next(&frame); err != nil {
			t.Fatalf("reading frame %d: %v", i, err)
		}
		if frame.Sequence != i {
			t.Errorf("frame %d: sequence = %d", i, frame.Sequence)
		}
	}
	var extra map[string]any
	if err := stream.Next(&extra); !errors.Is(err, io.EOF) {
		t.Errorf("after last frame: err = %v, want io.EOF", err)
	}
}

func TestSocketServerStreamStopsOnShutdown(t *testing.T) {
	server, socketPath := newTestServer(t)
	started := make(chan struct{})
	server.HandleStream("subscribe", func(ctx context.Context, _ Caller, _ []byte, conn net.Conn) {
		close(started)
		<-ctx.Done()
		codec.NewEncoder(conn).Encode(map[string]any{"type": "shutdown"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server ready")

	stream, err := NewServiceClient(socketPath).Stream(context.Background(), "subscribe", nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	testutil.RequireClosed(t, started, 5*time.Second, "stream handler started")
	cancel()

	var frame map[string]any
	if err := stream.Next(&frame); err != nil {
		t.Fatalf("reading shutdown frame: %v", err)
	}
	if frame["type"] != "shutdown" {
		t.Errorf("type = %v, want shutdown", frame["type"])
	}
	if err := testutil.RequireReceive(t, serveDone, 5*time.Second, "Serve did not return"); err != nil {
		t.Errorf("Serve returned error: %v", err)
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket file still present after shutdown: %v", err)
	}
}

func TestSocketServerAppliesSocketMode(t *testing.T) {
	server, socketPath := newTestServer(t)
	server.SetSocketMode(0o600)
	startServer(t, server)

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("socket mode = %o, want 600", mode)
	}
}

func TestSocketServerDuplicateHandlerPanics(t *testing.T) {
	server := NewSocketServer("/tmp/unused.sock", testLogger())
	server.Handle("status", func(context.Context, Caller, []byte) (any, error) { return nil, nil })

	defer func() {
		if recover() == nil {
			t.Error("expected panic for duplicate action across Handle and HandleStream")
		}
	}()
	server.HandleStream("status", func(context.Context, Caller, []byte, net.Conn) {})
}
