// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/pkgbroker/lib/codec"
)

// Caller is the identity of the process on the other end of a
// connection, as reported by the kernel.
type Caller struct {
	UID uint32
	GID uint32
	PID int32
}

// ActionFunc processes a request for a specific action. raw is the
// full CBOR request, including the "action" field.
//
// A nil result produces {ok: true}; a non-nil result is marshaled into
// the response's "data" field. A returned error produces
// {ok: false, error: "..."}.
type ActionFunc func(ctx context.Context, caller Caller, raw []byte) (any, error)

// StreamFunc serves a long-lived stream action. The server has already
// written the {ok: true} envelope when it is called. The handler owns
// the connection until it returns and should return promptly once ctx
// is cancelled.
type StreamFunc func(ctx context.Context, caller Caller, raw []byte, conn net.Conn)

// Response is the wire envelope for all replies.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// SocketServer serves the CBOR protocol on a Unix socket. Register
// handlers with Handle and HandleStream before calling Serve.
type SocketServer struct {
	socketPath string
	socketMode os.FileMode
	handlers   map[string]ActionFunc
	streams    map[string]StreamFunc
	logger     *slog.Logger

	// peerCredentials is replaced in tests on platforms without
	// SO_PEERCRED.
	peerCredentials func(net.Conn) (Caller, error)

	ready     chan struct{}
	readyOnce sync.Once

	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server that will listen on socketPath.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	return &SocketServer{
		socketPath:      socketPath,
		socketMode:      0o660,
		handlers:        make(map[string]ActionFunc),
		streams:         make(map[string]StreamFunc),
		logger:          logger,
		peerCredentials: peerCredentials,
		ready:           make(chan struct{}),
	}
}

// SetSocketMode sets the permission bits applied to the socket file
// after it is created. The mode decides which local users can reach
// the helper at all.
func (s *SocketServer) SetSocketMode(mode os.FileMode) {
	s.socketMode = mode
}

// Handle registers a handler for action. Panics if the action is
// already registered.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	s.checkUnregistered(action)
	s.handlers[action] = handler
}

// HandleStream registers a stream handler for action. Panics if the
// action is already registered.
func (s *SocketServer) HandleStream(action string, handler StreamFunc) {
	s.checkUnregistered(action)
	s.streams[action] = handler
}

func (s *SocketServer) checkUnregistered(action string) {
	_, plain := s.handlers[action]
	_, stream := s.streams[action]
	if plain || stream {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
}

// Ready is closed once the socket is listening.
func (s *SocketServer) Ready() <-chan struct{} {
	return s.ready
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight handlers (stream handlers included) to return.
//
// A stale socket file at the configured path is removed before
// listening; the socket file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	if err := os.Chmod(s.socketPath, s.socketMode); err != nil {
		return fmt.Errorf("setting mode on %s: %w", s.socketPath, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socket server listening", "path", s.socketPath)
	s.readyOnce.Do(func() { close(s.ready) })

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// readTimeout bounds how long a client may take to send its request.
const readTimeout = 30 * time.Second

// writeTimeout bounds writing a single response envelope.
const writeTimeout = 10 * time.Second

// maxRequestSize caps a single CBOR request.
const maxRequestSize = 1024 * 1024

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	caller, err := s.peerCredentials(conn)
	if err != nil {
		s.logger.Warn("rejecting connection without peer credentials", "error", err)
		s.writeError(conn, "cannot identify caller")
		return
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		if notation, diagErr := codec.Diagnose(raw); diagErr == nil {
			s.logger.Debug("undecodable request", "uid", caller.UID, "cbor", notation)
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	if stream, exists := s.streams[header.Action]; exists {
		if err := s.write(conn, Response{OK: true}); err != nil {
			s.logger.Debug("failed to open stream", "action", header.Action, "error", err)
			return
		}
		conn.SetWriteDeadline(time.Time{})
		stream(ctx, caller, []byte(raw), conn)
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, caller, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed",
			"action", header.Action,
			"uid", caller.UID,
			"error", err,
		)
		s.writeError(conn, err.Error())
		return
	}

	s.writeSuccess(conn, result)
}

func (s *SocketServer) writeError(conn net.Conn, message string) {
	if err := s.write(conn, Response{OK: false, Error: message}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}
	if err := s.write(conn, response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}

func (s *SocketServer) write(conn net.Conn, response Response) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return codec.NewEncoder(conn).Encode(response)
}
