// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/pkgbroker/lib/codec"
)

// dialTimeout covers only the connect phase.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long Call waits for the response after
// writing the request.
const responseReadTimeout = 45 * time.Second

// maxResponseSize caps a single CBOR response.
const maxResponseSize = 4 * 1024 * 1024

// ErrUnreachable is wrapped by every error caused by failing to
// connect to the socket at all (missing socket file, nobody listening,
// permission denied on the socket). Callers use it to tell "the helper
// is not there" apart from "the helper said no".
var ErrUnreachable = errors.New("service socket unreachable")

// ServiceError is returned when the server responds with ok=false.
type ServiceError struct {
	Action  string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error on %q: %s", e.Action, e.Message)
}

// ServiceClient sends CBOR requests to a service socket. Each Call
// opens a new connection, matching the server's one-request-per-
// connection model.
type ServiceClient struct {
	socketPath string
}

// NewServiceClient creates a client for the socket at socketPath.
func NewServiceClient(socketPath string) *ServiceClient {
	return &ServiceClient{socketPath: socketPath}
}

// SocketPath returns the socket this client dials.
func (c *ServiceClient) SocketPath() string {
	return c.socketPath
}

// Call sends a request and decodes the response.
//
// fields holds the action-specific request fields; Call adds "action".
// On success, if result is non-nil and the response has data, the data
// is decoded into result. A server-side failure is returned as
// *ServiceError; transport failures are plain errors, and failures to
// connect wrap ErrUnreachable.
func (c *ServiceClient) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	conn, err := c.open(ctx, action, fields)
	if err != nil {
		return err
	}
	defer conn.Close()

	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	response, err := readResponse(conn)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}
	if !response.OK {
		return &ServiceError{Action: action, Message: response.Error}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

// Stream opens a stream action. The returned Stream yields the CBOR
// values the server writes after its ok envelope. Cancelling ctx closes
// the stream.
func (c *ServiceClient) Stream(ctx context.Context, action string, fields map[string]any) (*Stream, error) {
	conn, err := c.open(ctx, action, fields)
	if err != nil {
		return nil, err
	}

	// One decoder for the envelope and every frame after it: the
	// decoder buffers reads, so a second decoder could lose frames the
	// first one already pulled off the socket.
	decoder := codec.NewDecoder(conn)

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response Response
	if err := decoder.Decode(&response); err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening stream %q on %s: reading response: %w", action, c.socketPath, err)
	}
	if !response.OK {
		conn.Close()
		return nil, &ServiceError{Action: action, Message: response.Error}
	}
	conn.SetReadDeadline(time.Time{})

	stream := &Stream{
		conn:    conn,
		decoder: decoder,
		done:    make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-stream.done:
		}
	}()
	return stream, nil
}

// open dials the socket and writes the request.
func (c *ServiceClient) open(ctx context.Context, action string, fields map[string]any) (net.Conn, error) {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("calling %q on %s: %w: %w", action, c.socketPath, ErrUnreachable, err)
	}

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		conn.Close()
		return nil, fmt.Errorf("calling %q on %s: writing request: %w", action, c.socketPath, err)
	}
	return conn, nil
}

func readResponse(conn net.Conn) (*Response, error) {
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}

// Stream is an open stream action.
type Stream struct {
	conn    net.Conn
	decoder *codec.Decoder

	closeOnce sync.Once
	done      chan struct{}
}

// Next decodes the next value into v. It returns io.EOF once the
// server closes the stream, and net.ErrClosed (wrapped) after Close.
func (s *Stream) Next(v any) error {
	return s.decoder.Decode(v)
}

// Close closes the stream. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
