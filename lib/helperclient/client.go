// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package helperclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/bureau-foundation/pkgbroker/lib/codec"
	"github.com/bureau-foundation/pkgbroker/lib/ipc"
	"github.com/bureau-foundation/pkgbroker/lib/service"
)

// Client talks to a pkgbroker-helper over its Unix socket. Every
// method opens its own connection.
type Client struct {
	service *service.ServiceClient
	logger  *slog.Logger
}

// New creates a client for the helper listening at socketPath.
func New(socketPath string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{service: service.NewServiceClient(socketPath), logger: logger}
}

// SocketPath returns the helper socket path.
func (c *Client) SocketPath() string {
	return c.service.SocketPath()
}

// Status returns the helper's API version and platform level.
func (c *Client) Status(ctx context.Context) (ipc.StatusResponse, error) {
	var status ipc.StatusResponse
	err := c.service.Call(ctx, ipc.ActionStatus, nil, &status)
	return status, err
}

// CheckPermission asks whether this process holds the grant.
func (c *Client) CheckPermission(ctx context.Context) (ipc.PermissionResponse, error) {
	var permission ipc.PermissionResponse
	err := c.service.Call(ctx, ipc.ActionCheckPermission, nil, &permission)
	return permission, err
}

// RequestPermission asks the helper to put a grant request to the
// operator. The answer arrives on SubscribeGrants tagged with token.
func (c *Client) RequestPermission(ctx context.Context, token int32) error {
	return c.service.Call(ctx, ipc.ActionRequestPermission, map[string]any{
		"request_token": token,
	}, nil)
}

// SubscribeGrants opens the grant event stream. The channel is closed
// when ctx is cancelled or the helper ends the stream.
func (c *Client) SubscribeGrants(ctx context.Context) (<-chan ipc.GrantEvent, error) {
	stream, err := c.service.Stream(ctx, ipc.ActionSubscribeGrants, nil)
	if err != nil {
		return nil, err
	}

	events := make(chan ipc.GrantEvent)
	go func() {
		defer close(events)
		defer stream.Close()
		for {
			var event ipc.GrantEvent
			if err := stream.Next(&event); err != nil {
				if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					c.logger.Warn("grant stream failed", "error", err)
				}
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// GetService binds the named helper service.
func (c *Client) GetService(ctx context.Context, name string) (ipc.ServiceBinding, error) {
	var binding ipc.ServiceBinding
	err := c.service.Call(ctx, ipc.ActionGetService, map[string]any{"name": name}, &binding)
	return binding, err
}

// Transact invokes method on a bound service. args is encoded as the
// method's argument struct and the reply is decoded into result.
func (c *Client) Transact(ctx context.Context, handle uint64, method string, args any, result any) error {
	encoded, err := codec.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding %s arguments: %w", method, err)
	}
	return c.service.Call(ctx, ipc.ActionTransact, map[string]any{
		"handle": handle,
		"method": method,
		"args":   codec.RawMessage(encoded),
	}, result)
}
