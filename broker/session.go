// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/pkgbroker/lib/ipc"
)

// ServiceConnection is the helper's service registry and transact
// channel.
type ServiceConnection interface {
	GetService(ctx context.Context, name string) (ipc.ServiceBinding, error)
	Transact(ctx context.Context, handle uint64, method string, args any, result any) error
}

// GrantReader reports whether the grant is held. PermissionGate
// implements it.
type GrantReader interface {
	Granted() bool
}

// ServiceProxy is a bound remote service. Calls go through Transact.
type ServiceProxy struct {
	binding    ipc.ServiceBinding
	connection ServiceConnection
}

// Binding returns the helper-issued binding.
func (p *ServiceProxy) Binding() ipc.ServiceBinding {
	return p.binding
}

// Transact invokes method on the bound service. args is encoded as the
// method's argument struct; the result is decoded into result.
func (p *ServiceProxy) Transact(ctx context.Context, method string, args any, result any) error {
	return p.connection.Transact(ctx, p.binding.Handle, method, args, result)
}

// ServiceHandle owns the single process-lifetime binding to a named
// helper service. The binding is built on first successful Get and
// never rebuilt. Failed attempts are not remembered.
type ServiceHandle struct {
	name       string
	connection ServiceConnection
	gate       GrantReader
	logger     *slog.Logger

	flight singleflight.Group

	mu    sync.Mutex
	proxy *ServiceProxy
}

// NewServiceHandle creates a handle for the helper service name. No
// binding is attempted until Get.
func NewServiceHandle(name string, connection ServiceConnection, gate GrantReader, logger *slog.Logger) *ServiceHandle {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ServiceHandle{
		name:       name,
		connection: connection,
		gate:       gate,
		logger:     logger,
	}
}

// bindTimeout bounds one binding attempt. The attempt is shared by
// every concurrent caller, so it does not run under any one caller's
// context.
const bindTimeout = 30 * time.Second

// Get returns the bound proxy, binding it on first use. Concurrent
// first calls share one binding attempt; a caller whose ctx ends stops
// waiting without failing the attempt for the others. Until the gate
// reports the capability granted, Get fails without contacting the
// helper.
func (h *ServiceHandle) Get(ctx context.Context) (*ServiceProxy, error) {
	if proxy := h.cached(); proxy != nil {
		return proxy, nil
	}
	if !h.gate.Granted() {
		return nil, fmt.Errorf("%w: binding %q: permission not granted", ErrSessionUnavailable, h.name)
	}

	results := h.flight.DoChan(h.name, func() (any, error) {
		if proxy := h.cached(); proxy != nil {
			return proxy, nil
		}

		bindCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bindTimeout)
		defer cancel()
		binding, err := h.connection.GetService(bindCtx, h.name)
		if err != nil {
			return nil, fmt.Errorf("%w: binding %q: %w", ErrSessionUnavailable, h.name, err)
		}

		proxy := &ServiceProxy{binding: binding, connection: h.connection}
		h.mu.Lock()
		h.proxy = proxy
		h.mu.Unlock()

		h.logger.Info("bound privileged service",
			"service", binding.Name,
			"descriptor", binding.Descriptor,
			"handle", binding.Handle,
		)
		return proxy, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: binding %q: %w", ErrSessionUnavailable, h.name, ctx.Err())
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}
		proxy, ok := result.Val.(*ServiceProxy)
		if !ok {
			return nil, fmt.Errorf("singleflight returned unexpected type %T", result.Val)
		}
		return proxy, nil
	}
}

func (h *ServiceHandle) cached() *ServiceProxy {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proxy
}
