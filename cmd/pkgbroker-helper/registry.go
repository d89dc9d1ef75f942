// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/pkgbroker/lib/codec"
	"github.com/bureau-foundation/pkgbroker/lib/ipc"
	"github.com/bureau-foundation/pkgbroker/lib/service"
)

// boundService is a service callers can bind and transact with.
type boundService interface {
	Descriptor() string
	Transact(ctx context.Context, method string, args codec.RawMessage) (any, error)
}

// registry maps service names to handles. Handles are assigned at
// registration and stay fixed for the helper's lifetime.
type registry struct {
	byName   map[string]ipc.ServiceBinding
	byHandle map[uint64]boundService
	next     uint64
}

func newRegistry() *registry {
	return &registry{
		byName:   make(map[string]ipc.ServiceBinding),
		byHandle: make(map[uint64]boundService),
		next:     1,
	}
}

// register adds a service. Registration happens before the socket
// opens, so the registry is read-only while serving.
func (r *registry) register(name string, svc boundService) ipc.ServiceBinding {
	binding := ipc.ServiceBinding{Name: name, Handle: r.next, Descriptor: svc.Descriptor()}
	r.next++
	r.byName[name] = binding
	r.byHandle[binding.Handle] = svc
	return binding
}

func (h *Helper) handleGetService(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	var request ipc.GetServiceRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if request.Name == "" {
		return nil, fmt.Errorf("missing required field: name")
	}
	if err := h.authorize(caller); err != nil {
		return nil, err
	}

	binding, exists := h.services.byName[request.Name]
	if !exists {
		return nil, fmt.Errorf("no service named %q", request.Name)
	}
	return binding, nil
}

func (h *Helper) handleTransact(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	var request ipc.TransactRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if err := h.authorize(caller); err != nil {
		return nil, err
	}

	svc, exists := h.services.byHandle[request.Handle]
	if !exists {
		return nil, fmt.Errorf("unknown service handle %d", request.Handle)
	}
	result, err := svc.Transact(ctx, request.Method, request.Args)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", svc.Descriptor(), request.Method, err)
	}
	h.logger.Debug("transact",
		"uid", caller.UID,
		"handle", request.Handle,
		"method", request.Method,
	)
	return result, nil
}

func (h *Helper) authorize(caller service.Caller) error {
	key, err := h.identify(caller)
	if err != nil {
		return err
	}
	return h.requireGrant(key)
}
