// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/pkgbroker/device"
	"github.com/bureau-foundation/pkgbroker/lib/binhash"
	"github.com/bureau-foundation/pkgbroker/lib/clock"
	"github.com/bureau-foundation/pkgbroker/lib/codec"
	"github.com/bureau-foundation/pkgbroker/lib/ipc"
	"github.com/bureau-foundation/pkgbroker/lib/service"
)

// Helper holds grant state and the service registry, and implements
// the socket actions.
type Helper struct {
	apiVersion     int
	platformLevel  int
	bindExecutable bool
	decider        Decider
	clock          clock.Clock
	logger         *slog.Logger

	// Replaced in tests.
	hashProcess    func(pid int32) ([32]byte, error)
	executablePath func(pid int32) (string, error)

	services *registry

	mu          sync.Mutex
	grants      map[grantKey]grantState
	prompts     map[grantKey]*pendingPrompt
	subscribers map[grantKey][]*subscriber

	decisions sync.WaitGroup
}

// pendingPrompt collects the tokens of every request that arrived
// while the caller's decision was outstanding. All of them get the
// same answer.
type pendingPrompt struct {
	tokens []int32
}

// helperOptions configures a Helper.
type helperOptions struct {
	APIVersion     int
	Manifest       *device.Manifest
	BindExecutable bool
	Decider        Decider
	Clock          clock.Clock
	Logger         *slog.Logger
}

func newHelper(options helperOptions) *Helper {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	helper := &Helper{
		apiVersion:     options.APIVersion,
		platformLevel:  options.Manifest.PlatformLevel,
		bindExecutable: options.BindExecutable,
		decider:        options.Decider,
		clock:          options.Clock,
		logger:         options.Logger,
		hashProcess:    binhash.HashProcess,
		executablePath: binhash.ExecutablePath,
		services:       newRegistry(),
		grants:         make(map[grantKey]grantState),
		prompts:        make(map[grantKey]*pendingPrompt),
		subscribers:    make(map[grantKey][]*subscriber),
	}
	helper.services.register(ipc.PackageServiceName, newPackageService(options.Manifest))
	return helper
}

// registerActions registers every socket action on server.
func (h *Helper) registerActions(server *service.SocketServer) {
	server.Handle(ipc.ActionStatus, h.handleStatus)
	server.Handle(ipc.ActionCheckPermission, h.handleCheckPermission)
	server.Handle(ipc.ActionRequestPermission, h.handleRequestPermission)
	server.HandleStream(ipc.ActionSubscribeGrants, h.handleSubscribeGrants)
	server.Handle(ipc.ActionGetService, h.handleGetService)
	server.Handle(ipc.ActionTransact, h.handleTransact)
}

// wait blocks until every outstanding decision has finished. Call it
// after the server's context is cancelled.
func (h *Helper) wait() {
	h.decisions.Wait()
}

func (h *Helper) handleStatus(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	return ipc.StatusResponse{
		APIVersion:    h.apiVersion,
		PlatformLevel: h.platformLevel,
		UID:           os.Getuid(),
	}, nil
}

func (h *Helper) handleCheckPermission(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	key, err := h.identify(caller)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.grantStateLocked(key).permission(), nil
}

func (h *Helper) handleRequestPermission(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	var request ipc.RequestPermissionRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	key, err := h.identify(caller)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Settled answers are replayed immediately.
	switch h.grantStateLocked(key) {
	case grantGranted:
		h.publishLocked(key, ipc.GrantEvent{RequestToken: request.RequestToken, Outcome: ipc.OutcomeGranted})
		return nil, nil
	case grantDeniedPermanent:
		h.publishLocked(key, ipc.GrantEvent{RequestToken: request.RequestToken, Outcome: ipc.OutcomeDenied, DontAskAgain: true})
		return nil, nil
	}

	if prompt, pending := h.prompts[key]; pending {
		prompt.tokens = append(prompt.tokens, request.RequestToken)
		return nil, nil
	}
	h.prompts[key] = &pendingPrompt{tokens: []int32{request.RequestToken}}

	grantRequest := GrantRequest{UID: caller.UID, PID: caller.PID, Digest: key.digest}
	if path, err := h.executablePath(caller.PID); err == nil {
		grantRequest.Executable = path
	}

	h.logger.Info("grant requested",
		"caller", key.String(),
		"pid", caller.PID,
		"executable", grantRequest.Executable,
		"request_token", request.RequestToken,
	)

	h.decisions.Add(1)
	go h.decide(ctx, key, grantRequest)
	return nil, nil
}

// promptTimeout bounds one decision. An unanswered prompt is a
// denial the caller may ask again after.
const promptTimeout = 2 * time.Minute

// decide runs the decider for one caller and publishes the answer for
// every token collected while it ran.
func (h *Helper) decide(ctx context.Context, key grantKey, request GrantRequest) {
	defer h.decisions.Done()

	decideCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	expired := h.clock.After(promptTimeout)
	go func() {
		select {
		case <-expired:
			cancel()
		case <-decideCtx.Done():
		}
	}()

	decision, err := h.decider.Decide(decideCtx, request)

	h.mu.Lock()
	defer h.mu.Unlock()

	prompt := h.prompts[key]
	delete(h.prompts, key)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.logger.Warn("grant decision failed, denying", "caller", key.String(), "error", err)
		decision = deny
	}

	h.grants[key] = stateFor(decision)
	h.logger.Info("grant decided",
		"caller", key.String(),
		"outcome", decision.Outcome,
		"dont_ask_again", decision.DontAskAgain,
	)
	for _, token := range prompt.tokens {
		h.publishLocked(key, ipc.GrantEvent{
			RequestToken: token,
			Outcome:      decision.Outcome,
			DontAskAgain: decision.DontAskAgain,
		})
	}
}
