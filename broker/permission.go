// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bureau-foundation/pkgbroker/lib/clock"
	"github.com/bureau-foundation/pkgbroker/lib/ipc"
	"github.com/bureau-foundation/pkgbroker/lib/service"
)

// PermissionState is the gate's view of the privileged capability.
type PermissionState int

const (
	StateUnknown PermissionState = iota
	// StateRequested means a grant request is in flight.
	StateRequested
	StateGranted
	// StateDenied may be re-requested on the next check.
	StateDenied
	// StateDeniedPermanent is a "don't ask again" denial.
	StateDeniedPermanent
	// StateUnsupported means the helper predates the grant handshake.
	StateUnsupported
	// StateUnavailable means the helper could not be reached.
	StateUnavailable
)

func (s PermissionState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateRequested:
		return "requested"
	case StateGranted:
		return "granted"
	case StateDenied:
		return "denied"
	case StateDeniedPermanent:
		return "denied-permanent"
	case StateUnsupported:
		return "unsupported"
	case StateUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("PermissionState(%d)", int(s))
	}
}

// Terminal reports whether the state never changes again in this
// process.
func (s PermissionState) Terminal() bool {
	switch s {
	case StateGranted, StateDeniedPermanent, StateUnsupported, StateUnavailable:
		return true
	}
	return false
}

// resolved reports whether the state is an answer rather than a
// question still open.
func (s PermissionState) resolved() bool {
	return s != StateUnknown && s != StateRequested
}

// PermissionBackend is the helper's permission subsystem.
type PermissionBackend interface {
	Status(ctx context.Context) (ipc.StatusResponse, error)
	CheckPermission(ctx context.Context) (ipc.PermissionResponse, error)
	RequestPermission(ctx context.Context, token int32) error
}

// GateConfig configures a PermissionGate.
type GateConfig struct {
	// RequestTimeout is how long an unanswered request suppresses new
	// ones. Default: 2 minutes.
	RequestTimeout time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// PermissionGate tracks whether this process holds the helper grant.
//
// CheckOrRequest and OnGrantResult may be called from different
// goroutines. Checks are serialized among themselves so that busy
// polling issues at most one request at a time; grant events only
// take the state lock and never wait on the network.
type PermissionGate struct {
	backend        PermissionBackend
	clock          clock.Clock
	requestTimeout time.Duration
	logger         *slog.Logger

	// checkMu serializes CheckOrRequest.
	checkMu    sync.Mutex
	apiChecked bool

	mu    sync.Mutex
	state PermissionState

	pending      bool
	pendingToken int32
	pendingSince time.Time

	// answered is the token of the last applied grant event, for
	// recognising duplicate delivery.
	answered      bool
	answeredToken int32

	// changed is closed and replaced on every state transition.
	changed chan struct{}
}

// NewPermissionGate creates a gate in StateUnknown.
func NewPermissionGate(backend PermissionBackend, config GateConfig) *PermissionGate {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 2 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PermissionGate{
		backend:        backend,
		clock:          config.Clock,
		requestTimeout: config.RequestTimeout,
		logger:         config.Logger,
		changed:        make(chan struct{}),
	}
}

// NewRequestToken returns a random correlation token. Tokens only tie
// a grant event to the request that caused it.
func NewRequestToken() int32 {
	return int32(rand.Uint32())
}

// State returns the current state.
func (g *PermissionGate) State() PermissionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Granted reports whether the capability is held.
func (g *PermissionGate) Granted() bool {
	return g.State() == StateGranted
}

// CheckOrRequest reports whether the capability is granted. When it is
// not, and asking could help, it issues a grant request tagged with
// token and returns false; the answer arrives later through
// OnGrantResult.
//
// A helper that cannot be reached yields an error wrapping
// ErrBrokerUnavailable, once; the gate then stays StateUnavailable and
// later calls return false without error.
func (g *PermissionGate) CheckOrRequest(ctx context.Context, token int32) (bool, error) {
	g.checkMu.Lock()
	defer g.checkMu.Unlock()

	switch state := g.State(); {
	case state == StateGranted:
		return true, nil
	case state.Terminal():
		return false, nil
	}

	if !g.apiChecked {
		status, err := g.backend.Status(ctx)
		if err != nil {
			return false, g.backendFailure("status", err)
		}
		if status.APIVersion < ipc.MinimumAPIVersion {
			g.logger.Warn("helper does not support grant requests",
				"api_version", status.APIVersion,
				"minimum", ipc.MinimumAPIVersion,
			)
			g.transition(StateUnsupported)
			return false, nil
		}
		g.apiChecked = true
	}

	permission, err := g.backend.CheckPermission(ctx)
	if err != nil {
		return false, g.backendFailure("check-permission", err)
	}
	if permission.Granted {
		g.transition(StateGranted)
		return g.Granted(), nil
	}
	if permission.DontAskAgain {
		g.transition(StateDeniedPermanent)
		return g.Granted(), nil
	}

	now := g.clock.Now()
	g.mu.Lock()
	// A grant event may have landed while check-permission was on the
	// wire.
	if state := g.state; state.Terminal() {
		g.mu.Unlock()
		return state == StateGranted, nil
	}
	if g.pending && now.Sub(g.pendingSince) < g.requestTimeout {
		g.mu.Unlock()
		return false, nil
	}
	// Record the request before sending it: the answer can arrive on
	// the event stream before RequestPermission returns.
	previous := g.state
	g.pending = true
	g.pendingToken = token
	g.pendingSince = now
	g.setStateLocked(StateRequested)
	g.mu.Unlock()

	if err := g.backend.RequestPermission(ctx, token); err != nil {
		g.mu.Lock()
		if g.pending && g.pendingToken == token {
			g.pending = false
			g.setStateLocked(previous)
		}
		g.mu.Unlock()
		return false, g.backendFailure("request-permission", err)
	}

	g.logger.Debug("requested helper permission", "request_token", token)
	return false, nil
}

// OnGrantResult applies a grant event. Events for the in-flight
// request move the gate to Granted, Denied, or DeniedPermanent; a
// repeat of the last applied event and events for unknown tokens are
// ignored. Safe for concurrent use.
func (g *PermissionGate) OnGrantResult(event ipc.GrantEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.pending || event.RequestToken != g.pendingToken {
		if !(g.answered && event.RequestToken == g.answeredToken) {
			g.logger.Debug("ignoring grant event for unknown request",
				"request_token", event.RequestToken,
				"outcome", event.Outcome,
			)
		}
		return
	}

	g.pending = false
	g.answered = true
	g.answeredToken = event.RequestToken

	switch {
	case event.Outcome == ipc.OutcomeGranted:
		g.setStateLocked(StateGranted)
	case event.DontAskAgain:
		g.setStateLocked(StateDeniedPermanent)
	default:
		g.setStateLocked(StateDenied)
	}
	g.logger.Info("helper permission answered",
		"request_token", event.RequestToken,
		"state", g.state,
	)
}

// Run applies events until the channel closes or ctx is cancelled.
func (g *PermissionGate) Run(ctx context.Context, events <-chan ipc.GrantEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			g.OnGrantResult(event)
		}
	}
}

// WaitResolved blocks until the gate holds an answer (granted, denied,
// or one of the terminal failure states) or ctx is done. It does not
// issue requests; pair it with CheckOrRequest.
func (g *PermissionGate) WaitResolved(ctx context.Context) (PermissionState, error) {
	for {
		g.mu.Lock()
		state, changed := g.state, g.changed
		g.mu.Unlock()

		if state.resolved() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-changed:
		}
	}
}

func (g *PermissionGate) transition(state PermissionState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if state.Terminal() {
		g.pending = false
	}
	g.setStateLocked(state)
}

// setStateLocked moves to state unless the gate already holds a
// terminal state; terminal states never change.
func (g *PermissionGate) setStateLocked(state PermissionState) {
	if g.state == state || g.state.Terminal() {
		return
	}
	g.state = state
	close(g.changed)
	g.changed = make(chan struct{})
}

// backendFailure classifies a helper error. Unreachable helpers are
// terminal; anything else is reported and may succeed on a later check.
func (g *PermissionGate) backendFailure(operation string, err error) error {
	if errors.Is(err, service.ErrUnreachable) {
		g.logger.Warn("privileged helper unreachable", "operation", operation, "error", err)
		g.transition(StateUnavailable)
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return fmt.Errorf("helper %s: %w", operation, err)
}
