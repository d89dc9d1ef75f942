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

	"github.com/bureau-foundation/pkgbroker/lib/clock"
	"github.com/bureau-foundation/pkgbroker/lib/ipc"
)

// Helper is everything the broker needs from the privileged helper.
// lib/helperclient.Client implements it over the helper socket.
type Helper interface {
	PermissionBackend
	ServiceConnection

	// SubscribeGrants delivers grant events for this caller until ctx
	// is cancelled or the stream fails, then closes the channel.
	SubscribeGrants(ctx context.Context) (<-chan ipc.GrantEvent, error)
}

// Platform is the trusted, unprivileged view of the local device.
type Platform interface {
	ProfileSource
	LocalPackages
}

// Config configures a Broker.
type Config struct {
	// ServiceName is the helper service to bind. Default
	// ipc.PackageServiceName.
	ServiceName string

	// PlatformLevel selects the call shape. Zero asks the helper's
	// status at Start, or on the first privileged query when the
	// helper is not reachable at Start.
	PlatformLevel int

	Flags                    int64
	IncludeCurrentPrivileged bool
	Parallelism              int
	RequestTimeout           time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Broker owns the components of one brokered session.
type Broker struct {
	helper       Helper
	platform     Platform
	identifierOf IdentifierFunc
	config       Config
	logger       *slog.Logger

	gate     *PermissionGate
	handle   *ServiceHandle
	profiles *ProfileEnumerator

	mu           sync.Mutex
	adapter      *VersionAdapter
	orchestrator *Orchestrator
	started      bool
}

// New creates a Broker. Nothing touches the helper until Start.
func New(helper Helper, platform Platform, identifierOf IdentifierFunc, config Config) *Broker {
	if config.ServiceName == "" {
		config.ServiceName = ipc.PackageServiceName
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gate := NewPermissionGate(helper, GateConfig{
		RequestTimeout: config.RequestTimeout,
		Clock:          config.Clock,
		Logger:         config.Logger,
	})
	return &Broker{
		helper:       helper,
		platform:     platform,
		identifierOf: identifierOf,
		config:       config,
		logger:       config.Logger,
		gate:         gate,
		handle:       NewServiceHandle(config.ServiceName, helper, gate, config.Logger),
		profiles:     NewProfileEnumerator(platform, identifierOf),
	}
}

// Start registers the grant listener and, when the platform level is
// known, settles the call shape. The returned release cancels the
// subscription and waits for the listener to exit; it is safe to call
// more than once.
//
// A helper that cannot be reached is not an error. Release is then a
// no-op, and the gate and the call shape learn about the helper on the
// first query; a grant given later is seen by the gate's
// check-permission pre-check rather than by the listener.
func (b *Broker) Start(ctx context.Context) (release func(), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil, fmt.Errorf("broker already started")
	}

	level := b.config.PlatformLevel
	if level == 0 {
		status, err := b.helper.Status(ctx)
		if err == nil {
			level = status.PlatformLevel
		} else {
			b.logger.Debug("helper status unavailable at start, call shape deferred", "error", err)
		}
	}
	if level != 0 {
		b.adapter = NewVersionAdapter(level, b.handle)
	} else {
		b.adapter = NewDeferredVersionAdapter(b.platformLevel, b.handle)
	}
	b.orchestrator = NewOrchestrator(b.profiles, b.platform, b.gate, b.adapter, OrchestratorConfig{
		Flags:                    b.config.Flags,
		IncludeCurrentPrivileged: b.config.IncludeCurrentPrivileged,
		Parallelism:              b.config.Parallelism,
		Logger:                   b.logger,
	})
	b.started = true

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := b.helper.SubscribeGrants(listenCtx)
	if err != nil {
		cancel()
		b.logger.Warn("grant listener not registered", "error", err)
		// The gate learns the helper is gone on its first check.
		return func() {}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.gate.Run(listenCtx, events)
	}()
	b.logger.Debug("grant listener registered", "platform_level", level)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			b.logger.Debug("grant listener removed")
		})
	}, nil
}

// platformLevel asks the helper for the device's platform level.
func (b *Broker) platformLevel(ctx context.Context) (int, error) {
	status, err := b.helper.Status(ctx)
	if err != nil {
		return 0, err
	}
	b.logger.Debug("learned platform level", "platform_level", status.PlatformLevel)
	return status.PlatformLevel, nil
}

// Run performs one query across every profile. Start must have been
// called.
func (b *Broker) Run(ctx context.Context) (*QueryResult, error) {
	b.mu.Lock()
	orchestrator := b.orchestrator
	b.mu.Unlock()
	if orchestrator == nil {
		return nil, fmt.Errorf("broker not started")
	}
	return orchestrator.Run(ctx)
}

// Check reports whether the privileged channel is usable now, issuing
// a grant request with a fresh token if asking could help.
func (b *Broker) Check(ctx context.Context) (bool, error) {
	return b.gate.CheckOrRequest(ctx, NewRequestToken())
}

// Gate returns the broker's permission gate.
func (b *Broker) Gate() *PermissionGate {
	return b.gate
}

// Shape returns the selected call shape. It is nil before Start, and
// stays nil after a Start that could not reach the helper until a
// query learns the platform level.
func (b *Broker) Shape() CallShape {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.adapter == nil {
		return nil
	}
	return b.adapter.Shape()
}
