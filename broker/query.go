// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// UnavailableNotice is the QueryResult.Notice set when the helper is
// not installed or not reachable.
const UnavailableNotice = "pkgbroker-helper is not running; showing the current profile only"

// PermissionChecker is the gate as the orchestrator sees it.
type PermissionChecker interface {
	CheckOrRequest(ctx context.Context, token int32) (bool, error)
	State() PermissionState
}

// PackageLister lists one profile's packages over the privileged
// channel.
type PackageLister interface {
	ListPackages(ctx context.Context, flags int64, identity int) ([]PackageRecord, error)
}

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	// Flags is the metadata flag set passed to every query.
	Flags int64

	// IncludeCurrentPrivileged also queries the caller's own profile
	// over the privileged channel, so it appears both in
	// QueryResult.Current and in QueryResult.Profiles.
	IncludeCurrentPrivileged bool

	// Parallelism bounds concurrent privileged queries. Values below 2
	// query profiles one at a time.
	Parallelism int

	// Tokens generates request tokens. Defaults to NewRequestToken.
	Tokens func() int32

	Logger *slog.Logger
}

// Orchestrator runs one package query across every profile.
type Orchestrator struct {
	profiles *ProfileEnumerator
	local    LocalPackages
	gate     PermissionChecker
	lister   PackageLister
	config   OrchestratorConfig
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(profiles *ProfileEnumerator, local LocalPackages, gate PermissionChecker, lister PackageLister, config OrchestratorConfig) *Orchestrator {
	if config.Tokens == nil {
		config.Tokens = NewRequestToken
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		profiles: profiles,
		local:    local,
		gate:     gate,
		lister:   lister,
		config:   config,
		logger:   config.Logger,
	}
}

// Run queries the current profile locally and every profile through
// the helper. Per-profile failures leave that profile's Records empty
// and set its Err; they never fail the run. Run returns an error only
// when the profiles cannot be enumerated or ctx is done.
func (o *Orchestrator) Run(ctx context.Context) (*QueryResult, error) {
	current, err := o.profiles.Current(ctx)
	if err != nil {
		return nil, err
	}
	handles, err := o.profiles.ListIdentities(ctx)
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Current: o.queryLocal(ctx, current), Handles: handles}

	var targets []Handle
	for _, handle := range handles {
		if !o.config.IncludeCurrentPrivileged && handle.String() == current.String() {
			continue
		}
		targets = append(targets, handle)
	}

	result.Profiles = make([]Entry, len(targets))
	group, groupCtx := errgroup.WithContext(ctx)
	limit := o.config.Parallelism
	if limit < 1 {
		limit = 1
	}
	group.SetLimit(limit)
	for i, handle := range targets {
		group.Go(func() error {
			result.Profiles[i] = o.queryPrivileged(groupCtx, handle)
			return nil
		})
	}
	// Workers never return errors; Wait only synchronizes.
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, entry := range result.Profiles {
		if errors.Is(entry.Err, ErrBrokerUnavailable) {
			result.Notice = UnavailableNotice
			break
		}
	}
	if result.Notice == "" && o.gate.State() == StateUnavailable {
		result.Notice = UnavailableNotice
	}
	return result, nil
}

func (o *Orchestrator) queryLocal(ctx context.Context, handle Handle) Entry {
	entry := Entry{Channel: ChannelLocal, Records: []PackageRecord{}}
	identity, err := o.profiles.Resolve(handle)
	entry.Identity = identity
	if err != nil {
		// The local channel does not need the id; keep going.
		o.logger.Debug("current profile id unresolved", "handle", handle, "error", err)
	}

	records, err := o.local.InstalledPackages(ctx, o.config.Flags)
	if err != nil {
		entry.Err = fmt.Errorf("listing local packages: %w", err)
		o.logger.Warn("local package query failed", "error", err)
		return entry
	}
	if records != nil {
		entry.Records = records
	}
	return entry
}

func (o *Orchestrator) queryPrivileged(ctx context.Context, handle Handle) Entry {
	entry := Entry{Channel: ChannelPrivileged, Records: []PackageRecord{}}

	identity, err := o.profiles.Resolve(handle)
	entry.Identity = identity
	if err != nil {
		return o.degrade(entry, err)
	}

	granted, err := o.gate.CheckOrRequest(ctx, o.config.Tokens())
	entry.Permission = o.gate.State()
	if err != nil {
		return o.degrade(entry, err)
	}
	if !granted {
		o.logger.Debug("privileged query skipped",
			"user_id", identity.ID,
			"permission", entry.Permission,
		)
		return entry
	}

	records, err := o.lister.ListPackages(ctx, o.config.Flags, identity.ID)
	if err != nil {
		return o.degrade(entry, err)
	}
	if records != nil {
		entry.Records = records
	}
	return entry
}

func (o *Orchestrator) degrade(entry Entry, err error) Entry {
	entry.Err = err
	o.logger.Warn("privileged package query failed",
		"handle", entry.Identity.Handle,
		"user_id", entry.Identity.ID,
		"error", err,
	)
	return entry
}
