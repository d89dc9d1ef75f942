// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bureau-foundation/pkgbroker/lib/binhash"
	"github.com/bureau-foundation/pkgbroker/lib/config"
	"github.com/bureau-foundation/pkgbroker/lib/ipc"
)

// Decision is the answer to one grant request.
type Decision struct {
	Outcome      ipc.Outcome
	DontAskAgain bool
}

var (
	allow       = Decision{Outcome: ipc.OutcomeGranted}
	deny        = Decision{Outcome: ipc.OutcomeDenied}
	denyForever = Decision{Outcome: ipc.OutcomeDenied, DontAskAgain: true}
)

// GrantRequest describes the caller asking for access.
type GrantRequest struct {
	UID        uint32
	PID        int32
	Executable string
	Digest     string
}

// Decider answers grant requests. Decide may block (an operator prompt
// does) and must return when ctx is cancelled.
type Decider interface {
	Decide(ctx context.Context, request GrantRequest) (Decision, error)
}

// policyDecider applies the configured uid lists, then the default.
type policyDecider struct {
	allowUIDs map[uint32]bool
	denyUIDs  map[uint32]bool
	fallback  Decision

	// denyDigests holds normalized executable digests.
	denyDigests map[string]bool

	// prompt answers requests when the default is "ask".
	prompt Decider
}

func newPolicyDecider(helperConfig config.HelperConfig, prompt Decider) *policyDecider {
	decider := &policyDecider{
		allowUIDs: make(map[uint32]bool, len(helperConfig.AllowUIDs)),
		denyUIDs:  make(map[uint32]bool, len(helperConfig.DenyUIDs)),
		fallback:  deny,

		denyDigests: make(map[string]bool, len(helperConfig.DenyExecutables)),
	}
	for _, uid := range helperConfig.AllowUIDs {
		decider.allowUIDs[uid] = true
	}
	for _, uid := range helperConfig.DenyUIDs {
		decider.denyUIDs[uid] = true
	}
	for _, hex := range helperConfig.DenyExecutables {
		if digest, err := binhash.ParseDigest(hex); err == nil {
			decider.denyDigests[binhash.FormatDigest(digest)] = true
		}
	}
	switch helperConfig.DefaultDecision {
	case config.DecisionAllow:
		decider.fallback = allow
	case config.DecisionAsk:
		decider.prompt = prompt
	}
	return decider
}

func (d *policyDecider) Decide(ctx context.Context, request GrantRequest) (Decision, error) {
	switch {
	case d.denyUIDs[request.UID], request.Digest != "" && d.denyDigests[request.Digest]:
		return denyForever, nil
	case d.allowUIDs[request.UID]:
		return allow, nil
	case d.prompt != nil:
		return d.prompt.Decide(ctx, request)
	default:
		return d.fallback, nil
	}
}

// terminalDecider asks the operator on the helper's terminal. Prompts
// are shown one at a time.
type terminalDecider struct {
	out   io.Writer
	lines chan string

	mu sync.Mutex
}

func newTerminalDecider(in io.Reader, out io.Writer) *terminalDecider {
	decider := &terminalDecider{out: out, lines: make(chan string)}
	go func() {
		defer close(decider.lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			decider.lines <- scanner.Text()
		}
	}()
	return decider
}

var errTerminalClosed = errors.New("operator terminal closed")

func (d *terminalDecider) Decide(ctx context.Context, request GrantRequest) (Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	executable := request.Executable
	if executable == "" {
		executable = "unknown executable"
	}
	fmt.Fprintf(d.out, "\nuid %d (pid %d, %s) asks to list packages of every profile.\nAllow? [y/N/never] ",
		request.UID, request.PID, executable)

	select {
	case <-ctx.Done():
		fmt.Fprintln(d.out)
		return Decision{}, ctx.Err()
	case line, ok := <-d.lines:
		if !ok {
			return Decision{}, errTerminalClosed
		}
		return parseAnswer(line), nil
	}
}

func parseAnswer(line string) Decision {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return allow
	case "never":
		return denyForever
	default:
		return deny
	}
}
