// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/pkgbroker/lib/codec"
	"github.com/bureau-foundation/pkgbroker/lib/ipc"
	"github.com/bureau-foundation/pkgbroker/lib/service"
)

// subscriber is one open subscribe-grants stream.
type subscriber struct {
	events chan ipc.GrantEvent
}

// subscriberChannelSize bounds undelivered events per stream. A
// subscriber that falls this far behind loses events; the client
// recovers through check-permission.
const subscriberChannelSize = 16

// frameWriteTimeout bounds writing one event frame.
const frameWriteTimeout = 10 * time.Second

// publishLocked sends event to every stream held by key without
// blocking. Caller holds h.mu.
func (h *Helper) publishLocked(key grantKey, event ipc.GrantEvent) {
	subscribers := h.subscribers[key]
	if len(subscribers) == 0 {
		h.logger.Debug("grant event has no subscriber",
			"caller", key.String(),
			"request_token", event.RequestToken,
		)
		return
	}
	for _, subscriber := range subscribers {
		select {
		case subscriber.events <- event:
		default:
			h.logger.Warn("grant subscriber full, dropping event",
				"caller", key.String(),
				"request_token", event.RequestToken,
			)
		}
	}
}

func (h *Helper) addSubscriber(key grantKey, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[key] = append(h.subscribers[key], sub)
}

func (h *Helper) removeSubscriber(key grantKey, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.subscribers[key]
	for i, existing := range subscribers {
		if existing == sub {
			h.subscribers[key] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
	if len(h.subscribers[key]) == 0 {
		delete(h.subscribers, key)
	}
}

// subscriberCount returns the number of open streams for key.
func (h *Helper) subscriberCount(key grantKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[key])
}

// handleSubscribeGrants streams the caller's grant events until the
// client disconnects or the helper shuts down.
func (h *Helper) handleSubscribeGrants(ctx context.Context, caller service.Caller, raw []byte, conn net.Conn) {
	key, err := h.identify(caller)
	if err != nil {
		h.logger.Warn("rejecting grant subscription", "uid", caller.UID, "error", err)
		return
	}

	sub := &subscriber{events: make(chan ipc.GrantEvent, subscriberChannelSize)}
	h.addSubscriber(key, sub)
	defer h.removeSubscriber(key, sub)
	h.logger.Debug("grant subscription opened", "caller", key.String())

	// Clients send nothing after the request; a read returning means
	// the client went away.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		io.Copy(io.Discard, conn)
	}()

	encoder := codec.NewEncoder(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-disconnected:
			h.logger.Debug("grant subscription closed", "caller", key.String())
			return
		case event := <-sub.events:
			conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
			if err := encoder.Encode(event); err != nil {
				h.logger.Debug("grant subscription write failed", "caller", key.String(), "error", err)
				return
			}
		}
	}
}
