// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package findertest provides a scripted, in-memory finder helper for
// tests of the client, registry and API layers.
package findertest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/pyfinder/services/finder/envs"
	"github.com/AleutianAI/pyfinder/services/finder/jsonrpc"
	"github.com/AleutianAI/pyfinder/services/finder/jsonrpc/jsonrpctest"
)

// Helper answers "resolve" and "refresh" the way the real finder does.
//
// A refresh sends one "environment" notification per scripted record and
// then completes. A resolve answers from the resolvable set, or with a null
// environment for unknown paths.
type Helper struct {
	pair *jsonrpctest.Pair

	mu           sync.Mutex
	environments []envs.RawEnvironment
	resolvable   map[string]envs.RawEnvironment
	refreshErr   *jsonrpc.RPCError
	refreshGate  chan struct{}
	resolveGate  chan struct{}

	refreshCalls  atomic.Int64
	resolveCalls  atomic.Int64
	resolveActive atomic.Int64
	resolveMax    atomic.Int64
}

// New starts a Helper. Its client side is Conn.
func New(t testing.TB) *Helper {
	t.Helper()
	h := &Helper{
		pair:       jsonrpctest.NewPair(t, jsonrpc.FramingContentLength),
		resolvable: make(map[string]envs.RawEnvironment),
	}
	h.pair.Peer.OnRequest("refresh", h.refresh)
	h.pair.Peer.OnRequest("resolve", h.resolve)
	return h
}

// Conn is the client side of the connection.
func (h *Helper) Conn() *jsonrpc.Conn {
	return h.pair.Client
}

// SetEnvironments scripts the notifications of every later refresh.
func (h *Helper) SetEnvironments(raw ...envs.RawEnvironment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.environments = append([]envs.RawEnvironment(nil), raw...)
}

// SetResolvable adds records that resolve answers, keyed by Executable.
func (h *Helper) SetResolvable(raw ...envs.RawEnvironment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range raw {
		h.resolvable[r.Executable] = r
	}
}

// FailRefresh makes later refreshes fail with the given error after their
// notifications are sent. A nil err restores success.
func (h *Helper) FailRefresh(err *jsonrpc.RPCError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshErr = err
}

// HoldRefresh makes later refreshes wait, after their notifications, until
// the returned function is called.
func (h *Helper) HoldRefresh() (release func()) {
	return h.hold(&h.refreshGate)
}

// HoldResolves makes later resolves wait until the returned function is
// called.
func (h *Helper) HoldResolves() (release func()) {
	return h.hold(&h.resolveGate)
}

func (h *Helper) hold(gate *chan struct{}) func() {
	ch := make(chan struct{})
	h.mu.Lock()
	*gate = ch
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if *gate == ch {
				*gate = nil
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// SendLog sends a "log" notification to the client.
func (h *Helper) SendLog(level, message string) error {
	return h.pair.Peer.Notify("log", map[string]string{"level": level, "message": message})
}

// HangUp closes the helper's side of the stream, as if it crashed.
func (h *Helper) HangUp() {
	h.pair.HangUp()
}

// RefreshCalls is the number of refresh requests received.
func (h *Helper) RefreshCalls() int {
	return int(h.refreshCalls.Load())
}

// ResolveCalls is the number of resolve requests received.
func (h *Helper) ResolveCalls() int {
	return int(h.resolveCalls.Load())
}

// MaxConcurrentResolves is the peak number of resolves in progress at once.
func (h *Helper) MaxConcurrentResolves() int {
	return int(h.resolveMax.Load())
}

func (h *Helper) refresh(ctx context.Context, _ json.RawMessage) (any, error) {
	h.refreshCalls.Add(1)

	h.mu.Lock()
	records := append([]envs.RawEnvironment(nil), h.environments...)
	refreshErr := h.refreshErr
	gate := h.refreshGate
	h.mu.Unlock()

	for _, r := range records {
		if err := h.pair.Peer.Notify("environment", r); err != nil {
			return nil, err
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if refreshErr != nil {
		return nil, refreshErr
	}
	return map[string]any{"duration": 42}, nil
}

func (h *Helper) resolve(ctx context.Context, params json.RawMessage) (any, error) {
	h.resolveCalls.Add(1)
	active := h.resolveActive.Add(1)
	defer h.resolveActive.Add(-1)
	for {
		peak := h.resolveMax.Load()
		if active <= peak || h.resolveMax.CompareAndSwap(peak, active) {
			break
		}
	}

	var p struct {
		Executable string `json:"executable"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "bad params: %v", err)
	}

	h.mu.Lock()
	gate := h.resolveGate
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h.mu.Lock()
	r, ok := h.resolvable[p.Executable]
	h.mu.Unlock()
	if !ok {
		return map[string]any{"duration": 1, "environment": nil}, nil
	}
	return map[string]any{"duration": 3, "environment": r}, nil
}
