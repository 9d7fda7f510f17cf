// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jsonrpctest provides in-memory JSON-RPC peers for tests.
package jsonrpctest

import (
	"context"
	"io"
	"testing"

	"github.com/AleutianAI/pyfinder/pkg/logging"
	"github.com/AleutianAI/pyfinder/services/finder/jsonrpc"
)

// Pair is two running Conns joined by in-memory pipes.
type Pair struct {
	// Client is the side under test.
	Client *jsonrpc.Conn

	// Peer plays the finder helper.
	Peer *jsonrpc.Conn

	clientOut *io.PipeWriter
	peerOut   *io.PipeWriter
	cancel    context.CancelFunc
}

// NewPair starts two connected Conns. Handlers registered on Peer after
// NewPair returns see every message the Client sends afterwards.
//
// Both sides are closed when the test ends.
func NewPair(t testing.TB, framing jsonrpc.Framing) *Pair {
	t.Helper()

	clientIn, peerOut := io.Pipe()
	peerIn, clientOut := io.Pipe()

	logger := logging.Nop()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pair{
		Client:    jsonrpc.NewConn(clientIn, clientOut, jsonrpc.Options{Framing: framing, Logger: logger}),
		Peer:      jsonrpc.NewConn(peerIn, peerOut, jsonrpc.Options{Framing: framing, Logger: logger}),
		clientOut: clientOut,
		peerOut:   peerOut,
		cancel:    cancel,
	}

	go func() { _ = p.Client.Run(ctx) }()
	go func() { _ = p.Peer.Run(ctx) }()

	t.Cleanup(p.Close)
	return p
}

// HangUp closes the peer's outbound stream, as if the helper exited.
func (p *Pair) HangUp() {
	_ = p.peerOut.Close()
}

// Close stops both sides. Idempotent.
func (p *Pair) Close() {
	p.cancel()
	_ = p.clientOut.Close()
	_ = p.peerOut.Close()
	_ = p.Client.Close()
	_ = p.Peer.Close()
}
