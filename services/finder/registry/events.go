// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/pyfinder/pkg/logging"
	"github.com/AleutianAI/pyfinder/services/finder/envs"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// Stage is the discovery progress of a Registry.
type Stage string

const (
	StageIdle              Stage = "idle"
	StageDiscoveryStarted  Stage = "discoveryStarted"
	StageDiscoveryFinished Stage = "discoveryFinished"
)

// ProgressEvent is fired on every stage transition.
type ProgressEvent struct {
	Stage Stage `json:"stage"`
}

// ChangeType says how the collection changed.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeUpdated
	ChangeRemoved
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// ChangedEvent describes one mutation of the collection.
//
// Old is a snapshot taken before the change and is nil for ChangeAdded.
// New is nil for ChangeRemoved. Both are copies; handlers may keep them.
type ChangedEvent struct {
	Type ChangeType
	Old  *envs.Environment
	New  *envs.Environment
}

// =============================================================================
// EMITTER
// =============================================================================

type subscription[E any] struct {
	id      string
	handler func(E)
}

// emitter delivers events to subscribers in subscription order.
//
// Thread Safety: safe for concurrent use. Handlers run on the emitting
// goroutine; a panicking handler is logged and does not stop delivery to
// the others.
type emitter[E any] struct {
	name   string
	logger *logging.Logger

	mu     sync.RWMutex
	subs   []subscription[E]
	closed bool
}

func newEmitter[E any](name string, logger *logging.Logger) *emitter[E] {
	return &emitter[E]{name: name, logger: logger}
}

// Subscribe registers handler and returns its subscription ID. Subscribing
// to a closed emitter returns an ID that never fires.
func (e *emitter[E]) Subscribe(handler func(E)) string {
	id := uuid.NewString()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || handler == nil {
		return id
	}
	e.subs = append(e.subs, subscription[E]{id: id, handler: handler})
	return id
}

// Unsubscribe removes a subscription. It reports whether id was found.
func (e *emitter[E]) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Emit calls every handler with event.
func (e *emitter[E]) Emit(event E) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	subs := append([]subscription[E](nil), e.subs...)
	e.mu.RUnlock()

	for _, s := range subs {
		e.safeInvoke(s, event)
	}
}

func (e *emitter[E]) safeInvoke(s subscription[E], event E) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				"event", e.name,
				"subscription", s.id,
				"panic", r,
			)
		}
	}()
	s.handler(event)
}

// Len is the number of live subscriptions.
func (e *emitter[E]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Close drops every subscription. Later Emits do nothing.
func (e *emitter[E]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.subs = nil
}

// =============================================================================
// DISPATCHER
// =============================================================================

// dispatcher runs queued deliveries on one goroutine, in queue order.
//
// Posting never blocks and never runs a handler, so a handler may call
// back into the Registry. Deliveries posted before stop are still run;
// later posts are dropped.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// newDispatcher starts the delivery goroutine. onStop runs on it after the
// final drain.
func newDispatcher(onStop func()) *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.loop(onStop)
	return d
}

// post queues fn. It reports false once the dispatcher is stopped.
func (d *dispatcher) post(fn func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

func (d *dispatcher) take() []func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch := d.queue
	d.queue = nil
	return batch
}

func (d *dispatcher) loop(onStop func()) {
	defer close(d.done)
	defer onStop()

	for {
		select {
		case <-d.wake:
			d.drain()
		case <-d.stop:
			d.drain()
			return
		}
	}
}

func (d *dispatcher) drain() {
	for batch := d.take(); len(batch) > 0; batch = d.take() {
		for _, fn := range batch {
			fn()
		}
	}
}

// shutdown stops accepting posts. It does not wait for the drain, so it is
// safe to call from a handler. Idempotent.
func (d *dispatcher) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	close(d.stop)
}

// Done is closed after the final drain.
func (d *dispatcher) Done() <-chan struct{} {
	return d.done
}
