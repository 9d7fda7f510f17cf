// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/pyfinder/pkg/logging"
)

// NotificationHandler receives the params of one inbound notification.
//
// Handlers run on the dispatch goroutine, one at a time, in arrival order.
// A handler must not wait on a Call made over the same Conn: the response
// is queued behind the notification being handled.
type NotificationHandler func(params json.RawMessage)

// RequestHandler answers one inbound request. Returning an *RPCError sends
// that code to the peer; any other error is sent as CodeInternalError.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Options configures a Conn.
type Options struct {
	// Framing selects the wire framing. Default: FramingContentLength.
	Framing Framing

	// Logger receives protocol diagnostics. Default: logging.Default().
	Logger *logging.Logger
}

// reply is what a pending Call receives: a response or a teardown error.
type reply struct {
	env *envelope
	err error
}

// inbound is one entry of the ordered dispatch queue. A non-nil err marks
// the end of the stream.
type inbound struct {
	env *envelope
	err error
}

type notificationEntry struct {
	id      uint64
	handler NotificationHandler
}

// Conn is a bidirectional JSON-RPC 2.0 connection over a byte stream.
//
// Description:
//
//	Conn correlates responses to calls by id, delivers notifications to
//	registered handlers, and answers inbound requests. Responses and
//	notifications share one ordered queue, so a response is never observed
//	before a notification the peer wrote ahead of it.
//
// Thread Safety:
//
//	Call, Notify, OnNotification, OnRequest and Close are safe for
//	concurrent use. Run must be called exactly once.
type Conn struct {
	codec  codec
	logger *logging.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan reply

	handlersMu      sync.RWMutex
	notifyHandlers  map[string][]notificationEntry
	requestHandlers map[string]RequestHandler
	handlerSeq      uint64

	queueMu   sync.Mutex
	queue     []inbound
	queueWake chan struct{}

	serveCtx    context.Context
	serveCancel context.CancelFunc

	runOnce   sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// NewConn creates a Conn reading frames from r and writing frames to w.
//
// The Conn does not own r or w. Closing the Conn stops dispatch and fails
// pending calls; the caller closes the underlying stream.
func NewConn(r io.Reader, w io.Writer, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	serveCtx, serveCancel := context.WithCancel(context.Background())
	return &Conn{
		codec:           newCodec(opts.Framing, r, w),
		logger:          logger.With("component", "finder.jsonrpc"),
		pending:         make(map[int64]chan reply),
		notifyHandlers:  make(map[string][]notificationEntry),
		requestHandlers: make(map[string]RequestHandler),
		queueWake:       make(chan struct{}, 1),
		serveCtx:        serveCtx,
		serveCancel:     serveCancel,
		done:            make(chan struct{}),
	}
}

// Run reads and dispatches messages until the stream ends, the Conn is
// closed, or ctx is done.
//
// Returns nil when the peer closed the stream cleanly or Close was called,
// otherwise the transport error that tore the connection down.
func (c *Conn) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx must not be nil")
	}
	first := false
	c.runOnce.Do(func() { first = true })
	if !first {
		return errors.New("jsonrpc: Run called more than once")
	}

	go c.dispatchLoop()
	go c.readLoop()

	select {
	case <-ctx.Done():
		c.Close()
	case <-c.done:
	}
	return c.Err()
}

// Call sends a request and waits for its response.
//
// Description:
//
//	The result member is decoded into result when result is non-nil.
//	Concurrent calls are not serialized; each waits on its own id.
//
// Outputs:
//
//	error - *RPCError when the peer answered with an error,
//	        ErrRequestTimeout when ctx ended first,
//	        ErrConnectionClosed when the connection went away,
//	        ErrInvalidResponse when the result could not be decoded.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	if ctx == nil {
		return errors.New("ctx must not be nil")
	}

	id := c.nextID.Add(1)
	ch := make(chan reply, 1)

	c.pendingMu.Lock()
	if c.closed.Load() {
		c.pendingMu.Unlock()
		return ErrConnectionClosed
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := Request{JSONRPC: Version, ID: id, Method: method, Params: params}
	if err := c.writeJSON(req); err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if r.env.Error != nil {
			return &RPCError{
				Code:    r.env.Error.Code,
				Message: r.env.Error.Message,
				Data:    r.env.Error.Data,
			}
		}
		if result != nil && len(r.env.Result) > 0 {
			if err := json.Unmarshal(r.env.Result, result); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return fmt.Errorf("%w: %s: %w", ErrRequestTimeout, method, ctx.Err())
	}
}

// Notify sends a notification. It does not wait for anything from the peer.
func (c *Conn) Notify(method string, params any) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := c.writeJSON(Notification{JSONRPC: Version, Method: method, Params: params}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

// OnNotification registers handler for notifications named method.
//
// Several handlers may share a method; they run in registration order.
// The returned function removes this registration and is safe to call
// more than once.
func (c *Conn) OnNotification(method string, handler NotificationHandler) func() {
	c.handlersMu.Lock()
	c.handlerSeq++
	id := c.handlerSeq
	c.notifyHandlers[method] = append(c.notifyHandlers[method], notificationEntry{id: id, handler: handler})
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		entries := c.notifyHandlers[method]
		for i, e := range entries {
			if e.id == id {
				c.notifyHandlers[method] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(c.notifyHandlers[method]) == 0 {
			delete(c.notifyHandlers, method)
		}
	}
}

// OnRequest registers the handler for inbound requests named method,
// replacing any previous one. Requests are served on their own goroutines.
func (c *Conn) OnRequest(method string, handler RequestHandler) func() {
	c.handlersMu.Lock()
	c.requestHandlers[method] = handler
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		delete(c.requestHandlers, method)
		c.handlersMu.Unlock()
	}
}

// Close stops dispatch, fails pending calls with ErrConnectionClosed and
// drops all handlers. Idempotent.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the transport error that tore the connection down, or nil.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// =============================================================================
// INTERNAL
// =============================================================================

func (c *Conn) writeJSON(msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.codec.WriteMessage(body)
}

func (c *Conn) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) readLoop() {
	for {
		body, err := c.codec.ReadMessage()
		if err != nil {
			c.enqueue(inbound{err: err})
			return
		}
		env, err := decodeEnvelope(body)
		if err != nil {
			c.enqueue(inbound{err: err})
			return
		}
		if !c.enqueue(inbound{env: env}) {
			return
		}
	}
}

// enqueue appends to the dispatch queue. Returns false once closed.
func (c *Conn) enqueue(in inbound) bool {
	if c.closed.Load() {
		return false
	}
	c.queueMu.Lock()
	c.queue = append(c.queue, in)
	c.queueMu.Unlock()

	select {
	case c.queueWake <- struct{}{}:
	default:
	}
	return true
}

func (c *Conn) takeQueue() []inbound {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	batch := c.queue
	c.queue = nil
	return batch
}

func (c *Conn) dispatchLoop() {
	for {
		select {
		case <-c.queueWake:
		case <-c.done:
			return
		}
		for batch := c.takeQueue(); len(batch) > 0; batch = c.takeQueue() {
			for _, in := range batch {
				if c.closed.Load() {
					return
				}
				if in.err != nil {
					c.shutdown(in.err)
					return
				}
				c.dispatch(in.env)
			}
		}
	}
}

func (c *Conn) dispatch(env *envelope) {
	switch {
	case env.isResponse():
		c.deliverResponse(env)
	case env.isNotification():
		c.deliverNotification(env)
	case env.isRequest():
		c.handlersMu.RLock()
		handler := c.requestHandlers[env.Method]
		c.handlersMu.RUnlock()
		go c.serveRequest(env, handler)
	}
}

func (c *Conn) deliverResponse(env *envelope) {
	id, ok := parseID(env.ID)
	if !ok {
		c.logger.Warn("response with unusable id", "id", string(env.ID))
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()

	if !ok {
		// The caller gave up (context done) before the peer answered.
		c.logger.Debug("response for unknown request", "id", id)
		return
	}
	ch <- reply{env: env}
}

func (c *Conn) deliverNotification(env *envelope) {
	c.handlersMu.RLock()
	entries := append([]notificationEntry(nil), c.notifyHandlers[env.Method]...)
	c.handlersMu.RUnlock()

	if len(entries) == 0 {
		c.logger.Trace("unhandled notification", "method", env.Method)
		return
	}
	for _, e := range entries {
		c.invokeNotification(env.Method, e.handler, env.Params)
	}
}

func (c *Conn) invokeNotification(method string, handler NotificationHandler, params json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panicked", "method", method, "panic", r)
		}
	}()
	handler(params)
}

func (c *Conn) serveRequest(env *envelope, handler RequestHandler) {
	resp := Response{JSONRPC: Version, ID: env.ID}

	if handler == nil {
		resp.Error = &ResponseError{Code: CodeMethodNotFound, Message: "method not found: " + env.Method}
	} else {
		result, err := c.invokeRequest(env, handler)
		if err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				resp.Error = &ResponseError{Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data}
			} else {
				resp.Error = &ResponseError{Code: CodeInternalError, Message: err.Error()}
			}
		} else {
			raw, mErr := json.Marshal(result)
			if mErr != nil {
				resp.Error = &ResponseError{Code: CodeInternalError, Message: mErr.Error()}
			} else {
				resp.Result = raw
			}
		}
	}

	if c.closed.Load() {
		return
	}
	if err := c.writeJSON(resp); err != nil {
		c.logger.Warn("failed to answer request", "method", env.Method, "error", err)
	}
}

func (c *Conn) invokeRequest(env *envelope, handler RequestHandler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(c.serveCtx, env.Params)
}

// shutdown tears the connection down once. cause is nil for Close.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		clean := cause == nil || errors.Is(cause, io.EOF)

		failure := ErrConnectionClosed
		if !clean {
			failure = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
			c.errMu.Lock()
			c.err = cause
			c.errMu.Unlock()
		}

		c.pendingMu.Lock()
		c.closed.Store(true)
		for id, ch := range c.pending {
			ch <- reply{err: failure}
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		c.handlersMu.Lock()
		c.notifyHandlers = make(map[string][]notificationEntry)
		c.requestHandlers = make(map[string]RequestHandler)
		c.handlersMu.Unlock()

		c.serveCancel()
		close(c.done)

		if clean {
			c.logger.Debug("connection closed")
		} else {
			c.logger.Error("connection failed", "error", cause)
		}
	})
}
