// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client provides the typed resolve and refresh calls of the finder
// helper.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/pyfinder/pkg/logging"
	"github.com/AleutianAI/pyfinder/services/finder/envs"
	"github.com/AleutianAI/pyfinder/services/finder/jsonrpc"
	"github.com/AleutianAI/pyfinder/services/finder/stream"
)

// Wire method names.
const (
	MethodResolve     = "resolve"
	MethodRefresh     = "refresh"
	NotifyEnvironment = "environment"
)

// DefaultResolveConcurrency bounds the resolves issued for incomplete
// refresh notifications.
const DefaultResolveConcurrency = 4

// ErrNotResolved is returned by Resolve when the helper answered without an
// environment.
var ErrNotResolved = errors.New("finder could not resolve environment")

// Conn is the channel the client speaks over. *transport.Process and
// *jsonrpc.Conn satisfy it.
type Conn interface {
	Call(ctx context.Context, method string, params, result any) error
	OnNotification(method string, handler jsonrpc.NotificationHandler) func()
}

// Finder is the discovery surface the registry consumes.
type Finder interface {
	// Resolve looks up one interpreter by path.
	Resolve(ctx context.Context, executable string) (envs.RawEnvironment, error)

	// Refresh runs one discovery pass. The sequence ends when the helper's
	// refresh request settles; a failed request is yielded as a final error.
	Refresh(ctx context.Context) iter.Seq2[envs.RawEnvironment, error]
}

// Options configures a Client.
type Options struct {
	// Logger receives request logging. Default: logging.Default().
	Logger *logging.Logger

	// ResolveConcurrency bounds resolves for incomplete refresh records.
	// Default: DefaultResolveConcurrency.
	ResolveConcurrency int

	// RequestTimeout bounds each resolve round trip. Zero means no bound;
	// refresh is never bounded.
	RequestTimeout time.Duration
}

type resolveParams struct {
	Executable string `json:"executable"`
}

type resolveResult struct {
	Duration    float64              `json:"duration"`
	Environment *envs.RawEnvironment `json:"environment"`
}

type refreshResult struct {
	Duration float64 `json:"duration"`
}

// Client issues resolve and refresh requests over a Conn.
//
// Thread Safety: safe for concurrent use. Concurrent resolves of the same
// executable share one round trip.
type Client struct {
	conn           Conn
	logger         *logging.Logger
	requestTimeout time.Duration

	resolveGroup singleflight.Group
	resolveSem   *semaphore.Weighted

	mu        sync.Mutex
	prefetch  *stream.Stream[envs.RawEnvironment]
	refreshes int
}

// New creates a Client over conn.
func New(conn Conn, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	limit := opts.ResolveConcurrency
	if limit <= 0 {
		limit = DefaultResolveConcurrency
	}
	return &Client{
		conn:           conn,
		logger:         logger.With("component", "finder.client"),
		requestTimeout: opts.RequestTimeout,
		resolveSem:     semaphore.NewWeighted(int64(limit)),
	}
}

var _ Finder = (*Client)(nil)

// Resolve asks the helper for the environment of one interpreter.
//
// Description:
//
//	Sends a "resolve" request with {executable} and returns the
//	environment member of the result. The helper-reported duration is
//	logged. Concurrent calls for the same executable share one request.
//
// Outputs:
//
//	envs.RawEnvironment - The environment as reported.
//	error - ErrNotResolved when the helper returned no environment,
//	        *jsonrpc.RPCError for helper errors, jsonrpc.ErrInvalidResponse
//	        for malformed results, or the context error.
func (c *Client) Resolve(ctx context.Context, executable string) (envs.RawEnvironment, error) {
	if ctx == nil {
		return envs.RawEnvironment{}, fmt.Errorf("ctx must not be nil")
	}

	ctx, span := startRequestSpan(ctx, MethodResolve, attribute.String("finder.executable", executable))
	start := time.Now()

	// The shared call must not be cut short by whichever caller started it.
	shared := context.WithoutCancel(ctx)
	ch := c.resolveGroup.DoChan(executable, func() (any, error) {
		return c.resolveOnce(shared, executable)
	})

	var (
		env envs.RawEnvironment
		err error
	)
	select {
	case res := <-ch:
		if res.Err != nil {
			err = res.Err
		} else if resolved, ok := res.Val.(envs.RawEnvironment); ok {
			env = resolved
		} else {
			err = fmt.Errorf("unexpected type from resolve group: got %T", res.Val)
		}
	case <-ctx.Done():
		err = fmt.Errorf("resolve %s: %w", executable, ctx.Err())
	}

	recordRequestMetrics(ctx, MethodResolve, time.Since(start), err == nil)
	endRequestSpan(span, err)
	return env, err
}

func (c *Client) resolveOnce(ctx context.Context, executable string) (envs.RawEnvironment, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	var result resolveResult
	if err := c.conn.Call(ctx, MethodResolve, resolveParams{Executable: executable}, &result); err != nil {
		return envs.RawEnvironment{}, fmt.Errorf("resolve %s: %w", executable, err)
	}
	if result.Environment == nil {
		c.logger.Debug("finder returned no environment", "executable", executable, "duration_ms", result.Duration)
		return envs.RawEnvironment{}, fmt.Errorf("%w: %s", ErrNotResolved, executable)
	}

	c.logger.Debug("resolved environment",
		"executable", executable,
		"category", result.Environment.Category,
		"duration_ms", result.Duration,
	)
	return *result.Environment, nil
}

// Refresh runs one discovery pass and streams the reported environments.
//
// Description:
//
//	The request is sent when iteration starts. Each "environment"
//	notification is yielded in arrival order; records missing a version
//	or prefix are first completed with a resolve, which runs concurrently
//	with later notifications. The sequence ends after the refresh request
//	settles and every such resolve has delivered.
//
//	If Prefetch ran earlier, the first Refresh replays that pass instead
//	of starting a new one.
//
//	Breaking out of the loop stops waiting for the request. The helper
//	keeps scanning; its later notifications are ignored.
func (c *Client) Refresh(ctx context.Context) iter.Seq2[envs.RawEnvironment, error] {
	if ctx == nil {
		return func(yield func(envs.RawEnvironment, error) bool) {
			yield(envs.RawEnvironment{}, fmt.Errorf("ctx must not be nil"))
		}
	}
	if s := c.claimPrefetch(); s != nil {
		return s.Replay(ctx)
	}
	return func(yield func(envs.RawEnvironment, error) bool) {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		s := c.startRefresh(runCtx)
		for env, err := range s.All(runCtx) {
			if !yield(env, err) {
				return
			}
		}
	}
}

// Prefetch starts a discovery pass now and keeps its results for the next
// Refresh call, which replays them in arrival order and then follows the
// pass live if it is still running.
//
// ctx bounds the prefetched pass. Calling Prefetch while an unclaimed
// prefetch exists does nothing.
func (c *Client) Prefetch(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prefetch != nil {
		return
	}
	c.prefetch = c.startRefresh(ctx, stream.WithHistory())
}

func (c *Client) claimPrefetch() *stream.Stream[envs.RawEnvironment] {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.prefetch
	c.prefetch = nil
	return s
}

// startRefresh sends the refresh request and returns the stream fed by its
// notifications. The stream finishes once the request settles and all
// completion resolves are done.
func (c *Client) startRefresh(ctx context.Context, opts ...stream.Option) *stream.Stream[envs.RawEnvironment] {
	s := stream.New[envs.RawEnvironment](opts...)

	c.mu.Lock()
	c.refreshes++
	pass := c.refreshes
	c.mu.Unlock()
	logger := c.logger.With("refresh", pass)

	completions := &completionSet{}

	unregister := c.conn.OnNotification(NotifyEnvironment, func(params json.RawMessage) {
		var raw envs.RawEnvironment
		if err := json.Unmarshal(params, &raw); err != nil {
			logger.Warn("malformed environment notification", "error", err)
			return
		}
		if raw.Executable != "" && raw.Incomplete() {
			if completions.add() {
				go c.complete(ctx, logger, raw, s, completions)
			}
			return
		}
		if s.Push(raw) {
			recordEnvironmentReported(ctx, false)
		}
	})

	go func() {
		spanCtx, span := startRequestSpan(ctx, MethodRefresh, attribute.Int("finder.refresh", pass))
		start := time.Now()
		logger.Debug("refresh started")

		var result refreshResult
		err := c.conn.Call(spanCtx, MethodRefresh, nil, &result)
		unregister()
		completions.closeAndWait()

		if err != nil {
			err = fmt.Errorf("refresh: %w", err)
			logger.Error("refresh failed", "error", err, "environments", s.Len())
		} else {
			logger.Info("refresh complete",
				"duration_ms", result.Duration,
				"elapsed", time.Since(start),
			)
		}
		s.Finish(err)

		recordRequestMetrics(spanCtx, MethodRefresh, time.Since(start), err == nil)
		endRequestSpan(span, err)
	}()

	return s
}

// complete resolves an incomplete record and forwards the result. If the
// resolve fails, the record is forwarded as reported rather than lost.
func (c *Client) complete(ctx context.Context, logger *logging.Logger, raw envs.RawEnvironment, s *stream.Stream[envs.RawEnvironment], completions *completionSet) {
	defer completions.done()

	if err := c.resolveSem.Acquire(ctx, 1); err != nil {
		s.Push(raw)
		return
	}
	defer c.resolveSem.Release(1)

	resolved, err := c.Resolve(ctx, raw.Executable)
	recordReResolve(ctx, err == nil)
	if err != nil {
		logger.Warn("could not complete environment", "executable", raw.Executable, "error", err)
		if s.Push(raw) {
			recordEnvironmentReported(ctx, false)
		}
		return
	}
	if resolved.Category == "" {
		resolved.Category = raw.Category
	}
	if s.Push(resolved) {
		recordEnvironmentReported(ctx, true)
	}
}

// completionSet tracks the completion resolves of one refresh pass.
type completionSet struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func (cs *completionSet) add() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return false
	}
	cs.wg.Add(1)
	return true
}

func (cs *completionSet) done() {
	cs.wg.Done()
}

func (cs *completionSet) closeAndWait() {
	cs.mu.Lock()
	cs.closed = true
	cs.mu.Unlock()
	cs.wg.Wait()
}
