// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry keeps the deduplicated collection of discovered Python
// environments and coordinates discovery passes against a finder.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/pyfinder/pkg/logging"
	"github.com/AleutianAI/pyfinder/services/finder/client"
	"github.com/AleutianAI/pyfinder/services/finder/envs"
)

// ErrRegistryClosed is returned by operations on a closed Registry, and
// wraps the error of a refresh interrupted by Close.
var ErrRegistryClosed = errors.New("registry closed")

// =============================================================================
// QUERIES AND OPTIONS
// =============================================================================

// Query filters environments. The zero value and nil match everything.
type Query struct {
	// Kinds keeps environments of these kinds. Empty means any kind.
	Kinds []envs.Kind

	// Roots keeps environments located, or owned by a project, under one
	// of these directories. Empty means any location.
	Roots []string

	// DoNotIncludeNonRooted drops environments with no project when Roots
	// is set. Otherwise they are kept alongside the rooted ones.
	DoNotIncludeNonRooted bool
}

// Match reports whether env passes the query.
func (q *Query) Match(env *envs.Environment) bool {
	if q == nil {
		return true
	}
	if len(q.Kinds) > 0 && !slices.Contains(q.Kinds, env.Kind) {
		return false
	}
	if len(q.Roots) == 0 {
		return true
	}
	for _, root := range q.Roots {
		if envs.Under(env.Location, root) || envs.Under(env.Project, root) {
			return true
		}
	}
	return env.Project == "" && !q.DoNotIncludeNonRooted
}

// TriggerRefreshOptions tunes TriggerRefresh.
type TriggerRefreshOptions struct {
	// IfNotTriggeredAlready skips the pass when an earlier pass of this
	// Registry finished and the collection holds environments matching
	// the query.
	IfNotTriggeredAlready bool

	// ClearCache empties the collection before the pass starts.
	ClearCache bool
}

// RefreshOptions selects what RefreshPromise waits for.
type RefreshOptions struct {
	// Stage is the stage the handle settles at. The zero value and
	// StageDiscoveryFinished wait for the pass to end.
	Stage Stage
}

// =============================================================================
// REFRESH HANDLE
// =============================================================================

// Refresh is the handle of one discovery pass. It settles once.
type Refresh struct {
	done chan struct{}
	err  error
}

func newRefresh() *Refresh {
	return &Refresh{done: make(chan struct{})}
}

func settledRefresh(err error) *Refresh {
	r := newRefresh()
	r.settle(err)
	return r
}

func (r *Refresh) settle(err error) {
	r.err = err
	close(r.done)
}

// Done is closed when the pass has ended.
func (r *Refresh) Done() <-chan struct{} {
	return r.done
}

// Err is the outcome of the pass. It is nil until Done is closed.
func (r *Refresh) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the pass ends or ctx is done. Giving up on the wait
// does not stop the pass.
func (r *Refresh) Wait(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Options configures a Registry.
type Options struct {
	// Logger receives registry logging. Default: logging.Default().
	Logger *logging.Logger

	// Normalizer converts raw reports. Default: envs.NewNormalizer(Logger).
	Normalizer *envs.Normalizer
}

// Registry is the collection of known environments plus the refresh
// coordination around it.
//
// At most one discovery pass runs at a time; callers that trigger a refresh
// while one is running share it. Reports are applied in arrival order, and
// a report for a known identity updates the existing entry in place.
//
// Thread Safety: safe for concurrent use. Event handlers run one at a time
// on the Registry's event goroutine, in the order the changes were made.
// A handler may call any Registry method, including TriggerRefresh and
// Close, but a slow handler delays every later event.
type Registry struct {
	finder     client.Finder
	logger     *logging.Logger
	normalizer *envs.Normalizer

	// ctx bounds every pass; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	entries  map[string]*envs.Environment
	order    []string
	stage    Stage
	inflight *Refresh
	last     *Refresh
	passes   int
	closed   bool

	// events is fed under mu, so delivery follows mutation order.
	events   *dispatcher
	progress *emitter[ProgressEvent]
	changed  *emitter[ChangedEvent]
}

// New creates a Registry that discovers through finder.
func New(finder client.Finder, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("component", "registry")

	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = envs.NewNormalizer(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		finder:     finder,
		logger:     logger,
		normalizer: normalizer,
		ctx:        ctx,
		cancel:     cancel,
		entries:    make(map[string]*envs.Environment),
		stage:      StageIdle,
		progress:   newEmitter[ProgressEvent]("progress", logger),
		changed:    newEmitter[ChangedEvent]("changed", logger),
	}
	r.events = newDispatcher(func() {
		r.progress.Close()
		r.changed.Close()
	})
	return r
}

// State is the current discovery stage.
func (r *Registry) State() Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stage
}

// Len is the number of known environments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// OnProgress subscribes to stage transitions. Call the returned function
// to unsubscribe.
func (r *Registry) OnProgress(handler func(ProgressEvent)) func() {
	id := r.progress.Subscribe(handler)
	return func() { r.progress.Unsubscribe(id) }
}

// OnChanged subscribes to collection changes. Call the returned function
// to unsubscribe.
func (r *Registry) OnChanged(handler func(ChangedEvent)) func() {
	id := r.changed.Subscribe(handler)
	return func() { r.changed.Unsubscribe(id) }
}

// GetEnvs returns the environments matching query, in discovery order.
//
// Description:
//
//	A snapshot read. It never starts discovery. The returned records are
//	copies and may be modified freely.
func (r *Registry) GetEnvs(query *Query) []*envs.Environment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*envs.Environment, 0, len(r.order))
	for _, key := range r.order {
		env := r.entries[key]
		if query.Match(env) {
			out = append(out, env.Clone())
		}
	}
	return out
}

// TriggerRefresh runs a discovery pass, or joins the one already running,
// and waits for it.
//
// Description:
//
//	Starting a pass moves the Registry to StageDiscoveryStarted. Every
//	report is normalized and merged into the collection as it arrives.
//	When the pass ends, successfully or not, the Registry moves to
//	StageDiscoveryFinished.
//
//	The pass runs on the Registry's own context: a caller whose ctx ends
//	stops waiting, but the pass continues for the other callers. Only
//	Close interrupts it.
//
// Inputs:
//
//	ctx - Bounds the wait. Must not be nil.
//	query - Used with IfNotTriggeredAlready. May be nil.
//	opts - See TriggerRefreshOptions.
//
// Outputs:
//
//	error - The pass's error, ctx's error, or ErrRegistryClosed.
func (r *Registry) TriggerRefresh(ctx context.Context, query *Query, opts TriggerRefreshOptions) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	h, err := r.startRefresh(query, opts)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

// RefreshPromise returns the handle of the running pass, or of the last
// one when none is running. It returns nil before the first pass.
//
// With opts.Stage set to StageDiscoveryStarted the returned handle is
// already settled, since any pass it could refer to has started.
func (r *Registry) RefreshPromise(opts RefreshOptions) *Refresh {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := r.inflight
	if h == nil {
		h = r.last
	}
	if h == nil {
		return nil
	}
	if opts.Stage == StageDiscoveryStarted {
		return settledRefresh(nil)
	}
	return h
}

func (r *Registry) startRefresh(query *Query, opts TriggerRefreshOptions) (*Refresh, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if r.inflight != nil {
		return r.inflight, nil
	}
	if opts.IfNotTriggeredAlready && r.last != nil && r.anyMatchLocked(query) {
		r.logger.Debug("refresh skipped, already discovered")
		return settledRefresh(nil), nil
	}

	h := newRefresh()
	r.inflight = h
	r.stage = StageDiscoveryStarted
	r.postProgressLocked(StageDiscoveryStarted)
	r.passes++
	pass := r.passes

	r.wg.Add(1)
	go r.run(h, pass, opts.ClearCache)
	return h, nil
}

func (r *Registry) anyMatchLocked(query *Query) bool {
	for _, env := range r.entries {
		if query.Match(env) {
			return true
		}
	}
	return false
}

// run consumes one discovery pass.
func (r *Registry) run(h *Refresh, pass int, clearCache bool) {
	defer r.wg.Done()

	logger := r.logger.With("refresh", pass)
	start := time.Now()
	refreshInProgress.Set(1)

	var (
		err      error
		reported int
		rejected int
	)
	defer func() {
		if err != nil && r.ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrRegistryClosed, err)
		}
		r.finishRefresh(h, err)

		refreshInProgress.Set(0)
		refreshDuration.Observe(time.Since(start).Seconds())
		switch {
		case err == nil:
			refreshTotal.WithLabelValues("success").Inc()
			logger.Info("discovery finished",
				"reported", reported,
				"rejected", rejected,
				"environments", r.Len(),
				"elapsed", time.Since(start),
			)
		case errors.Is(err, ErrRegistryClosed):
			refreshTotal.WithLabelValues("closed").Inc()
			logger.Warn("discovery interrupted by close", "reported", reported)
		default:
			refreshTotal.WithLabelValues("error").Inc()
			logger.Error("discovery failed", "error", err, "reported", reported)
		}
	}()

	if clearCache {
		r.reset()
	}

	for raw, rerr := range r.finder.Refresh(r.ctx) {
		if rerr != nil {
			err = rerr
			break
		}
		reported++
		if _, ok := r.add(raw); !ok {
			rejected++
		}
	}
}

// finishRefresh settles h and moves to StageDiscoveryFinished. Waiters are
// released before the Finished event is delivered.
func (r *Registry) finishRefresh(h *Refresh, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h.settle(err)
	r.stage = StageDiscoveryFinished
	r.inflight = nil
	r.last = h
	r.postProgressLocked(StageDiscoveryFinished)
}

// postProgressLocked queues a stage event. Caller holds mu.
func (r *Registry) postProgressLocked(stage Stage) {
	event := ProgressEvent{Stage: stage}
	r.events.post(func() { r.progress.Emit(event) })
}

// postChangeLocked queues a change event. Caller holds mu.
func (r *Registry) postChangeLocked(event ChangedEvent) {
	r.events.post(func() { r.changed.Emit(event) })
}

// add normalizes raw and merges it into the collection.
func (r *Registry) add(raw envs.RawEnvironment) (*envs.Environment, bool) {
	env, err := r.normalizer.Normalize(raw)
	if err != nil {
		recordsRejected.Inc()
		return nil, false
	}
	return r.upsert(env), true
}

// upsert inserts env or merges it into the entry with the same identity,
// and queues the change event. It returns a copy of the stored entry.
func (r *Registry) upsert(env *envs.Environment) *envs.Environment {
	key := r.normalizer.IdentityKey(env)

	r.mu.Lock()
	var event ChangedEvent
	existing, ok := r.entries[key]
	if !ok {
		r.entries[key] = env
		r.order = append(r.order, key)
		event = ChangedEvent{Type: ChangeAdded, New: env.Clone()}
	} else {
		old := existing.Clone()
		existing.Merge(env)
		event = ChangedEvent{Type: ChangeUpdated, Old: old, New: existing.Clone()}
	}
	r.postChangeLocked(event)
	count := len(r.entries)
	r.mu.Unlock()

	environmentsKnown.Set(float64(count))
	return event.New.Clone()
}

// reset empties the collection, firing a removal per entry.
func (r *Registry) reset() {
	r.mu.Lock()
	removed := len(r.order)
	for _, key := range r.order {
		r.postChangeLocked(ChangedEvent{Type: ChangeRemoved, Old: r.entries[key]})
	}
	r.entries = make(map[string]*envs.Environment)
	r.order = nil
	r.mu.Unlock()

	environmentsKnown.Set(0)
	r.logger.Debug("collection cleared", "removed", removed)
}

// ResolveEnv looks up one interpreter and records it.
//
// Description:
//
//	Asks the finder to resolve path. A found environment is normalized
//	and merged into the collection, and the stored record is returned.
//	If the finder could not resolve path, or reported an environment
//	with neither executable nor prefix, ResolveEnv returns (nil, nil)
//	and the collection is unchanged.
//
// Inputs:
//
//	ctx - Bounds the lookup. Must not be nil.
//	path - Interpreter path to resolve.
//
// Outputs:
//
//	*envs.Environment - A copy of the stored record, or nil.
//	error - Helper or transport failure, or ErrRegistryClosed.
func (r *Registry) ResolveEnv(ctx context.Context, path string) (*envs.Environment, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}

	raw, err := r.finder.Resolve(ctx, path)
	if errors.Is(err, client.ErrNotResolved) {
		resolveTotal.WithLabelValues("not_found").Inc()
		return nil, nil
	}
	if err != nil {
		resolveTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	env, ok := r.add(raw)
	if !ok {
		resolveTotal.WithLabelValues("not_found").Inc()
		return nil, nil
	}
	resolveTotal.WithLabelValues("found").Inc()
	return env, nil
}

// Close interrupts any running pass, waits for it to settle, and drops
// every event subscription. Events queued before Close are still
// delivered, but Close does not wait for them. The finder is not closed.
// Idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	r.events.shutdown()
	return nil
}
