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
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pyfinder/pkg/logging"
	"github.com/AleutianAI/pyfinder/services/finder/client"
	"github.com/AleutianAI/pyfinder/services/finder/envs"
	"github.com/AleutianAI/pyfinder/services/finder/findertest"
	"github.com/AleutianAI/pyfinder/services/finder/jsonrpc"
)

var (
	systemPython = envs.RawEnvironment{
		Executable: "/usr/bin/python3",
		Category:   "system",
		Version:    "3.12.1",
		Prefix:     "/usr",
	}
	venvPartial = envs.RawEnvironment{
		Executable: "/home/u/.venvs/foo/bin/python",
		Category:   "venv",
		Prefix:     "/home/u/.venvs/foo",
	}
	venvResolved = envs.RawEnvironment{
		Executable: "/home/u/.venvs/foo/bin/python",
		Category:   "venv",
		Version:    "3.11.4",
		Prefix:     "/home/u/.venvs/foo",
		Project:    "/home/u/src/foo",
	}
	condaBase = envs.RawEnvironment{
		Executable: "/opt/conda/bin/python",
		Category:   "conda",
		Version:    "3.10.4",
		Prefix:     "/opt/conda",
	}
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestRegistry(t *testing.T, helper *findertest.Helper) *Registry {
	t.Helper()
	logger := logging.Nop()
	c := client.New(helper.Conn(), client.Options{Logger: logger})
	r := New(c, Options{Logger: logger})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// recorder collects events from a Registry.
type recorder struct {
	t *testing.T
	r *Registry

	mu      sync.Mutex
	stages  []Stage
	changes []ChangedEvent
}

func record(t *testing.T, r *Registry) *recorder {
	rec := &recorder{t: t, r: r}
	r.OnProgress(func(e ProgressEvent) {
		rec.mu.Lock()
		rec.stages = append(rec.stages, e.Stage)
		rec.mu.Unlock()
	})
	r.OnChanged(func(e ChangedEvent) {
		rec.mu.Lock()
		rec.changes = append(rec.changes, e)
		rec.mu.Unlock()
	})
	return rec
}

// flushEvents waits until every event queued so far has been delivered,
// or until the Registry's event goroutine has stopped.
func flushEvents(t *testing.T, r *Registry) {
	t.Helper()
	delivered := make(chan struct{})
	wait := r.events.Done()
	if r.events.post(func() { close(delivered) }) {
		wait = delivered
	}
	select {
	case <-wait:
	case <-time.After(5 * time.Second):
		t.Fatal("events were not delivered")
	}
}

func (rec *recorder) Stages() []Stage {
	flushEvents(rec.t, rec.r)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]Stage(nil), rec.stages...)
}

func (rec *recorder) Changes() []ChangedEvent {
	flushEvents(rec.t, rec.r)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]ChangedEvent(nil), rec.changes...)
}

// =============================================================================
// TriggerRefresh
// =============================================================================

func TestTriggerRefresh_EndToEnd(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython, venvPartial)
	helper.SetResolvable(venvResolved)
	r := newTestRegistry(t, helper)
	rec := record(t, r)

	assert.Equal(t, StageIdle, r.State())
	require.NoError(t, r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{}))

	got := r.GetEnvs(nil)
	require.Len(t, got, 2)

	assert.Equal(t, "/usr/bin/python3", got[0].Executable.Filename)
	assert.Equal(t, envs.KindSystem, got[0].Kind)
	assert.Equal(t, envs.Version{SysVersion: "3.12.1", Major: 3, Minor: 12, Micro: 1}, got[0].Version)

	assert.Equal(t, "/home/u/.venvs/foo/bin/python", got[1].Executable.Filename)
	assert.Equal(t, envs.KindVenv, got[1].Kind)
	assert.Equal(t, 3, got[1].Version.Major)
	assert.Equal(t, 11, got[1].Version.Minor)
	assert.Equal(t, 4, got[1].Version.Micro)

	assert.Equal(t, StageDiscoveryFinished, r.State())
	assert.Equal(t, []Stage{StageDiscoveryStarted, StageDiscoveryFinished}, rec.Stages())
	assert.Len(t, rec.Changes(), 2)
	assert.Equal(t, 1, helper.RefreshCalls())
}

func TestTriggerRefresh_MergesReportsOfOneEnvironment(t *testing.T) {
	helper := findertest.New(t)
	brew := systemPython
	brew.Category = "homebrew"
	brew.DisplayName = "Homebrew Python"
	helper.SetEnvironments(systemPython, brew, systemPython)
	r := newTestRegistry(t, helper)
	rec := record(t, r)

	require.NoError(t, r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{}))

	got := r.GetEnvs(nil)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"system", "homebrew", "system"}, got[0].Source)
	assert.Equal(t, envs.KindSystem, got[0].Kind)
	// Later reports win, in arrival order.
	assert.Equal(t, "Python 3.12.1", got[0].Name)

	changes := rec.Changes()
	require.Len(t, changes, 3)
	assert.Equal(t, ChangeAdded, changes[0].Type)
	assert.Nil(t, changes[0].Old)
	assert.Equal(t, ChangeUpdated, changes[1].Type)
	assert.Equal(t, []string{"system"}, changes[1].Old.Source)
	assert.Equal(t, []string{"system", "homebrew"}, changes[1].New.Source)
	assert.Equal(t, "Homebrew Python", changes[1].New.Name)
	assert.Equal(t, ChangeUpdated, changes[2].Type)
}

func TestTriggerRefresh_RejectsInvalidRecords(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(
		envs.RawEnvironment{Category: "conda", Name: "ghost", Version: "3.9.0"},
		condaBase,
	)
	r := newTestRegistry(t, helper)

	require.NoError(t, r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{}))

	got := r.GetEnvs(nil)
	require.Len(t, got, 1)
	assert.Equal(t, "/opt/conda/bin/python", got[0].Executable.Filename)
	assert.Equal(t, envs.KindConda, got[0].Kind)
}

func TestTriggerRefresh_ConcurrentCallsShareOnePass(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython)
	release := helper.HoldRefresh()
	r := newTestRegistry(t, helper)

	const callers = 5
	errs := make(chan error, callers)
	for range callers {
		go func() { errs <- r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{}) }()
	}

	require.Eventually(t, func() bool { return helper.RefreshCalls() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StageDiscoveryStarted, r.State())

	first := r.RefreshPromise(RefreshOptions{})
	require.NotNil(t, first)

	// A late caller joins the same pass; its own deadline only ends its wait.
	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.TriggerRefresh(short, nil, TriggerRefreshOptions{}), context.DeadlineExceeded)
	assert.Same(t, first, r.RefreshPromise(RefreshOptions{}))

	release()
	for range callers {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, 1, helper.RefreshCalls())
	assert.Same(t, first, r.RefreshPromise(RefreshOptions{}))
}

func TestTriggerRefresh_FailureStillFinishes(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython)
	helper.FailRefresh(jsonrpc.NewError(jsonrpc.CodeInternalError, "scan failed"))
	r := newTestRegistry(t, helper)
	rec := record(t, r)

	err := r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{})
	var rpcErr *jsonrpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "scan failed", rpcErr.Message)

	assert.Equal(t, StageDiscoveryFinished, r.State())
	assert.Equal(t, []Stage{StageDiscoveryStarted, StageDiscoveryFinished}, rec.Stages())

	promise := r.RefreshPromise(RefreshOptions{})
	require.NotNil(t, promise)
	assert.Error(t, promise.Err())

	// Reports that arrived before the failure are kept.
	assert.Equal(t, 1, r.Len())

	// A failed pass does not block the next one.
	helper.FailRefresh(nil)
	require.NoError(t, r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{}))
	assert.Equal(t, 2, helper.RefreshCalls())
}

func TestTriggerRefresh_CallerContextOnlyBoundsTheWait(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython)
	release := helper.HoldRefresh()
	r := newTestRegistry(t, helper)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.TriggerRefresh(ctx, nil, TriggerRefreshOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StageDiscoveryStarted, r.State())

	release()
	promise := r.RefreshPromise(RefreshOptions{})
	require.NotNil(t, promise)
	require.NoError(t, promise.Wait(testContext(t)))
	assert.Equal(t, 1, r.Len())
}

func TestTriggerRefresh_IfNotTriggeredAlready(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython)
	r := newTestRegistry(t, helper)
	opts := TriggerRefreshOptions{IfNotTriggeredAlready: true}

	require.NoError(t, r.TriggerRefresh(testContext(t), nil, opts))
	require.NoError(t, r.TriggerRefresh(testContext(t), nil, opts))
	assert.Equal(t, 1, helper.RefreshCalls())

	// Nothing known matches, so discovery runs again.
	condaOnly := &Query{Kinds: []envs.Kind{envs.KindConda}}
	require.NoError(t, r.TriggerRefresh(testContext(t), condaOnly, opts))
	assert.Equal(t, 2, helper.RefreshCalls())
}

func TestTriggerRefresh_ClearCache(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython, condaBase)
	r := newTestRegistry(t, helper)

	require.NoError(t, r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{}))
	require.Equal(t, 2, r.Len())

	rec := record(t, r)
	helper.SetEnvironments(condaBase)
	require.NoError(t, r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{ClearCache: true}))

	got := r.GetEnvs(nil)
	require.Len(t, got, 1)
	assert.Equal(t, envs.KindConda, got[0].Kind)
	assert.Equal(t, []string{"conda"}, got[0].Source)

	var removed, added int
	for _, c := range rec.Changes() {
		switch c.Type {
		case ChangeRemoved:
			removed++
			assert.Nil(t, c.New)
		case ChangeAdded:
			added++
		}
	}
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, added)
}

func TestTriggerRefresh_NilContext(t *testing.T) {
	r := newTestRegistry(t, findertest.New(t))
	//nolint:staticcheck // nil context is the case under test
	assert.Error(t, r.TriggerRefresh(nil, nil, TriggerRefreshOptions{}))
}

func TestRefreshPromise(t *testing.T) {
	helper := findertest.New(t)
	r := newTestRegistry(t, helper)

	assert.Nil(t, r.RefreshPromise(RefreshOptions{}))

	release := helper.HoldRefresh()
	go func() { _ = r.TriggerRefresh(context.Background(), nil, TriggerRefreshOptions{}) }()
	require.Eventually(t, func() bool { return r.RefreshPromise(RefreshOptions{}) != nil }, 5*time.Second, 10*time.Millisecond)

	started := r.RefreshPromise(RefreshOptions{Stage: StageDiscoveryStarted})
	select {
	case <-started.Done():
	default:
		t.Fatal("discoveryStarted handle should already be settled")
	}

	finished := r.RefreshPromise(RefreshOptions{Stage: StageDiscoveryFinished})
	select {
	case <-finished.Done():
		t.Fatal("pass has not finished yet")
	default:
	}
	assert.NoError(t, finished.Err())

	release()
	assert.NoError(t, finished.Wait(testContext(t)))
}

// =============================================================================
// GetEnvs
// =============================================================================

func TestGetEnvs_ReturnsCopies(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython)
	r := newTestRegistry(t, helper)
	require.NoError(t, r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{}))

	got := r.GetEnvs(nil)
	got[0].Name = "changed"
	got[0].Source = append(got[0].Source, "mine")

	again := r.GetEnvs(nil)
	assert.NotEqual(t, "changed", again[0].Name)
	assert.Equal(t, []string{"system"}, again[0].Source)
}

func TestGetEnvs_NeverTriggersDiscovery(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython)
	r := newTestRegistry(t, helper)

	assert.Empty(t, r.GetEnvs(nil))
	assert.Equal(t, 0, helper.RefreshCalls())
	assert.Equal(t, StageIdle, r.State())
}

func TestGetEnvs_Query(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython, venvResolved, condaBase)
	r := newTestRegistry(t, helper)
	require.NoError(t, r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{}))

	filenames := func(list []*envs.Environment) []string {
		out := make([]string, len(list))
		for i, e := range list {
			out[i] = e.Executable.Filename
		}
		return out
	}

	tests := []struct {
		name  string
		query *Query
		want  []string
	}{
		{
			name:  "nil matches all",
			query: nil,
			want:  []string{"/usr/bin/python3", "/home/u/.venvs/foo/bin/python", "/opt/conda/bin/python"},
		},
		{
			name:  "by kind",
			query: &Query{Kinds: []envs.Kind{envs.KindConda, envs.KindVenv}},
			want:  []string{"/home/u/.venvs/foo/bin/python", "/opt/conda/bin/python"},
		},
		{
			name:  "rooted by location keeps non-rooted",
			query: &Query{Roots: []string{"/opt"}},
			want:  []string{"/usr/bin/python3", "/opt/conda/bin/python"},
		},
		{
			name:  "rooted by project",
			query: &Query{Roots: []string{"/home/u/src"}, DoNotIncludeNonRooted: true},
			want:  []string{"/home/u/.venvs/foo/bin/python"},
		},
		{
			name:  "rooted without non-rooted",
			query: &Query{Roots: []string{"/opt"}, DoNotIncludeNonRooted: true},
			want:  []string{"/opt/conda/bin/python"},
		},
		{
			name:  "no match",
			query: &Query{Kinds: []envs.Kind{envs.KindPoetry}},
			want:  []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, filenames(r.GetEnvs(tt.query)))
		})
	}
}

// =============================================================================
// ResolveEnv
// =============================================================================

func TestResolveEnv_Found(t *testing.T) {
	helper := findertest.New(t)
	helper.SetResolvable(venvResolved)
	r := newTestRegistry(t, helper)
	rec := record(t, r)

	env, err := r.ResolveEnv(testContext(t), venvResolved.Executable)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, envs.KindVenv, env.Kind)
	assert.Equal(t, "/home/u/.venvs/foo", env.Location)
	assert.Equal(t, 1, r.Len())

	// A second resolve updates the same entry.
	again, err := r.ResolveEnv(testContext(t), venvResolved.Executable)
	require.NoError(t, err)
	assert.Equal(t, []string{"venv", "venv"}, again.Source)
	assert.Equal(t, 1, r.Len())

	changes := rec.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, ChangeAdded, changes[0].Type)
	assert.Equal(t, ChangeUpdated, changes[1].Type)

	// Resolve never moves the discovery stage.
	assert.Equal(t, StageIdle, r.State())
}

func TestResolveEnv_NotFound(t *testing.T) {
	helper := findertest.New(t)
	r := newTestRegistry(t, helper)
	rec := record(t, r)

	env, err := r.ResolveEnv(testContext(t), "/bad/path")
	require.NoError(t, err)
	assert.Nil(t, env)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, rec.Changes())
}

func TestResolveEnv_InvalidRecordIsNotFound(t *testing.T) {
	helper := findertest.New(t)
	// Keyed by executable, reported without one.
	helper.SetResolvable(envs.RawEnvironment{Category: "venv"})
	r := newTestRegistry(t, helper)

	env, err := r.ResolveEnv(testContext(t), "")
	require.NoError(t, err)
	assert.Nil(t, env)
	assert.Equal(t, 0, r.Len())
}

func TestResolveEnv_HelperFailure(t *testing.T) {
	helper := findertest.New(t)
	r := newTestRegistry(t, helper)
	helper.HangUp()

	env, err := r.ResolveEnv(testContext(t), "/usr/bin/python3")
	assert.ErrorIs(t, err, jsonrpc.ErrConnectionClosed)
	assert.Nil(t, env)
}

// =============================================================================
// Close
// =============================================================================

func TestClose_WhileRefreshingRejectsThePass(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython)
	release := helper.HoldRefresh()
	defer release()
	r := newTestRegistry(t, helper)
	rec := record(t, r)

	errCh := make(chan error, 1)
	go func() { errCh <- r.TriggerRefresh(context.Background(), nil, TriggerRefreshOptions{}) }()
	require.Eventually(t, func() bool { return r.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrRegistryClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("TriggerRefresh did not return after Close")
	}

	assert.Equal(t, StageDiscoveryFinished, r.State())
	assert.Equal(t, []Stage{StageDiscoveryStarted, StageDiscoveryFinished}, rec.Stages())
	assert.Equal(t, 0, r.progress.Len())
	assert.Equal(t, 0, r.changed.Len())

	assert.ErrorIs(t, r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{}), ErrRegistryClosed)
	_, err := r.ResolveEnv(testContext(t), "/usr/bin/python3")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestOnChanged_Unsubscribe(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython)
	r := newTestRegistry(t, helper)

	var calls atomic.Int32
	unsubscribe := r.OnChanged(func(ChangedEvent) { calls.Add(1) })
	unsubscribe()

	require.NoError(t, r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{}))
	flushEvents(t, r)
	assert.Equal(t, int32(0), calls.Load())
}

// =============================================================================
// Event handlers calling back into the Registry
// =============================================================================

func TestOnProgress_FinishedHandlerCanTriggerRefresh(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython)
	r := newTestRegistry(t, helper)
	rec := record(t, r)

	var once sync.Once
	nested := make(chan error, 1)
	r.OnProgress(func(e ProgressEvent) {
		if e.Stage != StageDiscoveryFinished {
			return
		}
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			nested <- r.TriggerRefresh(ctx, nil, TriggerRefreshOptions{})
		})
	})

	start := time.Now()
	require.NoError(t, r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{}))

	select {
	case err := <-nested:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("refresh from a Finished handler did not return")
	}
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 2, helper.RefreshCalls())
	assert.Equal(t, []Stage{
		StageDiscoveryStarted, StageDiscoveryFinished,
		StageDiscoveryStarted, StageDiscoveryFinished,
	}, rec.Stages())
}

func TestOnProgress_FinishedHandlerCanWaitOnThePass(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython)
	r := newTestRegistry(t, helper)

	waited := make(chan error, 1)
	r.OnProgress(func(e ProgressEvent) {
		if e.Stage == StageDiscoveryFinished {
			waited <- r.RefreshPromise(RefreshOptions{}).Wait(context.Background())
		}
	})

	require.NoError(t, r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{}))
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handler waiting on the finished pass did not return")
	}
}

func TestOnChanged_HandlerCanClose(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython, condaBase)
	r := newTestRegistry(t, helper)

	var once sync.Once
	closed := make(chan error, 1)
	r.OnChanged(func(ChangedEvent) {
		once.Do(func() { closed <- r.Close() })
	})

	err := r.TriggerRefresh(testContext(t), nil, TriggerRefreshOptions{})
	if err != nil {
		assert.ErrorIs(t, err, ErrRegistryClosed)
	}
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close from a change handler did not return")
	}
	select {
	case <-r.events.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("event goroutine did not stop")
	}
}

func TestOnChanged_DeliveredInMutationOrder(t *testing.T) {
	helper := findertest.New(t)
	helper.SetResolvable(venvResolved)
	r := newTestRegistry(t, helper)
	rec := record(t, r)

	const resolvers = 8
	ctx := testContext(t)
	var wg sync.WaitGroup
	for range resolvers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.ResolveEnv(ctx, venvResolved.Executable)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	changes := rec.Changes()
	require.Len(t, changes, resolvers)
	assert.Equal(t, ChangeAdded, changes[0].Type)
	for i, c := range changes {
		assert.Len(t, c.New.Source, i+1, "event %d carries a stale snapshot", i)
	}
}
