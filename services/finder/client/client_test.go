// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pyfinder/pkg/logging"
	"github.com/AleutianAI/pyfinder/services/finder/envs"
	"github.com/AleutianAI/pyfinder/services/finder/findertest"
	"github.com/AleutianAI/pyfinder/services/finder/jsonrpc"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestClient(t *testing.T, helper *findertest.Helper) *Client {
	t.Helper()
	return New(helper.Conn(), Options{Logger: logging.Nop()})
}

func collect(t *testing.T, seq func(func(envs.RawEnvironment, error) bool)) ([]envs.RawEnvironment, error) {
	t.Helper()
	var (
		out     []envs.RawEnvironment
		lastErr error
	)
	for env, err := range seq {
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, env)
	}
	return out, lastErr
}

func executables(raw []envs.RawEnvironment) []string {
	out := make([]string, len(raw))
	for i, r := range raw {
		out[i] = r.Executable
	}
	return out
}

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
	}
)

// =============================================================================
// Resolve
// =============================================================================

func TestResolve_ReturnsEnvironment(t *testing.T) {
	helper := findertest.New(t)
	helper.SetResolvable(systemPython)
	c := newTestClient(t, helper)

	env, err := c.Resolve(testContext(t), "/usr/bin/python3")
	require.NoError(t, err)
	assert.Equal(t, systemPython, env)
}

func TestResolve_NullEnvironment(t *testing.T) {
	helper := findertest.New(t)
	c := newTestClient(t, helper)

	_, err := c.Resolve(testContext(t), "/nope/python")
	assert.ErrorIs(t, err, ErrNotResolved)
}

func TestResolve_HelperError(t *testing.T) {
	c := New(&failingConn{err: jsonrpc.NewError(jsonrpc.CodeInternalError, "boom")}, Options{Logger: logging.Nop()})

	_, err := c.Resolve(testContext(t), "/usr/bin/python3")
	var rpcErr *jsonrpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.CodeInternalError, rpcErr.Code)
}

func TestResolve_NilContext(t *testing.T) {
	c := New(&failingConn{}, Options{Logger: logging.Nop()})
	//nolint:staticcheck // nil context is the case under test
	_, err := c.Resolve(nil, "/usr/bin/python3")
	assert.Error(t, err)
}

func TestResolve_ContextCanceledWhileWaiting(t *testing.T) {
	helper := findertest.New(t)
	release := helper.HoldResolves()
	defer release()
	c := newTestClient(t, helper)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Resolve(ctx, "/usr/bin/python3")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolve_ConcurrentCallsShareOneRequest(t *testing.T) {
	helper := findertest.New(t)
	helper.SetResolvable(systemPython)
	release := helper.HoldResolves()
	c := newTestClient(t, helper)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]envs.RawEnvironment, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Resolve(testContext(t), "/usr/bin/python3")
		}()
	}

	require.Eventually(t, func() bool { return helper.ResolveCalls() == 1 }, 5*time.Second, 10*time.Millisecond)
	// Let every caller join the in-flight request before it completes.
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, systemPython, results[i])
	}
	assert.Equal(t, 1, helper.ResolveCalls())
}

func TestResolve_RequestTimeout(t *testing.T) {
	helper := findertest.New(t)
	release := helper.HoldResolves()
	defer release()
	c := New(helper.Conn(), Options{Logger: logging.Nop(), RequestTimeout: 50 * time.Millisecond})

	_, err := c.Resolve(testContext(t), "/usr/bin/python3")
	assert.ErrorIs(t, err, jsonrpc.ErrRequestTimeout)
}

// =============================================================================
// Refresh
// =============================================================================

func TestRefresh_YieldsInArrivalOrder(t *testing.T) {
	helper := findertest.New(t)
	var scripted []envs.RawEnvironment
	for i := range 20 {
		scripted = append(scripted, envs.RawEnvironment{
			Executable: fmt.Sprintf("/opt/py%02d/bin/python", i),
			Category:   "system",
			Version:    "3.12.0",
			Prefix:     fmt.Sprintf("/opt/py%02d", i),
		})
	}
	helper.SetEnvironments(scripted...)
	c := newTestClient(t, helper)

	got, err := collect(t, c.Refresh(testContext(t)))
	require.NoError(t, err)
	assert.Equal(t, scripted, got)
	assert.Equal(t, 1, helper.RefreshCalls())
}

func TestRefresh_EmptyPassCompletes(t *testing.T) {
	helper := findertest.New(t)
	c := newTestClient(t, helper)

	got, err := collect(t, c.Refresh(testContext(t)))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRefresh_NotSentUntilIterated(t *testing.T) {
	helper := findertest.New(t)
	c := newTestClient(t, helper)

	seq := c.Refresh(testContext(t))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, helper.RefreshCalls())

	_, err := collect(t, seq)
	require.NoError(t, err)
	assert.Equal(t, 1, helper.RefreshCalls())
}

func TestRefresh_FailureYieldsItemsThenError(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython)
	helper.FailRefresh(jsonrpc.NewError(jsonrpc.CodeInternalError, "scan failed"))
	c := newTestClient(t, helper)

	got, err := collect(t, c.Refresh(testContext(t)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan failed")
	assert.Equal(t, []envs.RawEnvironment{systemPython}, got)
}

func TestRefresh_HelperHangUpEndsWithError(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython)
	release := helper.HoldRefresh()
	defer release()
	c := newTestClient(t, helper)

	var got []envs.RawEnvironment
	var lastErr error
	for env, err := range c.Refresh(testContext(t)) {
		if err != nil {
			lastErr = err
			break
		}
		got = append(got, env)
		helper.HangUp()
	}
	assert.Equal(t, []envs.RawEnvironment{systemPython}, got)
	assert.ErrorIs(t, lastErr, jsonrpc.ErrConnectionClosed)
}

func TestRefresh_CompletesIncompleteRecords(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython, venvPartial)
	helper.SetResolvable(venvResolved)
	c := newTestClient(t, helper)

	got, err := collect(t, c.Refresh(testContext(t)))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, systemPython, got[0])
	assert.Equal(t, venvResolved, got[1])
	assert.Equal(t, 1, helper.ResolveCalls())
}

func TestRefresh_FailedCompletionForwardsPartialRecord(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(venvPartial)
	c := newTestClient(t, helper)

	got, err := collect(t, c.Refresh(testContext(t)))
	require.NoError(t, err)
	assert.Equal(t, []envs.RawEnvironment{venvPartial}, got)
}

func TestRefresh_WaitsForCompletionsBeforeFinishing(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(venvPartial)
	helper.SetResolvable(venvResolved)
	release := helper.HoldResolves()
	c := newTestClient(t, helper)

	done := make(chan []envs.RawEnvironment, 1)
	go func() {
		got, _ := collect(t, c.Refresh(testContext(t)))
		done <- got
	}()

	require.Eventually(t, func() bool { return helper.ResolveCalls() == 1 }, 5*time.Second, 10*time.Millisecond)
	select {
	case <-done:
		t.Fatal("refresh finished while a completion was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case got := <-done:
		assert.Equal(t, []envs.RawEnvironment{venvResolved}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("refresh did not finish")
	}
}

func TestRefresh_BoundsCompletionResolves(t *testing.T) {
	helper := findertest.New(t)
	var partial []envs.RawEnvironment
	for i := range 12 {
		partial = append(partial, envs.RawEnvironment{
			Executable: fmt.Sprintf("/home/u/.venvs/v%02d/bin/python", i),
			Category:   "venv",
		})
	}
	helper.SetEnvironments(partial...)
	c := New(helper.Conn(), Options{Logger: logging.Nop(), ResolveConcurrency: 2})

	got, err := collect(t, c.Refresh(testContext(t)))
	require.NoError(t, err)
	assert.Len(t, got, len(partial))
	assert.ElementsMatch(t, executables(partial), executables(got))
	assert.LessOrEqual(t, helper.MaxConcurrentResolves(), 2)
}

func TestRefresh_NilContext(t *testing.T) {
	c := New(&failingConn{}, Options{Logger: logging.Nop()})
	//nolint:staticcheck // nil context is the case under test
	_, err := collect(t, c.Refresh(nil))
	assert.Error(t, err)
}

func TestRefresh_CanceledContextEndsIteration(t *testing.T) {
	helper := findertest.New(t)
	release := helper.HoldRefresh()
	defer release()
	c := newTestClient(t, helper)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := collect(t, c.Refresh(ctx))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// =============================================================================
// Prefetch
// =============================================================================

func TestPrefetch_NextRefreshReplaysPass(t *testing.T) {
	helper := findertest.New(t)
	helper.SetEnvironments(systemPython, venvResolved)
	c := newTestClient(t, helper)

	c.Prefetch(testContext(t))
	c.Prefetch(testContext(t))
	require.Eventually(t, func() bool { return helper.RefreshCalls() == 1 }, 5*time.Second, 10*time.Millisecond)

	got, err := collect(t, c.Refresh(testContext(t)))
	require.NoError(t, err)
	assert.Equal(t, []envs.RawEnvironment{systemPython, venvResolved}, got)
	assert.Equal(t, 1, helper.RefreshCalls())

	// The prefetch is spent; this one goes to the helper.
	_, err = collect(t, c.Refresh(testContext(t)))
	require.NoError(t, err)
	assert.Equal(t, 2, helper.RefreshCalls())
}

// failingConn answers every call with err.
type failingConn struct {
	err error
}

func (f *failingConn) Call(ctx context.Context, method string, params, result any) error {
	if f.err == nil {
		return errors.New("no helper")
	}
	return f.err
}

func (f *failingConn) OnNotification(string, jsonrpc.NotificationHandler) func() {
	return func() {}
}
