// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[T any](t *testing.T, seq func(func(T, error) bool)) ([]T, error) {
	t.Helper()
	var items []T
	for item, err := range seq {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStream_YieldsInPushOrderBeforeCompletion(t *testing.T) {
	s := New[string]()
	go func() {
		for _, v := range []string{"A", "B", "C"} {
			s.Push(v)
			time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		}
		s.Finish(nil)
	}()

	items, err := collect[string](t, s.All(testContext(t)))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, items)
}

func TestStream_BufferedBeforeConsumerStarts(t *testing.T) {
	s := New[int]()
	s.Push(1)
	s.Push(2)
	s.Finish(nil)

	// Everything pushed ahead of the consumer is still delivered.
	items, err := collect[int](t, s.All(testContext(t)))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, items)
}

func TestStream_EmptyCompletionTerminates(t *testing.T) {
	s := New[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Finish(nil)
	}()

	items, err := collect[int](t, s.All(testContext(t)))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestStream_ErrorAfterItems(t *testing.T) {
	boom := errors.New("refresh failed")
	s := New[int]()
	s.Push(7)
	s.Finish(boom)

	items, err := collect[int](t, s.All(testContext(t)))
	assert.Equal(t, []int{7}, items)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Err(), boom)
}

func TestStream_PushAfterFinishIsDropped(t *testing.T) {
	s := New[int]()
	s.Finish(nil)
	assert.False(t, s.Push(1))
	assert.Equal(t, 0, s.Len())

	// Second Finish does not override the outcome.
	s.Finish(errors.New("late"))
	assert.NoError(t, s.Err())
}

func TestStream_ContextCancelled(t *testing.T) {
	s := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := collect[int](t, s.All(ctx))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStream_BreakDiscardsCurrentBatch(t *testing.T) {
	s := New[int]()
	for i := 0; i < 3; i++ {
		s.Push(i)
	}
	s.Finish(nil)

	for v := range s.All(testContext(t)) {
		assert.Equal(t, 0, v)
		break
	}

	// The batch was snapshotted as a whole, so the rest was consumed with it.
	assert.Equal(t, 0, s.Len())
}

func TestStream_DoneIndependentOfConsumption(t *testing.T) {
	s := New[int]()
	s.Push(1)

	select {
	case <-s.Done():
		t.Fatal("Done closed before Finish")
	default:
	}

	s.Finish(nil)
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Finish")
	}
	assert.Equal(t, 1, s.Len())
}

func TestStream_ConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 250
	s := New[int]()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				s.Push(p*perProducer + i)
			}
		}(p)
	}
	go func() {
		wg.Wait()
		s.Finish(nil)
	}()

	items, err := collect[int](t, s.All(testContext(t)))
	require.NoError(t, err)
	require.Len(t, items, producers*perProducer)

	// Per-producer order is preserved and nothing is yielded twice.
	seen := make(map[int]bool, len(items))
	last := make(map[int]int)
	for _, v := range items {
		require.False(t, seen[v], "item %d yielded twice", v)
		seen[v] = true
		p := v / perProducer
		if prev, ok := last[p]; ok {
			require.Greater(t, v, prev)
		}
		last[p] = v
	}
}

func TestStream_Replay(t *testing.T) {
	s := New[string](WithHistory())
	s.Push("first")
	s.Push("second")

	done := make(chan []string)
	go func() {
		items, _ := collect[string](t, s.Replay(testContext(t)))
		done <- items
	}()

	time.Sleep(10 * time.Millisecond)
	s.Push("third")
	s.Finish(nil)

	assert.Equal(t, []string{"first", "second", "third"}, <-done)

	// A replay started after completion sees the whole sequence again.
	items, err := collect[string](t, s.Replay(testContext(t)))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, items)
	assert.Equal(t, 3, s.Len())
}

func TestStream_ReplayWithoutHistory(t *testing.T) {
	s := New[int]()
	s.Finish(nil)

	_, err := collect[int](t, s.Replay(testContext(t)))
	assert.ErrorIs(t, err, ErrNoHistory)
}
