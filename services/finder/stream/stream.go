// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream adapts push-style callbacks into pull-style sequences.
//
// A producer calls Push for every item and Finish once with the outcome of
// the operation that produced them. A consumer ranges over All:
//
//	s := stream.New[int]()
//	go func() {
//	    s.Push(1)
//	    s.Push(2)
//	    s.Finish(nil)
//	}()
//	for v, err := range s.All(ctx) {
//	    ...
//	}
//
// The consumer loop blocks until either new items arrive or Finish is
// called, whichever comes first, drains everything buffered so far in push
// order, and repeats. It ends only after Finish has been called and the
// buffer is empty, so "nothing right now" is never confused with "done".
package stream

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// ErrNoHistory is yielded by Replay on a stream created without WithHistory.
var ErrNoHistory = errors.New("stream has no history")

// Option configures a Stream.
type Option func(*options)

type options struct {
	history bool
}

// WithHistory keeps every pushed item so that each iteration, including
// ones started after Finish, sees the full sequence from the beginning.
func WithHistory() Option {
	return func(o *options) { o.history = true }
}

// Stream buffers pushed items until a consumer pulls them.
//
// Thread Safety: Push, Finish and iteration are safe for concurrent use.
// Without history, items are consumed by whichever iteration drains them
// first, so a stream is meant to have one consumer.
type Stream[T any] struct {
	mu       sync.Mutex
	history  bool
	pending  []T
	items    []T
	wake     chan struct{}
	done     chan struct{}
	finished bool
	err      error
}

// New creates an empty, unfinished Stream.
func New[T any](opts ...Option) *Stream[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Stream[T]{
		history: o.history,
		wake:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Push appends item and wakes waiting consumers.
//
// Returns false, dropping the item, when the stream is already finished.
func (s *Stream[T]) Push(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	if s.history {
		s.items = append(s.items, item)
	} else {
		s.pending = append(s.pending, item)
	}
	close(s.wake)
	s.wake = make(chan struct{})
	return true
}

// Finish marks the stream complete. err is the outcome of the producing
// operation and is yielded to consumers after the last item. Only the first
// call has an effect.
func (s *Stream[T]) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.done)
}

// Done is closed when Finish is called, independent of consumption.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns the error passed to Finish, or nil while unfinished.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Len returns the number of items buffered but not yet consumed. With
// history it returns the number of items pushed so far.
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history {
		return len(s.items)
	}
	return len(s.pending)
}

// All returns a single-pass sequence of the pushed items.
//
// Each step yields (item, nil). If the stream finished with an error, or
// ctx ends first, a final (zero, err) pair is yielded. Items are taken in
// batches, so breaking out of the loop discards the rest of the current
// batch; later pushes stay buffered.
func (s *Stream[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		cursor := 0
		for {
			batch, wake, finished, err := s.next(&cursor)
			for _, item := range batch {
				if !yield(item, nil) {
					return
				}
			}
			if len(batch) > 0 {
				continue
			}
			if finished {
				if err != nil {
					var zero T
					yield(zero, err)
				}
				return
			}
			select {
			case <-wake:
			case <-s.done:
			case <-ctx.Done():
				var zero T
				yield(zero, ctx.Err())
				return
			}
		}
	}
}

// Replay is All for a stream created WithHistory: it starts from the first
// item ever pushed and then follows live pushes until Finish.
func (s *Stream[T]) Replay(ctx context.Context) iter.Seq2[T, error] {
	if !s.history {
		return func(yield func(T, error) bool) {
			var zero T
			yield(zero, ErrNoHistory)
		}
	}
	return s.All(ctx)
}

// next snapshots the items available to an iteration positioned at cursor.
// Without history the pending buffer is taken and cleared.
func (s *Stream[T]) next(cursor *int) ([]T, <-chan struct{}, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []T
	if s.history {
		if *cursor < len(s.items) {
			batch = s.items[*cursor:len(s.items):len(s.items)]
			*cursor = len(s.items)
		}
	} else {
		batch = s.pending
		s.pending = nil
	}
	return batch, s.wake, s.finished, s.err
}
