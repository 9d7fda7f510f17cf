// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch triggers discovery when environment directories change.
//
// Directories such as ~/.venvs or a conda envs folder are watched for
// entries being created, removed or renamed. Bursts of events are
// coalesced, and one refresh is requested after the burst goes quiet.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/pyfinder/pkg/logging"
	"github.com/AleutianAI/pyfinder/services/finder/registry"
)

// DefaultDebounce is the quiet period before a refresh is requested.
const DefaultDebounce = time.Second

// relevantOps are the events that can add or remove an environment.
// Writes inside an existing environment are not.
const relevantOps = fsnotify.Create | fsnotify.Remove | fsnotify.Rename

// Refresher is what the Watcher asks for a discovery pass.
// *registry.Registry satisfies it.
type Refresher interface {
	TriggerRefresh(ctx context.Context, query *registry.Query, opts registry.TriggerRefreshOptions) error
}

// Config configures a Watcher.
type Config struct {
	// Dirs are watched non-recursively. Missing directories are skipped
	// with a warning.
	Dirs []string

	// Debounce is the quiet period. Default: DefaultDebounce.
	Debounce time.Duration

	// Refresher receives the refresh requests. Required.
	Refresher Refresher

	// Logger. Default: logging.Default().
	Logger *logging.Logger
}

// Watcher requests a refresh after changes in watched directories.
//
// Thread Safety: Run must be called once. Watched may be called at any
// time.
type Watcher struct {
	refresher Refresher
	debounce  time.Duration
	logger    *logging.Logger
	fsw       *fsnotify.Watcher
	watched   []string
	started   atomic.Bool
	fired     atomic.Int64
}

// New creates a Watcher and registers every existing directory in
// cfg.Dirs.
//
// Outputs:
//
//	*Watcher - Ready to Run.
//	error - Non-nil if Refresher is missing or fsnotify cannot start.
func New(cfg Config) (*Watcher, error) {
	if cfg.Refresher == nil {
		return nil, errors.New("watch: refresher is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		refresher: cfg.Refresher,
		debounce:  debounce,
		logger:    logger.With("component", "watch"),
		fsw:       fsw,
	}

	for _, dir := range cfg.Dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			w.logger.Warn("cannot resolve watch directory", "dir", dir, "error", err)
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			w.logger.Warn("watch directory not found, skipping", "dir", abs)
			continue
		}
		if err := fsw.Add(abs); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch: add directory %q: %w", abs, err)
		}
		w.watched = append(w.watched, abs)
	}
	return w, nil
}

// Watched lists the directories being watched.
func (w *Watcher) Watched() []string {
	return append([]string(nil), w.watched...)
}

// Refreshes is the number of refreshes requested so far.
func (w *Watcher) Refreshes() int {
	return int(w.fired.Load())
}

// Run watches until ctx is done. It returns nil on cancellation and an
// error if fsnotify fails for good. The fsnotify watcher is closed on
// return.
func (w *Watcher) Run(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("watch: Run called more than once")
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)

	fire := func() {
		if ctx.Err() != nil {
			return
		}
		w.fired.Add(1)
		w.logger.Info("environment directories changed, refreshing")
		if err := w.refresher.TriggerRefresh(ctx, nil, registry.TriggerRefreshOptions{}); err != nil && ctx.Err() == nil {
			w.logger.Warn("refresh after change failed", "error", err)
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			w.logger.Debug("close fsnotify", "error", err)
		}
	}()

	w.logger.Debug("watching environment directories", "dirs", w.watched)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed")
			}
			if event.Op&relevantOps == 0 {
				continue
			}
			w.logger.Trace("directory event", "path", event.Name, "op", event.Op.String())

			mu.Lock()
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; a refresh covers whatever they were.
				w.logger.Warn("fsnotify queue overflow", "error", err)
				go fire()
				continue
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}
