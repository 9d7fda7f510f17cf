// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/pyfinder/pkg/telemetry"
	"github.com/AleutianAI/pyfinder/pkg/ux"
	"github.com/AleutianAI/pyfinder/services/finder/api"
	"github.com/AleutianAI/pyfinder/services/finder/registry"
	"github.com/AleutianAI/pyfinder/services/finder/watch"
)

// httpShutdownTimeout bounds draining in-flight requests on exit.
const httpShutdownTimeout = 5 * time.Second

// errFinderExited stops serve when the helper goes away underneath it.
var errFinderExited = errors.New("finder exited")

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	logger := newLogger(cfg)

	telCfg := telemetry.DefaultConfig()
	telCfg.TraceExporter = cfg.Telemetry.Traces
	telCfg.MetricExporter = cfg.Telemetry.Metrics
	telCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	shutdownTelemetry, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		_ = logger.Close()
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		_ = logger.Close()
		return err
	}
	defer a.shutdown()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	errOut := cmd.ErrOrStderr()
	ux.New(errOut, isTerminal(errOut)).Success(fmt.Sprintf("serving on http://%s", ln.Addr()))
	return serve(ctx, a, ln)
}

// serve runs the HTTP API and the watcher until ctx is done or one of
// them fails.
//
// Description:
//
//	With discovery.prefetch the first pass starts immediately and fills
//	the registry, so the API lists environments without waiting for a
//	refresh request. The listener is closed on return.
//
// Outputs:
//
//	error - nil after a clean shutdown.
func serve(ctx context.Context, a *app, ln net.Listener) error {
	logger := a.logger.With("component", "serve")

	var watcher *watch.Watcher
	if len(a.cfg.Discovery.WatchDirs) > 0 {
		w, err := watch.New(watch.Config{
			Dirs:      a.cfg.Discovery.WatchDirs,
			Debounce:  a.cfg.Discovery.WatchDebounce,
			Refresher: a.registry,
			Logger:    a.logger,
		})
		if err != nil {
			_ = ln.Close()
			return err
		}
		watcher = w
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Discovery.Prefetch {
		a.client.Prefetch(ctx)
		// The first registry pass claims the prefetch, so the warm
		// results are listed without a second finder request.
		g.Go(func() error {
			err := a.registry.TriggerRefresh(ctx, nil, registry.TriggerRefreshOptions{})
			if err != nil && ctx.Err() == nil {
				logger.Warn("startup discovery failed", "error", err)
			}
			return nil
		})
	}

	srv := &http.Server{
		Handler:           api.NewRouter(api.NewHandlers(a.registry, a.logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}

	if a.done != nil {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			case <-a.done:
				return errFinderExited
			}
		})
	}

	err := g.Wait()
	logger.Info("stopped", "error", err)
	return err
}
