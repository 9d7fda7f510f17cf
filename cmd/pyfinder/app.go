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

	"github.com/AleutianAI/pyfinder/pkg/logging"
	"github.com/AleutianAI/pyfinder/services/finder/client"
	"github.com/AleutianAI/pyfinder/services/finder/config"
	"github.com/AleutianAI/pyfinder/services/finder/registry"
	"github.com/AleutianAI/pyfinder/services/finder/transport"
)

// app is the wired discovery stack one command runs against.
type app struct {
	cfg      config.Config
	logger   *logging.Logger
	client   *client.Client
	registry *registry.Registry

	// done is closed when the helper goes away. Nil means never.
	done      <-chan struct{}
	closeConn func() error
}

// openApp starts the helper process and wires the stack over it. Tests
// replace it with an in-process finder.
var openApp = func(ctx context.Context, cfg config.Config, logger *logging.Logger) (*app, error) {
	proc := transport.New(transport.Config{
		Path:            cfg.Finder.Path,
		Args:            cfg.Finder.Args,
		Framing:         cfg.FinderFraming(),
		ShutdownTimeout: cfg.Finder.ShutdownTimeout,
		Logger:          logger,
	})
	if err := proc.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start finder %q: %w", cfg.Finder.Path, err)
	}
	a := newApp(cfg, logger, proc, proc.Close)
	a.done = proc.Done()
	return a, nil
}

func newApp(cfg config.Config, logger *logging.Logger, conn client.Conn, closeConn func() error) *app {
	c := client.New(conn, client.Options{
		Logger:             logger,
		ResolveConcurrency: cfg.Finder.ResolveConcurrency,
		RequestTimeout:     cfg.Finder.RequestTimeout,
	})
	return &app{
		cfg:       cfg,
		logger:    logger,
		client:    c,
		registry:  registry.New(c, registry.Options{Logger: logger}),
		closeConn: closeConn,
	}
}

// Close stops the registry, then the helper.
func (a *app) Close() error {
	var errs []error
	if err := a.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.closeConn != nil {
		if err := a.closeConn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// loadConfig reads --config and applies the global flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if finderPath != "" {
		cfg.Finder.Path = finderPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:   cfg.LogLevel(),
		LogDir:  cfg.Logging.Dir,
		JSON:    cfg.Logging.JSON,
		Service: "pyfinder",
	})
}

// setup loads the configuration and opens the stack. The caller closes
// both the app and the logger.
func setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return a, nil
}

// shutdown closes the app and its logger.
func (a *app) shutdown() {
	if err := a.Close(); err != nil {
		a.logger.Warn("shutdown failed", "error", err)
	}
	_ = a.logger.Close()
}
