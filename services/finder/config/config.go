// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the pyfinder YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/pyfinder/pkg/logging"
	"github.com/AleutianAI/pyfinder/services/finder/jsonrpc"
)

// EnvFinderPath overrides finder.path when set.
const EnvFinderPath = "PYFINDER_PATH"

// =============================================================================
// Types
// =============================================================================

// Config is the whole pyfinder configuration.
type Config struct {
	Finder    FinderConfig    `yaml:"finder"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// FinderConfig describes the helper process.
type FinderConfig struct {
	// Path is the helper binary.
	Path string `yaml:"path" validate:"required"`

	// Args are passed to the helper. Default: ["server"].
	Args []string `yaml:"args" validate:"dive,required"`

	// Framing is "content-length" or "newline".
	Framing string `yaml:"framing" validate:"framing"`

	// ShutdownTimeout is how long Close waits before killing the helper.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// RequestTimeout bounds each resolve. Zero means no bound.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`

	// ResolveConcurrency bounds resolves for incomplete refresh records.
	ResolveConcurrency int `yaml:"resolve_concurrency" validate:"gte=1,lte=64"`
}

// DiscoveryConfig tunes when discovery runs.
type DiscoveryConfig struct {
	// Prefetch starts the first refresh at startup.
	Prefetch bool `yaml:"prefetch"`

	// WatchDirs trigger a refresh when entries appear or disappear.
	// A leading ~ expands to the home directory.
	WatchDirs []string `yaml:"watch_dirs,omitempty" validate:"dive,required"`

	// WatchDebounce is the quiet period after a change.
	WatchDebounce time.Duration `yaml:"watch_debounce" validate:"gte=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"loglevel"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// TelemetryConfig selects the OpenTelemetry exporters used by serve.
type TelemetryConfig struct {
	Traces       string `yaml:"traces" validate:"oneof=none stdout otlp"`
	Metrics      string `yaml:"metrics" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Traces otlp"`
}

// =============================================================================
// Defaults
// =============================================================================

// Default returns the configuration used for missing keys.
func Default() Config {
	return Config{
		Finder: FinderConfig{
			Path:               "pet",
			Args:               []string{"server"},
			Framing:            jsonrpc.FramingContentLength.String(),
			ShutdownTimeout:    5 * time.Second,
			ResolveConcurrency: 4,
		},
		Discovery: DiscoveryConfig{
			Prefetch:      true,
			WatchDebounce: time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7431",
		},
		Telemetry: TelemetryConfig{
			Traces:       "none",
			Metrics:      "prometheus",
			OTLPEndpoint: "localhost:4317",
		},
	}
}

// DefaultPath is ~/.pyfinder/pyfinder.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".pyfinder", "pyfinder.yaml"), nil
}

// =============================================================================
// Validation
// =============================================================================

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("framing", validateFraming)
	_ = validate.RegisterValidation("loglevel", validateLogLevel)
}

func validateFraming(fl validator.FieldLevel) bool {
	_, err := jsonrpc.ParseFraming(fl.Field().String())
	return err == nil
}

func validateLogLevel(fl validator.FieldLevel) bool {
	_, ok := logging.ParseLevel(fl.Field().String())
	return ok
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// =============================================================================
// Loading
// =============================================================================

// Load reads, overrides and validates the configuration.
//
// Description:
//
//	An empty path means DefaultPath; if that file does not exist it is
//	created with Default values first. An explicit path must exist.
//	Keys missing from the file keep their default. Unknown keys are an
//	error. PYFINDER_PATH then overrides finder.path.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - Read, parse or validation failure.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := createDefault(path); err != nil {
				return Config{}, err
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default, applies the environment override and
// validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if override := strings.TrimSpace(os.Getenv(EnvFinderPath)); override != "" {
		cfg.Finder.Path = override
	}
	for i, dir := range cfg.Discovery.WatchDirs {
		cfg.Discovery.WatchDirs[i] = expandHome(dir)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Accessors
// =============================================================================

// FinderFraming is Finder.Framing as a jsonrpc.Framing. Validated configs
// never fail to parse.
func (c *Config) FinderFraming() jsonrpc.Framing {
	f, err := jsonrpc.ParseFraming(c.Finder.Framing)
	if err != nil {
		return jsonrpc.FramingContentLength
	}
	return f
}

// LogLevel is Logging.Level as a logging.Level.
func (c *Config) LogLevel() logging.Level {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return level
}
