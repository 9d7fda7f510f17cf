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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	finderPath string
	logLevel   string
	jsonOutput bool
	listKinds  []string
	serveAddr  string

	rootCmd = &cobra.Command{
		Use:   "pyfinder",
		Short: "Discover Python environments with the native finder",
		Long: `pyfinder runs the native Python environment finder as a helper
process and reports the interpreters, virtual environments and conda
environments it discovers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "Run a discovery pass and print every environment found",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	resolveCmd = &cobra.Command{
		Use:   "resolve <path>",
		Short: "Resolve one interpreter path to its environment",
		Args:  cobra.ExactArgs(1),
		RunE:  runResolve,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve discovery over HTTP until interrupted",
		Long: `serve keeps the finder running and exposes the environment
registry under /v1, plus Prometheus metrics on /metrics. Configured watch
directories trigger a refresh when environments are created or removed.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default ~/.pyfinder/pyfinder.yaml)")
	rootCmd.PersistentFlags().StringVar(&finderPath, "finder", "",
		"Finder helper binary, overrides finder.path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: trace, debug, info, warn or error")

	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringSliceVarP(&listKinds, "kind", "k", nil,
		"Only show these kinds (e.g. Venv, Conda, virt-pipenv)")
	listCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of a table")

	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of text")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, overrides server.addr")
}
