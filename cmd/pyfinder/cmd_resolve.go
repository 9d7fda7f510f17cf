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
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/pyfinder/pkg/ux"
	"github.com/AleutianAI/pyfinder/services/finder/envs"
)

// errNotFound is returned by resolve when the finder knows nothing about
// the path.
var errNotFound = errors.New("no environment found")

func runResolve(cmd *cobra.Command, args []string) error {
	path := args[0]

	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.shutdown()

	env, err := a.registry.ResolveEnv(ctx, path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if env == nil {
		return fmt.Errorf("%s: %w", path, errNotFound)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, env)
	}
	return writeDetails(ux.New(out, isTerminal(out)), env)
}

func writeDetails(p *ux.Printer, env *envs.Environment) error {
	fields := []ux.Field{
		{Label: "Name", Value: orDash(env.Name)},
		{Label: "Kind", Value: p.Badge(env.Kind.String(), kindColor(env.Kind))},
		{Label: "Version", Value: formatVersion(env.Version)},
		{Label: "Executable", Value: orDash(env.Executable.Filename)},
		{Label: "Prefix", Value: orDash(env.Executable.SysPrefix)},
		{Label: "Location", Value: orDash(env.Location)},
		{Label: "Arch", Value: string(env.Arch)},
	}
	if env.Project != "" {
		fields = append(fields, ux.Field{Label: "Project", Value: env.Project})
	}
	if env.Manager != nil {
		fields = append(fields, ux.Field{Label: "Manager", Value: env.Manager.Tool})
	}
	if len(env.Source) > 0 {
		fields = append(fields, ux.Field{Label: "Source", Value: strings.Join(env.Source, ", ")})
	}

	title := env.Name
	if title == "" {
		title = env.Executable.Filename
	}
	return p.Details(title, fields)
}
