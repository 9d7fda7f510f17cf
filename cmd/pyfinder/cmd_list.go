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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/pyfinder/pkg/ux"
	"github.com/AleutianAI/pyfinder/services/finder/envs"
	"github.com/AleutianAI/pyfinder/services/finder/registry"
)

func runList(cmd *cobra.Command, _ []string) error {
	query, err := kindQuery(listKinds)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.shutdown()

	if err := a.registry.TriggerRefresh(ctx, query, registry.TriggerRefreshOptions{}); err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	out := cmd.OutOrStdout()
	found := a.registry.GetEnvs(query)
	if jsonOutput {
		return writeJSON(out, found)
	}
	return writeTable(ux.New(out, isTerminal(out)), found)
}

// kindQuery turns --kind values into a registry query. No kinds means no
// filter.
func kindQuery(names []string) (*registry.Query, error) {
	if len(names) == 0 {
		return nil, nil
	}
	q := &registry.Query{}
	for _, name := range names {
		kind, ok := envs.ParseKind(name)
		if !ok {
			return nil, fmt.Errorf("unknown kind %q", name)
		}
		q.Kinds = append(q.Kinds, kind)
	}
	return q, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var listHeaders = []string{"KIND", "VERSION", "NAME", "EXECUTABLE", "PROJECT"}

// writeTable prints one row per environment. Only terminals get the
// header, colors and a count, so piped output stays line-per-environment.
func writeTable(p *ux.Printer, found []*envs.Environment) error {
	rows := make([][]string, 0, len(found))
	for _, env := range found {
		rows = append(rows, []string{
			p.Badge(env.Kind.String(), kindColor(env.Kind)),
			formatVersion(env.Version),
			orDash(env.Name),
			orDash(env.Executable.Filename),
			orDash(env.Project),
		})
	}
	if err := p.Table(listHeaders, rows); err != nil {
		return err
	}
	p.Muted(countLabel(len(found)))
	return nil
}

func countLabel(n int) string {
	if n == 1 {
		return "1 environment"
	}
	return fmt.Sprintf("%d environments", n)
}

// kindColor groups kinds by family: conda, other virtual, global.
func kindColor(k envs.Kind) lipgloss.TerminalColor {
	switch {
	case k == envs.KindConda:
		return ux.ColorTealBright
	case k.Virtual():
		return ux.ColorTealPrimary
	case k == envs.KindUnknown:
		return ux.ColorSlate
	default:
		return ux.ColorTealDeep
	}
}

func formatVersion(v envs.Version) string {
	if v.Empty() {
		return "-"
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
