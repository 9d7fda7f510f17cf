// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the pyfinder CLI.
package ux

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // Muted text

	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

// boxWidth is the width of detail and error boxes.
const boxWidth = 72

type styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Border  lipgloss.Style
	Cell    lipgloss.Style

	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		Title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
		Label:   r.NewStyle().Foreground(ColorTealPrimary),
		Muted:   r.NewStyle().Foreground(ColorSlate),
		Success: r.NewStyle().Foreground(ColorTealBright),
		Warning: r.NewStyle().Foreground(ColorWarning),
		Error:   r.NewStyle().Foreground(ColorError),
		Border:  r.NewStyle().Foreground(ColorTealDeep),
		Cell:    r.NewStyle().Padding(0, 1),

		Box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorTealDeep).
			Padding(0, 1).
			Width(boxWidth),
		ErrorBox: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorError).
			Padding(0, 1).
			Width(boxWidth),
	}
}

// Field is one labelled line of a Details block.
type Field struct {
	Label string
	Value string
}

// Printer writes CLI output to one writer.
//
// A styled Printer renders colors, badges and boxes for a terminal. A plain
// Printer writes undecorated text with no escape codes, so piped output
// stays one record per line.
type Printer struct {
	w      io.Writer
	styled bool
	styles styles
}

// New creates a Printer for w. Colors are further limited to what w's
// terminal supports.
func New(w io.Writer, styled bool) *Printer {
	return &Printer{
		w:      w,
		styled: styled,
		styles: newStyles(lipgloss.NewRenderer(w)),
	}
}

// Styled reports whether the Printer decorates its output.
func (p *Printer) Styled() bool {
	return p.styled
}

// Badge renders text in color. Plain Printers return text unchanged.
func (p *Printer) Badge(text string, color lipgloss.TerminalColor) string {
	if !p.styled {
		return text
	}
	return p.styles.Title.Foreground(color).Render(text)
}

// Success prints a status line with a checkmark.
func (p *Printer) Success(text string) {
	if !p.styled {
		fmt.Fprintf(p.w, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.styles.Success.Render(string(IconSuccess)), p.styles.Success.Render(text))
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	if !p.styled {
		fmt.Fprintf(p.w, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.styles.Warning.Render(string(IconWarning)), p.styles.Warning.Render(text))
}

// Muted prints secondary text. Plain Printers drop it.
func (p *Printer) Muted(text string) {
	if !p.styled {
		return
	}
	fmt.Fprintln(p.w, p.styles.Muted.Render(text))
}

// Error prints err, boxed on a terminal.
func (p *Printer) Error(err error) {
	if !p.styled {
		fmt.Fprintln(p.w, "Error:", err)
		return
	}
	title := p.styles.Error.Bold(true).Render(string(IconError) + " Error")
	fmt.Fprintln(p.w, p.styles.ErrorBox.Render(title+"\n"+err.Error()))
}

// Details prints labelled fields. Plain output is one "Label: value" line
// per field with aligned values; styled output is a titled box.
func (p *Printer) Details(title string, fields []Field) error {
	width := 0
	for _, f := range fields {
		width = max(width, len(f.Label)+1)
	}

	if !p.styled {
		for _, f := range fields {
			if _, err := fmt.Fprintf(p.w, "%-*s %s\n", width, f.Label+":", f.Value); err != nil {
				return err
			}
		}
		return nil
	}

	lines := make([]string, 0, len(fields)+1)
	lines = append(lines, p.styles.Title.Render(title))
	for _, f := range fields {
		label := p.styles.Label.Render(fmt.Sprintf("%-*s", width, f.Label+":"))
		lines = append(lines, label+" "+f.Value)
	}
	_, err := fmt.Fprintln(p.w, p.styles.Box.Render(strings.Join(lines, "\n")))
	return err
}

// Table prints rows under headers. Plain output drops the header and
// aligns the rows with tabs; styled output is a bordered table.
func (p *Printer) Table(headers []string, rows [][]string) error {
	if !p.styled {
		tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
		for _, row := range rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		return tw.Flush()
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.styles.Border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.styles.Title.Padding(0, 1)
			}
			return p.styles.Cell
		})
	_, err := fmt.Fprintln(p.w, t.Render())
	return err
}
