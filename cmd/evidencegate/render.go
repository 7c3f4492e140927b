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
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/evidencegate/services/evidence/pipeline"
)

// Summary palette.
var (
	colorTeal    = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorTeal)
	labelStyle = lipgloss.NewStyle().Foreground(colorMuted).Width(22)
	cleanStyle = lipgloss.NewStyle().Foreground(colorTeal).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(colorWarning)
	errStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)

// isTerminal reports whether f is an *os.File attached to a terminal.
func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printSummary writes s as JSON when asJSON is set or w is not a terminal,
// and as a styled box otherwise.
func printSummary(w io.Writer, s pipeline.Summary, asJSON bool) error {
	if asJSON || !isTerminal(w) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	_, err := fmt.Fprintln(w, renderSummary(s))
	return err
}

// renderSummary renders the run summary for a terminal.
func renderSummary(s pipeline.Summary) string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}

	b.WriteString(titleStyle.Render("Evidence run "+s.RunID) + "\n\n")
	row("snapshot", s.SnapshotVersion)
	row("mode", string(s.Gate.Mode))
	row("duration", s.Duration.Round(time.Millisecond).String())
	row("samples", fmt.Sprint(s.Gate.Total))
	row("clean", cleanStyle.Render(fmt.Sprint(s.Gate.Clean)))

	rejected := fmt.Sprint(s.Gate.Rejected)
	if s.Gate.Rejected > 0 {
		rejected = errStyle.Render(rejected)
	}
	row("rejected", rejected)
	row("auto-filled", fmt.Sprintf("%d (%d accepted)", s.Gate.AutoFilled, s.Gate.AutoFilledAccepted))
	if s.Degraded > 0 {
		row("degraded retrieval", warnStyle.Render(fmt.Sprint(s.Degraded)))
	}

	if len(s.Strategies) > 0 {
		b.WriteString("\n" + titleStyle.Render("Strategies") + "\n")
		for _, k := range sortedKeys(s.Strategies) {
			row("  "+string(k), fmt.Sprint(s.Strategies[k]))
		}
	}
	if len(s.Gate.ErrorCodes) > 0 {
		b.WriteString("\n" + titleStyle.Render("Errors") + "\n")
		for _, k := range sortedKeys(s.Gate.ErrorCodes) {
			row("  "+k, errStyle.Render(fmt.Sprint(s.Gate.ErrorCodes[k])))
		}
	}
	if len(s.Gate.WarningCodes) > 0 {
		b.WriteString("\n" + titleStyle.Render("Warnings") + "\n")
		for _, k := range sortedKeys(s.Gate.WarningCodes) {
			row("  "+k, warnStyle.Render(fmt.Sprint(s.Gate.WarningCodes[k])))
		}
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
