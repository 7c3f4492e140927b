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
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/evidencegate/services/evidence/snapshot"
)

var (
	diffJSON    bool
	diffPatches bool

	diffCmd = &cobra.Command{
		Use:   "diff <base> <target>",
		Short: "Compare two symbol snapshots",
		Long: `Reports symbols added, removed, moved or changed between two snapshots.
Either location may be a local path or a gs://bucket/object URI.`,
		Args: cobra.ExactArgs(2),
		RunE: diffSnapshots,
	}
)

func init() {
	diffCmd.Flags().BoolVar(&diffJSON, "json", false, "Print as JSON")
	diffCmd.Flags().BoolVar(&diffPatches, "patches", false, "Include a text patch for every changed symbol")
}

func diffSnapshots(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	builder, err := newEngineBuilder(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer builder.Close()

	base, err := builder.loadFrom(ctx, args[0], "")
	if err != nil {
		return fmt.Errorf("base: %w", err)
	}
	target, err := builder.loadFrom(ctx, args[1], "")
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}

	d, err := snapshot.DiffSnapshots(base, target, snapshot.DiffOptions{WithPatches: diffPatches})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if diffJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}
	writeDiff(out, d)
	return nil
}

func writeDiff(w io.Writer, d *snapshot.Diff) {
	fmt.Fprintf(w, "%s -> %s: %d changes in %d files (%.1f%%)\n",
		orUnknown(d.BaseVersion), orUnknown(d.TargetVersion),
		d.Summary.TotalChanges, d.Summary.FilesAffected, d.Summary.ChangeRatio*100)
	for _, k := range d.Added {
		fmt.Fprintf(w, "  + %s\n", k)
	}
	for _, k := range d.Removed {
		fmt.Fprintf(w, "  - %s\n", k)
	}
	for _, m := range d.Modified {
		fmt.Fprintf(w, "  ~ %s (%s, lines %d-%d -> %d-%d)\n",
			m.Key, m.ChangeType, m.BaseLines[0], m.BaseLines[1], m.NewLines[0], m.NewLines[1])
		if m.Patch != "" {
			for _, line := range strings.Split(strings.TrimRight(m.Patch, "\n"), "\n") {
				fmt.Fprintf(w, "      %s\n", line)
			}
		}
	}
}

func orUnknown(v string) string {
	if v == "" {
		return "(unversioned)"
	}
	return v
}
