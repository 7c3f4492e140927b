// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"bytes"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
)

// Change types reported by DiffSnapshots.
const (
	ChangeText  = "text_changed"
	ChangeMoved = "moved"
)

// Diff is the difference between two snapshots.
type Diff struct {
	BaseVersion   string         `json:"base_version"`
	TargetVersion string         `json:"target_version"`
	Added         []string       `json:"added"`
	Removed       []string       `json:"removed"`
	Modified      []SymbolChange `json:"modified"`
	Summary       DiffSummary    `json:"summary"`
}

// SymbolChange describes how one symbol changed.
type SymbolChange struct {
	// Key is "qualified_name@file_path".
	Key        string `json:"key"`
	ChangeType string `json:"change_type"`
	BaseLines  [2]int `json:"base_lines"`
	NewLines   [2]int `json:"new_lines"`

	// Patch is a unified diff of the text, set for ChangeText when
	// patches are requested.
	Patch string `json:"patch,omitempty"`
}

// DiffSummary aggregates a Diff.
type DiffSummary struct {
	TotalChanges  int     `json:"total_changes"`
	FilesAffected int     `json:"files_affected"`
	ChangeRatio   float64 `json:"change_ratio"`
}

// DiffOptions controls Diff.
type DiffOptions struct {
	// WithPatches computes a text patch for every text change.
	WithPatches bool
}

// DiffSnapshots compares two snapshots.
//
// Description:
//
//	Symbols are matched by qualified name and file, so a symbol that only
//	shifted lines is reported as moved rather than removed and added. A
//	changed content hash is a text change. When a key occurs more than once
//	in a snapshot (overloads), the occurrences are matched in file order.
//
// Outputs:
//   - *Diff: Sorted, deterministic result.
//   - error: Non-nil when either snapshot is nil.
//
// Thread Safety: Safe; inputs are only read.
func DiffSnapshots(base, target *Snapshot, opts DiffOptions) (*Diff, error) {
	if base == nil || target == nil {
		return nil, errors.New("snapshots must not be nil")
	}
	d := &Diff{
		BaseVersion:   base.Version,
		TargetVersion: target.Version,
		Added:         []string{},
		Removed:       []string{},
		Modified:      []SymbolChange{},
	}

	baseByKey := keyed(base.Symbols)
	targetByKey := keyed(target.Symbols)
	files := make(map[string]bool)

	for key, ts := range targetByKey {
		bs, ok := baseByKey[key]
		if !ok {
			d.Added = append(d.Added, key)
			files[ts.FilePath] = true
			continue
		}
		change := SymbolChange{
			Key:       key,
			BaseLines: [2]int{bs.StartLine, bs.EndLine},
			NewLines:  [2]int{ts.StartLine, ts.EndLine},
		}
		switch {
		case bs.ContentHash != ts.ContentHash:
			change.ChangeType = ChangeText
			if opts.WithPatches {
				change.Patch = unifiedPatch(bs, ts)
			}
		case bs.StartLine != ts.StartLine || bs.EndLine != ts.EndLine:
			change.ChangeType = ChangeMoved
		default:
			continue
		}
		files[ts.FilePath] = true
		d.Modified = append(d.Modified, change)
	}
	for key, bs := range baseByKey {
		if _, ok := targetByKey[key]; !ok {
			d.Removed = append(d.Removed, key)
			files[bs.FilePath] = true
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Slice(d.Modified, func(i, j int) bool { return d.Modified[i].Key < d.Modified[j].Key })

	total := len(d.Added) + len(d.Removed) + len(d.Modified)
	d.Summary = DiffSummary{TotalChanges: total, FilesAffected: len(files)}
	if n := max(len(baseByKey), len(targetByKey)); n > 0 {
		d.Summary.ChangeRatio = float64(total) / float64(n)
	}
	return d, nil
}

// Empty reports whether the snapshots matched exactly.
func (d *Diff) Empty() bool { return d.Summary.TotalChanges == 0 }

func keyed(symbols []*symbol.Symbol) map[string]*symbol.Symbol {
	out := make(map[string]*symbol.Symbol, len(symbols))
	seen := make(map[string]int, len(symbols))
	for _, s := range symbols {
		key := s.QualifiedName + "@" + s.FilePath
		if n := seen[key]; n > 0 {
			seen[key] = n + 1
			key = key + "#" + strconv.Itoa(n)
		} else {
			seen[key] = 1
		}
		out[key] = s
	}
	return out
}

// maxPatchCells bounds the line-matching table. Larger pairs get a patch
// that removes every old line and adds every new one.
const maxPatchCells = 1 << 20

// unifiedPatch renders the change from a to b as a single-hunk unified diff
// anchored at each symbol's start line.
func unifiedPatch(a, b *symbol.Symbol) string {
	oldLines := splitLines(a.Text)
	newLines := splitLines(b.Text)
	fd := &diff.FileDiff{
		OrigName: "a/" + a.FilePath,
		NewName:  "b/" + b.FilePath,
		Hunks: []*diff.Hunk{{
			OrigStartLine: int32(a.StartLine),
			OrigLines:     int32(len(oldLines)),
			NewStartLine:  int32(b.StartLine),
			NewLines:      int32(len(newLines)),
			Section:       a.QualifiedName,
			Body:          hunkBody(oldLines, newLines),
		}},
	}
	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return ""
	}
	return string(out)
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

// hunkBody writes the line edits from a to b, keeping the longest common
// subsequence as context.
func hunkBody(a, b []string) []byte {
	var buf bytes.Buffer
	line := func(prefix byte, s string) {
		buf.WriteByte(prefix)
		buf.WriteString(s)
		buf.WriteByte('\n')
	}
	if len(a)*len(b) > maxPatchCells {
		for _, s := range a {
			line('-', s)
		}
		for _, s := range b {
			line('+', s)
		}
		return buf.Bytes()
	}

	// lcs[i][j] is the common subsequence length of a[i:] and b[j:].
	lcs := make([][]int, len(a)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			line(' ', a[i])
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			line('-', a[i])
			i++
		default:
			line('+', b[j])
			j++
		}
	}
	for ; i < len(a); i++ {
		line('-', a[i])
	}
	for ; j < len(b); j++ {
		line('+', b[j])
	}
	return buf.Bytes()
}
