// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile turns generator-proposed evidence into canonical
// references against the symbol index.
//
// Only the proposed symbol id is trusted, and only as intent. Once a
// proposal resolves to a symbol, every other field of the reference is
// rebuilt from the index, so a fabricated but plausible hash or path can
// never survive reconciliation.
package reconcile

import (
	"context"
	"log/slog"
	"sort"

	"github.com/AleutianAI/evidencegate/services/evidence/index"
	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.evidence.reconcile")

// AutoFillPolicy decides what happens when nothing was cited and the pool
// holds exactly one symbol.
type AutoFillPolicy int

const (
	// AutoFillSuppress synthesises nothing and flags the outcome so the
	// validator fails it. This is the zero value.
	AutoFillSuppress AutoFillPolicy = iota

	// AutoFillPermit synthesises a reference to the lone pool symbol.
	AutoFillPermit

	// AutoFillDisabled never synthesises and raises no flag. Used when
	// the proposal had items that all failed to parse: the generator did
	// try to cite, so treating the proposal as "no citation" is wrong.
	AutoFillDisabled
)

// String returns the policy name.
func (p AutoFillPolicy) String() string {
	switch p {
	case AutoFillPermit:
		return "permit"
	case AutoFillDisabled:
		return "disabled"
	default:
		return "suppress"
	}
}

// Resolution records how one output reference was produced.
type Resolution string

const (
	ResolvedExact   Resolution = "exact"
	ResolvedRelaxed Resolution = "relaxed"
	Unresolved      Resolution = "unresolved"
	AutoFilled      Resolution = "auto_filled"
)

// Outcome is the result of one reconciliation.
type Outcome struct {
	// Refs are canonical for every resolved entry. Unresolved entries are
	// carried as proposed.
	Refs []symbol.EvidenceReference `json:"refs"`

	// Resolutions is parallel to Refs.
	Resolutions []Resolution `json:"resolutions"`

	AutoFilled         bool `json:"auto_filled"`
	AutoFillSuppressed bool `json:"auto_fill_suppressed,omitempty"`
}

// Unresolved returns the number of references that did not resolve.
func (o Outcome) Unresolved() int {
	n := 0
	for _, r := range o.Resolutions {
		if r == Unresolved {
			n++
		}
	}
	return n
}

// Reconciler resolves proposals against one index.
//
// Thread Safety: Stateless beyond the read-only index. Safe for concurrent use.
type Reconciler struct {
	idx    *index.SymbolIndex
	logger *slog.Logger
}

// New creates a Reconciler.
func New(idx *index.SymbolIndex, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		idx:    idx,
		logger: logger.With(slog.String("component", "reconciler")),
	}
}

// Reconcile normalises proposed evidence against the candidate pool and index.
//
// Description:
//
//	Each proposal is matched by exact id first. Failing that, a relaxed
//	match ignores a trailing ":<line>" suffix: pool symbols sharing the
//	stem are preferred over index symbols, and among several candidates
//	the one whose start line is closest to the proposed line wins, then
//	the lowest id. When the proposed id carries no line suffix, the
//	proposal's start_line is the line hint; it only breaks ties between
//	candidates and never survives into the output. A resolved proposal
//	is replaced by the canonical reference of its symbol. Proposals
//	resolving to the same symbol are merged, keeping the first position.
//
//	When proposed is empty and the pool holds exactly one distinct symbol,
//	policy decides: AutoFillPermit synthesises its reference and sets
//	AutoFilled; AutoFillSuppress sets AutoFillSuppressed instead.
//
// Inputs:
//   - ctx: Context for tracing.
//   - proposed: Parsed proposals, see ParseAll.
//   - pool: The retrieval pool the generator was shown.
//   - policy: Auto-fill policy for this run.
//
// Outputs:
//   - Outcome: Never an error; unresolved proposals are reported by the
//     validator.
func (r *Reconciler) Reconcile(ctx context.Context, proposed []PartialEvidence, pool []*symbol.Symbol, policy AutoFillPolicy) Outcome {
	_, span := tracer.Start(ctx, "Reconciler.Reconcile",
		trace.WithAttributes(
			attribute.Int("reconcile.proposed", len(proposed)),
			attribute.Int("reconcile.pool", len(pool)),
			attribute.String("reconcile.auto_fill_policy", policy.String()),
		),
	)
	defer span.End()

	var out Outcome
	if len(proposed) == 0 {
		r.autoFill(&out, pool, policy)
		span.SetAttributes(
			attribute.Bool("reconcile.auto_filled", out.AutoFilled),
			attribute.Bool("reconcile.auto_fill_suppressed", out.AutoFillSuppressed),
		)
		recordReconcile(ctx, out)
		return out
	}

	poolByStem := make(map[string][]*symbol.Symbol, len(pool))
	for _, s := range pool {
		stem, _, _ := symbol.IDStem(s.ID)
		poolByStem[stem] = append(poolByStem[stem], s)
	}

	seen := make(map[string]struct{}, len(proposed))
	for _, p := range proposed {
		sym, how := r.resolve(p, poolByStem)
		if sym == nil {
			out.Refs = append(out.Refs, symbol.EvidenceReference{
				SymbolID:    p.SymbolID,
				FilePath:    p.FilePath,
				StartLine:   p.StartLine,
				EndLine:     p.EndLine,
				ContentHash: p.ContentHash,
			})
			out.Resolutions = append(out.Resolutions, Unresolved)
			r.logger.Debug("proposed evidence did not resolve",
				slog.String("symbol_id", p.SymbolID))
			continue
		}
		if _, dup := seen[sym.ID]; dup {
			continue
		}
		seen[sym.ID] = struct{}{}
		out.Refs = append(out.Refs, symbol.ReferenceFor(sym))
		out.Resolutions = append(out.Resolutions, how)
	}

	span.SetAttributes(
		attribute.Int("reconcile.refs", len(out.Refs)),
		attribute.Int("reconcile.unresolved", out.Unresolved()),
	)
	recordReconcile(ctx, out)
	return out
}

func (r *Reconciler) autoFill(out *Outcome, pool []*symbol.Symbol, policy AutoFillPolicy) {
	if policy == AutoFillDisabled {
		return
	}
	lone := loneSymbol(pool)
	if lone == nil {
		return
	}
	sym, ok := r.idx.Get(lone.ID)
	if !ok {
		return
	}
	if policy != AutoFillPermit {
		out.AutoFillSuppressed = true
		r.logger.Debug("auto-fill suppressed", slog.String("symbol_id", sym.ID))
		return
	}
	out.Refs = []symbol.EvidenceReference{symbol.ReferenceFor(sym)}
	out.Resolutions = []Resolution{AutoFilled}
	out.AutoFilled = true
}

// loneSymbol returns the only distinct symbol of pool, or nil.
func loneSymbol(pool []*symbol.Symbol) *symbol.Symbol {
	var lone *symbol.Symbol
	for _, s := range pool {
		if s == nil {
			continue
		}
		if lone != nil && lone.ID != s.ID {
			return nil
		}
		lone = s
	}
	return lone
}

func (r *Reconciler) resolve(p PartialEvidence, poolByStem map[string][]*symbol.Symbol) (*symbol.Symbol, Resolution) {
	if sym, ok := r.idx.Get(p.SymbolID); ok {
		return sym, ResolvedExact
	}

	stem, line, hasLine := symbol.IDStem(p.SymbolID)
	if !hasLine {
		line = p.StartLine
	}

	// Pool candidates must also be indexed to be rehydrated.
	var candidates []*symbol.Symbol
	for _, s := range poolByStem[stem] {
		if indexed, ok := r.idx.Get(s.ID); ok {
			candidates = append(candidates, indexed)
		}
	}
	if len(candidates) == 0 {
		candidates = r.idx.ByIDStem(stem)
	}
	if len(candidates) == 0 {
		return nil, Unresolved
	}
	return closest(candidates, line), ResolvedRelaxed
}

// closest picks the candidate whose start line is nearest to line, then the
// lowest id. line 0 means no hint, leaving only the id order.
func closest(candidates []*symbol.Symbol, line int) *symbol.Symbol {
	sorted := make([]*symbol.Symbol, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if line > 0 {
			di, dj := distance(sorted[i].StartLine, line), distance(sorted[j].StartLine, line)
			if di != dj {
				return di < dj
			}
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
