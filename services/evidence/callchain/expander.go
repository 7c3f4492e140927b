// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package callchain discovers likely callers and callees of a seed set by
// matching identifiers in symbol text against symbol names.
//
// This is a heuristic: there is no parser behind it, so an identifier that
// happens to share a name with a symbol becomes an edge. Its output is
// enrichment and must never be the only evidence for a claim.
package callchain

import (
	"context"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/AleutianAI/evidencegate/services/evidence/index"
	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.evidence.callchain")

// identifierPattern matches identifiers and dotted/namespaced chains such
// as cache.Get, pkg::Type or Widget#render.
var identifierPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*(?:(?:\.|::|#)[A-Za-z_][A-Za-z0-9_]*)*`)

// chainSeparators splits a matched chain into segments.
var chainSeparators = strings.NewReplacer("::", ".", "#", ".")

// minSegmentLen ignores very short segments like receivers (s, db) when
// matching by simple name.
const minSegmentLen = 3

// Direction says how a discovery relates to the symbol it was reached from.
type Direction string

const (
	// Callee: the parent's text mentions the discovered symbol.
	Callee Direction = "callee"

	// Caller: the discovered symbol's text mentions the parent.
	Caller Direction = "caller"
)

// Discovery is one symbol found by expansion.
type Discovery struct {
	Symbol *symbol.Symbol

	// Depth is the hop count from the nearest seed, starting at 1.
	Depth int

	// From is the id of the symbol this one was reached from.
	From string

	// Seed is the id of the seed whose branch found this symbol.
	Seed string

	Direction Direction
}

// Expander walks the mention graph of an index.
//
// Thread Safety: Immutable after NewExpander. Safe for concurrent use.
type Expander struct {
	idx     *index.SymbolIndex
	callees map[string][]string
	callers map[string][]string
	logger  *slog.Logger
}

// NewExpander scans every symbol's text once and records its edges.
//
// Description:
//
//	For each identifier chain in a symbol's text, the full chain is looked
//	up as a qualified name; failing that, each segment is looked up as a
//	simple name. When several symbols share a name, a symbol in the same
//	file wins, then the lowest id. Self-mentions are ignored.
func NewExpander(idx *index.SymbolIndex, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Expander{
		idx:     idx,
		callees: make(map[string][]string),
		callers: make(map[string][]string),
		logger:  logger.With(slog.String("component", "callchain")),
	}

	edges := 0
	for sym := range idx.All() {
		targets := e.mentions(sym)
		if len(targets) == 0 {
			continue
		}
		e.callees[sym.ID] = targets
		for _, t := range targets {
			e.callers[t] = append(e.callers[t], sym.ID)
		}
		edges += len(targets)
	}
	// idx.All is ordered by id, so caller lists are already sorted.

	e.logger.Debug("mention graph built",
		slog.Int("symbols", idx.Len()),
		slog.Int("edges", edges))
	return e
}

// mentions returns the sorted, unique ids that sym's text refers to.
func (e *Expander) mentions(sym *symbol.Symbol) []string {
	seen := make(map[string]struct{})
	for _, chain := range identifierPattern.FindAllString(sym.Text, -1) {
		if target := e.resolve(chain, sym); target != "" && target != sym.ID {
			seen[target] = struct{}{}
			continue
		}
		segments := strings.Split(chainSeparators.Replace(chain), ".")
		for _, seg := range segments {
			if len(seg) < minSegmentLen {
				continue
			}
			if target := e.resolveSimple(seg, sym); target != "" && target != sym.ID {
				seen[target] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *Expander) resolve(qualified string, from *symbol.Symbol) string {
	if !strings.ContainsAny(qualified, ".:#") {
		return ""
	}
	return pick(e.idx.ByQualifiedName(qualified), from)
}

func (e *Expander) resolveSimple(name string, from *symbol.Symbol) string {
	return pick(e.idx.BySimpleName(name), from)
}

// pick chooses among same-named candidates: same file first, then lowest id.
func pick(candidates []*symbol.Symbol, from *symbol.Symbol) string {
	best := ""
	bestSameFile := false
	for _, c := range candidates {
		if c.ID == from.ID {
			continue
		}
		same := c.FilePath == from.FilePath
		switch {
		case best == "":
		case same && !bestSameFile:
		case same == bestSameFile && c.ID < best:
		default:
			continue
		}
		best, bestSameFile = c.ID, same
	}
	return best
}

// Expand runs a bounded breadth-first walk from seeds.
//
// Description:
//
//	Edges are bidirectional: a symbol's callees and callers are both
//	neighbours. A branch stops at maxDepth hops from the nearest seed and
//	the whole walk stops once maxTotal new symbols are found. Seeds are
//	never reported; unknown seed ids are ignored. Cycles terminate through
//	the visited set.
//
// Inputs:
//   - ctx: A cancelled walk returns nil.
//   - seeds: Symbol ids to start from.
//   - maxDepth: Maximum hops. <= 0 yields nothing.
//   - maxTotal: Maximum discoveries. <= 0 yields nothing.
//
// Outputs:
//   - []Discovery: In discovery (BFS) order.
func (e *Expander) Expand(ctx context.Context, seeds []string, maxDepth, maxTotal int) []Discovery {
	ctx, span := tracer.Start(ctx, "CallChainExpander.Expand",
		trace.WithAttributes(
			attribute.Int("callchain.seeds", len(seeds)),
			attribute.Int("callchain.max_depth", maxDepth),
			attribute.Int("callchain.max_total", maxTotal),
		),
	)
	defer span.End()

	if maxDepth <= 0 || maxTotal <= 0 {
		return nil
	}

	type node struct {
		id    string
		depth int
		seed  string
	}

	visited := make(map[string]struct{}, len(seeds))
	queue := make([]node, 0, len(seeds))
	for _, id := range seeds {
		if _, ok := e.idx.Get(id); !ok {
			continue
		}
		if _, dup := visited[id]; dup {
			continue
		}
		visited[id] = struct{}{}
		queue = append(queue, node{id: id, seed: id})
	}

	var found []Discovery
	for head := 0; head < len(queue); head++ {
		if ctx.Err() != nil {
			span.SetAttributes(attribute.Bool("callchain.cancelled", true))
			return nil
		}
		cur := queue[head]
		if cur.depth >= maxDepth {
			continue
		}

		for _, nb := range e.neighbours(cur.id) {
			if _, ok := visited[nb.id]; ok {
				continue
			}
			visited[nb.id] = struct{}{}
			sym, _ := e.idx.Get(nb.id)
			found = append(found, Discovery{
				Symbol:    sym,
				Depth:     cur.depth + 1,
				From:      cur.id,
				Seed:      cur.seed,
				Direction: nb.dir,
			})
			if len(found) >= maxTotal {
				span.SetAttributes(attribute.Int("callchain.found", len(found)))
				return found
			}
			queue = append(queue, node{id: nb.id, depth: cur.depth + 1, seed: cur.seed})
		}
	}

	span.SetAttributes(attribute.Int("callchain.found", len(found)))
	return found
}

type neighbour struct {
	id  string
	dir Direction
}

// neighbours merges callees and callers of id, sorted by id. A symbol
// that is both is reported as a callee.
func (e *Expander) neighbours(id string) []neighbour {
	callees := e.callees[id]
	callers := e.callers[id]
	out := make([]neighbour, 0, len(callees)+len(callers))
	for _, c := range callees {
		out = append(out, neighbour{id: c, dir: Callee})
	}
	for _, c := range callers {
		if !slices.Contains(callees, c) {
			out = append(out, neighbour{id: c, dir: Caller})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Callees returns the ids sym's text mentions.
func (e *Expander) Callees(id string) []string {
	return slices.Clone(e.callees[id])
}

// Callers returns the ids whose text mentions id.
func (e *Expander) Callers(id string) []string {
	return slices.Clone(e.callers[id])
}
