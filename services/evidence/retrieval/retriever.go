// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval builds the ranked candidate evidence pool for a query.
//
// Strategies run in a fixed order and short-circuit: caller-supplied
// evidence that fully resolves, then vector search, then lexical search.
// Call-chain expansion optionally enriches whichever set won.
package retrieval

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/evidencegate/services/evidence/callchain"
	"github.com/AleutianAI/evidencegate/services/evidence/index"
	"github.com/AleutianAI/evidencegate/services/evidence/lexical"
	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
	"github.com/AleutianAI/evidencegate/services/evidence/vector"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Via records which strategy produced a hit.
type Via string

const (
	ViaDirect         Via = "direct"
	ViaVector         Via = "vector"
	ViaLexical        Via = "lexical"
	ViaChainExpansion Via = "chain_expansion"

	// ViaNone is the strategy of an empty result.
	ViaNone Via = "none"
)

// Hit is one ranked candidate.
type Hit struct {
	Symbol *symbol.Symbol `json:"-"`
	Score  float64        `json:"score"`
	Via    Via            `json:"via"`

	// Depth and From are set for chain expansion hits only.
	Depth int    `json:"depth,omitempty"`
	From  string `json:"from,omitempty"`
}

// Result is the evidence pool for one query.
type Result struct {
	Hits []Hit `json:"hits"`

	// Strategy is the strategy that produced the primary set.
	Strategy Via `json:"strategy"`

	// VectorAvailable records whether vector search could be tried.
	VectorAvailable bool `json:"vector_available"`

	// Degraded is set when vector search was available but failed and
	// lexical search stood in.
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// Symbols returns the hit symbols in rank order.
func (r Result) Symbols() []*symbol.Symbol {
	out := make([]*symbol.Symbol, len(r.Hits))
	for i, h := range r.Hits {
		out[i] = h.Symbol
	}
	return out
}

// CallChainConfig controls expansion.
type CallChainConfig struct {
	Enabled  bool    `yaml:"enabled" json:"enabled"`
	MaxDepth int     `yaml:"max_depth" json:"max_depth" validate:"gte=0,lte=10"`
	MaxTotal int     `yaml:"max_total" json:"max_total" validate:"gte=0"`
	Decay    float64 `yaml:"decay" json:"decay" validate:"gte=0,lte=1"`
}

// Config controls one retrieval.
type Config struct {
	TopK         int             `yaml:"top_k" json:"top_k" validate:"gte=1,lte=200"`
	MinScore     float64         `yaml:"min_score" json:"min_score" validate:"gte=-1,lte=1"`
	QueryTimeout time.Duration   `yaml:"query_timeout" json:"query_timeout"`
	CallChain    CallChainConfig `yaml:"call_chain" json:"call_chain"`
}

// DefaultConfig returns the retrieval defaults.
func DefaultConfig() Config {
	return Config{
		TopK:         8,
		MinScore:     0.35,
		QueryTimeout: vector.DefaultQueryTimeout,
		CallChain: CallChainConfig{
			Enabled:  false,
			MaxDepth: 2,
			MaxTotal: 10,
			Decay:    0.5,
		},
	}
}

// Retriever orchestrates the search strategies over one index.
//
// Thread Safety: Safe for concurrent use. Holds no per-call state.
type Retriever struct {
	idx      *index.SymbolIndex
	lexical  *lexical.Searcher
	vector   *vector.Searcher
	embedder vector.Embedder
	expander *callchain.Expander
	logger   *slog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithVector enables vector search through searcher, embedding queries
// with embedder.
func WithVector(searcher *vector.Searcher, embedder vector.Embedder) Option {
	return func(r *Retriever) {
		r.vector = searcher
		r.embedder = embedder
	}
}

// WithExpander sets the call-chain expander. Without one, expansion is a
// no-op even when enabled in Config.
func WithExpander(e *callchain.Expander) Option {
	return func(r *Retriever) {
		r.expander = e
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Retriever. The lexical searcher is built from idx.
func New(idx *index.SymbolIndex, lex *lexical.Searcher, opts ...Option) *Retriever {
	r := &Retriever{
		idx:     idx,
		lexical: lex,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.lexical == nil {
		r.lexical = lexical.NewSearcher(idx)
	}
	r.logger = r.logger.With(slog.String("component", "retriever"))
	return r
}

// VectorAvailable reports whether vector search could currently be tried.
func (r *Retriever) VectorAvailable() bool {
	return r.vector.Available() && r.embedder != nil
}

// Retrieve returns the ranked evidence pool for query.
//
// Description:
//
//  1. callerEvidence non-empty and every reference resolves: that set,
//     score 1.0, Via direct. This applies even to an empty query.
//  2. Otherwise an empty or whitespace query yields an empty result.
//  3. Vector search when available; used only if it yields at least one
//     hit above cfg.MinScore.
//  4. Lexical search otherwise, with the same TopK.
//  5. Optional call-chain expansion of the winning set, merged by id
//     keeping the highest score. An expanded hit scores
//     seedScore * Decay^depth.
//
// Hits are ordered by score descending, ties by id ascending.
//
// Outputs:
//   - Result: Never an error. A cancelled context yields an empty result.
func (r *Retriever) Retrieve(ctx context.Context, query string, callerEvidence []symbol.EvidenceReference, cfg Config) Result {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve",
		trace.WithAttributes(
			attribute.Int("retrieval.caller_evidence", len(callerEvidence)),
			attribute.Int("retrieval.top_k", cfg.TopK),
		),
	)
	defer span.End()

	res := r.primary(ctx, query, callerEvidence, cfg)
	if ctx.Err() != nil {
		return Result{Strategy: ViaNone, VectorAvailable: res.VectorAvailable}
	}

	if cfg.CallChain.Enabled && r.expander != nil && len(res.Hits) > 0 {
		res.Hits = r.expand(ctx, res.Hits, cfg.CallChain)
		if ctx.Err() != nil {
			return Result{Strategy: ViaNone, VectorAvailable: res.VectorAvailable}
		}
	}

	sortHits(res.Hits)
	retrievalStrategyTotal.WithLabelValues(string(res.Strategy)).Inc()
	span.SetAttributes(
		attribute.String("retrieval.strategy", string(res.Strategy)),
		attribute.Int("retrieval.hits", len(res.Hits)),
		attribute.Bool("retrieval.degraded", res.Degraded),
	)
	return res
}

// primary runs steps 1 to 4.
func (r *Retriever) primary(ctx context.Context, query string, callerEvidence []symbol.EvidenceReference, cfg Config) Result {
	res := Result{Strategy: ViaNone, VectorAvailable: r.VectorAvailable()}

	if hits, ok := r.direct(callerEvidence); ok {
		res.Hits = hits
		res.Strategy = ViaDirect
		return res
	}

	if strings.TrimSpace(query) == "" || cfg.TopK <= 0 {
		return res
	}

	if res.VectorAvailable {
		hits, reason := r.vectorHits(ctx, query, cfg)
		if len(hits) > 0 {
			res.Hits = hits
			res.Strategy = ViaVector
			return res
		}
		retrievalFallbackTotal.WithLabelValues(reason).Inc()
		if reason != "no_hits" {
			res.Degraded = true
			res.DegradedReason = reason
		}
	} else {
		retrievalFallbackTotal.WithLabelValues("unavailable").Inc()
	}

	for _, h := range r.lexical.Search(ctx, query, cfg.TopK) {
		res.Hits = append(res.Hits, Hit{Symbol: h.Symbol, Score: h.Score, Via: ViaLexical})
	}
	if len(res.Hits) > 0 {
		res.Strategy = ViaLexical
	}
	return res
}

// direct resolves caller evidence. ok is false unless every reference
// resolves by exact id.
func (r *Retriever) direct(refs []symbol.EvidenceReference) ([]Hit, bool) {
	if len(refs) == 0 {
		return nil, false
	}
	seen := make(map[string]struct{}, len(refs))
	hits := make([]Hit, 0, len(refs))
	for _, ref := range refs {
		sym, ok := r.idx.Get(ref.SymbolID)
		if !ok {
			return nil, false
		}
		if _, dup := seen[sym.ID]; dup {
			continue
		}
		seen[sym.ID] = struct{}{}
		hits = append(hits, Hit{Symbol: sym, Score: 1.0, Via: ViaDirect})
	}
	return hits, true
}

// vectorHits embeds the query and searches. On failure it returns no hits
// and the fallback reason.
func (r *Retriever) vectorHits(ctx context.Context, query string, cfg Config) ([]Hit, string) {
	emb, err := vector.EmbedQuery(ctx, r.embedder, query, cfg.QueryTimeout)
	if err != nil {
		r.logger.Warn("query embedding failed, falling back to lexical",
			slog.String("error", err.Error()))
		return nil, "embed_failed"
	}

	out, err := r.vector.Search(ctx, emb, cfg.TopK, cfg.MinScore)
	if err != nil {
		r.logger.Warn("vector search failed, falling back to lexical",
			slog.String("error", err.Error()))
		return nil, "search_failed"
	}
	if !out.Available {
		return nil, "unavailable"
	}
	if len(out.Hits) == 0 {
		return nil, "no_hits"
	}

	hits := make([]Hit, 0, len(out.Hits))
	for _, h := range out.Hits {
		hits = append(hits, Hit{Symbol: h.Symbol, Score: h.Score, Via: ViaVector})
	}
	return hits, ""
}

// expand adds call-chain discoveries to hits, keeping the max score per id.
func (r *Retriever) expand(ctx context.Context, hits []Hit, cfg CallChainConfig) []Hit {
	pos := make(map[string]int, len(hits))
	seeds := make([]string, 0, len(hits))
	for i, h := range hits {
		pos[h.Symbol.ID] = i
		seeds = append(seeds, h.Symbol.ID)
	}
	// Seeds are expanded highest score first so ties in the BFS favour
	// the strongest evidence.
	sort.SliceStable(seeds, func(i, j int) bool {
		return hits[pos[seeds[i]]].Score > hits[pos[seeds[j]]].Score
	})

	added := 0
	for _, d := range r.expander.Expand(ctx, seeds, cfg.MaxDepth, cfg.MaxTotal) {
		seedScore := hits[pos[d.Seed]].Score
		score := seedScore * math.Pow(cfg.Decay, float64(d.Depth))
		if i, ok := pos[d.Symbol.ID]; ok {
			if score > hits[i].Score {
				hits[i].Score = score
			}
			continue
		}
		pos[d.Symbol.ID] = len(hits)
		hits = append(hits, Hit{
			Symbol: d.Symbol,
			Score:  score,
			Via:    ViaChainExpansion,
			Depth:  d.Depth,
			From:   d.From,
		})
		added++
	}
	retrievalChainHitsTotal.Add(float64(added))
	return hits
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Symbol.ID < hits[j].Symbol.ID
	})
}
