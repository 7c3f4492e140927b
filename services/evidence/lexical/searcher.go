// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lexical implements the always-available term-overlap searcher.
//
// Scoring is BM25 over symbol bodies, normalized to [0, 1] per query, plus
// small additive boosts when a query term appears in the qualified name, the
// tags or the doc comment of a symbol. It has no external dependency and is
// the fallback when vector search is unavailable.
package lexical

import (
	"context"
	"sort"

	"github.com/AleutianAI/evidencegate/services/evidence/index"
	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.evidence.lexical")

// Boost weights added on top of the normalized BM25 score.
const (
	// NameBoost is added per query term found in the qualified name or tags.
	NameBoost = 0.5

	// DocBoost is added per query term found in the doc comment.
	DocBoost = 0.25

	// cancelCheckInterval is how often Search checks for cancellation.
	cancelCheckInterval = 1000
)

// Hit is one lexical match.
type Hit struct {
	Symbol *symbol.Symbol
	Score  float64
}

// Searcher scores symbols against free-text queries.
//
// Thread Safety: Immutable after NewSearcher. Safe for concurrent use.
type Searcher struct {
	symbols   []*symbol.Symbol
	bm25      *bm25Index
	nameTerms []map[string]struct{}
	docTerms  []map[string]struct{}
}

// NewSearcher indexes every symbol of idx.
//
// Description:
//
//	Tokenizes each symbol once: the body feeds BM25, the qualified name
//	plus tags feed the name boost and the doc comment feeds the doc boost.
//	Symbols are kept in index (id) order.
func NewSearcher(idx *index.SymbolIndex) *Searcher {
	n := idx.Len()
	s := &Searcher{
		symbols:   make([]*symbol.Symbol, 0, n),
		nameTerms: make([]map[string]struct{}, 0, n),
		docTerms:  make([]map[string]struct{}, 0, n),
	}

	corpus := make([][]string, 0, n)
	for sym := range idx.All() {
		s.symbols = append(s.symbols, sym)
		corpus = append(corpus, Tokenize(sym.Text))

		names := termSet(sym.QualifiedName)
		for _, tag := range sym.Tags {
			for term := range termSet(tag) {
				names[term] = struct{}{}
			}
		}
		s.nameTerms = append(s.nameTerms, names)
		s.docTerms = append(s.docTerms, termSet(sym.DocComment))
	}
	s.bm25 = buildBM25Index(corpus)
	return s
}

// Search returns up to topK symbols with a score above zero.
//
// Description:
//
//	Results are sorted by score descending, ties broken by id ascending,
//	so the output is fully deterministic. An empty query, a query made
//	only of noise words or topK <= 0 yields no hits.
//
// Inputs:
//   - ctx: Checked periodically. A cancelled search returns nil.
//   - query: Free text.
//   - topK: Maximum number of hits.
//
// Outputs:
//   - []Hit: Fewer than topK when fewer symbols score above zero.
//
// Thread Safety: Safe for concurrent use.
func (s *Searcher) Search(ctx context.Context, query string, topK int) []Hit {
	ctx, span := tracer.Start(ctx, "LexicalSearcher.Search",
		trace.WithAttributes(attribute.Int("lexical.top_k", topK)),
	)
	defer span.End()

	terms := QueryTerms(query)
	span.SetAttributes(attribute.Int("lexical.query_terms", len(terms)))
	if len(terms) == 0 || topK <= 0 || len(s.symbols) == 0 {
		return nil
	}

	raw := make([]float64, len(s.symbols))
	var maxRaw float64
	for i := range s.symbols {
		if i%cancelCheckInterval == 0 && ctx.Err() != nil {
			span.SetAttributes(attribute.Bool("lexical.cancelled", true))
			return nil
		}
		raw[i] = s.bm25.score(i, terms)
		if raw[i] > maxRaw {
			maxRaw = raw[i]
		}
	}

	hits := make([]Hit, 0, topK)
	for i, sym := range s.symbols {
		score := 0.0
		if maxRaw > 0 {
			score = raw[i] / maxRaw
		}
		for _, term := range terms {
			if _, ok := s.nameTerms[i][term]; ok {
				score += NameBoost
			}
			if _, ok := s.docTerms[i][term]; ok {
				score += DocBoost
			}
		}
		if score > 0 {
			hits = append(hits, Hit{Symbol: sym, Score: score})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].Symbol.ID < hits[b].Symbol.ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	span.SetAttributes(attribute.Int("lexical.hits", len(hits)))
	return hits
}

// Len returns the number of searchable symbols.
func (s *Searcher) Len() int {
	return len(s.symbols)
}
