// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/evidencegate/services/evidence/index"
	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultQueryTimeout bounds query embedding on the retrieval path.
const DefaultQueryTimeout = 3 * time.Second

// Hit is one vector match resolved to its symbol.
type Hit struct {
	Symbol *symbol.Symbol
	Score  float64
}

// Result is the outcome of a vector search.
//
// Available=false means there is no usable embedding index for this run;
// Available=true with no hits means the index was searched and nothing
// cleared the floor. Callers treat both as "fall back", but the audit
// trail keeps them apart.
type Result struct {
	Available bool
	Backend   string
	Hits      []Hit
}

// Searcher resolves backend matches against the symbol index.
//
// Thread Safety: Safe for concurrent use.
type Searcher struct {
	idx     *index.SymbolIndex
	backend Backend
	logger  *slog.Logger
}

// NewSearcher creates a searcher. A nil backend yields a searcher that is
// never available.
func NewSearcher(idx *index.SymbolIndex, backend Backend, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		idx:     idx,
		backend: backend,
		logger:  logger.With(slog.String("component", "vector_searcher")),
	}
}

// Available reports whether a search could currently be served, without
// issuing one.
func (s *Searcher) Available() bool {
	return s != nil && s.backend != nil && s.backend.Available()
}

// Search returns up to topK symbols with cosine similarity >= minScore.
//
// Description:
//
//	The query vector is normalized before searching. Matches whose id is
//	not in the index are dropped. Results are sorted by score descending,
//	ties by id ascending.
//
// Inputs:
//   - ctx: Governs backend I/O.
//   - queryEmbedding: Raw query vector.
//   - topK: Maximum number of hits.
//   - minScore: Hard similarity floor.
//
// Outputs:
//   - Result: Available is false when no backend can serve.
//   - error: Backend failure or a zero query vector. Result.Available is
//     still true so the failure is distinguishable from absence.
func (s *Searcher) Search(ctx context.Context, queryEmbedding []float32, topK int, minScore float64) (Result, error) {
	if !s.Available() {
		return Result{Available: false}, nil
	}

	ctx, span := tracer.Start(ctx, "VectorSearcher.Search",
		trace.WithAttributes(
			attribute.String("vector.backend", s.backend.Name()),
			attribute.Int("vector.top_k", topK),
			attribute.Float64("vector.min_score", minScore),
		),
	)
	defer span.End()

	res := Result{Available: true, Backend: s.backend.Name()}
	if topK <= 0 {
		return res, nil
	}

	unit := normalize(queryEmbedding)
	if unit == nil {
		err := fmt.Errorf("%w: zero query vector", ErrEmbeddingFailed)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	start := time.Now()
	matches, err := s.backend.Search(ctx, unit, topK, minScore)
	if err != nil {
		recordSearch(ctx, s.backend.Name(), "error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend search failed")
		return res, err
	}

	res.Hits = make([]Hit, 0, len(matches))
	for _, m := range matches {
		if m.Score < minScore {
			continue
		}
		sym, ok := s.idx.Get(m.SymbolID)
		if !ok {
			s.logger.Debug("vector match not in index", slog.String("symbol_id", m.SymbolID))
			continue
		}
		res.Hits = append(res.Hits, Hit{Symbol: sym, Score: m.Score})
		if len(res.Hits) == topK {
			break
		}
	}

	outcome := "hit"
	if len(res.Hits) == 0 {
		outcome = "empty"
	}
	recordSearch(ctx, s.backend.Name(), outcome, time.Since(start))
	span.SetAttributes(attribute.Int("vector.hits", len(res.Hits)))
	return res, nil
}

// EmbedQuery embeds one query string under timeout. A response without
// exactly one non-empty vector wraps ErrEmbeddingFailed.
func EmbedQuery(ctx context.Context, e Embedder, query string, timeout time.Duration) ([]float32, error) {
	if e == nil {
		return nil, ErrVectorUnavailable
	}
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vecs, err := e.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("%w: expected 1 query vector, got %d", ErrEmbeddingFailed, len(vecs))
	}
	return vecs[0], nil
}
