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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/textsplitter"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/evidencegate/services/evidence/index"
	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
)

// codeSeparators split source text on blank lines, then lines, then words.
var codeSeparators = []string{"\n\n", "\n", " ", ""}

// WarmConfig tunes embedding warm-up.
type WarmConfig struct {
	// Concurrency bounds in-flight embedding requests.
	Concurrency int

	// BatchSize is the number of symbols per request.
	BatchSize int

	// MaxTextBytes truncates symbol text before embedding. With Chunking it
	// is the chunk size instead.
	MaxTextBytes int

	// Chunking embeds long symbols as up to MaxChunks overlapping chunks
	// and averages the chunk vectors.
	Chunking     bool
	ChunkOverlap int
	MaxChunks    int
}

// DefaultWarmConfig returns conservative settings for a local Ollama.
func DefaultWarmConfig() WarmConfig {
	return WarmConfig{
		Concurrency:  4,
		BatchSize:    16,
		MaxTextBytes: 4096,
		ChunkOverlap: 256,
		MaxChunks:    8,
	}
}

// WarmResult reports what warm-up produced.
type WarmResult struct {
	// Vectors are unit-normalized and keyed by symbol id.
	Vectors   map[string][]float32
	FromCache bool
	Embedded  int
	Failed    int
}

// Warm ensures every symbol of idx has an embedding.
//
// Description:
//
//	Tries the store first, keyed by the index fingerprint and the
//	embedder's model. On a miss, symbols are embedded in batches with
//	bounded concurrency. A failed batch is logged and counted, not fatal;
//	the vectors that did succeed are normalized and saved.
//
// Inputs:
//   - ctx: Cancels in-flight requests.
//   - idx: The symbol index.
//   - embedder: Embedding service.
//   - store: Optional persistence. Nil skips load and save.
//
// Outputs:
//   - WarmResult: The vectors and counts.
//   - error: ctx.Err() on cancellation, or ErrEmbeddingFailed when every
//     batch failed.
func Warm(ctx context.Context, idx *index.SymbolIndex, embedder Embedder, store EmbeddingStore, cfg WarmConfig, logger *slog.Logger) (WarmResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "embedding_warm"))
	d := DefaultWarmConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = d.MaxChunks
	}
	docs := newDocBuilder(cfg)

	ctx, span := tracer.Start(ctx, "vector.Warm")
	defer span.End()

	fingerprint := idx.Fingerprint()
	if store != nil {
		cached, err := store.Load(ctx, fingerprint, embedder.Model())
		switch {
		case err == nil && len(cached) > 0:
			logger.Info("embeddings loaded from cache",
				slog.Int("vectors", len(cached)),
				slog.String("fingerprint", shortHash(fingerprint)))
			return WarmResult{Vectors: cached, FromCache: true}, nil
		case err != nil && !errors.Is(err, ErrCacheMiss):
			logger.Warn("embedding cache load failed, re-embedding",
				slog.String("error", err.Error()))
		}
	}

	symbols := make([]*symbol.Symbol, 0, idx.Len())
	for sym := range idx.All() {
		symbols = append(symbols, sym)
	}
	if len(symbols) == 0 {
		return WarmResult{Vectors: map[string][]float32{}}, nil
	}

	logger.Info("embedding warm-up starting",
		slog.Int("symbols", len(symbols)),
		slog.String("model", embedder.Model()))

	var (
		mu      sync.Mutex
		vectors = make(map[string][]float32, len(symbols))
		failed  int
		batches int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for start := 0; start < len(symbols); start += cfg.BatchSize {
		batch := symbols[start:min(start+cfg.BatchSize, len(symbols))]
		batches++
		g.Go(func() error {
			var texts []string
			spans := make([][2]int, len(batch))
			for i, sym := range batch {
				parts := docs.build(sym)
				spans[i] = [2]int{len(texts), len(texts) + len(parts)}
				texts = append(texts, parts...)
			}
			vecs, err := embedder.Embed(gctx, texts)
			if err == nil && len(vecs) != len(texts) {
				err = fmt.Errorf("%w: %d vectors for %d texts", ErrEmbeddingFailed, len(vecs), len(texts))
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed += len(batch)
				logger.Warn("embedding batch failed",
					slog.String("first_symbol", batch[0].ID),
					slog.Int("size", len(batch)),
					slog.String("error", err.Error()))
				return nil
			}
			for i, sym := range batch {
				if unit := normalize(meanVector(vecs[spans[i][0]:spans[i][1]])); unit != nil {
					vectors[sym.ID] = unit
				} else {
					failed++
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return WarmResult{}, fmt.Errorf("embedding warm-up: %w", err)
	}

	res := WarmResult{Vectors: vectors, Embedded: len(vectors), Failed: failed}
	recordWarm(ctx, res.Embedded, res.Failed)
	logger.Info("embedding warm-up complete",
		slog.Int("embedded", res.Embedded),
		slog.Int("failed", res.Failed),
		slog.Int("batches", batches))

	if res.Embedded == 0 {
		return res, fmt.Errorf("%w: all %d symbols failed", ErrEmbeddingFailed, len(symbols))
	}

	if store != nil {
		if err := store.Save(ctx, fingerprint, embedder.Model(), vectors); err != nil {
			logger.Warn("embedding cache save failed", slog.String("error", err.Error()))
		}
	}
	return res, nil
}

// docBuilder produces the texts embedded for a symbol.
type docBuilder struct {
	maxBytes  int
	maxChunks int
	splitter  textsplitter.TextSplitter
}

func newDocBuilder(cfg WarmConfig) *docBuilder {
	b := &docBuilder{maxBytes: cfg.MaxTextBytes, maxChunks: cfg.MaxChunks}
	if cfg.Chunking && cfg.MaxTextBytes > 0 {
		overlap := min(max(cfg.ChunkOverlap, 0), cfg.MaxTextBytes/2)
		b.splitter = textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.MaxTextBytes),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators(codeSeparators),
			textsplitter.WithLenFunc(func(s string) int { return len(s) }),
		)
	}
	return b
}

// build returns one text, or several chunks when chunking is on and the
// document is longer than maxBytes. Each chunk is prefixed with the
// qualified name so it embeds in context.
func (b *docBuilder) build(sym *symbol.Symbol) []string {
	doc := embeddingDoc(sym)
	if b.splitter == nil || len(doc) <= b.maxBytes {
		out, _ := symbol.TruncateText(doc, b.maxBytes)
		return []string{out}
	}
	chunks, err := b.splitter.SplitText(doc)
	if err != nil || len(chunks) == 0 {
		out, _ := symbol.TruncateText(doc, b.maxBytes)
		return []string{out}
	}
	if len(chunks) > b.maxChunks {
		chunks = chunks[:b.maxChunks]
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		if i > 0 {
			c = sym.QualifiedName + "\n" + c
		}
		out[i], _ = symbol.TruncateText(c, b.maxBytes+len(sym.QualifiedName)+1)
	}
	return out
}

// embeddingDoc is the text embedded for a symbol: its qualified name,
// doc comment and body.
func embeddingDoc(sym *symbol.Symbol) string {
	var b strings.Builder
	b.WriteString(sym.QualifiedName)
	if sym.DocComment != "" {
		b.WriteString("\n")
		b.WriteString(sym.DocComment)
	}
	b.WriteString("\n")
	b.WriteString(sym.Text)
	return b.String()
}

// meanVector averages the unit-normalized vecs component-wise. Zero vectors
// and vectors of a different length than the first are skipped.
func meanVector(vecs [][]float32) []float32 {
	if len(vecs) == 1 {
		return vecs[0]
	}
	var (
		sum []float64
		n   int
	)
	for _, v := range vecs {
		unit := normalize(v)
		if unit == nil || (sum != nil && len(unit) != len(sum)) {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(unit))
		}
		for i, x := range unit {
			sum[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]float32, len(sum))
	for i := range sum {
		out[i] = float32(sum[i] / float64(n))
	}
	return out
}
