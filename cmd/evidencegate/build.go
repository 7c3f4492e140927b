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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/evidencegate/services/evidence/callchain"
	"github.com/AleutianAI/evidencegate/services/evidence/config"
	"github.com/AleutianAI/evidencegate/services/evidence/gate"
	"github.com/AleutianAI/evidencegate/services/evidence/index"
	"github.com/AleutianAI/evidencegate/services/evidence/lexical"
	"github.com/AleutianAI/evidencegate/services/evidence/pipeline"
	"github.com/AleutianAI/evidencegate/services/evidence/retrieval"
	"github.com/AleutianAI/evidencegate/services/evidence/snapshot"
	badgerstore "github.com/AleutianAI/evidencegate/services/evidence/storage/badger"
	"github.com/AleutianAI/evidencegate/services/evidence/vector"
	evweaviate "github.com/AleutianAI/evidencegate/services/evidence/weaviate"
)

// engineBuilder owns the long-lived resources behind an engine: the cache
// database, the GCS client, the Weaviate client and the gate. build may be
// called again to load a new snapshot; the gate, and so the tally, is
// shared across builds.
type engineBuilder struct {
	cfg    *config.Config
	logger *slog.Logger
	gate   *gate.QualityGate

	db       *badgerstore.DB
	weaviate *evweaviate.Client

	gcsOnce sync.Once
	gcs     *snapshot.GCSSource
	gcsErr  error
}

// newEngineBuilder opens the shared resources. A cache directory that
// cannot be opened disables caching rather than failing.
func newEngineBuilder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engineBuilder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g, err := gate.New(cfg.Gate, logger)
	if err != nil {
		return nil, err
	}
	b := &engineBuilder{cfg: cfg, logger: logger, gate: g}

	if cfg.Cache.Dir != "" {
		dbCfg := badgerstore.DefaultConfig()
		dbCfg.Path = cfg.Cache.Dir
		db, err := badgerstore.OpenDB(dbCfg)
		if err != nil {
			logger.Warn("evidence cache unavailable, caching disabled",
				slog.String("path", cfg.Cache.Dir),
				slog.String("error", err.Error()))
		} else {
			b.db = db
		}
	}

	if cfg.Weaviate.Enabled {
		wcfg := evweaviate.DefaultConfig()
		wcfg.URL = cfg.Weaviate.URL
		wcfg.APIKey = evweaviate.NewAPIKey([]byte(cfg.Weaviate.APIKey))
		wcfg.Logger = logger
		client, err := evweaviate.NewClient(ctx, wcfg)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("weaviate: %w", err)
		}
		b.weaviate = client
	}
	return b, nil
}

// Close releases every resource the builder opened.
func (b *engineBuilder) Close() error {
	var errs []error
	if b.weaviate != nil {
		errs = append(errs, b.weaviate.Close())
	}
	if b.gcs != nil {
		errs = append(errs, b.gcs.Close())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	return errors.Join(errs...)
}

// objectSource returns the GCS client, created on first use so local runs
// never need credentials.
func (b *engineBuilder) objectSource(ctx context.Context) (snapshot.ObjectSource, error) {
	b.gcsOnce.Do(func() {
		b.gcs, b.gcsErr = snapshot.NewGCSSource(ctx, b.cfg.Snapshot.GCSCredentialsFile)
	})
	if b.gcsErr != nil {
		return nil, b.gcsErr
	}
	return b.gcs, nil
}

// loadSnapshot reads the configured snapshot.
func (b *engineBuilder) loadSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	if b.cfg.Snapshot.Location == "" {
		return nil, fmt.Errorf("%w: snapshot.location is not set", config.ErrInvalidConfig)
	}
	return b.loadFrom(ctx, b.cfg.Snapshot.Location, b.cfg.Snapshot.Version)
}

// loadFrom reads the snapshot at location, local or gs://, through the
// cache when one is open.
func (b *engineBuilder) loadFrom(ctx context.Context, location, defaultVersion string) (*snapshot.Snapshot, error) {

	var objects snapshot.ObjectSource
	if _, _, remote, err := snapshot.ParseGCS(location); err != nil {
		return nil, err
	} else if remote {
		if objects, err = b.objectSource(ctx); err != nil {
			return nil, err
		}
	}

	var cache *snapshot.Store
	if b.db != nil {
		cache = snapshot.NewStore(b.db, b.logger)
	}
	return snapshot.NewLoader(objects, cache, b.logger).Load(ctx, location, snapshot.ReadOptions{
		DefaultVersion: defaultVersion,
		MaxTextBytes:   b.cfg.Snapshot.MaxTextBytes,
	})
}

// embedder returns the configured embedding client, or nil when vector
// search is disabled.
func (b *engineBuilder) embedder() vector.Embedder {
	if !b.cfg.Embedding.Enabled {
		return nil
	}
	return vector.NewOllamaEmbedder(vector.OllamaConfig{
		URL:               b.cfg.Embedding.URL,
		Model:             b.cfg.Embedding.Model,
		Timeout:           b.cfg.Embedding.Timeout,
		RequestsPerSecond: b.cfg.Embedding.RequestsPerSecond,
		Burst:             b.cfg.Embedding.Burst,
		Logger:            b.logger,
	})
}

// warm embeds every symbol, or reuses vectors carried inline by the
// snapshot when they cover it completely.
func (b *engineBuilder) warm(ctx context.Context, idx *index.SymbolIndex, snap *snapshot.Snapshot, embedder vector.Embedder) (vector.WarmResult, error) {
	if len(snap.Embeddings) > 0 && len(snap.Embeddings) >= idx.Len() {
		b.logger.Info("using snapshot embeddings", slog.Int("vectors", len(snap.Embeddings)))
		return vector.WarmResult{Vectors: snap.Embeddings, FromCache: true}, nil
	}

	var store vector.EmbeddingStore
	if b.db != nil {
		store = vector.NewBadgerEmbeddingStore(b.db, b.cfg.Cache.EmbeddingTTL, b.logger)
	}
	return vector.Warm(ctx, idx, embedder, store, vector.WarmConfig{
		Concurrency:  b.cfg.Embedding.Warm.Concurrency,
		BatchSize:    b.cfg.Embedding.Warm.BatchSize,
		MaxTextBytes: b.cfg.Embedding.Warm.MaxTextBytes,
		Chunking:     b.cfg.Embedding.Warm.Chunking,
		ChunkOverlap: b.cfg.Embedding.Warm.ChunkOverlap,
		MaxChunks:    b.cfg.Embedding.Warm.MaxChunks,
	}, b.logger)
}

// backend picks the vector backend for warmed vectors. Weaviate is used
// when enabled and the upload succeeds; otherwise vectors are searched in
// memory.
func (b *engineBuilder) backend(ctx context.Context, idx *index.SymbolIndex, model string, vectors map[string][]float32) (vector.Backend, error) {
	if b.weaviate != nil {
		wb := vector.NewWeaviateBackend(b.weaviate, b.cfg.Weaviate.Class, idx.Fingerprint(), b.logger)
		err := wb.EnsureClass(ctx)
		if err == nil {
			_, err = wb.Upsert(ctx, model, vectors)
		}
		if err == nil {
			return wb, nil
		}
		b.logger.Warn("weaviate unavailable, searching vectors in memory",
			slog.String("error", err.Error()))
	}
	return vector.NewMemoryBackend(vectors)
}

// build loads the snapshot and assembles an engine.
//
// Description:
//
//	Vector search is optional at every step: an embedding failure or a
//	backend failure is logged and the engine serves lexical retrieval.
//	Only a snapshot or index failure is an error.
func (b *engineBuilder) build(ctx context.Context) (*pipeline.Engine, error) {
	snap, err := b.loadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	idx, err := index.Build(ctx, snap.Symbols)
	if err != nil {
		return nil, fmt.Errorf("building index: %w", err)
	}

	opts := []retrieval.Option{retrieval.WithLogger(b.logger)}
	if embedder := b.embedder(); embedder != nil {
		if searcher := b.vectorSearcher(ctx, idx, snap, embedder); searcher != nil {
			opts = append(opts, retrieval.WithVector(searcher, embedder))
		}
	}
	if b.cfg.Retrieval.CallChain.Enabled {
		opts = append(opts, retrieval.WithExpander(callchain.NewExpander(idx, b.logger)))
	}

	return pipeline.NewEngine(pipeline.EngineParams{
		Index:           idx,
		Retriever:       retrieval.New(idx, lexical.NewSearcher(idx), opts...),
		Gate:            b.gate,
		Retrieval:       b.cfg.Retrieval,
		SnapshotVersion: snap.Version,
		Logger:          b.logger,
	})
}

// vectorSearcher warms embeddings and binds a backend. Nil means vector
// search is unavailable for this engine.
func (b *engineBuilder) vectorSearcher(ctx context.Context, idx *index.SymbolIndex, snap *snapshot.Snapshot, embedder vector.Embedder) *vector.Searcher {
	res, err := b.warm(ctx, idx, snap, embedder)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("embedding warm-up failed, using lexical retrieval",
				slog.String("error", err.Error()))
		}
		return nil
	}
	backend, err := b.backend(ctx, idx, embedder.Model(), res.Vectors)
	if err != nil {
		b.logger.Warn("vector backend unavailable, using lexical retrieval",
			slog.String("error", err.Error()))
		return nil
	}
	return vector.NewSearcher(idx, backend, b.logger)
}
