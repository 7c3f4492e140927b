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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/evidencegate/services/evidence/storage/badger"
)

// =============================================================================
// Badger Embedding Store
// =============================================================================

const (
	// DefaultCacheTTL is how long a cached embedding set lives.
	DefaultCacheTTL = 7 * 24 * time.Hour

	// CacheKeyPrefix namespaces embedding entries. Bump the version when
	// the record layout changes; old entries then expire unread.
	CacheKeyPrefix = "evidence/emb/v1/"
)

// EmbeddingStore persists symbol embeddings between runs.
type EmbeddingStore interface {
	// Load returns vectors keyed by symbol id, or ErrCacheMiss.
	Load(ctx context.Context, fingerprint, model string) (map[string][]float32, error)

	// Save stores vectors keyed by symbol id.
	Save(ctx context.Context, fingerprint, model string, vectors map[string][]float32) error
}

// embeddingRecord is the gob layout of one cache entry. IDs and Vectors
// are parallel and sorted by id.
type embeddingRecord struct {
	Fingerprint string
	Model       string
	Dims        int
	IDs         []string
	Vectors     [][]float32
	CreatedAt   time.Time
}

// CacheEntry describes one stored embedding set.
type CacheEntry struct {
	Key         string
	Fingerprint string
	Model       string
	Count       int
	Dims        int
	CreatedAt   time.Time
	ExpiresAt   time.Time
	SizeBytes   int64
}

// BadgerEmbeddingStore keeps one gob record per (index fingerprint, model)
// pair, with a TTL.
//
// Thread Safety: Safe for concurrent use.
type BadgerEmbeddingStore struct {
	db     *badgerstore.DB
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewBadgerEmbeddingStore creates a store on db. ttl <= 0 uses
// DefaultCacheTTL.
func NewBadgerEmbeddingStore(db *badgerstore.DB, ttl time.Duration, logger *slog.Logger) *BadgerEmbeddingStore {
	if db == nil {
		panic("NewBadgerEmbeddingStore: db must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerEmbeddingStore{
		db:     db,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "embedding_store")),
		now:    time.Now,
	}
}

// Load reads the embedding set for fingerprint and model.
func (s *BadgerEmbeddingStore) Load(ctx context.Context, fingerprint, model string) (map[string][]float32, error) {
	key := CacheKey(fingerprint, model)

	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get cache key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, ErrCacheMiss) {
		recordCacheLookup(ctx, false)
		s.logger.Debug("embedding cache miss", slog.String("key", shortHash(string(key))))
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("embedding cache load: %w", err)
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("embedding cache decode: %w", err)
	}
	if rec.Fingerprint != fingerprint || rec.Model != model {
		// Key hash collision or a foreign writer. Treat as a miss.
		recordCacheLookup(ctx, false)
		return nil, ErrCacheMiss
	}

	recordCacheLookup(ctx, true)
	out := make(map[string][]float32, len(rec.IDs))
	for i, id := range rec.IDs {
		out[id] = rec.Vectors[i]
	}
	s.logger.Debug("embedding cache hit",
		slog.String("fingerprint", shortHash(fingerprint)),
		slog.Int("vectors", len(out)))
	return out, nil
}

// Save writes vectors for fingerprint and model, replacing any prior set.
// An empty map is a no-op.
func (s *BadgerEmbeddingStore) Save(ctx context.Context, fingerprint, model string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}

	rec := embeddingRecord{
		Fingerprint: fingerprint,
		Model:       model,
		IDs:         make([]string, 0, len(vectors)),
		Vectors:     make([][]float32, 0, len(vectors)),
		CreatedAt:   s.now().UTC(),
	}
	for id := range vectors {
		rec.IDs = append(rec.IDs, id)
	}
	sort.Strings(rec.IDs)
	for _, id := range rec.IDs {
		v := vectors[id]
		if rec.Dims == 0 {
			rec.Dims = len(v)
		} else if len(v) != rec.Dims {
			return fmt.Errorf("%w: %s has %d dims, expected %d", ErrDimensionMismatch, id, len(v), rec.Dims)
		}
		rec.Vectors = append(rec.Vectors, v)
	}

	raw, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("embedding cache encode: %w", err)
	}

	key := CacheKey(fingerprint, model)
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.SetEntry(dgbadger.NewEntry(key, raw).WithTTL(s.ttl))
	})
	if err != nil {
		return fmt.Errorf("embedding cache save: %w", err)
	}

	s.logger.Debug("embedding cache saved",
		slog.String("fingerprint", shortHash(fingerprint)),
		slog.Int("vectors", len(rec.IDs)),
		slog.Duration("ttl", s.ttl))
	return nil
}

// List describes every live entry under CacheKeyPrefix, in key order.
func (s *BadgerEmbeddingStore) List(ctx context.Context) ([]CacheEntry, error) {
	var entries []CacheEntry
	err := s.db.ScanPrefix(ctx, []byte(CacheKeyPrefix), func(item *dgbadger.Item) error {
		entry := CacheEntry{
			Key:       string(item.KeyCopy(nil)),
			SizeBytes: item.ValueSize(),
		}
		if exp := item.ExpiresAt(); exp > 0 {
			entry.ExpiresAt = time.Unix(int64(exp), 0).UTC()
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			s.logger.Warn("embedding cache: undecodable entry",
				slog.String("key", entry.Key),
				slog.String("error", err.Error()))
			entries = append(entries, entry)
			return nil
		}
		entry.Fingerprint = rec.Fingerprint
		entry.Model = rec.Model
		entry.Count = len(rec.IDs)
		entry.Dims = rec.Dims
		entry.CreatedAt = rec.CreatedAt
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache list: %w", err)
	}
	return entries, nil
}

// CacheKey returns the Badger key for fingerprint and model.
func CacheKey(fingerprint, model string) []byte {
	sum := sha256.Sum256([]byte(fingerprint + "\x00" + model))
	return []byte(CacheKeyPrefix + hex.EncodeToString(sum[:]))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12] + "..."
	}
	return h
}

func encodeRecord(rec embeddingRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (embeddingRecord, error) {
	var rec embeddingRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return embeddingRecord{}, fmt.Errorf("gob decode: %w", err)
	}
	if len(rec.IDs) != len(rec.Vectors) {
		return embeddingRecord{}, fmt.Errorf("corrupt record: %d ids, %d vectors", len(rec.IDs), len(rec.Vectors))
	}
	return rec, nil
}
