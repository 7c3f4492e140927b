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
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/evidencegate/services/evidence/storage/badger"
)

// ErrNotCached is returned by Store.Load for an unknown key.
var ErrNotCached = errors.New("snapshot not cached")

// BadgerDB key layout for cached snapshots.
const (
	keyPrefixSnap = "evidence/snap/v1/"
	keySuffixData = "/data"
	keySuffixMeta = "/meta"
)

// CacheMeta describes one cached snapshot.
type CacheMeta struct {
	Key            string `json:"key"`
	Location       string `json:"location"`
	Generation     int64  `json:"generation"`
	Version        string `json:"version"`
	SymbolCount    int    `json:"symbol_count"`
	EmbeddingCount int    `json:"embedding_count"`
	CompressedSize int64  `json:"compressed_size"`

	// ContentHash is the SHA-256 of the compressed payload, checked on load.
	ContentHash    string `json:"content_hash"`
	CreatedAtMilli int64  `json:"created_at_milli"`
}

// Store caches parsed snapshots in BadgerDB as gzip-compressed JSON Lines.
//
// Key Schema:
//
//	evidence/snap/v1/{key}/data -> gzip(JSONL(Record))
//	evidence/snap/v1/{key}/meta -> JSON(CacheMeta)
//
// Thread Safety: Safe for concurrent use. BadgerDB handles its own
// concurrency control.
type Store struct {
	db     *badgerstore.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a snapshot cache over db.
func NewStore(db *badgerstore.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "snapshot_store")),
		now:    time.Now,
	}
}

// CacheKey derives the cache key of a remote snapshot generation. Options
// that change the parsed result are part of the key.
func CacheKey(location string, generation int64, opts ReadOptions) string {
	raw := location + "\x00" + strconv.FormatInt(generation, 10) +
		"\x00" + opts.DefaultVersion + "\x00" + strconv.Itoa(opts.MaxTextBytes)
	return hashBytes([]byte(raw))[:16]
}

// Save stores snap under key.
func (s *Store) Save(ctx context.Context, key, location string, generation int64, snap *Snapshot) (*CacheMeta, error) {
	var compressed bytes.Buffer
	gw, err := gzip.NewWriterLevel(&compressed, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	enc := json.NewEncoder(gw)
	for _, sym := range snap.Symbols {
		rec := RecordFor(sym)
		rec.Embedding = snap.Embeddings[sym.ID]
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encoding %s: %w", sym.ID, err)
		}
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	data := compressed.Bytes()

	meta := &CacheMeta{
		Key:            key,
		Location:       location,
		Generation:     generation,
		Version:        snap.Version,
		SymbolCount:    len(snap.Symbols),
		EmbeddingCount: len(snap.Embeddings),
		CompressedSize: int64(len(data)),
		ContentHash:    hashBytes(data),
		CreatedAtMilli: s.now().UnixMilli(),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := txn.Set(dataKey(key), data); err != nil {
			return fmt.Errorf("storing data: %w", err)
		}
		if err := txn.Set(metaKey(key), metaJSON); err != nil {
			return fmt.Errorf("storing metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("writing snapshot to badger: %w", err)
	}

	s.logger.Info("snapshot cached",
		slog.String("key", key),
		slog.String("location", location),
		slog.Int("symbols", meta.SymbolCount),
		slog.Int64("compressed_size", meta.CompressedSize))
	return meta, nil
}

// Load returns the snapshot cached under key.
//
// Outputs:
//   - error: ErrNotCached for an unknown key; an integrity error when the
//     payload hash does not match its metadata.
func (s *Store) Load(ctx context.Context, key string) (*Snapshot, error) {
	var data, metaJSON []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(metaKey(key))
		if err != nil {
			return err
		}
		if metaJSON, err = item.ValueCopy(nil); err != nil {
			return err
		}
		item, err = txn.Get(dataKey(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", key, err)
	}

	var meta CacheMeta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata for %s: %w", key, err)
	}
	if actual := hashBytes(data); meta.ContentHash != "" && meta.ContentHash != actual {
		return nil, fmt.Errorf("integrity check failed for %s: expected hash %s, got %s", key, meta.ContentHash, actual)
	}

	snap, err := Read(ctx, bytes.NewReader(data), ReadOptions{DefaultVersion: meta.Version})
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", key, err)
	}
	snap.Version = meta.Version
	return snap, nil
}

// List returns metadata of every cached snapshot, newest first.
func (s *Store) List(ctx context.Context) ([]CacheMeta, error) {
	var out []CacheMeta
	err := s.db.ScanPrefix(ctx, []byte(keyPrefixSnap), func(item *dgbadger.Item) error {
		if !strings.HasSuffix(string(item.Key()), keySuffixMeta) {
			return nil
		}
		var meta CacheMeta
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		}); err != nil {
			s.logger.Warn("skipping corrupt snapshot metadata",
				slog.String("key", string(item.Key())),
				slog.String("error", err.Error()))
			return nil
		}
		out = append(out, meta)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAtMilli > out[j].CreatedAtMilli })
	return out, nil
}

// Delete removes a cached snapshot. Deleting an unknown key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := txn.Delete(dataKey(key)); err != nil {
			return fmt.Errorf("deleting data: %w", err)
		}
		if err := txn.Delete(metaKey(key)); err != nil {
			return fmt.Errorf("deleting metadata: %w", err)
		}
		return nil
	})
}

func dataKey(key string) []byte { return []byte(keyPrefixSnap + key + keySuffixData) }
func metaKey(key string) []byte { return []byte(keyPrefixSnap + key + keySuffixMeta) }

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
