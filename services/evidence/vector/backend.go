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
	"slices"
	"sort"
)

// Match is one backend result: a symbol id and its cosine similarity.
type Match struct {
	SymbolID string
	Score    float64
}

// Backend answers nearest-neighbour queries over symbol embeddings.
//
// Backends only hold vectors for symbols that have one; a symbol without
// an embedding can never be returned.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Available reports whether the backend can currently serve queries.
	Available() bool

	// Search returns up to topK matches with Score >= minScore, sorted by
	// score descending then id ascending. query is unit length.
	Search(ctx context.Context, query []float32, topK int, minScore float64) ([]Match, error)
}

// MemoryBackend is a brute-force cosine index held in memory.
//
// Thread Safety: Immutable after NewMemoryBackend. Safe for concurrent use.
type MemoryBackend struct {
	ids     []string
	vectors [][]float32
	dims    int
}

// NewMemoryBackend normalizes and indexes vectors keyed by symbol id.
//
// Description:
//
//	Zero vectors are skipped. All remaining vectors must share one
//	dimensionality.
//
// Outputs:
//   - *MemoryBackend: The index. Empty input gives an unavailable backend.
//   - error: Wraps ErrDimensionMismatch on inconsistent dimensions.
func NewMemoryBackend(vectors map[string][]float32) (*MemoryBackend, error) {
	ids := make([]string, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	b := &MemoryBackend{
		ids:     make([]string, 0, len(ids)),
		vectors: make([][]float32, 0, len(ids)),
	}
	for _, id := range ids {
		unit := normalize(vectors[id])
		if unit == nil {
			continue
		}
		if b.dims == 0 {
			b.dims = len(unit)
		} else if len(unit) != b.dims {
			return nil, fmt.Errorf("%w: %s has %d dims, expected %d", ErrDimensionMismatch, id, len(unit), b.dims)
		}
		b.ids = append(b.ids, id)
		b.vectors = append(b.vectors, unit)
	}
	return b, nil
}

// Name returns "memory".
func (b *MemoryBackend) Name() string { return "memory" }

// Available reports whether any vector is indexed.
func (b *MemoryBackend) Available() bool { return len(b.ids) > 0 }

// Len returns the number of indexed vectors.
func (b *MemoryBackend) Len() int { return len(b.ids) }

// Dims returns the vector dimensionality, 0 when empty.
func (b *MemoryBackend) Dims() int { return b.dims }

// Search scans every vector.
func (b *MemoryBackend) Search(ctx context.Context, query []float32, topK int, minScore float64) ([]Match, error) {
	if topK <= 0 || len(b.ids) == 0 {
		return nil, nil
	}
	if len(query) != b.dims {
		return nil, fmt.Errorf("%w: query has %d dims, index has %d", ErrDimensionMismatch, len(query), b.dims)
	}

	matches := make([]Match, 0, topK)
	for i, v := range b.vectors {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		score := dot(query, v)
		if score >= minScore {
			matches = append(matches, Match{SymbolID: b.ids[i], Score: score})
		}
	}
	sortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Vectors returns a copy of the indexed unit vectors keyed by id.
func (b *MemoryBackend) Vectors() map[string][]float32 {
	out := make(map[string][]float32, len(b.ids))
	for i, id := range b.ids {
		out[id] = slices.Clone(b.vectors[i])
	}
	return out
}

func sortMatches(m []Match) {
	sort.SliceStable(m, func(i, j int) bool {
		if m[i].Score != m[j].Score {
			return m[i].Score > m[j].Score
		}
		return m[i].SymbolID < m[j].SymbolID
	})
}
