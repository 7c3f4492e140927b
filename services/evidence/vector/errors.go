// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vector implements semantic search over precomputed symbol
// embeddings.
//
// Everything here is optional. A run without an embedding index, an
// unreachable embedding service or a tripped Weaviate breaker all surface
// as "unavailable", and the retriever falls back to lexical search.
package vector

import "errors"

var (
	// ErrVectorUnavailable is returned when no vector backend can serve
	// a query.
	ErrVectorUnavailable = errors.New("vector search unavailable")

	// ErrEmbeddingFailed is returned when the embedding service fails or
	// returns an unusable response.
	ErrEmbeddingFailed = errors.New("embedding failed")

	// ErrDimensionMismatch is returned when a query vector does not match
	// the dimensionality of the indexed vectors.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrCacheMiss is returned by EmbeddingStore.Load when no entry exists
	// for the fingerprint and model.
	ErrCacheMiss = errors.New("embedding cache miss")
)
