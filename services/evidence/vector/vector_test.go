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
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/evidencegate/services/evidence/index"
	badgerstore "github.com/AleutianAI/evidencegate/services/evidence/storage/badger"
	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
)

// =============================================================================
// Helpers
// =============================================================================

func buildIndex(t *testing.T, params ...symbol.Params) *index.SymbolIndex {
	t.Helper()
	syms := make([]*symbol.Symbol, 0, len(params))
	for _, p := range params {
		if p.Kind == "" {
			p.Kind = symbol.KindMethod
		}
		if p.EndLine == 0 {
			p.EndLine = p.StartLine
		}
		s, err := symbol.New(p)
		require.NoError(t, err)
		syms = append(syms, s)
	}
	idx, err := index.Build(context.Background(), syms)
	require.NoError(t, err)
	return idx
}

func openTestDB(t *testing.T) *badgerstore.DB {
	t.Helper()
	db, err := badgerstore.OpenDB(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// keywordEmbedder maps text onto a fixed vocabulary, one dimension per word.
type keywordEmbedder struct {
	vocab []string
	calls atomic.Int32
	fail  func(texts []string) bool
}

func (e *keywordEmbedder) Model() string { return "keyword-test" }

func (e *keywordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.fail != nil && e.fail(texts) {
		return nil, ErrEmbeddingFailed
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, len(e.vocab))
		lower := strings.ToLower(text)
		for d, w := range e.vocab {
			v[d] = float32(strings.Count(lower, w))
		}
		out[i] = v
	}
	return out, nil
}

// =============================================================================
// Ollama embedder
// =============================================================================

func TestOllamaEmbedder_Embed(t *testing.T) {
	var got ollamaEmbedReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		resp := ollamaEmbedResp{}
		for range got.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{1, 2, 3})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{URL: srv.URL, Model: "m1"})
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, "m1", got.Model)
	assert.Equal(t, []string{"a", "b"}, got.Input)
	assert.Equal(t, "m1", e.Model())
}

func TestOllamaEmbedder_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{"))
		}},
		{"count mismatch", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResp{Embeddings: [][]float32{{1}}})
		}},
		{"empty vector", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResp{Embeddings: [][]float32{{}, {}}})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			e := NewOllamaEmbedder(OllamaConfig{URL: srv.URL})
			_, err := e.Embed(context.Background(), []string{"a", "b"})
			assert.ErrorIs(t, err, ErrEmbeddingFailed)
		})
	}
}

func TestOllamaEmbedder_Defaults(t *testing.T) {
	e := NewOllamaEmbedder(OllamaConfig{})
	assert.Equal(t, DefaultEmbeddingURL, e.url)
	assert.Equal(t, DefaultEmbeddingModel, e.Model())

	vecs, err := e.Embed(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestEmbedQuery_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{URL: srv.URL})
	start := time.Now()
	_, err := EmbedQuery(context.Background(), e, "q", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Less(t, time.Since(start), time.Second)

	_, err = EmbedQuery(context.Background(), nil, "q", 0)
	assert.ErrorIs(t, err, ErrVectorUnavailable)
}

// shortEmbedder returns fewer vectors than texts.
type shortEmbedder struct {
	keywordEmbedder
	drop func(texts []string) int
}

func (e *shortEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := e.keywordEmbedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	n := e.drop(texts)
	if n >= len(out) {
		return nil, nil
	}
	return out[:len(out)-n], nil
}

func TestEmbedQuery_ShortResponse(t *testing.T) {
	tests := []struct {
		name string
		emb  Embedder
	}{
		{"nil result", &shortEmbedder{drop: func(texts []string) int { return len(texts) }}},
		{"empty vector", &keywordEmbedder{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				v   []float32
				err error
			)
			assert.NotPanics(t, func() {
				v, err = EmbedQuery(context.Background(), tt.emb, "cache", time.Second)
			})
			assert.ErrorIs(t, err, ErrEmbeddingFailed)
			assert.Nil(t, v)
		})
	}
}

// =============================================================================
// Memory backend and searcher
// =============================================================================

func TestMemoryBackend_Search(t *testing.T) {
	b, err := NewMemoryBackend(map[string][]float32{
		"a": {1, 0},
		"b": {1, 1},
		"c": {0, 1},
		"z": {0, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, b.Len(), "zero vectors are skipped")
	assert.Equal(t, 2, b.Dims())

	matches, err := b.Search(context.Background(), []float32{1, 0}, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].SymbolID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
	assert.Equal(t, "b", matches[1].SymbolID)
	assert.InDelta(t, math.Sqrt2/2, matches[1].Score, 1e-6)

	_, err = b.Search(context.Background(), []float32{1, 0, 0}, 10, 0)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestNewMemoryBackend_DimensionMismatch(t *testing.T) {
	_, err := NewMemoryBackend(map[string][]float32{"a": {1, 0}, "b": {1, 0, 0}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSearcher_Unavailable(t *testing.T) {
	idx := buildIndex(t, symbol.Params{QualifiedName: "a.A", FilePath: "a.go", StartLine: 1, Text: "x"})

	s := NewSearcher(idx, nil, nil)
	assert.False(t, s.Available())
	res, err := s.Search(context.Background(), []float32{1}, 5, 0)
	require.NoError(t, err)
	assert.False(t, res.Available)

	empty, err := NewMemoryBackend(nil)
	require.NoError(t, err)
	s = NewSearcher(idx, empty, nil)
	assert.False(t, s.Available())
}

func TestSearcher_ExcludesSymbolsWithoutEmbedding(t *testing.T) {
	idx := buildIndex(t,
		symbol.Params{QualifiedName: "a.Embedded", FilePath: "a.go", StartLine: 1, Text: "x"},
		symbol.Params{QualifiedName: "a.Bare", FilePath: "a.go", StartLine: 5, Text: "y"},
	)
	embedded := symbol.MakeID("a.go", "a.Embedded", 1)

	b, err := NewMemoryBackend(map[string][]float32{
		embedded:      {1, 0},
		"stale:id:99": {1, 0},
	})
	require.NoError(t, err)
	s := NewSearcher(idx, b, nil)

	res, err := s.Search(context.Background(), []float32{3, 0}, 10, -1)
	require.NoError(t, err)
	assert.True(t, res.Available)
	assert.Equal(t, "memory", res.Backend)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, embedded, res.Hits[0].Symbol.ID)
}

func TestSearcher_MinScoreIsHardFloor(t *testing.T) {
	idx := buildIndex(t,
		symbol.Params{QualifiedName: "a.A", FilePath: "a.go", StartLine: 1, Text: "x"},
		symbol.Params{QualifiedName: "a.B", FilePath: "a.go", StartLine: 2, Text: "y"},
	)
	b, err := NewMemoryBackend(map[string][]float32{
		symbol.MakeID("a.go", "a.A", 1): {1, 0},
		symbol.MakeID("a.go", "a.B", 2): {0, 1},
	})
	require.NoError(t, err)
	s := NewSearcher(idx, b, nil)

	res, err := s.Search(context.Background(), []float32{0.1, 1}, 10, 0.9)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "a.B", res.Hits[0].Symbol.QualifiedName)

	res, err = s.Search(context.Background(), []float32{1, -1}, 10, 0.99)
	require.NoError(t, err)
	assert.True(t, res.Available, "available with zero hits")
	assert.Empty(t, res.Hits)
}

func TestSearcher_ZeroQuery(t *testing.T) {
	idx := buildIndex(t, symbol.Params{QualifiedName: "a.A", FilePath: "a.go", StartLine: 1, Text: "x"})
	b, err := NewMemoryBackend(map[string][]float32{symbol.MakeID("a.go", "a.A", 1): {1}})
	require.NoError(t, err)

	res, err := NewSearcher(idx, b, nil).Search(context.Background(), []float32{0}, 3, 0)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.True(t, res.Available)
}

// =============================================================================
// Badger store
// =============================================================================

func TestBadgerEmbeddingStore_RoundTrip(t *testing.T) {
	store := NewBadgerEmbeddingStore(openTestDB(t), time.Hour, nil)
	ctx := context.Background()

	_, err := store.Load(ctx, "fp", "m")
	assert.ErrorIs(t, err, ErrCacheMiss)

	want := map[string][]float32{"b": {0, 1}, "a": {1, 0}}
	require.NoError(t, store.Save(ctx, "fp", "m", want))

	got, err := store.Load(ctx, "fp", "m")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = store.Load(ctx, "fp", "other-model")
	assert.ErrorIs(t, err, ErrCacheMiss)

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fp", entries[0].Fingerprint)
	assert.Equal(t, "m", entries[0].Model)
	assert.Equal(t, 2, entries[0].Count)
	assert.Equal(t, 2, entries[0].Dims)
	assert.True(t, strings.HasPrefix(entries[0].Key, CacheKeyPrefix))
	assert.False(t, entries[0].ExpiresAt.IsZero())
}

func TestBadgerEmbeddingStore_SaveRejectsMixedDims(t *testing.T) {
	store := NewBadgerEmbeddingStore(openTestDB(t), 0, nil)
	err := store.Save(context.Background(), "fp", "m", map[string][]float32{"a": {1}, "b": {1, 2}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.NoError(t, store.Save(context.Background(), "fp", "m", nil))
}

// =============================================================================
// Warm
// =============================================================================

func warmIndex(t *testing.T) *index.SymbolIndex {
	return buildIndex(t,
		symbol.Params{QualifiedName: "auth.Login", FilePath: "auth.go", StartLine: 1, Text: "check password token"},
		symbol.Params{QualifiedName: "cache.Get", FilePath: "cache.go", StartLine: 1, Text: "lookup cache entry"},
		symbol.Params{QualifiedName: "cache.Put", FilePath: "cache.go", StartLine: 9, Text: "store cache entry"},
	)
}

func TestWarm_EmbedsAndCaches(t *testing.T) {
	idx := warmIndex(t)
	store := NewBadgerEmbeddingStore(openTestDB(t), time.Hour, nil)
	emb := &keywordEmbedder{vocab: []string{"password", "cache", "entry", "login"}}

	res, err := Warm(context.Background(), idx, emb, store, WarmConfig{Concurrency: 2, BatchSize: 2}, nil)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 3, res.Embedded)
	assert.Zero(t, res.Failed)
	assert.Equal(t, int32(2), emb.calls.Load())
	for _, v := range res.Vectors {
		assert.InDelta(t, 1.0, l2Norm(v), 1e-5)
	}

	again, err := Warm(context.Background(), idx, emb, store, WarmConfig{}, nil)
	require.NoError(t, err)
	assert.True(t, again.FromCache)
	assert.Equal(t, int32(2), emb.calls.Load(), "cache hit skips the embedder")
	assert.Len(t, again.Vectors, 3)
}

func TestWarm_PartialFailureDegrades(t *testing.T) {
	idx := warmIndex(t)
	emb := &keywordEmbedder{
		vocab: []string{"password", "cache"},
		fail:  func(texts []string) bool { return strings.Contains(texts[0], "auth.Login") },
	}

	res, err := Warm(context.Background(), idx, emb, nil, WarmConfig{BatchSize: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Embedded)
	assert.Equal(t, 1, res.Failed)
}

func TestWarm_ShortBatchCountsAsFailed(t *testing.T) {
	idx := warmIndex(t)
	emb := &shortEmbedder{
		keywordEmbedder: keywordEmbedder{vocab: []string{"password", "cache"}},
		drop: func(texts []string) int {
			if strings.Contains(texts[0], "auth.Login") {
				return 1
			}
			return 0
		},
	}

	var (
		res WarmResult
		err error
	)
	require.NotPanics(t, func() {
		res, err = Warm(context.Background(), idx, emb, nil, WarmConfig{BatchSize: 1}, nil)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Embedded)
	assert.Equal(t, 1, res.Failed)

	emb.drop = func(texts []string) int { return len(texts) }
	_, err = Warm(context.Background(), idx, emb, nil, WarmConfig{}, nil)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestWarm_AllFailed(t *testing.T) {
	idx := warmIndex(t)
	emb := &keywordEmbedder{fail: func([]string) bool { return true }}

	_, err := Warm(context.Background(), idx, emb, nil, WarmConfig{}, nil)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

// recordingEmbedder records every text it receives.
type recordingEmbedder struct {
	keywordEmbedder
	mu    sync.Mutex
	texts []string
}

func (e *recordingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.texts = append(e.texts, texts...)
	e.mu.Unlock()
	return e.keywordEmbedder.Embed(ctx, texts)
}

func TestWarm_ChunksLongSymbols(t *testing.T) {
	long := strings.Repeat("password hashing step\n", 4) + "\n" + strings.Repeat("cache write step\n", 4)
	idx := buildIndex(t,
		symbol.Params{QualifiedName: "auth.Save", FilePath: "auth.go", StartLine: 1, Text: long},
		symbol.Params{QualifiedName: "auth.Ok", FilePath: "auth.go", StartLine: 40, Text: "password"},
	)
	emb := &recordingEmbedder{keywordEmbedder: keywordEmbedder{vocab: []string{"password", "cache"}}}

	cfg := WarmConfig{MaxTextBytes: 80, Chunking: true, ChunkOverlap: 10, MaxChunks: 4}
	res, err := Warm(context.Background(), idx, emb, nil, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Embedded)

	chunked := 0
	for _, text := range emb.texts {
		assert.LessOrEqual(t, len(text), 80+len("auth.Save")+1)
		if strings.HasPrefix(text, "auth.Save") {
			chunked++
		}
	}
	assert.Greater(t, chunked, 1, "long symbol is split")
	assert.LessOrEqual(t, chunked, 4, "chunks are capped")

	var saveID string
	for sym := range idx.All() {
		if sym.QualifiedName == "auth.Save" {
			saveID = sym.ID
		}
	}
	v := res.Vectors[saveID]
	require.Len(t, v, 2)
	assert.Greater(t, v[0], float32(0), "password chunk contributes")
	assert.Greater(t, v[1], float32(0), "cache chunk contributes")
	assert.InDelta(t, 1.0, l2Norm(v), 1e-5)
}

func TestMeanVector(t *testing.T) {
	assert.Nil(t, meanVector(nil))
	assert.Equal(t, []float32{3, 4}, meanVector([][]float32{{3, 4}}))
	assert.Equal(t, []float32{0.5, 0.5}, meanVector([][]float32{{2, 0}, {0, 5}, {0, 0}, {1, 1, 1}}))
}

func TestWarm_ThenSearch(t *testing.T) {
	idx := warmIndex(t)
	emb := &keywordEmbedder{vocab: []string{"password", "cache", "entry"}}
	res, err := Warm(context.Background(), idx, emb, nil, WarmConfig{}, nil)
	require.NoError(t, err)

	b, err := NewMemoryBackend(res.Vectors)
	require.NoError(t, err)
	s := NewSearcher(idx, b, nil)

	q, err := EmbedQuery(context.Background(), emb, "cache entry", time.Second)
	require.NoError(t, err)
	out, err := s.Search(context.Background(), q, 2, 0.5)
	require.NoError(t, err)
	require.Len(t, out.Hits, 2)
	for _, h := range out.Hits {
		assert.Equal(t, "cache.go", h.Symbol.FilePath)
	}
	assert.Less(t, out.Hits[0].Symbol.ID, out.Hits[1].Symbol.ID, "equal scores tie by id")
}

// =============================================================================
// Weaviate response parsing
// =============================================================================

func TestParseNearVector(t *testing.T) {
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				"EvidenceSymbol": []interface{}{
					map[string]interface{}{
						"symbol_id":   "a.go:a.A:1",
						"_additional": map[string]interface{}{"distance": 0.1},
					},
					map[string]interface{}{
						"symbol_id":   "",
						"_additional": map[string]interface{}{"distance": 0.2},
					},
				},
			},
		},
	}
	matches, err := parseNearVector(resp, "EvidenceSymbol")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a.go:a.A:1", matches[0].SymbolID)
	assert.InDelta(t, 0.9, matches[0].Score, 1e-9)

	_, err = parseNearVector(&models.GraphQLResponse{
		Errors: []*models.GraphQLError{{Message: "no such class"}},
	}, "EvidenceSymbol")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such class")

	_, err = parseNearVector(nil, "x")
	assert.True(t, err != nil && !errors.Is(err, ErrCacheMiss))
}

func TestObjectID_Deterministic(t *testing.T) {
	assert.Equal(t, objectID("fp", "a"), objectID("fp", "a"))
	assert.NotEqual(t, objectID("fp", "a"), objectID("fp2", "a"))
}
