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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Embedder turns text into embedding vectors.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Model names the embedding model. Part of the cache key.
	Model() string
}

const (
	// DefaultEmbeddingURL is the Ollama embed endpoint used when none is configured.
	DefaultEmbeddingURL = "http://host.containers.internal:11434/api/embed"

	// DefaultEmbeddingModel is the embedding model used when none is configured.
	DefaultEmbeddingModel = "nomic-embed-text-v2-moe"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 512
)

// OllamaConfig configures an OllamaEmbedder.
type OllamaConfig struct {
	URL   string
	Model string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// RequestsPerSecond limits calls to the embedding service. Zero
	// disables limiting.
	RequestsPerSecond float64
	Burst             int

	Logger *slog.Logger
}

// DefaultOllamaConfig returns the defaults for a local Ollama.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		URL:               DefaultEmbeddingURL,
		Model:             DefaultEmbeddingModel,
		Timeout:           30 * time.Second,
		RequestsPerSecond: 20,
		Burst:             10,
	}
}

type ollamaEmbedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// OllamaEmbedder calls Ollama's /api/embed endpoint.
//
// Thread Safety: Safe for concurrent use. The limiter is shared across
// goroutines.
type OllamaEmbedder struct {
	url     string
	model   string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOllamaEmbedder creates an embedder. Empty fields take defaults.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	d := DefaultOllamaConfig()
	if cfg.URL == "" {
		cfg.URL = d.URL
	}
	if cfg.Model == "" {
		cfg.Model = d.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &OllamaEmbedder{
		url:     cfg.URL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  cfg.Logger.With(slog.String("component", "ollama_embedder")),
	}
}

// Model returns the configured model name.
func (e *OllamaEmbedder) Model() string {
	return e.model
}

// Embed sends texts in a single request.
//
// Outputs:
//   - [][]float32: One raw (not normalized) vector per text.
//   - error: Wraps ErrEmbeddingFailed on transport, status or shape errors.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "OllamaEmbedder.Embed")
	defer span.End()

	start := time.Now()
	vecs, err := e.embed(ctx, texts)
	recordEmbed(ctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return vecs, nil
}

func (e *OllamaEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrEmbeddingFailed, err)
	}

	body, err := json.Marshal(ollamaEmbedReq{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrEmbeddingFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out ollamaEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrEmbeddingFailed, err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrEmbeddingFailed, len(out.Embeddings), len(texts))
	}
	for i, v := range out.Embeddings {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at %d", ErrEmbeddingFailed, i)
		}
	}
	return out.Embeddings, nil
}

// =============================================================================
// Vector math
// =============================================================================

func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// normalize returns a unit-length copy of v, or nil for a zero vector.
func normalize(v []float32) []float32 {
	n := l2Norm(v)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
