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
	"fmt"
	"log/slog"
	"sort"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	evweaviate "github.com/AleutianAI/evidencegate/services/evidence/weaviate"
)

// DefaultWeaviateClass is the class holding symbol vectors.
const DefaultWeaviateClass = "EvidenceSymbol"

// upsertBatchSize bounds objects per batch request.
const upsertBatchSize = 100

// symbolNamespace seeds deterministic object UUIDs.
var symbolNamespace = uuid.MustParse("6f1c1d2e-4b8a-5c36-9a57-3f0e2d9b7c41")

// WeaviateBackend searches symbol vectors stored in a Weaviate class.
//
// Objects carry the symbol id and the index fingerprint, so several
// snapshots can share one class; searches only see the backend's own
// fingerprint. Availability follows the client's circuit breaker.
//
// Thread Safety: Safe for concurrent use.
type WeaviateBackend struct {
	client      *evweaviate.Client
	class       string
	fingerprint string
	flag        *evweaviate.AvailabilityFlag
	logger      *slog.Logger
}

// NewWeaviateBackend binds client to class for one index fingerprint.
func NewWeaviateBackend(client *evweaviate.Client, class, fingerprint string, logger *slog.Logger) *WeaviateBackend {
	if class == "" {
		class = DefaultWeaviateClass
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &WeaviateBackend{
		client:      client,
		class:       class,
		fingerprint: fingerprint,
		flag:        &evweaviate.AvailabilityFlag{},
		logger:      logger.With(slog.String("component", "weaviate_backend")),
	}
	client.RegisterHandler(b.flag)
	return b
}

// Name returns "weaviate".
func (b *WeaviateBackend) Name() string { return "weaviate" }

// Available reports the circuit breaker's view of Weaviate.
func (b *WeaviateBackend) Available() bool { return b.flag.Available() }

// symbolClass returns the schema for the symbol vector class.
func symbolClass(name string) *models.Class {
	filterable := true
	return &models.Class{
		Class:       name,
		Description: "Precomputed symbol embeddings for evidence retrieval.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "symbol_id", DataType: []string{"text"}, IndexFilterable: &filterable},
			{Name: "fingerprint", DataType: []string{"text"}, IndexFilterable: &filterable},
			{Name: "model", DataType: []string{"text"}},
		},
	}
}

// EnsureClass creates the class if it does not exist.
func (b *WeaviateBackend) EnsureClass(ctx context.Context) error {
	return b.client.Execute(ctx, func(ctx context.Context) error {
		schema := b.client.Weaviate().Schema()
		if _, err := schema.ClassGetter().WithClassName(b.class).Do(ctx); err == nil {
			return nil
		}
		b.logger.Info("creating weaviate class", slog.String("class", b.class))
		if err := schema.ClassCreator().WithClass(symbolClass(b.class)).Do(ctx); err != nil {
			return fmt.Errorf("create class %s: %w", b.class, err)
		}
		return nil
	})
}

// Upsert writes unit vectors for symbols under the backend's fingerprint.
//
// Description:
//
//	Object ids are derived from fingerprint and symbol id, so re-running
//	warm-up overwrites rather than duplicates. Objects are sent in batches
//	of upsertBatchSize.
//
// Outputs:
//   - int: Objects written without a per-object error.
//   - error: First batch-level failure.
func (b *WeaviateBackend) Upsert(ctx context.Context, model string, vectors map[string][]float32) (int, error) {
	ids := make([]string, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	written := 0
	for start := 0; start < len(ids); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(ids))
		objects := make([]*models.Object, 0, end-start)
		for _, id := range ids[start:end] {
			objects = append(objects, &models.Object{
				Class:  b.class,
				ID:     objectID(b.fingerprint, id),
				Vector: vectors[id],
				Properties: map[string]interface{}{
					"symbol_id":   id,
					"fingerprint": b.fingerprint,
					"model":       model,
				},
			})
		}

		ok := 0
		err := b.client.Execute(ctx, func(ctx context.Context) error {
			resp, err := b.client.Weaviate().Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
			if err != nil {
				return err
			}
			ok = 0
			for _, obj := range resp {
				if obj.Result == nil || obj.Result.Errors == nil {
					ok++
				}
			}
			return nil
		})
		if err != nil {
			return written, fmt.Errorf("weaviate batch upsert: %w", err)
		}
		written += ok
	}
	return written, nil
}

// objectID derives a stable UUID for a symbol under a fingerprint.
func objectID(fingerprint, symbolID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(symbolNamespace, []byte(fingerprint+"\x00"+symbolID)).String())
}

// Search runs a nearVector query restricted to the backend's fingerprint.
//
// Weaviate reports cosine distance; score is 1 - distance, which equals
// cosine similarity for unit vectors.
func (b *WeaviateBackend) Search(ctx context.Context, query []float32, topK int, minScore float64) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}

	where := filters.Where().
		WithPath([]string{"fingerprint"}).
		WithOperator(filters.Equal).
		WithValueString(b.fingerprint)

	fields := []graphql.Field{
		{Name: "symbol_id"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	var resp *models.GraphQLResponse
	err := b.client.Execute(ctx, func(ctx context.Context) error {
		gql := b.client.Weaviate().GraphQL()
		var err error
		resp, err = gql.Get().
			WithClassName(b.class).
			WithFields(fields...).
			WithWhere(where).
			WithNearVector(gql.NearVectorArgBuilder().WithVector(query)).
			WithLimit(topK).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVectorUnavailable, err)
	}

	matches, err := parseNearVector(resp, b.class)
	if err != nil {
		return nil, err
	}

	kept := matches[:0]
	for _, m := range matches {
		if m.Score >= minScore {
			kept = append(kept, m)
		}
	}
	sortMatches(kept)
	if len(kept) > topK {
		kept = kept[:topK]
	}
	return kept, nil
}

type nearVectorHit struct {
	SymbolID   string `json:"symbol_id"`
	Additional struct {
		Distance *float64 `json:"distance"`
	} `json:"_additional"`
}

// parseNearVector decodes Get.<class> hits from a GraphQL response.
func parseNearVector(resp *models.GraphQLResponse, class string) ([]Match, error) {
	if resp == nil {
		return nil, errors.New("nil graphql response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("graphql: %s", resp.Errors[0].Message)
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql data: %w", err)
	}
	var data struct {
		Get map[string][]nearVectorHit `json:"Get"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode graphql data: %w", err)
	}

	hits := data.Get[class]
	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		if h.SymbolID == "" || h.Additional.Distance == nil {
			continue
		}
		matches = append(matches, Match{SymbolID: h.SymbolID, Score: 1 - *h.Additional.Distance})
	}
	return matches, nil
}
