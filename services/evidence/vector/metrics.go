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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutian.evidence.vector")
	meter  = otel.Meter("aleutian.evidence.vector")
)

var (
	searchLatency  metric.Float64Histogram
	searchTotal    metric.Int64Counter
	embedLatency   metric.Float64Histogram
	embedFailures  metric.Int64Counter
	cacheLookups   metric.Int64Counter
	warmEmbeddings metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		if searchLatency, err = meter.Float64Histogram(
			"evidence_vector_search_duration_seconds",
			metric.WithDescription("Duration of vector searches"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
		if searchTotal, err = meter.Int64Counter(
			"evidence_vector_search_total",
			metric.WithDescription("Vector searches by backend and outcome"),
		); err != nil {
			metricsErr = err
			return
		}
		if embedLatency, err = meter.Float64Histogram(
			"evidence_embed_duration_seconds",
			metric.WithDescription("Duration of embedding service calls"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
		if embedFailures, err = meter.Int64Counter(
			"evidence_embed_failures_total",
			metric.WithDescription("Failed embedding service calls"),
		); err != nil {
			metricsErr = err
			return
		}
		if cacheLookups, err = meter.Int64Counter(
			"evidence_embedding_cache_lookups_total",
			metric.WithDescription("Embedding cache lookups by result"),
		); err != nil {
			metricsErr = err
			return
		}
		if warmEmbeddings, err = meter.Int64Counter(
			"evidence_warm_embeddings_total",
			metric.WithDescription("Symbols embedded during warm-up by result"),
		); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordSearch(ctx context.Context, backend, outcome string, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("outcome", outcome),
	)
	searchLatency.Record(ctx, d.Seconds(), attrs)
	searchTotal.Add(ctx, 1, attrs)
}

func recordEmbed(ctx context.Context, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	embedLatency.Record(ctx, d.Seconds())
	if err != nil {
		embedFailures.Add(ctx, 1)
	}
}

func recordCacheLookup(ctx context.Context, hit bool) {
	if initMetrics() != nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func recordWarm(ctx context.Context, embedded, failed int) {
	if initMetrics() != nil {
		return
	}
	warmEmbeddings.Add(ctx, int64(embedded), metric.WithAttributes(attribute.String("result", "ok")))
	warmEmbeddings.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("result", "failed")))
}
