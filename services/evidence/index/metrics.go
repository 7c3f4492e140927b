// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.evidence.index")
	meter  = otel.Meter("aleutian.evidence.index")
)

var (
	buildLatency metric.Float64Histogram
	buildTotal   metric.Int64Counter
	indexSize    metric.Int64Gauge

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		buildLatency, err = meter.Float64Histogram(
			"evidence_index_build_duration_seconds",
			metric.WithDescription("Duration of symbol index builds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		buildTotal, err = meter.Int64Counter(
			"evidence_index_build_total",
			metric.WithDescription("Total number of symbol index builds"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		indexSize, err = meter.Int64Gauge(
			"evidence_index_size",
			metric.WithDescription("Number of symbols in the most recently built index"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startOperationSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "SymbolIndex."+operation,
		trace.WithAttributes(
			attribute.String("index.operation", operation),
		),
	)
}

func setOperationSpanResult(span trace.Span, resultCount int, success bool) {
	span.SetAttributes(
		attribute.Int("index.result_count", resultCount),
		attribute.Bool("index.success", success),
	)
}

// recordBuildMetrics records one Build call.
func recordBuildMetrics(ctx context.Context, duration time.Duration, size int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.Bool("success", success))
	buildLatency.Record(ctx, duration.Seconds(), attrs)
	buildTotal.Add(ctx, 1, attrs)
	if success {
		indexSize.Record(ctx, int64(size))
	}
}
