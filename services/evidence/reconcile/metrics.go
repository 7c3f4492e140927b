// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reconcile

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.evidence.reconcile")

var (
	resolutionsTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		resolutionsTotal, metricsErr = meter.Int64Counter(
			"evidence_reconcile_resolutions_total",
			metric.WithDescription("Reconciled references by resolution"),
		)
	})
	return metricsErr
}

func recordReconcile(ctx context.Context, out Outcome) {
	if initMetrics() != nil {
		return
	}
	counts := make(map[Resolution]int64, 4)
	for _, r := range out.Resolutions {
		counts[r]++
	}
	if out.AutoFillSuppressed {
		counts["auto_fill_suppressed"]++
	}
	for res, n := range counts {
		resolutionsTotal.Add(ctx, n, metric.WithAttributes(attribute.String("resolution", string(res))))
	}
}
