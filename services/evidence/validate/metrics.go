// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validate

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.evidence.validate")

var (
	verdictsTotal metric.Int64Counter
	issuesTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		if verdictsTotal, err = meter.Int64Counter(
			"evidence_validate_verdicts_total",
			metric.WithDescription("Validation verdicts by result"),
		); err != nil {
			metricsErr = err
			return
		}
		if issuesTotal, err = meter.Int64Counter(
			"evidence_validate_issues_total",
			metric.WithDescription("Validation issues by code and severity"),
		); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordVerdict(ctx context.Context, v Verdict) {
	if initMetrics() != nil {
		return
	}
	result := "failed"
	if v.Passed {
		result = "passed"
	}
	verdictsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	for _, is := range v.Errors {
		issuesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("code", string(is.Code)),
			attribute.String("severity", "error"),
		))
	}
	for _, is := range v.Warnings {
		issuesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("code", string(is.Code)),
			attribute.String("severity", "warning"),
		))
	}
}
