// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.evidence.retrieval")

// =============================================================================
// Prometheus Metrics for Retrieval
// =============================================================================

var (
	// retrievalStrategyTotal counts retrievals by the strategy that produced
	// the primary hit set.
	// Labels: strategy (direct, vector, lexical, none)
	retrievalStrategyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "retrieval",
		Name:      "strategy_total",
		Help:      "Retrievals by primary strategy",
	}, []string{"strategy"})

	// retrievalFallbackTotal counts vector-to-lexical fallbacks.
	// Labels: reason (unavailable, embed_failed, search_failed, no_hits)
	retrievalFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "retrieval",
		Name:      "fallback_total",
		Help:      "Vector search fallbacks to lexical by reason",
	}, []string{"reason"})

	// retrievalChainHitsTotal counts symbols added by call-chain expansion.
	retrievalChainHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "retrieval",
		Name:      "chain_hits_total",
		Help:      "Symbols added to retrieval results by call-chain expansion",
	})
)
