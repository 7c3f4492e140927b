// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Quality Gate
// =============================================================================

var (
	// gateDecisionsTotal counts routed samples.
	// Labels: mode (gate, report), state (clean, rejected)
	gateDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Samples routed by the quality gate",
	}, []string{"mode", "state"})

	// gateRejectReasonsTotal counts rejection reasons. A sample rejected
	// for several reasons increments each.
	// Labels: reason (an error code)
	gateRejectReasonsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "gate",
		Name:      "reject_reasons_total",
		Help:      "Quality gate rejection reasons by code",
	}, []string{"reason"})

	// gateAutoFilledTotal counts auto-filled samples.
	// Labels: mode, state
	gateAutoFilledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evidence",
		Subsystem: "gate",
		Name:      "auto_filled_total",
		Help:      "Auto-filled samples seen by the quality gate",
	}, []string{"mode", "state"})
)
