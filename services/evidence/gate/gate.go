// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate routes validated samples to the clean or rejected stream.
//
// The mode is fixed per run and passed in explicitly; two gates with
// different modes can run side by side in one process.
package gate

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/evidencegate/services/evidence/validate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.evidence.gate")

// ReasonAutoFillRejected is the rejection reason for an auto-filled sample
// in gate mode. It is not a validation code: the verdict itself passed.
const ReasonAutoFillRejected = "AUTO_FILLED_REJECTED"

// State is a sample's routing state. pending moves to exactly one of the
// terminal states; there are no retries at this layer.
type State string

const (
	StatePending  State = "pending"
	StateClean    State = "clean"
	StateRejected State = "rejected"
)

// Decision is the routing outcome for one sample.
type Decision struct {
	SampleID string `json:"sample_id"`
	State    State  `json:"state"`

	// Reasons lists the error codes behind a rejection, plus
	// ReasonAutoFillRejected when that applied.
	Reasons []string `json:"reasons,omitempty"`

	// AutoFilled is preserved from the verdict for audit.
	AutoFilled bool `json:"auto_filled"`
}

// QualityGate turns verdicts into decisions and keeps the run tally.
//
// Thread Safety: Safe for concurrent use. The tally is the only mutable
// state and is updated atomically.
type QualityGate struct {
	cfg    Config
	tally  *Tally
	logger *slog.Logger
}

// New creates a gate.
//
// Outputs:
//   - *QualityGate: Ready to use.
//   - error: Wraps ErrInvalidMode for an unset or unknown mode.
func New(cfg Config, logger *slog.Logger) (*QualityGate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QualityGate{
		cfg:    cfg,
		tally:  newTally(),
		logger: logger.With(slog.String("component", "quality_gate"), slog.String("mode", string(cfg.Mode))),
	}, nil
}

// Mode returns the run mode.
func (g *QualityGate) Mode() Mode {
	return g.cfg.Mode
}

// Decide routes one sample and counts the decision in the tally.
func (g *QualityGate) Decide(ctx context.Context, sampleID string, v validate.Verdict) Decision {
	d := g.Route(ctx, sampleID, v)
	g.Count(d, v)
	return d
}

// Route decides one sample without counting it.
//
// Description:
//
//	A verdict that did not pass is rejected in both modes. An auto-filled
//	verdict is rejected in gate mode and accepted, flagged, in report
//	mode. Everything else is clean. Callers that may still abandon the
//	sample call Count only once its outcome is committed.
func (g *QualityGate) Route(ctx context.Context, sampleID string, v validate.Verdict) Decision {
	_, span := tracer.Start(ctx, "QualityGate.Route",
		trace.WithAttributes(
			attribute.String("gate.sample_id", sampleID),
			attribute.String("gate.mode", string(g.cfg.Mode)),
		),
	)
	defer span.End()

	d := Decision{SampleID: sampleID, State: StatePending, AutoFilled: v.AutoFilled}

	if !v.Passed {
		for _, code := range v.ErrorCodes() {
			d.Reasons = append(d.Reasons, string(code))
		}
	}
	if v.AutoFilled && g.cfg.Mode == ModeGate {
		d.Reasons = append(d.Reasons, ReasonAutoFillRejected)
	}

	if !v.Passed || (v.AutoFilled && g.cfg.Mode == ModeGate) {
		d.State = StateRejected
	} else {
		d.State = StateClean
	}
	span.SetAttributes(attribute.String("gate.state", string(d.State)))
	return d
}

// Count adds a routed decision to the tally and the gate metrics. A
// decision still pending is ignored.
func (g *QualityGate) Count(d Decision, v validate.Verdict) {
	if d.State != StateClean && d.State != StateRejected {
		return
	}
	g.tally.record(d, v)
	gateDecisionsTotal.WithLabelValues(string(g.cfg.Mode), string(d.State)).Inc()
	for _, r := range d.Reasons {
		gateRejectReasonsTotal.WithLabelValues(r).Inc()
	}
	if d.AutoFilled {
		gateAutoFilledTotal.WithLabelValues(string(g.cfg.Mode), string(d.State)).Inc()
	}
	if d.State == StateRejected {
		g.logger.Debug("sample rejected",
			slog.String("sample_id", d.SampleID),
			slog.Any("reasons", d.Reasons))
	}
}

// Tally returns the run tally.
func (g *QualityGate) Tally() *Tally {
	return g.tally
}

// Summary returns a snapshot of the run tally.
func (g *QualityGate) Summary() Summary {
	return g.tally.Summary(g.cfg.Mode)
}
