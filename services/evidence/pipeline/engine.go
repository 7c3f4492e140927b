// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs samples through retrieval, reconciliation,
// validation and the quality gate.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/evidencegate/services/evidence/gate"
	"github.com/AleutianAI/evidencegate/services/evidence/index"
	"github.com/AleutianAI/evidencegate/services/evidence/reconcile"
	"github.com/AleutianAI/evidencegate/services/evidence/retrieval"
	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
	"github.com/AleutianAI/evidencegate/services/evidence/validate"
)

var tracer = otel.Tracer("aleutian.evidence.pipeline")

// ErrIncompleteEngine is returned by NewEngine when a component is missing.
var ErrIncompleteEngine = errors.New("incomplete engine")

// ErrAbandoned is returned for a sample whose context ended before it was
// decided. Nothing about the sample is tallied.
var ErrAbandoned = errors.New("sample abandoned")

// EngineParams are the components of an Engine.
type EngineParams struct {
	Index      *index.SymbolIndex
	Retriever  *retrieval.Retriever
	Reconciler *reconcile.Reconciler
	Validator  *validate.Validator
	Gate       *gate.QualityGate

	// Retrieval is applied to every sample.
	Retrieval retrieval.Config

	// SnapshotVersion pins the run. Empty uses the index's version.
	SnapshotVersion string

	Logger *slog.Logger
}

// Engine processes one sample at a time over one immutable snapshot.
//
// Thread Safety: Safe for concurrent use. The gate tally is the only
// shared mutable state.
type Engine struct {
	idx        *index.SymbolIndex
	retriever  *retrieval.Retriever
	reconciler *reconcile.Reconciler
	validator  *validate.Validator
	gate       *gate.QualityGate
	retrieval  retrieval.Config
	version    string
	logger     *slog.Logger
}

// NewEngine assembles an Engine.
//
// Outputs:
//   - *Engine: Ready to use.
//   - error: ErrIncompleteEngine when a component is nil.
func NewEngine(p EngineParams) (*Engine, error) {
	switch {
	case p.Index == nil:
		return nil, fmt.Errorf("%w: index is nil", ErrIncompleteEngine)
	case p.Retriever == nil:
		return nil, fmt.Errorf("%w: retriever is nil", ErrIncompleteEngine)
	case p.Gate == nil:
		return nil, fmt.Errorf("%w: gate is nil", ErrIncompleteEngine)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := p.Reconciler
	if rec == nil {
		rec = reconcile.New(p.Index, logger)
	}
	val := p.Validator
	if val == nil {
		val = validate.New(logger)
	}
	version := p.SnapshotVersion
	if version == "" {
		version = p.Index.SnapshotVersion()
	}
	return &Engine{
		idx:        p.Index,
		retriever:  p.Retriever,
		reconciler: rec,
		validator:  val,
		gate:       p.Gate,
		retrieval:  p.Retrieval,
		version:    version,
		logger:     logger.With(slog.String("component", "engine")),
	}, nil
}

// Index returns the engine's index.
func (e *Engine) Index() *index.SymbolIndex { return e.idx }

// Gate returns the engine's quality gate.
func (e *Engine) Gate() *gate.QualityGate { return e.gate }

// SnapshotVersion returns the version the run is pinned to.
func (e *Engine) SnapshotVersion() string { return e.version }

// RetrievalConfig returns the per-sample retrieval settings.
func (e *Engine) RetrievalConfig() retrieval.Config { return e.retrieval }

// Retrieve runs retrieval alone.
func (e *Engine) Retrieve(ctx context.Context, query string, callerEvidence []symbol.EvidenceReference, cfg retrieval.Config) retrieval.Result {
	return e.retriever.Retrieve(ctx, query, callerEvidence, cfg)
}

// RetrievedRef is one pool entry as written to the output streams.
type RetrievedRef struct {
	SymbolID string        `json:"symbol_id"`
	Score    float64       `json:"score"`
	Via      retrieval.Via `json:"via"`
}

// Record is the full outcome of one sample.
type Record struct {
	SampleID string `json:"sample_id"`
	Query    string `json:"query"`

	State   gate.State `json:"state"`
	Reasons []string   `json:"reasons,omitempty"`

	Strategy       retrieval.Via  `json:"strategy"`
	Degraded       bool           `json:"degraded,omitempty"`
	DegradedReason string         `json:"degraded_reason,omitempty"`
	Retrieved      []RetrievedRef `json:"retrieved"`

	// Evidence is the reconciled evidence that was validated.
	Evidence    []symbol.EvidenceReference `json:"evidence"`
	Resolutions []reconcile.Resolution     `json:"resolutions,omitempty"`

	Verdict validate.Verdict `json:"verdict"`
	Tags    []string         `json:"tags,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// Process runs one sample end to end and counts it in the gate tally.
//
// Outputs:
//   - Record: Routed to clean or rejected.
//   - error: Wraps ErrAbandoned and ctx.Err() when ctx ended first. The
//     tally is untouched in that case.
func (e *Engine) Process(ctx context.Context, s Sample) (Record, error) {
	rec, err := e.Evaluate(ctx, s)
	if err != nil {
		return Record{}, err
	}
	e.Commit(rec)
	return rec, nil
}

// Evaluate runs one sample end to end without counting it.
//
// Description:
//
//	Retrieval builds the candidate pool. When the sample carries a
//	proposal, its items are parsed one by one, reconciled against the
//	pool under the gate mode's auto-fill policy, and validated. When
//	every proposed item is malformed, auto-fill is disabled: the
//	generator did cite, just not parseably. A sample without a proposal
//	has its retrieved pool validated as its evidence.
//
//	A cancelled ctx makes retrieval come back empty, which would
//	otherwise validate as EVIDENCE_EMPTY. ctx is checked after retrieval
//	and again before routing, and an ended ctx abandons the sample.
//
// Inputs:
//   - ctx: Cancels retrieval I/O.
//   - s: The sample. Its ID must be set.
//
// Outputs:
//   - Record: Routed but not yet counted. Pass it to Commit.
//   - error: Wraps ErrAbandoned and ctx.Err().
func (e *Engine) Evaluate(ctx context.Context, s Sample) (Record, error) {
	ctx, span := tracer.Start(ctx, "Engine.Evaluate",
		trace.WithAttributes(
			attribute.String("pipeline.sample_id", s.ID),
			attribute.Bool("pipeline.has_proposal", s.HasProposal()),
		),
	)
	defer span.End()

	res := e.retriever.Retrieve(ctx, s.Query, s.CallerEvidence, e.retrieval)
	if err := ctx.Err(); err != nil {
		return Record{}, e.abandon(span, s.ID, err)
	}
	pool := res.Symbols()

	var (
		out       reconcile.Outcome
		malformed []*reconcile.ParseError
	)
	if s.HasProposal() {
		var items []reconcile.PartialEvidence
		items, malformed = reconcile.ParseAll(s.Proposed)
		policy := e.gate.Mode().AutoFillPolicy()
		if len(items) == 0 && len(malformed) > 0 {
			policy = reconcile.AutoFillDisabled
		}
		out = e.reconciler.Reconcile(ctx, items, pool, policy)
	} else {
		out = poolOutcome(pool)
	}

	verdict := e.validator.Validate(ctx, out.Refs, e.idx, e.version,
		validate.MetaFrom(out, malformed, s.Tags))
	if err := ctx.Err(); err != nil {
		return Record{}, e.abandon(span, s.ID, err)
	}
	decision := e.gate.Route(ctx, s.ID, verdict)

	span.SetAttributes(
		attribute.String("pipeline.strategy", string(res.Strategy)),
		attribute.String("pipeline.state", string(decision.State)),
	)
	if res.Degraded {
		e.logger.Warn("retrieval degraded to lexical",
			slog.String("sample_id", s.ID),
			slog.String("reason", res.DegradedReason))
	}

	retrieved := make([]RetrievedRef, len(res.Hits))
	for i, h := range res.Hits {
		retrieved[i] = RetrievedRef{SymbolID: h.Symbol.ID, Score: h.Score, Via: h.Via}
	}
	return Record{
		SampleID:       s.ID,
		Query:          s.Query,
		State:          decision.State,
		Reasons:        decision.Reasons,
		Strategy:       res.Strategy,
		Degraded:       res.Degraded,
		DegradedReason: res.DegradedReason,
		Retrieved:      retrieved,
		Evidence:       out.Refs,
		Resolutions:    out.Resolutions,
		Verdict:        verdict,
		Tags:           s.Tags,
		Payload:        s.Payload,
	}, nil
}

// Commit counts an evaluated record in the gate tally.
func (e *Engine) Commit(rec Record) {
	e.gate.Count(gate.Decision{
		SampleID:   rec.SampleID,
		State:      rec.State,
		Reasons:    rec.Reasons,
		AutoFilled: rec.Verdict.AutoFilled,
	}, rec.Verdict)
}

func (e *Engine) abandon(span trace.Span, sampleID string, cause error) error {
	span.SetAttributes(attribute.Bool("pipeline.abandoned", true))
	e.logger.Debug("sample abandoned",
		slog.String("sample_id", sampleID),
		slog.String("error", cause.Error()))
	return fmt.Errorf("%w: %w", ErrAbandoned, cause)
}

// Check validates an already reconciled evidence list. It does not touch
// the gate tally.
func (e *Engine) Check(ctx context.Context, refs []symbol.EvidenceReference, tags []string) validate.Verdict {
	return e.validator.Validate(ctx, refs, e.idx, e.version, validate.Meta{Tags: tags})
}

// poolOutcome treats the retrieved pool as exact evidence.
func poolOutcome(pool []*symbol.Symbol) reconcile.Outcome {
	out := reconcile.Outcome{
		Refs:        make([]symbol.EvidenceReference, len(pool)),
		Resolutions: make([]reconcile.Resolution, len(pool)),
	}
	for i, sym := range pool {
		out.Refs[i] = symbol.ReferenceFor(sym)
		out.Resolutions[i] = reconcile.ResolvedExact
	}
	return out
}
