// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validate checks canonical evidence references against the index
// and produces a structured verdict.
//
// Every check is independent and every failure is recorded; nothing here
// returns an error or stops at the first problem. Per-sample problems are
// data, not exceptions.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/AleutianAI/evidencegate/services/evidence/index"
	"github.com/AleutianAI/evidencegate/services/evidence/reconcile"
	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.evidence.validate")

// NoEvidenceTag marks a sample whose generator legitimately had nothing to
// cite. Such a sample may pass with zero references.
const NoEvidenceTag = "no_evidence_available"

// Meta carries sample-level facts the checks depend on.
type Meta struct {
	Tags []string

	// AutoFilled and AutoFillSuppressed come from reconciliation.
	AutoFilled         bool
	AutoFillSuppressed bool

	// Malformed lists proposed items that failed to parse.
	Malformed []*reconcile.ParseError
}

// MetaFrom builds Meta from a reconciliation outcome.
func MetaFrom(out reconcile.Outcome, malformed []*reconcile.ParseError, tags []string) Meta {
	return Meta{
		Tags:               tags,
		AutoFilled:         out.AutoFilled,
		AutoFillSuppressed: out.AutoFillSuppressed,
		Malformed:          malformed,
	}
}

func (m Meta) noEvidence() bool {
	return slices.Contains(m.Tags, NoEvidenceTag)
}

// Validator runs the evidence checks.
//
// Thread Safety: Stateless. Safe for concurrent use.
type Validator struct {
	logger *slog.Logger
}

// New creates a Validator.
func New(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger.With(slog.String("component", "validator"))}
}

// Validate checks refs and returns a fresh verdict.
//
// Description:
//
//	Per reference:
//	  - existence: the id resolves. Fatal; the remaining checks are
//	    skipped for that reference.
//	  - hash: content hash equals the symbol's. Fatal.
//	  - path: file path equals the symbol's. Fatal.
//	  - line_range: the range lies within the symbol. Fatal.
//	  - snapshot_version: the symbol's version equals
//	    expectedSnapshotVersion. Warning only; skipped when empty.
//
//	Per sample:
//	  - non_empty: at least one reference, unless tagged NoEvidenceTag.
//	  - auto_fill: warn when auto-filled, fail when suppressed.
//	  - parse: warn per malformed proposed item.
//
//	Passed is true when there are no fatal issues and refs is non-empty
//	or the sample is tagged NoEvidenceTag.
//
// Inputs:
//   - ctx: Context for tracing.
//   - refs: Canonical references from reconciliation.
//   - idx: The index of this run.
//   - expectedSnapshotVersion: Snapshot the run is pinned to.
//   - meta: Sample-level facts.
//
// Outputs:
//   - Verdict: Never nil maps; safe to serialise directly.
func (v *Validator) Validate(ctx context.Context, refs []symbol.EvidenceReference, idx *index.SymbolIndex, expectedSnapshotVersion string, meta Meta) Verdict {
	ctx, span := tracer.Start(ctx, "Validator.Validate",
		trace.WithAttributes(attribute.Int("validate.refs", len(refs))),
	)
	defer span.End()

	b := newBuilder()

	for i := range refs {
		ref := refs[i]
		checkReference(b, &ref, idx, expectedSnapshotVersion)
	}

	switch {
	case len(refs) > 0:
		b.mark(CheckNonEmpty, OutcomePass)
	case meta.noEvidence():
		b.mark(CheckNonEmpty, OutcomePass)
	default:
		b.fail(CheckNonEmpty, CodeEmpty, "no evidence references", nil)
	}

	switch {
	case meta.AutoFillSuppressed:
		b.fail(CheckAutoFill, CodeAutoFillSuppressed,
			"no evidence cited; auto-fill from the single candidate is not permitted in this mode", nil)
	case meta.AutoFilled:
		b.v.AutoFilled = true
		var ref *symbol.EvidenceReference
		if len(refs) > 0 {
			r := refs[0]
			ref = &r
		}
		b.warn(CheckAutoFill, CodeAutoFilled, "reference synthesised from the single candidate", ref)
	default:
		b.mark(CheckAutoFill, OutcomePass)
	}

	if len(meta.Malformed) > 0 {
		for _, pe := range meta.Malformed {
			b.warn(CheckParse, CodeMalformed, pe.Error(), nil)
		}
	} else {
		b.mark(CheckParse, OutcomePass)
	}

	b.v.Passed = len(b.v.Errors) == 0
	verdict := b.v

	recordVerdict(ctx, verdict)
	span.SetAttributes(
		attribute.Bool("validate.passed", verdict.Passed),
		attribute.Int("validate.errors", len(verdict.Errors)),
		attribute.Int("validate.warnings", len(verdict.Warnings)),
	)
	if !verdict.Passed {
		v.logger.Debug("evidence failed validation",
			slog.Int("errors", len(verdict.Errors)),
			slog.Any("codes", verdict.ErrorCodes()))
	}
	return verdict
}

func checkReference(b *builder, ref *symbol.EvidenceReference, idx *index.SymbolIndex, expected string) {
	sym, ok := idx.Get(ref.SymbolID)
	if !ok {
		b.fail(CheckExistence, CodeUnresolved,
			fmt.Sprintf("symbol %q not found in index", ref.SymbolID), ref)
		return
	}
	b.mark(CheckExistence, OutcomePass)

	if ref.ContentHash != sym.ContentHash {
		b.fail(CheckHash, CodeHashMismatch,
			fmt.Sprintf("content hash %s does not match symbol hash %s", short(ref.ContentHash), short(sym.ContentHash)), ref)
	} else {
		b.mark(CheckHash, OutcomePass)
	}

	if ref.FilePath != sym.FilePath {
		b.fail(CheckPath, CodePathMismatch,
			fmt.Sprintf("file path %q does not match symbol path %q", ref.FilePath, sym.FilePath), ref)
	} else {
		b.mark(CheckPath, OutcomePass)
	}

	if !ref.WithinSymbol(sym) {
		b.fail(CheckLineRange, CodeLineOutOfRange,
			fmt.Sprintf("lines %d-%d are outside symbol lines %d-%d",
				ref.StartLine, ref.EndLine, sym.StartLine, sym.EndLine), ref)
	} else {
		b.mark(CheckLineRange, OutcomePass)
	}

	if expected != "" && sym.SnapshotVersion != expected {
		b.warn(CheckSnapshotVersion, CodeSnapshotMismatch,
			fmt.Sprintf("symbol snapshot %q, run snapshot %q", sym.SnapshotVersion, expected), ref)
	} else {
		b.mark(CheckSnapshotVersion, OutcomePass)
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	if hash == "" {
		return "(empty)"
	}
	return hash
}
