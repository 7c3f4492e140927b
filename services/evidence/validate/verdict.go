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
	"sort"

	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
)

// Code is a machine-readable issue code.
type Code string

const (
	// CodeUnresolved: the symbol id does not exist in the index. Fatal.
	CodeUnresolved Code = "EVIDENCE_UNRESOLVED"

	// CodeHashMismatch: the reference hash differs from the symbol's. Fatal.
	CodeHashMismatch Code = "EVIDENCE_HASH_MISMATCH"

	// CodePathMismatch: the reference path differs from the symbol's. Fatal.
	CodePathMismatch Code = "EVIDENCE_PATH_MISMATCH"

	// CodeLineOutOfRange: the line range is not inside the symbol. Fatal.
	CodeLineOutOfRange Code = "EVIDENCE_LINE_OUT_OF_RANGE"

	// CodeEmpty: no references and the sample is not tagged as having
	// no evidence available. Fatal.
	CodeEmpty Code = "EVIDENCE_EMPTY"

	// CodeAutoFillSuppressed: auto-fill applied but was not permitted. Fatal.
	CodeAutoFillSuppressed Code = "AUTO_FILL_SUPPRESSED"

	// CodeSnapshotMismatch: the symbol comes from another snapshot. Warning.
	CodeSnapshotMismatch Code = "SNAPSHOT_VERSION_MISMATCH"

	// CodeAutoFilled: the reference was synthesised. Warning.
	CodeAutoFilled Code = "EVIDENCE_AUTO_FILLED"

	// CodeMalformed: a proposed item could not be parsed. Warning.
	CodeMalformed Code = "EVIDENCE_MALFORMED"
)

// Check names used as keys of Verdict.Checks.
const (
	CheckExistence       = "existence"
	CheckHash            = "hash"
	CheckPath            = "path"
	CheckLineRange       = "line_range"
	CheckSnapshotVersion = "snapshot_version"
	CheckNonEmpty        = "non_empty"
	CheckAutoFill        = "auto_fill"
	CheckParse           = "parse"
)

// CheckOutcome is the result of one named check.
type CheckOutcome string

const (
	OutcomePass CheckOutcome = "pass"
	OutcomeWarn CheckOutcome = "warn"
	OutcomeFail CheckOutcome = "fail"
)

func (o CheckOutcome) rank() int {
	switch o {
	case OutcomeFail:
		return 2
	case OutcomeWarn:
		return 1
	default:
		return 0
	}
}

// Issue is one error or warning.
type Issue struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`

	// Reference is the offending reference, nil for sample-level issues.
	Reference *symbol.EvidenceReference `json:"reference,omitempty"`
}

// Verdict is the outcome of validating one sample's references.
//
// A Verdict is built once by Validate and must not be modified afterwards.
type Verdict struct {
	Passed     bool                    `json:"passed"`
	Errors     []Issue                 `json:"errors,omitempty"`
	Warnings   []Issue                 `json:"warnings,omitempty"`
	Checks     map[string]CheckOutcome `json:"checks"`
	AutoFilled bool                    `json:"auto_filled"`
}

// HasCode reports whether any error or warning carries code.
func (v Verdict) HasCode(code Code) bool {
	for _, is := range v.Errors {
		if is.Code == code {
			return true
		}
	}
	for _, is := range v.Warnings {
		if is.Code == code {
			return true
		}
	}
	return false
}

// ErrorCodes returns the distinct error codes, sorted.
func (v Verdict) ErrorCodes() []Code {
	return distinctCodes(v.Errors)
}

// WarningCodes returns the distinct warning codes, sorted.
func (v Verdict) WarningCodes() []Code {
	return distinctCodes(v.Warnings)
}

func distinctCodes(issues []Issue) []Code {
	if len(issues) == 0 {
		return nil
	}
	seen := make(map[Code]struct{}, len(issues))
	out := make([]Code, 0, len(issues))
	for _, is := range issues {
		if _, ok := seen[is.Code]; ok {
			continue
		}
		seen[is.Code] = struct{}{}
		out = append(out, is.Code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// builder accumulates a verdict. Checks only ever get worse.
type builder struct {
	v Verdict
}

func newBuilder() *builder {
	return &builder{v: Verdict{Checks: make(map[string]CheckOutcome, 8)}}
}

func (b *builder) mark(check string, o CheckOutcome) {
	if cur, ok := b.v.Checks[check]; ok && cur.rank() >= o.rank() {
		return
	}
	b.v.Checks[check] = o
}

func (b *builder) fail(check string, code Code, msg string, ref *symbol.EvidenceReference) {
	b.mark(check, OutcomeFail)
	b.v.Errors = append(b.v.Errors, Issue{Code: code, Message: msg, Reference: ref})
}

func (b *builder) warn(check string, code Code, msg string, ref *symbol.EvidenceReference) {
	b.mark(check, OutcomeWarn)
	b.v.Warnings = append(b.v.Warnings, Issue{Code: code, Message: msg, Reference: ref})
}
