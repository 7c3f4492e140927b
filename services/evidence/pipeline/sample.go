// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/AleutianAI/evidencegate/services/evidence/index"
	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
)

// ErrInvalidSample is wrapped by every sample decoding failure.
var ErrInvalidSample = errors.New("invalid sample")

const maxSampleLineBytes = 8 << 20

// Sample is one unit of work: a query, optionally with evidence the caller
// already holds, and optionally the generator's proposed evidence.
type Sample struct {
	// ID is assigned a random UUID when empty.
	ID    string `json:"id"`
	Query string `json:"query"`

	// CallerEvidence short-circuits retrieval when every reference
	// resolves.
	CallerEvidence []symbol.EvidenceReference `json:"caller_evidence,omitempty"`

	// Proposed is the generator's evidence list, kept raw so that items
	// are parsed one by one. Absent means retrieval only: the retrieved
	// pool is validated as the sample's evidence. An explicit empty list
	// means the generator cited nothing.
	Proposed json.RawMessage `json:"proposed_evidence,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// Payload is the generated content. It is passed through untouched.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HasProposal reports whether the generator proposed evidence, including
// an explicit empty list.
func (s *Sample) HasProposal() bool {
	trimmed := bytes.TrimSpace(s.Proposed)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// ensureID assigns a UUID to a sample without one.
func (s *Sample) ensureID() {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
}

// ReadSamples decodes JSON Lines samples. Blank lines are skipped; every bad
// line is collected before returning.
//
// Outputs:
//   - []Sample: Samples in input order, each with an id.
//   - error: *index.BatchError of ErrInvalidSample failures, or a read error.
func ReadSamples(ctx context.Context, r io.Reader) ([]Sample, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxSampleLineBytes)

	var (
		samples []Sample
		errs    []error
		line    int
	)
	for scanner.Scan() {
		line++
		if line%1000 == 0 && ctx.Err() != nil {
			return nil, fmt.Errorf("reading samples: %w", ctx.Err())
		}
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var s Sample
		if err := json.Unmarshal(raw, &s); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w: %v", line, ErrInvalidSample, err))
			continue
		}
		s.ensureID()
		samples = append(samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading samples: %w", err)
	}
	if len(errs) > 0 {
		return nil, &index.BatchError{Errors: errs}
	}
	return samples, nil
}
