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
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/evidencegate/services/evidence/reconcile"
	"github.com/AleutianAI/evidencegate/services/evidence/validate"
)

var (
	passed     = validate.Verdict{Passed: true}
	autoFilled = validate.Verdict{
		Passed:     true,
		AutoFilled: true,
		Warnings:   []validate.Issue{{Code: validate.CodeAutoFilled}},
	}
	hashFailed = validate.Verdict{
		Errors: []validate.Issue{
			{Code: validate.CodeHashMismatch},
			{Code: validate.CodeHashMismatch},
			{Code: validate.CodePathMismatch},
		},
	}
)

func newGate(t *testing.T, mode Mode) *QualityGate {
	t.Helper()
	g, err := New(Config{Mode: mode}, nil)
	require.NoError(t, err)
	return g
}

// =============================================================================
// Configuration
// =============================================================================

func TestNew_InvalidMode(t *testing.T) {
	for _, m := range []Mode{"", "strict", "GATE"} {
		_, err := New(Config{Mode: m}, nil)
		assert.True(t, errors.Is(err, ErrInvalidMode), "mode %q", m)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Report ")
	require.NoError(t, err)
	assert.Equal(t, ModeReport, m)

	_, err = ParseMode("lenient")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestMode_AutoFillPolicy(t *testing.T) {
	assert.Equal(t, reconcile.AutoFillSuppress, ModeGate.AutoFillPolicy())
	assert.Equal(t, reconcile.AutoFillPermit, ModeReport.AutoFillPolicy())
}

// =============================================================================
// Routing
// =============================================================================

func TestDecide_Routing(t *testing.T) {
	tests := []struct {
		name    string
		mode    Mode
		verdict validate.Verdict
		state   State
		reasons []string
	}{
		{"gate passes clean", ModeGate, passed, StateClean, nil},
		{"report passes clean", ModeReport, passed, StateClean, nil},
		{"gate rejects failure", ModeGate, hashFailed, StateRejected,
			[]string{"EVIDENCE_HASH_MISMATCH", "EVIDENCE_PATH_MISMATCH"}},
		{"report rejects failure", ModeReport, hashFailed, StateRejected,
			[]string{"EVIDENCE_HASH_MISMATCH", "EVIDENCE_PATH_MISMATCH"}},
		{"gate rejects auto-fill", ModeGate, autoFilled, StateRejected, []string{ReasonAutoFillRejected}},
		{"report tolerates auto-fill", ModeReport, autoFilled, StateClean, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGate(t, tt.mode)
			d := g.Decide(context.Background(), "s1", tt.verdict)
			assert.Equal(t, "s1", d.SampleID)
			assert.Equal(t, tt.state, d.State)
			assert.Equal(t, tt.reasons, d.Reasons)
			assert.Equal(t, tt.verdict.AutoFilled, d.AutoFilled)
		})
	}
}

func TestDecide_GateNeverAcceptsAutoFilled(t *testing.T) {
	g := newGate(t, ModeGate)
	for i := 0; i < 20; i++ {
		v := autoFilled
		v.Passed = i%2 == 0
		assert.Equal(t, StateRejected, g.Decide(context.Background(), fmt.Sprint(i), v).State)
	}
	assert.Zero(t, g.Summary().AutoFilledAccepted)
}

func TestRoute_DoesNotCount(t *testing.T) {
	g := newGate(t, ModeGate)
	d := g.Route(context.Background(), "a", hashFailed)
	assert.Equal(t, StateRejected, d.State)
	assert.Zero(t, g.Summary().Total)

	g.Count(d, hashFailed)
	g.Count(Decision{SampleID: "b", State: StatePending}, passed)
	s := g.Summary()
	assert.Equal(t, int64(1), s.Total)
	assert.Equal(t, int64(1), s.Rejected)
}

// =============================================================================
// Tally
// =============================================================================

func TestSummary_Counts(t *testing.T) {
	g := newGate(t, ModeReport)
	ctx := context.Background()
	g.Decide(ctx, "a", passed)
	g.Decide(ctx, "b", autoFilled)
	g.Decide(ctx, "c", hashFailed)
	g.Decide(ctx, "d", hashFailed)

	s := g.Summary()
	assert.Equal(t, ModeReport, s.Mode)
	assert.Equal(t, int64(4), s.Total)
	assert.Equal(t, int64(2), s.Clean)
	assert.Equal(t, int64(2), s.Rejected)
	assert.Equal(t, int64(1), s.AutoFilled)
	assert.Equal(t, int64(1), s.AutoFilledAccepted)
	assert.Equal(t, map[string]int64{"EVIDENCE_HASH_MISMATCH": 2, "EVIDENCE_PATH_MISMATCH": 2}, s.ErrorCodes)
	assert.Equal(t, map[string]int64{"EVIDENCE_AUTO_FILLED": 1}, s.WarningCodes)
}

func TestSummary_IsACopy(t *testing.T) {
	g := newGate(t, ModeGate)
	g.Decide(context.Background(), "a", hashFailed)
	s := g.Summary()
	s.ErrorCodes["EVIDENCE_HASH_MISMATCH"] = 99
	assert.Equal(t, int64(1), g.Summary().ErrorCodes["EVIDENCE_HASH_MISMATCH"])
}

func TestTally_ConcurrentWorkers(t *testing.T) {
	g := newGate(t, ModeGate)
	const workers, perWorker = 8, 250

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				v := passed
				if i%5 == 0 {
					v = hashFailed
				}
				g.Decide(context.Background(), fmt.Sprintf("%d-%d", w, i), v)
			}
		}(w)
	}
	wg.Wait()

	s := g.Summary()
	assert.Equal(t, int64(workers*perWorker), s.Total)
	assert.Equal(t, int64(workers*perWorker/5), s.Rejected)
	assert.Equal(t, s.Total, s.Clean+s.Rejected)
	assert.Equal(t, s.Rejected, s.ErrorCodes["EVIDENCE_HASH_MISMATCH"])
}
