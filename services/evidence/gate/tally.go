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
	"maps"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/evidencegate/services/evidence/validate"
)

// Tally accumulates run-scoped routing counts.
//
// Thread Safety: Counters are atomic; the code histograms share one mutex.
type Tally struct {
	total              atomic.Int64
	clean              atomic.Int64
	rejected           atomic.Int64
	autoFilled         atomic.Int64
	autoFilledAccepted atomic.Int64

	mu           sync.Mutex
	errorCodes   map[string]int64
	warningCodes map[string]int64
}

func newTally() *Tally {
	return &Tally{
		errorCodes:   make(map[string]int64),
		warningCodes: make(map[string]int64),
	}
}

// Summary is a point-in-time copy of a Tally.
type Summary struct {
	Mode               Mode  `json:"mode"`
	Total              int64 `json:"total"`
	Clean              int64 `json:"clean"`
	Rejected           int64 `json:"rejected"`
	AutoFilled         int64 `json:"auto_filled"`
	AutoFilledAccepted int64 `json:"auto_filled_accepted"`

	// ErrorCodes counts samples per reason: validation error codes and
	// ReasonAutoFillRejected. A sample counts once per distinct code.
	ErrorCodes map[string]int64 `json:"error_codes"`

	// WarningCodes counts samples per warning code.
	WarningCodes map[string]int64 `json:"warning_codes"`
}

func (t *Tally) record(d Decision, v validate.Verdict) {
	t.total.Add(1)
	switch d.State {
	case StateClean:
		t.clean.Add(1)
	case StateRejected:
		t.rejected.Add(1)
	}
	if d.AutoFilled {
		t.autoFilled.Add(1)
		if d.State == StateClean {
			t.autoFilledAccepted.Add(1)
		}
	}

	warnings := v.WarningCodes()
	if len(d.Reasons) == 0 && len(warnings) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range d.Reasons {
		t.errorCodes[r]++
	}
	for _, c := range warnings {
		t.warningCodes[string(c)]++
	}
}

// Summary copies the tally. Counters are read individually, so a summary
// taken while workers are still reporting may be off by in-flight samples.
func (t *Tally) Summary(mode Mode) Summary {
	s := Summary{
		Mode:               mode,
		Total:              t.total.Load(),
		Clean:              t.clean.Load(),
		Rejected:           t.rejected.Load(),
		AutoFilled:         t.autoFilled.Load(),
		AutoFilledAccepted: t.autoFilledAccepted.Load(),
	}
	t.mu.Lock()
	s.ErrorCodes = maps.Clone(t.errorCodes)
	s.WarningCodes = maps.Clone(t.warningCodes)
	t.mu.Unlock()
	return s
}
