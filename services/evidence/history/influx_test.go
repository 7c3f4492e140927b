// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/evidencegate/services/evidence/gate"
	"github.com/AleutianAI/evidencegate/services/evidence/pipeline"
	"github.com/AleutianAI/evidencegate/services/evidence/retrieval"
)

func testSummary() pipeline.Summary {
	return pipeline.Summary{
		RunID:           "run-1",
		SnapshotVersion: "snap-1",
		Duration:        1500 * time.Millisecond,
		Gate: gate.Summary{
			Mode:         gate.ModeGate,
			Total:        4,
			Clean:        3,
			Rejected:     1,
			AutoFilled:   2,
			ErrorCodes:   map[string]int64{"UNKNOWN_SYMBOL": 1},
			WarningCodes: map[string]int64{"LOW_SCORE": 2},
		},
		Strategies: map[retrieval.Via]int64{retrieval.ViaLexical: 4},
	}
}

// influxStub accepts line-protocol writes and keeps the bodies.
type influxStub struct {
	mu     sync.Mutex
	bodies []string
	query  string
	auth   string
	status int
}

func (s *influxStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.URL.Path != "/api/v2/write" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.bodies = append(s.bodies, string(body))
	s.query = r.URL.RawQuery
	s.auth = r.Header.Get("Authorization")
	if s.status != 0 {
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"bad token"}`))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Points
// =============================================================================

func TestPoints(t *testing.T) {
	at := time.Unix(1700000000, 0)
	points := Points(testSummary(), at)
	require.Len(t, points, 3)

	run := points[0]
	assert.Equal(t, MeasurementRuns, run.Name())
	fields := map[string]any{}
	for _, f := range run.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, int64(4), fields["total"])
	assert.Equal(t, int64(1), fields["rejected"])
	assert.Equal(t, int64(1500), fields["duration_ms"])
	assert.Equal(t, 0.25, fields["reject_rate"])
	assert.Equal(t, int64(4), fields["strategy_lexical"])
	assert.Equal(t, at, run.Time())

	tags := map[string]string{}
	for _, p := range points[1:] {
		assert.Equal(t, MeasurementCodes, p.Name())
		var code, severity string
		for _, tag := range p.TagList() {
			switch tag.Key {
			case "code":
				code = tag.Value
			case "severity":
				severity = tag.Value
			}
		}
		tags[code] = severity
	}
	assert.Equal(t, map[string]string{"UNKNOWN_SYMBOL": "error", "LOW_SCORE": "warning"}, tags)
}

func TestPoints_EmptyRun(t *testing.T) {
	points := Points(pipeline.Summary{RunID: "empty"}, time.Now())
	require.Len(t, points, 1)
	for _, f := range points[0].FieldList() {
		if f.Key == "reject_rate" {
			assert.Equal(t, 0.0, f.Value)
		}
	}
}

// =============================================================================
// Recorder
// =============================================================================

func TestRecorder_RecordRun(t *testing.T) {
	stub := &influxStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	r, err := NewRecorder(Config{URL: srv.URL, Token: "tok", Org: "aleutian", Bucket: "evidence"})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.RecordRun(context.Background(), testSummary(), time.Unix(1700000000, 0)))

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.bodies, 1, "all points in one request")
	body := stub.bodies[0]
	assert.Contains(t, body, "evidence_runs,mode=gate,run_id=run-1,snapshot_version=snap-1")
	assert.Contains(t, body, "clean=3i")
	assert.Contains(t, body, "evidence_run_codes,code=UNKNOWN_SYMBOL")
	assert.Equal(t, 3, strings.Count(strings.TrimSpace(body), "\n")+1)
	assert.Contains(t, stub.query, "bucket=evidence")
	assert.Contains(t, stub.query, "org=aleutian")
	assert.Equal(t, "Token tok", stub.auth)
}

func TestRecorder_WriteError(t *testing.T) {
	stub := &influxStub{status: http.StatusUnauthorized}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	r, err := NewRecorder(Config{URL: srv.URL, Org: "o", Bucket: "b", Timeout: time.Second})
	require.NoError(t, err)
	defer r.Close()

	err = r.RecordRun(context.Background(), testSummary(), time.Now())
	assert.ErrorIs(t, err, ErrHistoryWrite)
}

func TestNewRecorder_RequiresTarget(t *testing.T) {
	_, err := NewRecorder(Config{URL: "http://influx:8086", Org: "o"})
	assert.Error(t, err)
}
