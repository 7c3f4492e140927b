// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/evidencegate/services/evidence/gate"
	"github.com/AleutianAI/evidencegate/services/evidence/index"
	"github.com/AleutianAI/evidencegate/services/evidence/pipeline"
	"github.com/AleutianAI/evidencegate/services/evidence/retrieval"
	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
	"github.com/AleutianAI/evidencegate/services/evidence/validate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Fixtures
// =============================================================================

const checkID = "auth.go:auth.Check:1"

func newEngine(t *testing.T, version string) *pipeline.Engine {
	t.Helper()
	params := []symbol.Params{
		{FilePath: "auth.go", QualifiedName: "auth.Check", StartLine: 1, Text: "verify password hash"},
		{FilePath: "cache.go", QualifiedName: "cache.Get", StartLine: 1, Text: "lookup cache entry"},
	}
	syms := make([]*symbol.Symbol, 0, len(params))
	for _, p := range params {
		p.Kind = symbol.KindMethod
		p.EndLine = p.StartLine + 5
		p.SnapshotVersion = version
		s, err := symbol.New(p)
		require.NoError(t, err)
		syms = append(syms, s)
	}
	idx, err := index.Build(context.Background(), syms)
	require.NoError(t, err)
	g, err := gate.New(gate.Config{Mode: gate.ModeGate}, nil)
	require.NoError(t, err)
	e, err := pipeline.NewEngine(pipeline.EngineParams{
		Index:     idx,
		Retriever: retrieval.New(idx, nil),
		Gate:      g,
		Retrieval: retrieval.DefaultConfig(),
	})
	require.NoError(t, err)
	return e
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// =============================================================================
// Routes
// =============================================================================

func TestRoutes_NotReady(t *testing.T) {
	router := NewRouter(NewHandlers(nil, nil), "test")

	w := do(t, router, http.MethodGet, "/v1/evidence/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[HealthResponse](t, w).Ready)

	w = do(t, router, http.MethodGet, "/v1/evidence/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, router, http.MethodPost, "/v1/evidence/retrieve", RetrieveRequest{Query: "password"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "10", w.Header().Get("Retry-After"))
	assert.Equal(t, "NOT_READY", decode[map[string]any](t, w)["code"])
}

func TestHandleRetrieve(t *testing.T) {
	router := NewRouter(NewHandlers(newEngine(t, "v1"), nil), "test")

	w := do(t, router, http.MethodPost, "/v1/evidence/retrieve", RetrieveRequest{Query: "password hash"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[RetrieveResponse](t, w)
	assert.Equal(t, "v1", resp.SnapshotVersion)
	assert.Equal(t, retrieval.ViaLexical, resp.Strategy)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, checkID, resp.Hits[0].SymbolID)
	assert.Equal(t, checkID, resp.Hits[0].Reference.SymbolID)
	assert.NotEmpty(t, resp.Hits[0].Reference.ContentHash)
}

func TestHandleRetrieve_CallerEvidenceIsDirect(t *testing.T) {
	e := newEngine(t, "v1")
	sym, _ := e.Index().Get(checkID)
	router := NewRouter(NewHandlers(e, nil), "test")

	w := do(t, router, http.MethodPost, "/v1/evidence/retrieve", RetrieveRequest{
		CallerEvidence: []symbol.EvidenceReference{symbol.ReferenceFor(sym)},
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[RetrieveResponse](t, w)
	assert.Equal(t, retrieval.ViaDirect, resp.Strategy)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, 1.0, resp.Hits[0].Score)
}

func TestHandleRetrieve_BadRequest(t *testing.T) {
	router := NewRouter(NewHandlers(newEngine(t, "v1"), nil), "test")

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"query":`},
		{"top_k zero", `{"query":"x","top_k":0}`},
		{"min_score out of range", `{"query":"x","min_score":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/v1/evidence/retrieve", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_REQUEST", decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestHandleValidate_TalliesAndSummary(t *testing.T) {
	e := newEngine(t, "v1")
	sym, _ := e.Index().Get(checkID)
	ref, err := json.Marshal([]symbol.EvidenceReference{symbol.ReferenceFor(sym)})
	require.NoError(t, err)
	router := NewRouter(NewHandlers(e, nil), "test")

	w := do(t, router, http.MethodPost, "/v1/evidence/validate", pipeline.Sample{
		ID:       "s1",
		Query:    "password",
		Proposed: ref,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decode[pipeline.Record](t, w)
	assert.Equal(t, "s1", rec.SampleID)
	assert.Equal(t, gate.StateClean, rec.State)

	w = do(t, router, http.MethodPost, "/v1/evidence/validate", pipeline.Sample{Query: "zzz unmatched"})
	require.Equal(t, http.StatusOK, w.Code)
	rec = decode[pipeline.Record](t, w)
	assert.NotEmpty(t, rec.SampleID, "request id assigned")
	assert.Equal(t, gate.StateRejected, rec.State)

	w = do(t, router, http.MethodGet, "/v1/evidence/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sum := decode[SummaryResponse](t, w)
	assert.Equal(t, "v1", sum.SnapshotVersion)
	assert.Equal(t, 2, sum.Symbols)
	assert.Equal(t, int64(2), sum.Gate.Total)
	assert.Equal(t, int64(1), sum.Gate.Clean)
	assert.Equal(t, int64(1), sum.Gate.Rejected)
}

func TestHandleValidate_ClientGoneIsNotTallied(t *testing.T) {
	e := newEngine(t, "v1")
	router := NewRouter(NewHandlers(e, nil), "test")

	body, err := json.Marshal(pipeline.Sample{ID: "s1", Query: "cache entry"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/evidence/validate", bytes.NewReader(body)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, statusClientClosedRequest, w.Code)
	assert.Equal(t, "CANCELLED", decode[ErrorResponse](t, w).Code)
	assert.Zero(t, e.Gate().Summary().Total)
}

func TestHandleVerify_HashMismatchDoesNotTally(t *testing.T) {
	e := newEngine(t, "v1")
	sym, _ := e.Index().Get(checkID)
	ref := symbol.ReferenceFor(sym)
	ref.ContentHash = symbol.HashText("something else")
	router := NewRouter(NewHandlers(e, nil), "test")

	w := do(t, router, http.MethodPost, "/v1/evidence/verify", VerifyRequest{Evidence: []symbol.EvidenceReference{ref}})
	require.Equal(t, http.StatusOK, w.Code)
	v := decode[validate.Verdict](t, w)
	assert.False(t, v.Passed)
	assert.True(t, v.HasCode(validate.CodeHashMismatch))
	assert.Equal(t, int64(0), e.Gate().Summary().Total)
}

func TestHandleStream(t *testing.T) {
	e := newEngine(t, "v1")
	srv := httptest.NewServer(NewRouter(NewHandlers(e, nil), "test"))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/evidence/stream"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	var hello StreamMessage
	require.NoError(t, ws.ReadJSON(&hello))
	assert.Equal(t, StreamSession, hello.Type)
	assert.Equal(t, "v1", hello.SnapshotVersion)
	require.NotEmpty(t, hello.SessionID)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"query":"verify password hash"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, ws.WriteJSON(pipeline.Sample{ID: "s2", Query: "zzz unmatched"}))

	var first, bad, second StreamMessage
	require.NoError(t, ws.ReadJSON(&first))
	require.NoError(t, ws.ReadJSON(&bad))
	require.NoError(t, ws.ReadJSON(&second))

	assert.Equal(t, StreamRecord, first.Type)
	require.NotNil(t, first.Record)
	assert.Equal(t, hello.SessionID+"-1", first.Record.SampleID)
	assert.Equal(t, gate.StateClean, first.Record.State)

	assert.Equal(t, StreamError, bad.Type)
	require.NotNil(t, bad.Error)
	assert.Equal(t, "INVALID_REQUEST", bad.Error.Code)

	assert.Equal(t, StreamRecord, second.Type)
	require.NotNil(t, second.Record)
	assert.Equal(t, "s2", second.Record.SampleID)
	assert.Equal(t, gate.StateRejected, second.Record.State)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	sum := e.Gate().Summary()
	assert.Equal(t, int64(2), sum.Total, "stream samples are tallied")
}

func TestHandleStream_NotReady(t *testing.T) {
	srv := httptest.NewServer(NewRouter(NewHandlers(nil, nil), "test"))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/evidence/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsRoute(t *testing.T) {
	router := NewRouter(NewHandlers(nil, nil), "test")
	w := do(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// Reload
// =============================================================================

func TestSetEngine_CountsReloads(t *testing.T) {
	h := NewHandlers(nil, nil)
	assert.Nil(t, h.SetEngine(newEngine(t, "v1")))
	prev := h.SetEngine(newEngine(t, "v2"))
	require.NotNil(t, prev)
	assert.Equal(t, "v1", prev.SnapshotVersion())
	assert.Equal(t, int64(1), h.reloads.Load())
}

func TestSnapshotWatcher_ReloadKeepsEngineOnFailure(t *testing.T) {
	h := NewHandlers(newEngine(t, "v1"), nil)
	fail := errors.New("corrupt snapshot")
	var calls atomic.Int64
	factory := func(ctx context.Context) (*pipeline.Engine, error) {
		if calls.Add(1) == 1 {
			return nil, fail
		}
		return newEngine(t, "v2"), nil
	}
	path := filepath.Join(t.TempDir(), "snapshot.jsonl")
	w, err := NewSnapshotWatcher(path, h, factory, 0, nil)
	require.NoError(t, err)
	defer w.Close()

	assert.ErrorIs(t, w.Reload(context.Background()), fail)
	assert.Equal(t, "v1", h.Engine().SnapshotVersion())

	require.NoError(t, w.Reload(context.Background()))
	assert.Equal(t, "v2", h.Engine().SnapshotVersion())
}

func TestSnapshotWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))

	h := NewHandlers(newEngine(t, "v1"), nil)
	var calls atomic.Int64
	factory := func(ctx context.Context) (*pipeline.Engine, error) {
		calls.Add(1)
		return newEngine(t, "v2"), nil
	}
	w, err := NewSnapshotWatcher(path, h, factory, 20*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o600))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("{}\n{}\n"), 0o600))
	}

	assert.Eventually(t, func() bool {
		e := h.Engine()
		return e != nil && e.SnapshotVersion() == "v2"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, <-runErr, ErrWatcherClosed)
	assert.GreaterOrEqual(t, calls.Load(), int64(1))
}

func TestIsDowngrade(t *testing.T) {
	tests := []struct {
		prev, next string
		want       bool
	}{
		{"v1.2.0", "v1.1.9", true},
		{"1.2.0", "1.10.0", false},
		{"v2.0.0", "v2.0.0", false},
		{"v1.0.0", "v1.0.0-rc.1", true},
		{"snap-7", "snap-6", false},
		{"", "v1.0.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.prev+"->"+tt.next, func(t *testing.T) {
			assert.Equal(t, tt.want, isDowngrade(tt.prev, tt.next))
		})
	}
}
