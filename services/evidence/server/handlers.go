// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the evidence engine over HTTP.
package server

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/evidencegate/services/evidence/gate"
	"github.com/AleutianAI/evidencegate/services/evidence/pipeline"
	"github.com/AleutianAI/evidencegate/services/evidence/retrieval"
	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
	"github.com/AleutianAI/evidencegate/services/evidence/telemetry"
)

var tracer = otel.Tracer("aleutian.evidence.server")

// RequestIDHeader carries a caller-supplied request id.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handlers serves the evidence API from the current engine.
//
// Thread Safety: Safe for concurrent use. SetEngine swaps the engine
// atomically; in-flight requests finish on the engine they started with.
type Handlers struct {
	engine  atomic.Pointer[pipeline.Engine]
	reloads atomic.Int64
	started time.Time
	logger  *slog.Logger
}

// NewHandlers creates handlers. engine may be nil until the snapshot loads;
// engine routes answer 503 until then.
func NewHandlers(engine *pipeline.Engine, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		started: time.Now(),
		logger:  logger.With(slog.String("component", "server")),
	}
	if engine != nil {
		h.engine.Store(engine)
	}
	return h
}

// Engine returns the current engine or nil.
func (h *Handlers) Engine() *pipeline.Engine {
	return h.engine.Load()
}

// SetEngine replaces the current engine and returns the previous one.
func (h *Handlers) SetEngine(e *pipeline.Engine) *pipeline.Engine {
	prev := h.engine.Swap(e)
	if prev != nil {
		h.reloads.Add(1)
	}
	return prev
}

// =============================================================================
// Request and Response Types
// =============================================================================

// RetrieveRequest is the body of POST /v1/evidence/retrieve. Unset tuning
// fields fall back to the engine's retrieval configuration.
type RetrieveRequest struct {
	Query          string                     `json:"query"`
	CallerEvidence []symbol.EvidenceReference `json:"caller_evidence"`
	TopK           *int                       `json:"top_k" binding:"omitempty,gte=1,lte=200"`
	MinScore       *float64                   `json:"min_score" binding:"omitempty,gte=-1,lte=1"`
	CallChain      *bool                      `json:"call_chain"`
}

// HitResponse is one ranked symbol.
type HitResponse struct {
	SymbolID      string        `json:"symbol_id"`
	QualifiedName string        `json:"qualified_name"`
	FilePath      string        `json:"file_path"`
	StartLine     int           `json:"start_line"`
	EndLine       int           `json:"end_line"`
	Score         float64       `json:"score"`
	Via           retrieval.Via `json:"via"`
	Depth         int           `json:"depth,omitempty"`
	From          string        `json:"from,omitempty"`

	// Reference is the canonical citation for the hit.
	Reference symbol.EvidenceReference `json:"reference"`
}

// RetrieveResponse is the body of a successful retrieve.
type RetrieveResponse struct {
	SnapshotVersion string        `json:"snapshot_version"`
	Strategy        retrieval.Via `json:"strategy"`
	VectorAvailable bool          `json:"vector_available"`
	Degraded        bool          `json:"degraded,omitempty"`
	DegradedReason  string        `json:"degraded_reason,omitempty"`
	Hits            []HitResponse `json:"hits"`
}

// VerifyRequest is the body of POST /v1/evidence/verify.
type VerifyRequest struct {
	Evidence []symbol.EvidenceReference `json:"evidence"`
	Tags     []string                   `json:"tags"`
}

// SummaryResponse is the body of GET /v1/evidence/summary.
type SummaryResponse struct {
	SnapshotVersion string       `json:"snapshot_version"`
	Symbols         int          `json:"symbols"`
	Reloads         int64        `json:"reloads"`
	Gate            gate.Summary `json:"gate"`
}

// HealthResponse is the body of GET /v1/evidence/health.
type HealthResponse struct {
	Status          string `json:"status"`
	Ready           bool   `json:"ready"`
	SnapshotVersion string `json:"snapshot_version,omitempty"`
	Uptime          string `json:"uptime"`
}

// =============================================================================
// Handlers
// =============================================================================

// HandleRetrieve handles POST /v1/evidence/retrieve.
//
// Description:
//
//	Runs retrieval alone and returns the ranked pool. Nothing is
//	validated and the gate tally is untouched.
//
// Response:
//
//	200 OK: RetrieveResponse
//	400 Bad Request: Malformed body or out-of-range tuning
//	503 Service Unavailable: No snapshot loaded
func (h *Handlers) HandleRetrieve(c *gin.Context) {
	logger := h.requestLogger(c, "HandleRetrieve")
	engine := h.Engine()

	var req RetrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Debug("invalid retrieve request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	cfg := engine.RetrievalConfig()
	if req.TopK != nil {
		cfg.TopK = *req.TopK
	}
	if req.MinScore != nil {
		cfg.MinScore = *req.MinScore
	}
	if req.CallChain != nil {
		cfg.CallChain.Enabled = *req.CallChain
	}

	res := engine.Retrieve(c.Request.Context(), req.Query, req.CallerEvidence, cfg)
	resp := RetrieveResponse{
		SnapshotVersion: engine.SnapshotVersion(),
		Strategy:        res.Strategy,
		VectorAvailable: res.VectorAvailable,
		Degraded:        res.Degraded,
		DegradedReason:  res.DegradedReason,
		Hits:            make([]HitResponse, 0, len(res.Hits)),
	}
	for _, hit := range res.Hits {
		sym := hit.Symbol
		resp.Hits = append(resp.Hits, HitResponse{
			SymbolID:      sym.ID,
			QualifiedName: sym.QualifiedName,
			FilePath:      sym.FilePath,
			StartLine:     sym.StartLine,
			EndLine:       sym.EndLine,
			Score:         hit.Score,
			Via:           hit.Via,
			Depth:         hit.Depth,
			From:          hit.From,
			Reference:     symbol.ReferenceFor(sym),
		})
	}
	logger.Debug("retrieve complete",
		slog.String("strategy", string(res.Strategy)),
		slog.Int("hits", len(resp.Hits)))
	c.JSON(http.StatusOK, resp)
}

// HandleValidate handles POST /v1/evidence/validate.
//
// Description:
//
//	Runs one sample through the full pipeline and returns its record.
//	The decision is counted in the gate tally, exactly as a batch run
//	would count it.
//
// Response:
//
//	200 OK: pipeline.Record, for clean and rejected samples alike
//	400 Bad Request: Malformed body
//	499: Client went away before the sample was decided; nothing tallied
//	503 Service Unavailable: No snapshot loaded
func (h *Handlers) HandleValidate(c *gin.Context) {
	logger := h.requestLogger(c, "HandleValidate")
	engine := h.Engine()

	var s pipeline.Sample
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	if s.ID == "" {
		s.ID = requestID(c)
	}

	rec, err := engine.Process(c.Request.Context(), s)
	if err != nil {
		logger.Info("sample abandoned",
			slog.String("sample_id", s.ID),
			slog.String("error", err.Error()))
		c.JSON(statusClientClosedRequest, ErrorResponse{Error: err.Error(), Code: "CANCELLED"})
		return
	}
	logger.Info("sample validated",
		slog.String("sample_id", rec.SampleID),
		slog.String("state", string(rec.State)),
		slog.String("strategy", string(rec.Strategy)))
	c.JSON(http.StatusOK, rec)
}

// HandleVerify handles POST /v1/evidence/verify.
//
// Checks an already reconciled evidence list against the snapshot without
// retrieval, reconciliation or tallying.
func (h *Handlers) HandleVerify(c *gin.Context) {
	engine := h.Engine()

	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	c.JSON(http.StatusOK, engine.Check(c.Request.Context(), req.Evidence, req.Tags))
}

// HandleSummary handles GET /v1/evidence/summary.
func (h *Handlers) HandleSummary(c *gin.Context) {
	engine := h.Engine()
	c.JSON(http.StatusOK, SummaryResponse{
		SnapshotVersion: engine.SnapshotVersion(),
		Symbols:         engine.Index().Len(),
		Reloads:         h.reloads.Load(),
		Gate:            engine.Gate().Summary(),
	})
}

// HandleHealth handles GET /v1/evidence/health. It answers 200 while the
// process is up, ready or not.
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	}
	if engine := h.Engine(); engine != nil {
		resp.Ready = true
		resp.SnapshotVersion = engine.SnapshotVersion()
	}
	c.JSON(http.StatusOK, resp)
}

// HandleReady handles GET /v1/evidence/ready: 200 once an engine is loaded.
func (h *Handlers) HandleReady(c *gin.Context) {
	if h.Engine() == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "snapshot not loaded",
			Code:  "NOT_READY",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// statusClientClosedRequest is nginx's code for a request the client
// abandoned. net/http has no constant for it.
const statusClientClosedRequest = 499

// requestLogger returns a logger carrying the request and trace ids.
func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return telemetry.LoggerWithTrace(c.Request.Context(), h.logger).With(
		slog.String("request_id", requestID(c)),
		slog.String("handler", handler),
	)
}

// requestID returns the caller's X-Request-ID or a new one, cached on the
// gin context.
func requestID(c *gin.Context) string {
	if v, ok := c.Get(RequestIDHeader); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	id := c.GetHeader(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(RequestIDHeader, id)
	return id
}
