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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/evidencegate/services/evidence/pipeline"
)

// maxStreamMessage bounds one inbound sample frame.
const maxStreamMessage = 4 << 20

// Stream message types.
const (
	StreamSession = "session_created"
	StreamRecord  = "record"
	StreamError   = "error"
)

var streamSamples = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "evidence",
	Subsystem: "server",
	Name:      "stream_samples_total",
	Help:      "Samples received over the websocket stream",
}, []string{"outcome"})

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// StreamMessage is one server frame on the stream.
type StreamMessage struct {
	Type            string           `json:"type"`
	SessionID       string           `json:"session_id,omitempty"`
	SnapshotVersion string           `json:"snapshot_version,omitempty"`
	Record          *pipeline.Record `json:"record,omitempty"`
	Error           *ErrorResponse   `json:"error,omitempty"`
}

// HandleStream handles GET /v1/evidence/stream.
//
// Description:
//
//	Upgrades to a websocket and sends a session_created frame. Each text
//	frame from the client is one sample; the server answers each with a
//	record frame in order, or an error frame for a sample it cannot parse.
//	A bad frame does not close the connection. Samples without an id get
//	"<session>-<n>". Every sample is tallied like POST /validate.
//
//	Each sample runs on the engine current when it arrives, so a reload
//	mid-stream takes effect for the next sample. When the connection's
//	context ends mid-sample the sample is abandoned untallied and the
//	stream closes.
func (h *Handlers) HandleStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxStreamMessage)

	sessionID := uuid.NewString()
	logger := h.logger.With(slog.String("session_id", sessionID))
	ctx := c.Request.Context()

	hello := StreamMessage{Type: StreamSession, SessionID: sessionID}
	if engine := h.Engine(); engine != nil {
		hello.SnapshotVersion = engine.SnapshotVersion()
	}
	if err := ws.WriteJSON(hello); err != nil {
		return
	}
	logger.Info("stream opened")

	n := 0
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("stream read ended", slog.String("error", err.Error()))
			}
			break
		}
		n++

		var s pipeline.Sample
		if err := json.Unmarshal(data, &s); err != nil {
			streamSamples.WithLabelValues("invalid").Inc()
			if werr := ws.WriteJSON(StreamMessage{
				Type:  StreamError,
				Error: &ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"},
			}); werr != nil {
				break
			}
			continue
		}
		if s.ID == "" {
			s.ID = sessionID + "-" + strconv.Itoa(n)
		}

		engine := h.Engine()
		if engine == nil {
			streamSamples.WithLabelValues("not_ready").Inc()
			if werr := ws.WriteJSON(StreamMessage{
				Type:  StreamError,
				Error: &ErrorResponse{Error: "evidence engine not loaded", Code: "NOT_READY"},
			}); werr != nil {
				break
			}
			continue
		}
		rec, err := engine.Process(ctx, s)
		if err != nil {
			streamSamples.WithLabelValues("abandoned").Inc()
			logger.Debug("stream sample abandoned", slog.String("error", err.Error()))
			break
		}
		streamSamples.WithLabelValues(string(rec.State)).Inc()
		if err := ws.WriteJSON(StreamMessage{Type: StreamRecord, Record: &rec}); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				logger.Warn("stream write failed", slog.String("error", err.Error()))
			}
			break
		}
	}
	logger.Info("stream closed", slog.Int("samples", n))
}
