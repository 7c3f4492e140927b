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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/evidencegate/services/evidence/telemetry"
)

// RegisterRoutes registers the /v1/evidence/* endpoints.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/evidence/retrieve - Ranked evidence pool for a query
//	POST /v1/evidence/validate - Full pipeline for one sample
//	POST /v1/evidence/verify - Validate an evidence list as-is
//	GET  /v1/evidence/summary - Gate tally for the current snapshot
//	GET  /v1/evidence/stream - Websocket: samples in, records out
//	GET  /v1/evidence/health - Liveness
//	GET  /v1/evidence/ready - Readiness
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	evidence := rg.Group("/evidence")
	{
		evidence.GET("/health", handlers.HandleHealth)
		evidence.GET("/ready", handlers.HandleReady)

		loaded := evidence.Group("", ReadyGuardMiddleware(handlers))
		{
			loaded.POST("/retrieve", handlers.HandleRetrieve)
			loaded.POST("/validate", handlers.HandleValidate)
			loaded.POST("/verify", handlers.HandleVerify)
			loaded.GET("/summary", handlers.HandleSummary)
			loaded.GET("/stream", handlers.HandleStream)
		}
	}
}

// NewRouter builds the gin engine with recovery, tracing, the evidence
// routes under /v1 and /metrics.
func NewRouter(handlers *Handlers, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)
	return router
}

// ReadyGuardMiddleware returns 503 Service Unavailable until an engine is
// loaded.
//
// Description:
//
//	The snapshot may still be loading, or the first load may have failed
//	and a watcher is waiting for a fixed file. Rejected requests get a
//	span and a trace_id in the body so clients can correlate them.
//
// Thread Safety: This middleware is safe for concurrent use.
func ReadyGuardMiddleware(handlers *Handlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		if handlers.Engine() != nil {
			c.Next()
			return
		}

		_, span := tracer.Start(c.Request.Context(), "ready_guard.reject",
			oteltrace.WithAttributes(
				attribute.String("path", c.Request.URL.Path),
				attribute.String("method", c.Request.Method),
				attribute.Int("http.status_code", http.StatusServiceUnavailable),
			),
		)
		defer span.End()
		span.SetStatus(codes.Error, "snapshot not loaded")

		traceID := ""
		if sc := span.SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		handlers.logger.Warn("request rejected: snapshot not loaded",
			slog.String("path", c.Request.URL.Path),
			slog.String("trace_id", traceID))

		c.Header("Retry-After", "10")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":    "snapshot not loaded",
			"code":     "NOT_READY",
			"trace_id": traceID,
		})
	}
}
