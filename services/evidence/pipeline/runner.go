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
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/evidencegate/services/evidence/gate"
	"github.com/AleutianAI/evidencegate/services/evidence/retrieval"
)

// Summary reports one run.
type Summary struct {
	RunID           string        `json:"run_id"`
	SnapshotVersion string        `json:"snapshot_version"`
	Duration        time.Duration `json:"duration"`

	// Gate is the gate tally at the end of the run. A gate shared across
	// runs accumulates.
	Gate gate.Summary `json:"gate"`

	// Strategies counts samples by primary retrieval strategy.
	Strategies map[retrieval.Via]int64 `json:"strategies"`
	Degraded   int64                   `json:"degraded"`
}

// Runner fans samples out to a bounded worker pool.
//
// Thread Safety: Run may be called concurrently; runs share the engine's
// gate tally.
type Runner struct {
	engine  *Engine
	workers int
	logger  *slog.Logger
}

// NewRunner creates a runner. workers <= 0 uses GOMAXPROCS.
func NewRunner(engine *Engine, workers int, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine:  engine,
		workers: workers,
		logger:  logger.With(slog.String("component", "runner")),
	}
}

// Run processes samples and writes every record to sink.
//
// Description:
//
//	Samples are independent and processed concurrently, up to the
//	worker limit. Output order is not input order. The first sink error
//	stops the run. On cancellation in-flight samples are abandoned and
//	nothing more is written. A record is counted in the gate tally only
//	after the sink accepts it, so the summary matches the output.
//
// Inputs:
//   - ctx: Cancels the run.
//   - samples: Work items. Missing ids are assigned.
//   - sink: Receives one record per completed sample.
//
// Outputs:
//   - Summary: Counts of what completed.
//   - error: ctx.Err() on cancellation, or the first sink error.
func (r *Runner) Run(ctx context.Context, samples []Sample, sink Sink) (Summary, error) {
	runID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "Runner.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("pipeline.run_id", runID),
		attribute.Int("pipeline.samples", len(samples)),
		attribute.Int("pipeline.workers", r.workers),
	)

	start := time.Now()
	logger := r.logger.With(slog.String("run_id", runID))
	logger.Info("run starting",
		slog.Int("samples", len(samples)),
		slog.Int("workers", r.workers),
		slog.String("mode", string(r.engine.Gate().Mode())))

	var (
		degraded   atomic.Int64
		strategies = newStrategyCounts()
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i := range samples {
		if gctx.Err() != nil {
			break
		}
		s := samples[i]
		s.ensureID()
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := r.engine.Evaluate(gctx, s)
			if err != nil {
				return err
			}
			if err := sink.Write(gctx, rec); err != nil {
				return fmt.Errorf("sample %s: %w", s.ID, err)
			}
			r.engine.Commit(rec)
			strategies.add(rec.Strategy)
			if rec.Degraded {
				degraded.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		err = ctx.Err()
	}

	summary := Summary{
		RunID:           runID,
		SnapshotVersion: r.engine.SnapshotVersion(),
		Duration:        time.Since(start),
		Gate:            r.engine.Gate().Summary(),
		Strategies:      strategies.snapshot(),
		Degraded:        degraded.Load(),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run aborted")
		logger.Warn("run aborted",
			slog.String("error", err.Error()),
			slog.Int64("completed", summary.Gate.Total))
		return summary, err
	}
	logger.Info("run complete",
		slog.Int64("clean", summary.Gate.Clean),
		slog.Int64("rejected", summary.Gate.Rejected),
		slog.Int64("degraded", summary.Degraded),
		slog.Duration("duration", summary.Duration))
	return summary, nil
}

// strategyCounts counts by strategy without a lock; the set of strategies
// is fixed.
type strategyCounts map[retrieval.Via]*atomic.Int64

func newStrategyCounts() strategyCounts {
	c := strategyCounts{}
	for _, v := range []retrieval.Via{
		retrieval.ViaDirect, retrieval.ViaVector, retrieval.ViaLexical,
		retrieval.ViaChainExpansion, retrieval.ViaNone,
	} {
		c[v] = new(atomic.Int64)
	}
	return c
}

func (c strategyCounts) add(v retrieval.Via) {
	if n, ok := c[v]; ok {
		n.Add(1)
	}
}

func (c strategyCounts) snapshot() map[retrieval.Via]int64 {
	out := make(map[retrieval.Via]int64)
	for v, n := range c {
		if got := n.Load(); got > 0 {
			out[v] = got
		}
	}
	return out
}
