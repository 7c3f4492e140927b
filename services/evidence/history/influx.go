// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history records run summaries in InfluxDB so gate outcomes can
// be charted across snapshots and runs.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/evidencegate/services/evidence/pipeline"
)

var tracer = otel.Tracer("aleutian.evidence.history")

// Measurement names.
const (
	MeasurementRuns  = "evidence_runs"
	MeasurementCodes = "evidence_run_codes"
)

// ErrHistoryWrite wraps every failed write.
var ErrHistoryWrite = errors.New("history write failed")

// DefaultTimeout bounds one RecordRun call.
const DefaultTimeout = 10 * time.Second

// Config configures a Recorder.
type Config struct {
	URL     string
	Token   string
	Org     string
	Bucket  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Recorder writes run summaries to one InfluxDB bucket.
//
// Thread Safety: Safe for concurrent use.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRecorder creates a recorder. No connection is made until the first
// write.
func NewRecorder(cfg Config) (*Recorder, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("history: url, org and bucket are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With(slog.String("component", "history"), slog.String("bucket", cfg.Bucket)),
	}, nil
}

// RecordRun writes s.
//
// Description:
//
//	One MeasurementRuns point carries the counts. Each error and warning
//	code gets its own MeasurementCodes point tagged with the code and its
//	severity. All points share the run's end time and are written in one
//	request.
//
// Outputs:
//   - error: Wraps ErrHistoryWrite.
func (r *Recorder) RecordRun(ctx context.Context, s pipeline.Summary, at time.Time) error {
	ctx, span := tracer.Start(ctx, "history.RecordRun")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	points := Points(s, at)
	span.SetAttributes(
		attribute.String("run_id", s.RunID),
		attribute.Int("points", len(points)),
	)
	if err := r.writeAPI.WritePoint(ctx, points...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("%w: %v", ErrHistoryWrite, err)
	}
	r.logger.Debug("run recorded",
		slog.String("run_id", s.RunID),
		slog.Int("points", len(points)))
	return nil
}

// Points converts s to line-protocol points.
func Points(s pipeline.Summary, at time.Time) []*write.Point {
	runTags := func(p *write.Point) *write.Point {
		return p.AddTag("run_id", s.RunID).
			AddTag("snapshot_version", s.SnapshotVersion).
			AddTag("mode", string(s.Gate.Mode))
	}

	run := runTags(influxdb2.NewPointWithMeasurement(MeasurementRuns)).
		AddField("total", s.Gate.Total).
		AddField("clean", s.Gate.Clean).
		AddField("rejected", s.Gate.Rejected).
		AddField("auto_filled", s.Gate.AutoFilled).
		AddField("auto_filled_accepted", s.Gate.AutoFilledAccepted).
		AddField("degraded", s.Degraded).
		AddField("duration_ms", s.Duration.Milliseconds()).
		AddField("reject_rate", rejectRate(s)).
		SetTime(at)
	for via, n := range s.Strategies {
		run.AddField("strategy_"+string(via), n)
	}
	run.SortTags().SortFields()

	points := []*write.Point{run}
	add := func(severity string, m map[string]int64) {
		for code, n := range m {
			points = append(points, runTags(influxdb2.NewPointWithMeasurement(MeasurementCodes)).
				AddTag("code", code).
				AddTag("severity", severity).
				AddField("count", n).
				SetTime(at).
				SortTags())
		}
	}
	add("error", s.Gate.ErrorCodes)
	add("warning", s.Gate.WarningCodes)
	return points
}

func rejectRate(s pipeline.Summary) float64 {
	if s.Gate.Total == 0 {
		return 0
	}
	return float64(s.Gate.Rejected) / float64(s.Gate.Total)
}

// Close releases the client.
func (r *Recorder) Close() {
	r.client.Close()
}
