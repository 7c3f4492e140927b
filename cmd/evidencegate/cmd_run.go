// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/evidencegate/services/evidence/config"
	"github.com/AleutianAI/evidencegate/services/evidence/history"
	"github.com/AleutianAI/evidencegate/services/evidence/pipeline"
)

var (
	samplesPath  string
	outDir       string
	workers      int
	failOnReject bool
	summaryJSON  bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Validate a JSONL file of samples into clean.jsonl and rejected.jsonl",
		Long: `Reads one sample per line, retrieves and reconciles evidence for each,
validates it against the snapshot and routes the record to clean.jsonl or
rejected.jsonl under --out. A summary is printed to stdout.`,
		Args: cobra.NoArgs,
		RunE: runSamples,
	}
)

func init() {
	runCmd.Flags().StringVarP(&samplesPath, "samples", "s", "-", "Samples JSONL file, or - for stdin")
	runCmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory for clean.jsonl and rejected.jsonl")
	runCmd.Flags().IntVarP(&workers, "workers", "w", 0, "Concurrent samples (overrides pipeline.workers)")
	runCmd.Flags().BoolVar(&failOnReject, "fail-on-reject", false, "Exit 2 when any sample is rejected")
	runCmd.Flags().BoolVar(&summaryJSON, "json", false, "Print the summary as JSON")
}

func runSamples(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := slog.Default()

	var in io.Reader = cmd.InOrStdin()
	if samplesPath != "-" {
		f, err := os.Open(samplesPath)
		if err != nil {
			return fmt.Errorf("opening samples: %w", err)
		}
		defer f.Close()
		in = f
	}
	samples, err := pipeline.ReadSamples(ctx, in)
	if err != nil {
		return fmt.Errorf("reading samples: %w", err)
	}

	builder, err := newEngineBuilder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer builder.Close()

	engine, err := builder.build(ctx)
	if err != nil {
		return err
	}

	sink, err := pipeline.OpenJSONLDir(outDir)
	if err != nil {
		return err
	}

	n := workers
	if !cmd.Flags().Changed("workers") {
		n = cfg.Pipeline.Workers
	}
	summary, runErr := pipeline.NewRunner(engine, n, logger).Run(ctx, samples, sink)
	if cerr := sink.Close(); cerr != nil && runErr == nil {
		runErr = cerr
	}
	if runErr != nil {
		return runErr
	}

	recordHistory(ctx, cfg.History, summary, logger)

	if err := printSummary(cmd.OutOrStdout(), summary, summaryJSON); err != nil {
		return err
	}
	if failOnReject && summary.Gate.Rejected > 0 {
		return fmt.Errorf("%w: %d of %d", errRejected, summary.Gate.Rejected, summary.Gate.Total)
	}
	return nil
}

// recordHistory writes the summary to InfluxDB when history is enabled. A
// failed write is logged; the run's outcome does not depend on it.
func recordHistory(ctx context.Context, hc config.HistoryConfig, s pipeline.Summary, logger *slog.Logger) {
	if !hc.Enabled {
		return
	}
	rec, err := history.NewRecorder(history.Config{
		URL:     hc.URL,
		Token:   hc.Token,
		Org:     hc.Org,
		Bucket:  hc.Bucket,
		Timeout: hc.Timeout,
		Logger:  logger,
	})
	if err != nil {
		logger.Warn("run history disabled", slog.String("error", err.Error()))
		return
	}
	defer rec.Close()
	if err := rec.RecordRun(ctx, s, time.Now()); err != nil {
		logger.Warn("run history not recorded",
			slog.String("run_id", s.RunID),
			slog.String("error", err.Error()))
	}
}
