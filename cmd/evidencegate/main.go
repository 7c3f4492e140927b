// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// evidencegate retrieves, reconciles and validates code evidence for
// generated samples against a symbol snapshot.
//
// Usage:
//
//	evidencegate run --samples samples.jsonl --out results/
//	evidencegate serve
//	evidencegate warm
//	evidencegate cache dump
//	evidencegate diff old.jsonl new.jsonl
//
// Configuration comes from --config (YAML) layered over the embedded
// defaults, then the EMBEDDING_SERVICE_URL, WEAVIATE_URL and related
// environment variables.
//
// Exit codes:
//
//	0 - success
//	1 - configuration, snapshot or I/O error
//	2 - run completed with rejected samples and --fail-on-reject set
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/evidencegate/services/evidence/config"
	"github.com/AleutianAI/evidencegate/services/evidence/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errRejected makes the process exit 2.
var errRejected = errors.New("samples rejected")

// --- Global Flags ---
var (
	configPath string
	logFormat  string
	debug      bool

	// cfg is loaded by PersistentPreRunE for every subcommand.
	cfg *config.Config

	telemetryShutdown func(context.Context) error

	rootCmd = &cobra.Command{
		Use:           "evidencegate",
		Short:         "Ground generated samples in verifiable code evidence",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(logFormat, debug); err != nil {
				return err
			}
			loaded, err := config.LoadFile(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			cfg = loaded

			shutdown, err := telemetry.Init(cmd.Context(), telemetry.Config{
				ServiceName:    cfg.Telemetry.ServiceName,
				ServiceVersion: version,
				TraceExporter:  cfg.Telemetry.TraceExporter,
				MetricExporter: cfg.Telemetry.MetricsExporter,
				OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
				OTLPInsecure:   true,
			})
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			telemetryShutdown = shutdown
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"YAML configuration file (defaults are embedded)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"Log format: text or json")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(warmCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(diffCmd)
	cacheCmd.AddCommand(cacheDumpCmd)
}

// setupLogging installs the default slog handler on stderr.
func setupLogging(format string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if telemetryShutdown != nil {
		if serr := telemetryShutdown(context.Background()); serr != nil {
			slog.Warn("telemetry shutdown failed", slog.String("error", serr.Error()))
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, errRejected):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
