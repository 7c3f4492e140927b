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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/evidencegate/services/evidence/pipeline"
	"github.com/AleutianAI/evidencegate/services/evidence/server"
	"github.com/AleutianAI/evidencegate/services/evidence/snapshot"
)

const shutdownTimeout = 15 * time.Second

var (
	serveAddr  string
	serveWatch bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the evidence API over HTTP",
		Long: `Starts the HTTP API immediately and loads the snapshot in the background.
Engine endpoints answer 503 until the snapshot is loaded. With --watch, a
local snapshot file is reloaded whenever it changes.`,
		Args: cobra.NoArgs,
		RunE: serve,
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Reload the snapshot when the file changes (overrides server.watch)")
}

func serve(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := slog.Default()

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	watch := cfg.Server.Watch || serveWatch

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	builder, err := newEngineBuilder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer builder.Close()

	handlers := server.NewHandlers(nil, logger)
	router := server.NewRouter(handlers, cfg.Telemetry.ServiceName)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	factory := func(ctx context.Context) (*pipeline.Engine, error) { return builder.build(ctx) }
	go func() {
		engine, err := factory(ctx)
		if err != nil {
			logger.Error("initial snapshot load failed", slog.String("error", err.Error()))
			return
		}
		handlers.SetEngine(engine)
		logger.Info("evidence engine ready",
			slog.String("version", engine.SnapshotVersion()),
			slog.Int("symbols", engine.Index().Len()))
	}()

	if watch {
		w, err := startWatcher(ctx, handlers, factory, logger)
		if err != nil {
			return err
		}
		if w != nil {
			defer w.Close()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting evidence server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down evidence server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// startWatcher watches a local snapshot. Remote snapshots are not watched.
func startWatcher(ctx context.Context, handlers *server.Handlers, factory server.EngineFactory, logger *slog.Logger) (*server.SnapshotWatcher, error) {
	location := cfg.Snapshot.Location
	if _, _, remote, _ := snapshot.ParseGCS(location); remote || location == "" {
		logger.Warn("watch ignored: snapshot is not a local file", slog.String("location", location))
		return nil, nil
	}
	w, err := server.NewSnapshotWatcher(location, handlers, factory, server.DefaultDebounce, logger)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, server.ErrWatcherClosed) && ctx.Err() == nil {
			logger.Error("snapshot watcher stopped", slog.String("error", err.Error()))
		}
	}()
	return w, nil
}
