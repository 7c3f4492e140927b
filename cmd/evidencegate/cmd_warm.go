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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/evidencegate/services/evidence/config"
	"github.com/AleutianAI/evidencegate/services/evidence/index"
	"github.com/AleutianAI/evidencegate/services/evidence/vector"
)

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Embed every snapshot symbol and fill the embedding cache",
	Long: `Loads the snapshot, embeds every symbol through the embedding service and
stores the vectors in the cache (and in Weaviate when enabled), so later
runs start with vector search ready.`,
	Args: cobra.NoArgs,
	RunE: warmEmbeddings,
}

func warmEmbeddings(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := slog.Default()
	if !cfg.Embedding.Enabled {
		return fmt.Errorf("%w: embedding is disabled; set embedding.enabled or %s",
			config.ErrInvalidConfig, config.EnvEmbeddingURL)
	}

	builder, err := newEngineBuilder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer builder.Close()

	snap, err := builder.loadSnapshot(ctx)
	if err != nil {
		return err
	}
	idx, err := index.Build(ctx, snap.Symbols)
	if err != nil {
		return err
	}

	embedder := builder.embedder()
	var res vector.WarmResult
	label := fmt.Sprintf("embedding %d symbols with %s", idx.Len(), embedder.Model())
	err = runWithSpinner(ctx, cmd.ErrOrStderr(), label, func(ctx context.Context) error {
		var werr error
		res, werr = builder.warm(ctx, idx, snap, embedder)
		return werr
	})
	if err != nil {
		return err
	}
	backend, err := builder.backend(ctx, idx, embedder.Model(), res.Vectors)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(),
		"snapshot %s: %d symbols, %d vectors (cached=%t, embedded=%d, failed=%d), backend %s\n",
		snap.Version, idx.Len(), len(res.Vectors), res.FromCache, res.Embedded, res.Failed, backend.Name())
	return nil
}
