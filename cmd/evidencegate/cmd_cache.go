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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/evidencegate/services/evidence/config"
	"github.com/AleutianAI/evidencegate/services/evidence/snapshot"
	badgerstore "github.com/AleutianAI/evidencegate/services/evidence/storage/badger"
	"github.com/AleutianAI/evidencegate/services/evidence/vector"
)

var (
	cachePath      string
	cacheDumpJSON  bool
	cacheDeleteYes bool

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect the evidence BadgerDB cache",
	}

	cacheDumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "List cached snapshots and embedding sets",
		Args:  cobra.NoArgs,
		RunE:  dumpCache,
	}

	cacheDeleteCmd = &cobra.Command{
		Use:   "delete <snapshot-key>",
		Short: "Remove one cached snapshot",
		Long: `Removes the snapshot stored under <snapshot-key> (see cache dump). On a
terminal the deletion is confirmed first unless --yes is given.`,
		Args:  cobra.ExactArgs(1),
		RunE:  deleteCachedSnapshot,
	}
)

func init() {
	cacheCmd.PersistentFlags().StringVar(&cachePath, "path", "", "Cache directory (overrides cache.dir)")
	cacheDumpCmd.Flags().BoolVar(&cacheDumpJSON, "json", false, "Print as JSON")
	cacheDeleteCmd.Flags().BoolVarP(&cacheDeleteYes, "yes", "y", false, "Delete without asking")
	cacheCmd.AddCommand(cacheDeleteCmd)
}

// cacheDump is the JSON shape of cache dump.
type cacheDump struct {
	Path       string               `json:"path"`
	Snapshots  []snapshot.CacheMeta `json:"snapshots"`
	Embeddings []vector.CacheEntry  `json:"embeddings"`
}

func resolveCachePath() (string, error) {
	path := cachePath
	if path == "" {
		path = cfg.Cache.Dir
	}
	if path == "" {
		return "", fmt.Errorf("no cache directory: set cache.dir, %s or --path", config.EnvCacheDir)
	}
	return path, nil
}

func dumpCache(cmd *cobra.Command, _ []string) error {
	path, err := resolveCachePath()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(out, "Cache directory %s does not exist. Nothing has been cached yet.\n", path)
		return nil
	}

	dbCfg := badgerstore.DefaultConfig()
	dbCfg.Path = path
	dbCfg.ReadOnly = true
	dbCfg.GCInterval = 0
	db, err := badgerstore.OpenDB(dbCfg)
	if err != nil {
		return fmt.Errorf("opening cache at %s: %w", path, err)
	}
	defer db.Close()

	dump, err := readCache(cmd.Context(), db, path)
	if err != nil {
		return err
	}
	if cacheDumpJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(dump)
	}
	return writeCacheTable(out, dump)
}

func readCache(ctx context.Context, db *badgerstore.DB, path string) (cacheDump, error) {
	logger := slog.Default()
	snaps, err := snapshot.NewStore(db, logger).List(ctx)
	if err != nil {
		return cacheDump{}, err
	}
	embs, err := vector.NewBadgerEmbeddingStore(db, 0, logger).List(ctx)
	if err != nil {
		return cacheDump{}, err
	}
	return cacheDump{Path: path, Snapshots: snaps, Embeddings: embs}, nil
}

func writeCacheTable(w io.Writer, d cacheDump) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Cache: %s\n\n", d.Path)

	fmt.Fprintf(tw, "SNAPSHOTS (%d)\n", len(d.Snapshots))
	if len(d.Snapshots) > 0 {
		fmt.Fprintln(tw, "KEY\tLOCATION\tVERSION\tSYMBOLS\tSIZE\tCREATED")
		for _, m := range d.Snapshots {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
				m.Key, m.Location, m.Version, m.SymbolCount, m.CompressedSize,
				time.UnixMilli(m.CreatedAtMilli).UTC().Format(time.RFC3339))
		}
	}

	fmt.Fprintf(tw, "\nEMBEDDINGS (%d)\n", len(d.Embeddings))
	if len(d.Embeddings) > 0 {
		fmt.Fprintln(tw, "FINGERPRINT\tMODEL\tVECTORS\tDIMS\tSIZE\tEXPIRES IN")
		for _, e := range d.Embeddings {
			expires := "never"
			if !e.ExpiresAt.IsZero() {
				expires = time.Until(e.ExpiresAt).Round(time.Minute).String()
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
				shortFingerprint(e.Fingerprint), e.Model, e.Count, e.Dims, e.SizeBytes, expires)
		}
	}
	return tw.Flush()
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	if fp == "" {
		return "?"
	}
	return fp
}

func deleteCachedSnapshot(cmd *cobra.Command, args []string) error {
	path, err := resolveCachePath()
	if err != nil {
		return err
	}
	if !cacheDeleteYes && isTerminal(os.Stdin) && isTerminal(cmd.ErrOrStderr()) {
		confirmed, err := confirmDelete(args[0])
		if err != nil {
			return err
		}
		if !confirmed {
			fmt.Fprintln(cmd.OutOrStdout(), "kept", args[0])
			return nil
		}
	}
	dbCfg := badgerstore.DefaultConfig()
	dbCfg.Path = path
	db, err := badgerstore.OpenDB(dbCfg)
	if err != nil {
		return fmt.Errorf("opening cache at %s: %w", path, err)
	}
	defer db.Close()

	if err := snapshot.NewStore(db, slog.Default()).Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
	return nil
}

func confirmDelete(key string) (bool, error) {
	confirmed := false
	err := huh.NewConfirm().
		Title(fmt.Sprintf("Delete cached snapshot %s?", key)).
		Description("The snapshot is re-read from its source on the next run.").
		Affirmative("Delete").
		Negative("Keep").
		Value(&confirmed).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return confirmed, err
}
