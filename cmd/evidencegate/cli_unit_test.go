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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/evidencegate/services/evidence/config"
	"github.com/AleutianAI/evidencegate/services/evidence/gate"
	"github.com/AleutianAI/evidencegate/services/evidence/pipeline"
	"github.com/AleutianAI/evidencegate/services/evidence/retrieval"
	"github.com/AleutianAI/evidencegate/services/evidence/snapshot"
	badgerstore "github.com/AleutianAI/evidencegate/services/evidence/storage/badger"
	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
)

// =============================================================================
// Fixtures
// =============================================================================

// writeSnapshot writes a three-symbol snapshot and returns its path.
func writeSnapshot(t *testing.T, dir string) string {
	t.Helper()
	params := []symbol.Params{
		{FilePath: "auth.go", QualifiedName: "auth.Check", StartLine: 1, Text: "verify password hash with cache.Get"},
		{FilePath: "cache.go", QualifiedName: "cache.Get", StartLine: 1, Text: "lookup cache entry"},
		{FilePath: "cache.go", QualifiedName: "cache.Put", StartLine: 10, Text: "insert cache entry"},
	}
	syms := make([]*symbol.Symbol, 0, len(params))
	for _, p := range params {
		p.Kind = symbol.KindMethod
		p.EndLine = p.StartLine + 5
		p.SnapshotVersion = "snap-1"
		s, err := symbol.New(p)
		require.NoError(t, err)
		syms = append(syms, s)
	}
	var buf bytes.Buffer
	require.NoError(t, snapshot.Write(&buf, syms))
	path := filepath.Join(dir, "snapshot.jsonl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	c, err := config.Load(context.Background(), []byte(yaml), nil)
	require.NoError(t, err)
	return c
}

// fakeOllama answers /api/embed with the same unit vector for every input.
func fakeOllama(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := make([][]float32, len(req.Input))
		for i := range out {
			out[i] = []float32{1, 0, 0}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// =============================================================================
// Engine Builder
// =============================================================================

func TestBuild_LexicalOnly(t *testing.T) {
	dir := t.TempDir()
	c := loadConfig(t, fmt.Sprintf("snapshot:\n  location: %s\n", writeSnapshot(t, dir)))

	b, err := newEngineBuilder(context.Background(), c, nil)
	require.NoError(t, err)
	defer b.Close()

	e, err := b.build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "snap-1", e.SnapshotVersion())
	assert.Equal(t, 3, e.Index().Len())

	res := e.Retrieve(context.Background(), "password hash", nil, e.RetrievalConfig())
	assert.Equal(t, retrieval.ViaLexical, res.Strategy)
	assert.False(t, res.VectorAvailable)
}

func TestBuild_SharesGateAcrossBuilds(t *testing.T) {
	dir := t.TempDir()
	c := loadConfig(t, fmt.Sprintf("snapshot:\n  location: %s\ngate:\n  mode: report\n", writeSnapshot(t, dir)))

	b, err := newEngineBuilder(context.Background(), c, nil)
	require.NoError(t, err)
	defer b.Close()

	first, err := b.build(context.Background())
	require.NoError(t, err)
	_, err = first.Process(context.Background(), pipeline.Sample{ID: "a", Query: "password"})
	require.NoError(t, err)

	second, err := b.build(context.Background())
	require.NoError(t, err)
	assert.Same(t, first.Gate(), second.Gate())
	assert.Equal(t, gate.ModeReport, second.Gate().Mode())
	assert.Equal(t, int64(1), second.Gate().Summary().Total)
}

func TestBuild_MissingLocation(t *testing.T) {
	b, err := newEngineBuilder(context.Background(), loadConfig(t, ""), nil)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.build(context.Background())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestBuild_VectorWithCache(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int64
	ollama := fakeOllama(t, &calls)
	cacheDir := filepath.Join(dir, "cache")
	c := loadConfig(t, fmt.Sprintf(`
snapshot:
  location: %s
embedding:
  enabled: true
  url: %s/api/embed
  requests_per_second: 0
cache:
  dir: %s
retrieval:
  call_chain:
    enabled: true
`, writeSnapshot(t, dir), ollama.URL, cacheDir))

	b, err := newEngineBuilder(context.Background(), c, nil)
	require.NoError(t, err)
	e, err := b.build(context.Background())
	require.NoError(t, err)

	res := e.Retrieve(context.Background(), "anything at all", nil, e.RetrievalConfig())
	assert.True(t, res.VectorAvailable)
	assert.Equal(t, retrieval.ViaVector, res.Strategy)
	require.NotEmpty(t, res.Hits)

	// Vectors are cached under the index fingerprint.
	db := b.db
	dump, err := readCache(context.Background(), db, cacheDir)
	require.NoError(t, err)
	require.Len(t, dump.Embeddings, 1)
	assert.Equal(t, 3, dump.Embeddings[0].Count)
	assert.Equal(t, 3, dump.Embeddings[0].Dims)
	require.NoError(t, b.Close())

	// A second builder warms from the cache: only query embeddings hit
	// the service.
	b2, err := newEngineBuilder(context.Background(), c, nil)
	require.NoError(t, err)
	defer b2.Close()
	before := calls.Load()
	_, err = b2.build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, calls.Load())
}

func TestBuild_EmbeddingFailureFallsBackToLexical(t *testing.T) {
	dir := t.TempDir()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer down.Close()
	c := loadConfig(t, fmt.Sprintf(`
snapshot:
  location: %s
embedding:
  enabled: true
  url: %s/api/embed
  requests_per_second: 0
`, writeSnapshot(t, dir), down.URL))

	b, err := newEngineBuilder(context.Background(), c, nil)
	require.NoError(t, err)
	defer b.Close()

	e, err := b.build(context.Background())
	require.NoError(t, err)
	res := e.Retrieve(context.Background(), "password", nil, e.RetrievalConfig())
	assert.False(t, res.VectorAvailable)
	assert.Equal(t, retrieval.ViaLexical, res.Strategy)
}

// =============================================================================
// Rendering
// =============================================================================

func TestPrintSummary_JSONWhenNotTerminal(t *testing.T) {
	s := pipeline.Summary{
		RunID:           "run-1",
		SnapshotVersion: "snap-1",
		Gate:            gate.Summary{Mode: gate.ModeGate, Total: 3, Clean: 2, Rejected: 1},
		Strategies:      map[retrieval.Via]int64{retrieval.ViaLexical: 3},
	}
	var buf bytes.Buffer
	require.NoError(t, printSummary(&buf, s, false))

	var got pipeline.Summary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, int64(2), got.Gate.Clean)
}

func TestRenderSummary(t *testing.T) {
	out := renderSummary(pipeline.Summary{
		RunID:           "run-1",
		SnapshotVersion: "snap-1",
		Duration:        1500 * time.Millisecond,
		Gate: gate.Summary{
			Mode: gate.ModeGate, Total: 3, Clean: 2, Rejected: 1,
			ErrorCodes: map[string]int64{"EVIDENCE_EMPTY": 1},
		},
		Strategies: map[retrieval.Via]int64{retrieval.ViaLexical: 2, retrieval.ViaNone: 1},
		Degraded:   1,
	})
	for _, want := range []string{"run-1", "snap-1", "1.5s", "EVIDENCE_EMPTY", "lexical", "none", "degraded retrieval"} {
		assert.Contains(t, out, want)
	}
}

func TestSetupLogging(t *testing.T) {
	defer setupLogging("text", false)
	assert.NoError(t, setupLogging("json", true))
	assert.NoError(t, setupLogging("TEXT", false))
	assert.Error(t, setupLogging("xml", false))
}

// =============================================================================
// Commands
// =============================================================================

func TestRunCommand_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	snapPath := writeSnapshot(t, dir)

	var historyWrites atomic.Int64
	var historyBody atomic.Value
	influx := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		historyBody.Store(string(body))
		historyWrites.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer influx.Close()

	cfgPath := filepath.Join(dir, "evidence.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
snapshot:
  location: %s
history:
  enabled: true
  url: %s
telemetry:
  trace_exporter: none
  metrics_exporter: none
`, snapPath, influx.URL)), 0o600))

	samplesPath := filepath.Join(dir, "samples.jsonl")
	samples := strings.Join([]string{
		`{"id":"s1","query":"verify password hash"}`,
		`{"id":"s2","query":"zzz unmatched"}`,
		`{"id":"s3","query":"cache entry","proposed_evidence":[{"symbol_id":"cache.go:cache.Get:1"}]}`,
		``,
	}, "\n")
	require.NoError(t, os.WriteFile(samplesPath, []byte(samples), 0o600))
	outPath := filepath.Join(dir, "out")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"run", "--config", cfgPath, "--samples", samplesPath, "--out", outPath, "--fail-on-reject"})
	err := rootCmd.ExecuteContext(context.Background())
	assert.ErrorIs(t, err, errRejected)

	clean := readIDs(t, filepath.Join(outPath, pipeline.CleanFileName))
	rejected := readIDs(t, filepath.Join(outPath, pipeline.RejectedFileName))
	assert.ElementsMatch(t, []string{"s1", "s3"}, clean)
	assert.ElementsMatch(t, []string{"s2"}, rejected)

	var summary pipeline.Summary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary), stdout.String())
	assert.Equal(t, int64(3), summary.Gate.Total)
	assert.Equal(t, "snap-1", summary.SnapshotVersion)

	assert.Equal(t, int64(1), historyWrites.Load())
	assert.Contains(t, historyBody.Load(), "rejected=1i")
}

func readIDs(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var ids []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var rec pipeline.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		ids = append(ids, rec.SampleID)
	}
	require.NoError(t, sc.Err())
	return ids
}

func TestDumpCache_MissingDirectory(t *testing.T) {
	cfg = loadConfig(t, "")
	cachePath = filepath.Join(t.TempDir(), "absent")
	defer func() { cachePath = "" }()

	var out bytes.Buffer
	cacheDumpCmd.SetOut(&out)
	cacheDumpCmd.SetContext(context.Background())
	require.NoError(t, dumpCache(cacheDumpCmd, nil))
	assert.Contains(t, out.String(), "does not exist")
}

func TestWriteCacheTable(t *testing.T) {
	db, err := badgerstore.OpenDB(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	dump, err := readCache(context.Background(), db, "mem")
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, writeCacheTable(&out, dump))
	assert.Contains(t, out.String(), "SNAPSHOTS (0)")
	assert.Contains(t, out.String(), "EMBEDDINGS (0)")
}

func TestDiffCommand(t *testing.T) {
	dir := t.TempDir()
	basePath := writeSnapshot(t, dir)
	targetPath := filepath.Join(dir, "target.jsonl")
	require.NoError(t, os.WriteFile(targetPath, []byte(
		`{"kind":"method","qualified_name":"auth.Check","file_path":"auth.go","start_line":1,"end_line":6,"text":"verify password hash with cache.Get","snapshot_version":"snap-2"}
{"kind":"method","qualified_name":"cache.Get","file_path":"cache.go","start_line":1,"end_line":6,"text":"lookup cache entry or nil"}
`), 0o600))

	cfg = loadConfig(t, "")
	diffJSON, diffPatches = false, true
	defer func() { diffJSON, diffPatches = false, false }()

	var out bytes.Buffer
	diffCmd.SetOut(&out)
	diffCmd.SetContext(context.Background())
	require.NoError(t, diffSnapshots(diffCmd, []string{basePath, targetPath}))

	text := out.String()
	assert.Contains(t, text, "snap-1 -> snap-2: 2 changes")
	assert.Contains(t, text, "- cache.Put@cache.go")
	assert.Contains(t, text, "~ cache.Get@cache.go (text_changed")
	assert.Contains(t, text, "@@")
}

// =============================================================================
// Interactive
// =============================================================================

func TestRunWithSpinner_NonTerminalRunsTask(t *testing.T) {
	var out bytes.Buffer
	ran := false
	err := runWithSpinner(context.Background(), &out, "working", func(context.Context) error {
		ran = true
		return errRejected
	})
	assert.ErrorIs(t, err, errRejected)
	assert.True(t, ran)
	assert.Empty(t, out.String(), "no spinner output off a terminal")
}

func TestSpinnerModel(t *testing.T) {
	m := newSpinnerModel("embedding 3 symbols")
	assert.NotNil(t, m.Init())
	assert.Contains(t, m.View(), "embedding 3 symbols")

	next, cmd := m.Update(taskDoneMsg{})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
	assert.Empty(t, next.View())
}

func TestDeleteCachedSnapshot_NonInteractive(t *testing.T) {
	dir := t.TempDir()
	cfg = loadConfig(t, "")
	cachePath = dir
	defer func() { cachePath = "" }()

	var out bytes.Buffer
	cacheDeleteCmd.SetOut(&out)
	cacheDeleteCmd.SetContext(context.Background())
	require.NoError(t, deleteCachedSnapshot(cacheDeleteCmd, []string{"absent-key"}))
	assert.Contains(t, out.String(), "deleted absent-key")
}
