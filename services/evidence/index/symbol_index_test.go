// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func mustSymbol(t *testing.T, path, qname string, start, end int, text string) *symbol.Symbol {
	t.Helper()
	s, err := symbol.New(symbol.Params{
		Kind:            symbol.KindMethod,
		QualifiedName:   qname,
		FilePath:        path,
		StartLine:       start,
		EndLine:         end,
		Text:            text,
		SnapshotVersion: "v1",
	})
	require.NoError(t, err)
	return s
}

// =============================================================================
// Build
// =============================================================================

func TestBuild_Empty(t *testing.T) {
	idx, err := Build(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, "", idx.SnapshotVersion())

	count := 0
	for range idx.All() {
		count++
	}
	assert.Zero(t, count)
}

func TestBuild_LookupsAndOrdering(t *testing.T) {
	a := mustSymbol(t, "svc/a.go", "svc.Server.Start", 10, 20, "func Start()")
	b := mustSymbol(t, "svc/a.go", "svc.Server.Stop", 22, 30, "func Stop()")
	c := mustSymbol(t, "svc/b.go", "svc.Client.Start", 1, 5, "func Start()")

	idx, err := Build(context.Background(), []*symbol.Symbol{c, b, a})
	require.NoError(t, err)

	got, ok := idx.Get(a.ID)
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = idx.Get("missing")
	assert.False(t, ok)

	var ids []string
	for s := range idx.All() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids)

	starts := idx.BySimpleName("Start")
	require.Len(t, starts, 2)
	assert.Equal(t, a.ID, starts[0].ID)
	assert.Equal(t, c.ID, starts[1].ID)

	assert.Len(t, idx.ByQualifiedName("svc.Server.Stop"), 1)
	assert.Len(t, idx.ByFile("svc/a.go"), 2)
	assert.Nil(t, idx.ByFile("nope.go"))

	stem, _, _ := symbol.IDStem(a.ID)
	stemHits := idx.ByIDStem(stem)
	require.Len(t, stemHits, 1)
	assert.Equal(t, a.ID, stemHits[0].ID)

	assert.Equal(t, "v1", idx.SnapshotVersion())
}

func TestBuild_AllIsRestartable(t *testing.T) {
	idx, err := Build(context.Background(), []*symbol.Symbol{
		mustSymbol(t, "a.go", "A.x", 1, 1, "x"),
		mustSymbol(t, "a.go", "A.y", 2, 2, "y"),
	})
	require.NoError(t, err)

	seq := idx.All()
	first, second := 0, 0
	for range seq {
		first++
	}
	for range seq {
		second++
	}
	assert.Equal(t, 2, first)
	assert.Equal(t, first, second)

	// Early break must not leak state into the next iteration.
	for range seq {
		break
	}
	third := 0
	for range seq {
		third++
	}
	assert.Equal(t, 2, third)
}

func TestBuild_DuplicateIDFailsFast(t *testing.T) {
	a := mustSymbol(t, "a.go", "A.run", 1, 3, "run")
	dup := mustSymbol(t, "a.go", "A.run", 1, 3, "run but different text")

	idx, err := Build(context.Background(), []*symbol.Symbol{a, dup})
	require.Error(t, err)
	assert.Nil(t, idx)
	assert.True(t, errors.Is(err, ErrDuplicateSymbol))

	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Len(t, batchErr.Errors, 1)
	assert.Contains(t, batchErr.Error(), "symbol[1]")
}

func TestBuild_CollectsAllProblems(t *testing.T) {
	a := mustSymbol(t, "a.go", "A.run", 1, 3, "run")
	tampered := mustSymbol(t, "b.go", "B.run", 1, 3, "run")
	tampered.Text = "changed after hashing"

	_, err := Build(context.Background(), []*symbol.Symbol{a, a, nil, tampered})
	require.Error(t, err)

	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Len(t, batchErr.Errors, 3)
	assert.ErrorIs(t, err, ErrDuplicateSymbol)
	assert.ErrorIs(t, err, ErrInvalidSymbol)
	assert.ErrorIs(t, err, symbol.ErrInvalid)
	assert.Contains(t, batchErr.Error(), "and 2 more")
	assert.Contains(t, batchErr.ErrorList(), "symbol[3]")
}

func TestBuild_MaxSymbols(t *testing.T) {
	_, err := Build(context.Background(), []*symbol.Symbol{
		mustSymbol(t, "a.go", "A.x", 1, 1, "x"),
		mustSymbol(t, "a.go", "A.y", 2, 2, "y"),
	}, WithMaxSymbols(1))
	assert.ErrorIs(t, err, ErrMaxSymbolsExceeded)
}

func TestBuild_MixedSnapshotVersions(t *testing.T) {
	a := mustSymbol(t, "a.go", "A.x", 1, 1, "x")
	b, err := symbol.New(symbol.Params{
		Kind: symbol.KindField, QualifiedName: "A.y", FilePath: "a.go",
		StartLine: 2, EndLine: 2, Text: "y", SnapshotVersion: "v2",
	})
	require.NoError(t, err)

	idx, err := Build(context.Background(), []*symbol.Symbol{a, b})
	require.NoError(t, err)
	assert.Equal(t, "", idx.SnapshotVersion())

	stats := idx.Stats()
	assert.Equal(t, 2, stats.TotalSymbols)
	assert.Equal(t, 1, stats.ByKind[symbol.KindMethod])
	assert.Equal(t, 1, stats.ByKind[symbol.KindField])
	assert.Equal(t, 1, stats.FileCount)
}

func TestFingerprint(t *testing.T) {
	a := mustSymbol(t, "a.go", "A.x", 1, 1, "x")
	b := mustSymbol(t, "a.go", "A.y", 2, 2, "y")

	idx1, err := Build(context.Background(), []*symbol.Symbol{a, b})
	require.NoError(t, err)
	idx2, err := Build(context.Background(), []*symbol.Symbol{b, a})
	require.NoError(t, err)
	assert.Equal(t, idx1.Fingerprint(), idx2.Fingerprint())

	b2 := mustSymbol(t, "a.go", "A.y", 2, 2, "y changed")
	idx3, err := Build(context.Background(), []*symbol.Symbol{a, b2})
	require.NoError(t, err)
	assert.NotEqual(t, idx1.Fingerprint(), idx3.Fingerprint())
}

func TestBuild_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	_, err := Build(context.Background(), []*symbol.Symbol{mustSymbol(t, "a.go", "A.x", 1, 1, "x")})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	assert.Equal(t, "SymbolIndex.Build", spans[len(spans)-1].Name())
}

// =============================================================================
// Concurrency
// =============================================================================

func TestSymbolIndex_ConcurrentReads(t *testing.T) {
	var symbols []*symbol.Symbol
	for i := 1; i <= 200; i++ {
		symbols = append(symbols, mustSymbol(t, "a.go", "A.m", i, i, "m"))
	}
	idx, err := Build(context.Background(), symbols)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, s := range symbols {
				got, ok := idx.Get(s.ID)
				if !ok || got != s {
					t.Errorf("lookup failed for %s", s.ID)
					return
				}
			}
			_ = idx.BySimpleName("m")
		}()
	}
	wg.Wait()
}
