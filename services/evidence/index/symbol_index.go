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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultMaxSymbols is the default maximum number of symbols an index can hold.
const DefaultMaxSymbols = 1_000_000

// Options configures index construction.
type Options struct {
	// MaxSymbols is the maximum number of symbols the index can hold.
	// Building from more symbols returns ErrMaxSymbolsExceeded.
	// Default: 1,000,000
	MaxSymbols int
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		MaxSymbols: DefaultMaxSymbols,
	}
}

// Option is a functional option for configuring Build.
type Option func(*Options)

// WithMaxSymbols sets the maximum number of symbols the index can hold.
func WithMaxSymbols(max int) Option {
	return func(o *Options) {
		o.MaxSymbols = max
	}
}

// Stats contains statistics about the symbol index.
type Stats struct {
	TotalSymbols    int
	ByKind          map[symbol.Kind]int
	FileCount       int
	WithEmbedding   int
	MaxSymbols      int
	SnapshotVersion string
}

// SymbolIndex maps symbol ids to symbols for one immutable snapshot.
//
// The index maintains several maps for the access patterns of the engine:
//   - byID: primary index, unique per symbol
//   - byQualified / bySimple: name lookups used by call-chain expansion
//   - byFile: same-file tie breaking and file scoped queries
//   - byStem: id without its trailing line suffix, for relaxed matching
//
// Thread Safety:
//
//	Safe for concurrent reads. Nothing is written after Build, so no lock
//	is held on any read path.
type SymbolIndex struct {
	byID        map[string]*symbol.Symbol
	byQualified map[string][]*symbol.Symbol
	bySimple    map[string][]*symbol.Symbol
	byFile      map[string][]*symbol.Symbol
	byStem      map[string][]*symbol.Symbol

	// ordered holds every symbol sorted by id for restartable iteration.
	ordered []*symbol.Symbol

	kindCounts      map[symbol.Kind]int
	withEmbedding   int
	snapshotVersion string
	fingerprint     string

	options Options
}

// Build constructs an index from a finite symbol collection.
//
// Description:
//
//	Construction runs in two phases. Phase one validates every symbol
//	and detects duplicate ids, collecting all problems. If any problem is
//	found nothing is indexed and a *BatchError is returned. Phase two fills
//	the lookup maps. Uniqueness is asserted, never patched: a duplicate id
//	is a configuration error for the whole run.
//
// Inputs:
//   - ctx: Context for tracing.
//   - symbols: The symbols of one snapshot. Nil entries are invalid.
//   - opts: Functional options.
//
// Outputs:
//   - *SymbolIndex: The read-only index.
//   - error: *BatchError wrapping ErrDuplicateSymbol or ErrInvalidSymbol,
//     or ErrMaxSymbolsExceeded.
//
// Example:
//
//	idx, err := index.Build(ctx, symbols, index.WithMaxSymbols(100_000))
func Build(ctx context.Context, symbols []*symbol.Symbol, opts ...Option) (*SymbolIndex, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	start := time.Now()
	ctx, span := startOperationSpan(ctx, "Build")
	defer span.End()
	span.SetAttributes(attribute.Int("index.input_count", len(symbols)))

	fail := func(err error) (*SymbolIndex, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build failed")
		setOperationSpanResult(span, 0, false)
		recordBuildMetrics(ctx, time.Since(start), 0, false)
		return nil, err
	}

	if len(symbols) > options.MaxSymbols {
		return fail(fmt.Errorf("%w: %d symbols, limit %d",
			ErrMaxSymbolsExceeded, len(symbols), options.MaxSymbols))
	}

	// Phase 1: validate everything before touching the maps.
	var errs []error
	seen := make(map[string]int, len(symbols))
	for i, sym := range symbols {
		if sym == nil {
			errs = append(errs, fmt.Errorf("symbol[%d]: %w: symbol is nil", i, ErrInvalidSymbol))
			continue
		}
		if err := sym.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("symbol[%d]: %w: %w", i, ErrInvalidSymbol, err))
			continue
		}
		if firstIdx, exists := seen[sym.ID]; exists {
			errs = append(errs, fmt.Errorf("symbol[%d]: %w (same as symbol[%d]): %s",
				i, ErrDuplicateSymbol, firstIdx, sym.ID))
			continue
		}
		seen[sym.ID] = i
	}
	if len(errs) > 0 {
		return fail(&BatchError{Errors: errs})
	}

	// Phase 2: populate.
	idx := &SymbolIndex{
		byID:        make(map[string]*symbol.Symbol, len(symbols)),
		byQualified: make(map[string][]*symbol.Symbol),
		bySimple:    make(map[string][]*symbol.Symbol),
		byFile:      make(map[string][]*symbol.Symbol),
		byStem:      make(map[string][]*symbol.Symbol),
		ordered:     make([]*symbol.Symbol, len(symbols)),
		kindCounts:  make(map[symbol.Kind]int),
		options:     options,
	}
	copy(idx.ordered, symbols)
	sort.Slice(idx.ordered, func(i, j int) bool {
		return idx.ordered[i].ID < idx.ordered[j].ID
	})

	versions := make(map[string]struct{})
	h := sha256.New()
	for _, sym := range idx.ordered {
		idx.addSymbol(sym)
		versions[sym.SnapshotVersion] = struct{}{}
		h.Write([]byte(sym.ID))
		h.Write([]byte{0})
		h.Write([]byte(sym.ContentHash))
		h.Write([]byte{'\n'})
	}
	idx.fingerprint = hex.EncodeToString(h.Sum(nil))
	if len(versions) == 1 {
		for v := range versions {
			idx.snapshotVersion = v
		}
	}

	span.SetStatus(codes.Ok, "")
	setOperationSpanResult(span, len(idx.ordered), true)
	recordBuildMetrics(ctx, time.Since(start), len(idx.ordered), true)
	return idx, nil
}

// addSymbol inserts into every map. Symbols arrive in id order, so each
// secondary slice is id ordered as well.
func (idx *SymbolIndex) addSymbol(sym *symbol.Symbol) {
	idx.byID[sym.ID] = sym
	idx.byQualified[sym.QualifiedName] = append(idx.byQualified[sym.QualifiedName], sym)
	simple := sym.SimpleName()
	idx.bySimple[simple] = append(idx.bySimple[simple], sym)
	idx.byFile[sym.FilePath] = append(idx.byFile[sym.FilePath], sym)
	stem, _, _ := symbol.IDStem(sym.ID)
	idx.byStem[stem] = append(idx.byStem[stem], sym)

	idx.kindCounts[sym.Kind]++
	if sym.HasEmbedding() {
		idx.withEmbedding++
	}
}

// Get retrieves a symbol by its unique id.
func (idx *SymbolIndex) Get(id string) (*symbol.Symbol, bool) {
	sym, ok := idx.byID[id]
	return sym, ok
}

// All returns a finite, restartable iterator over every symbol in id order.
//
// Each call to the returned sequence starts from the beginning.
func (idx *SymbolIndex) All() iter.Seq[*symbol.Symbol] {
	return func(yield func(*symbol.Symbol) bool) {
		for _, sym := range idx.ordered {
			if !yield(sym) {
				return
			}
		}
	}
}

// Len returns the number of indexed symbols.
func (idx *SymbolIndex) Len() int {
	return len(idx.ordered)
}

// ByQualifiedName returns the symbols with exactly this qualified name,
// ordered by id. The returned slice is a copy.
func (idx *SymbolIndex) ByQualifiedName(name string) []*symbol.Symbol {
	return copySlice(idx.byQualified[name])
}

// BySimpleName returns the symbols whose last name segment equals name,
// ordered by id. The returned slice is a copy.
func (idx *SymbolIndex) BySimpleName(name string) []*symbol.Symbol {
	return copySlice(idx.bySimple[name])
}

// ByFile returns the symbols declared in filePath, ordered by id.
// The returned slice is a copy.
func (idx *SymbolIndex) ByFile(filePath string) []*symbol.Symbol {
	return copySlice(idx.byFile[filePath])
}

// ByIDStem returns the symbols whose id equals stem once its trailing
// line suffix is removed. Used for relaxed id matching.
func (idx *SymbolIndex) ByIDStem(stem string) []*symbol.Symbol {
	return copySlice(idx.byStem[stem])
}

// SnapshotVersion returns the snapshot version shared by every symbol, or
// "" when the symbols disagree or the index is empty.
func (idx *SymbolIndex) SnapshotVersion() string {
	return idx.snapshotVersion
}

// Fingerprint returns a SHA-256 over the sorted (id, content hash) pairs.
// Two indexes with equal fingerprints hold the same evidence.
func (idx *SymbolIndex) Fingerprint() string {
	return idx.fingerprint
}

// Stats returns summary statistics. The returned map is a copy.
func (idx *SymbolIndex) Stats() Stats {
	byKind := make(map[symbol.Kind]int, len(idx.kindCounts))
	for k, v := range idx.kindCounts {
		byKind[k] = v
	}
	return Stats{
		TotalSymbols:    len(idx.ordered),
		ByKind:          byKind,
		FileCount:       len(idx.byFile),
		WithEmbedding:   idx.withEmbedding,
		MaxSymbols:      idx.options.MaxSymbols,
		SnapshotVersion: idx.snapshotVersion,
	}
}

func copySlice(src []*symbol.Symbol) []*symbol.Symbol {
	if len(src) == 0 {
		return nil
	}
	result := make([]*symbol.Symbol, len(src))
	copy(result, src)
	return result
}
