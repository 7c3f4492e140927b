// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot reads the symbol snapshot handed over by the parsing
// front end.
//
// A snapshot is JSON Lines, one symbol per line, optionally gzip
// compressed, stored locally or in Google Cloud Storage. The snapshot is
// authoritative: a line that cannot be turned into a valid symbol aborts
// the load.
package snapshot

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/AleutianAI/evidencegate/services/evidence/index"
	"github.com/AleutianAI/evidencegate/services/evidence/symbol"
)

// ErrInvalidRecord is wrapped by every per-line failure.
var ErrInvalidRecord = errors.New("invalid snapshot record")

// maxLineBytes bounds one JSON line. Symbol text is already capped by the
// front end; this only guards against a corrupt file.
const maxLineBytes = 16 << 20

// Record is the on-disk shape of one symbol.
type Record struct {
	ID              string    `json:"id,omitempty"`
	Kind            string    `json:"kind"`
	QualifiedName   string    `json:"qualified_name"`
	FilePath        string    `json:"file_path"`
	StartLine       int       `json:"start_line"`
	EndLine         int       `json:"end_line"`
	Text            string    `json:"text"`
	Truncated       bool      `json:"truncated,omitempty"`
	ContentHash     string    `json:"content_hash,omitempty"`
	SnapshotVersion string    `json:"snapshot_version,omitempty"`
	DocComment      string    `json:"doc_comment,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	EmbeddingRef    string    `json:"embedding_ref,omitempty"`
	Embedding       []float32 `json:"embedding,omitempty"`
}

// RecordFor converts a symbol back to its record form.
func RecordFor(s *symbol.Symbol) Record {
	return Record{
		ID:              s.ID,
		Kind:            string(s.Kind),
		QualifiedName:   s.QualifiedName,
		FilePath:        s.FilePath,
		StartLine:       s.StartLine,
		EndLine:         s.EndLine,
		Text:            s.Text,
		Truncated:       s.Truncated,
		ContentHash:     s.ContentHash,
		SnapshotVersion: s.SnapshotVersion,
		DocComment:      s.DocComment,
		Tags:            s.Tags,
		EmbeddingRef:    s.EmbeddingRef,
	}
}

// ReadOptions controls record conversion.
type ReadOptions struct {
	// DefaultVersion is assigned to records without a snapshot_version.
	DefaultVersion string

	// MaxTextBytes truncates longer text. 0 keeps text as given.
	MaxTextBytes int
}

// Snapshot is a loaded symbol collection.
type Snapshot struct {
	// Version is DefaultVersion when set, otherwise the first version
	// found in the records.
	Version string

	// Location is where the snapshot was read from.
	Location string

	Symbols []*symbol.Symbol

	// Embeddings holds vectors carried inline in the records, by symbol id.
	Embeddings map[string][]float32
}

// Read parses a snapshot stream.
//
// Description:
//
//	Gzip input is detected from its magic bytes. Blank lines are skipped.
//	For each record: a missing id is derived; a missing content hash is
//	computed; a present hash must match the stored text. When MaxTextBytes
//	truncates a record's text, a given hash described the untruncated
//	text and is replaced by the hash of what is stored.
//
//	Every bad line is collected before returning.
//
// Outputs:
//   - *Snapshot: Symbols in file order.
//   - error: *index.BatchError of ErrInvalidRecord failures, or a read error.
func Read(ctx context.Context, r io.Reader, opts ReadOptions) (*Snapshot, error) {
	br := bufio.NewReader(r)
	magic, _ := br.Peek(2)
	var src io.Reader = br
	if bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	snap := &Snapshot{Version: opts.DefaultVersion}
	var errs []error

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		if line%1000 == 0 && ctx.Err() != nil {
			return nil, fmt.Errorf("reading snapshot: %w", ctx.Err())
		}
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w: %v", line, ErrInvalidRecord, err))
			continue
		}
		sym, err := rec.toSymbol(opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		if snap.Version == "" {
			snap.Version = sym.SnapshotVersion
		}
		snap.Symbols = append(snap.Symbols, sym)
		if len(rec.Embedding) > 0 {
			if snap.Embeddings == nil {
				snap.Embeddings = make(map[string][]float32)
			}
			snap.Embeddings[sym.ID] = rec.Embedding
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	if len(errs) > 0 {
		return nil, &index.BatchError{Errors: errs}
	}
	return snap, nil
}

func (rec Record) toSymbol(opts ReadOptions) (*symbol.Symbol, error) {
	kind, err := symbol.ParseKind(rec.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	text, truncated := symbol.TruncateText(rec.Text, opts.MaxTextBytes)
	version := rec.SnapshotVersion
	if version == "" {
		version = opts.DefaultVersion
	}

	sym, err := symbol.New(symbol.Params{
		ID:              rec.ID,
		Kind:            kind,
		QualifiedName:   rec.QualifiedName,
		FilePath:        rec.FilePath,
		StartLine:       rec.StartLine,
		EndLine:         rec.EndLine,
		Text:            text,
		Truncated:       rec.Truncated || truncated,
		SnapshotVersion: version,
		DocComment:      rec.DocComment,
		Tags:            rec.Tags,
		EmbeddingRef:    rec.EmbeddingRef,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	if rec.ContentHash != "" && !truncated && rec.ContentHash != sym.ContentHash {
		return nil, fmt.Errorf("%w: %s: content_hash does not match text", ErrInvalidRecord, sym.ID)
	}
	return sym, nil
}

// Write encodes symbols as JSON Lines. Used by the snapshot cache and
// tests; the front end owns the canonical writer.
func Write(w io.Writer, symbols []*symbol.Symbol) error {
	enc := json.NewEncoder(w)
	for _, s := range symbols {
		if err := enc.Encode(RecordFor(s)); err != nil {
			return fmt.Errorf("encoding %s: %w", s.ID, err)
		}
	}
	return nil
}
