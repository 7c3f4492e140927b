// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/AleutianAI/evidencegate/services/evidence/gate"
)

// Sink receives routed records.
type Sink interface {
	// Write stores one record. It must be safe for concurrent use.
	Write(ctx context.Context, rec Record) error
}

// Stream file names used by OpenJSONLDir.
const (
	CleanFileName    = "clean.jsonl"
	RejectedFileName = "rejected.jsonl"
)

// JSONLSink writes clean and rejected records to two JSON Lines streams.
//
// Thread Safety: Safe for concurrent use.
type JSONLSink struct {
	mu       sync.Mutex
	clean    *bufio.Writer
	rejected *bufio.Writer
	closers  []io.Closer
	closed   bool
}

// NewJSONLSink writes to the given streams. Closing the sink flushes them
// but does not close them.
func NewJSONLSink(clean, rejected io.Writer) *JSONLSink {
	return &JSONLSink{
		clean:    bufio.NewWriter(clean),
		rejected: bufio.NewWriter(rejected),
	}
}

// OpenJSONLDir creates dir and opens clean.jsonl and rejected.jsonl in it,
// truncating existing files.
func OpenJSONLDir(dir string) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	clean, err := os.Create(filepath.Join(dir, CleanFileName))
	if err != nil {
		return nil, fmt.Errorf("opening clean stream: %w", err)
	}
	rejected, err := os.Create(filepath.Join(dir, RejectedFileName))
	if err != nil {
		_ = clean.Close()
		return nil, fmt.Errorf("opening rejected stream: %w", err)
	}
	s := NewJSONLSink(clean, rejected)
	s.closers = []io.Closer{clean, rejected}
	return s, nil
}

// Write implements Sink. Nothing is written once ctx is done.
func (s *JSONLSink) Write(ctx context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.SampleID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return errors.New("sink is closed")
	}
	w := s.clean
	if rec.State != gate.StateClean {
		w = s.rejected
	}
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("writing record %s: %w", rec.SampleID, err)
	}
	return nil
}

// Close flushes both streams and closes files opened by OpenJSONLDir.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	errs := []error{s.clean.Flush(), s.rejected.Flush()}
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
