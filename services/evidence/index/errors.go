// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index provides the read-only symbol index for one codebase snapshot.
//
// # Ownership Model
//
// The index is built once per run from the symbols handed over by the
// parsing front end and never changes afterwards:
//   - Build validates every symbol and rejects duplicate ids up front
//   - The index stores pointers to symbols and does NOT copy them
//   - Symbols MUST NOT be mutated after Build returns
//
// # Thread Safety
//
// Because nothing is written after Build, any number of goroutines may read
// from a SymbolIndex without synchronization.
package index

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for symbol index construction.
var (
	// ErrDuplicateSymbol is returned when two symbols share an id.
	ErrDuplicateSymbol = errors.New("duplicate symbol ID")

	// ErrMaxSymbolsExceeded is returned when the batch is larger than the
	// configured capacity.
	ErrMaxSymbolsExceeded = errors.New("maximum symbol count exceeded")

	// ErrInvalidSymbol is returned when a symbol fails validation.
	// The underlying error from Symbol.Validate() is wrapped.
	ErrInvalidSymbol = errors.New("invalid symbol")
)

// BatchError aggregates every problem found while building an index.
//
// Build reports all duplicates and invalid symbols together instead of
// stopping at the first one, so a bad snapshot can be fixed in one pass.
// BatchError supports errors.Is/As through Unwrap() []error.
type BatchError struct {
	// Errors contains all individual errors, each prefixed with the
	// position of the offending symbol (e.g. "symbol[3]: duplicate ID").
	Errors []error
}

// Error returns a human-readable summary of the batch errors.
func (e *BatchError) Error() string {
	if len(e.Errors) == 0 {
		return "batch error with no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors: %v (and %d more)",
		len(e.Errors), e.Errors[0], len(e.Errors)-1)
}

// Unwrap returns the individual errors for errors.Is/As.
func (e *BatchError) Unwrap() []error {
	return e.Errors
}

// ErrorList returns every error message on its own line.
func (e *BatchError) ErrorList() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "\n")
}
