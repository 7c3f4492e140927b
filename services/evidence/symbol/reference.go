// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbol

import "fmt"

// EvidenceReference claims that a symbol supports a generated statement.
//
// It refers to the symbol weakly, by id. FilePath and ContentHash are
// redundant with the symbol and exist so that a mismatch can be detected
// without trusting the proposer.
type EvidenceReference struct {
	SymbolID    string `json:"symbol_id"`
	FilePath    string `json:"file_path"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	ContentHash string `json:"content_hash"`
}

// ReferenceFor returns the canonical reference covering the whole symbol.
func ReferenceFor(s *Symbol) EvidenceReference {
	return EvidenceReference{
		SymbolID:    s.ID,
		FilePath:    s.FilePath,
		StartLine:   s.StartLine,
		EndLine:     s.EndLine,
		ContentHash: s.ContentHash,
	}
}

// WithinSymbol reports whether the reference's line range is a sub-range of
// the symbol's range.
func (r EvidenceReference) WithinSymbol(s *Symbol) bool {
	return r.StartLine >= s.StartLine &&
		r.EndLine <= s.EndLine &&
		r.StartLine <= r.EndLine
}

// String renders the reference for log lines and audit records.
func (r EvidenceReference) String() string {
	return fmt.Sprintf("%s [%s:%d-%d]", r.SymbolID, r.FilePath, r.StartLine, r.EndLine)
}
