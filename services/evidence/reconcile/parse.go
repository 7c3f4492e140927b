// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformed is wrapped by every ParseError.
var ErrMalformed = errors.New("malformed evidence item")

// PartialEvidence is one proposed reference as the generator wrote it.
//
// Only SymbolID is ever trusted, and only as intent. The other fields are
// kept so that an unresolved proposal can be reported as given.
type PartialEvidence struct {
	SymbolID    string `json:"symbol_id"`
	FilePath    string `json:"file_path,omitempty"`
	StartLine   int    `json:"start_line,omitempty"`
	EndLine     int    `json:"end_line,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

// ParseError describes one item that could not be parsed.
type ParseError struct {
	// Index is the position of the item in its array, -1 for the array itself.
	Index int `json:"index"`

	Reason string `json:"reason"`

	// Raw is the offending item, cut to a loggable length.
	Raw string `json:"raw,omitempty"`
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", ErrMalformed, e.Reason)
	}
	return fmt.Sprintf("%s [%d]: %s", ErrMalformed, e.Index, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrMalformed }

const maxRawLen = 200

func clip(raw []byte) string {
	s := string(bytes.TrimSpace(raw))
	if len(s) > maxRawLen {
		return s[:maxRawLen] + "..."
	}
	return s
}

// idKeys are the keys generators use for the symbol id, in preference order.
var idKeys = []string{"symbol_id", "symbolId", "id"}

// Parse reads one proposed evidence item.
//
// Description:
//
//	Accepts either a bare string (the symbol id) or an object. Object keys
//	symbol_id, symbolId and id name the symbol. Line numbers may be JSON
//	numbers or numeric strings. Anything else is a *ParseError.
//
// Outputs:
//   - PartialEvidence: The parsed item.
//   - error: *ParseError wrapping ErrMalformed. Index is 0; ParseAll sets it.
func Parse(raw json.RawMessage) (PartialEvidence, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return PartialEvidence{}, &ParseError{Reason: "empty item"}
	}

	switch trimmed[0] {
	case '"':
		var id string
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return PartialEvidence{}, &ParseError{Reason: err.Error(), Raw: clip(trimmed)}
		}
		id = strings.TrimSpace(id)
		if id == "" {
			return PartialEvidence{}, &ParseError{Reason: "empty symbol id", Raw: clip(trimmed)}
		}
		return PartialEvidence{SymbolID: id}, nil
	case '{':
	default:
		return PartialEvidence{}, &ParseError{Reason: "item is neither an object nor a string", Raw: clip(trimmed)}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return PartialEvidence{}, &ParseError{Reason: err.Error(), Raw: clip(trimmed)}
	}

	var pe PartialEvidence
	for _, key := range idKeys {
		if v, ok := fields[key]; ok {
			id, err := stringField(v)
			if err != nil {
				return PartialEvidence{}, &ParseError{Reason: key + ": " + err.Error(), Raw: clip(trimmed)}
			}
			pe.SymbolID = strings.TrimSpace(id)
			break
		}
	}
	if pe.SymbolID == "" {
		return PartialEvidence{}, &ParseError{Reason: "missing symbol id", Raw: clip(trimmed)}
	}

	var err error
	if pe.FilePath, err = optionalString(fields, "file_path"); err != nil {
		return PartialEvidence{}, &ParseError{Reason: err.Error(), Raw: clip(trimmed)}
	}
	if pe.ContentHash, err = optionalString(fields, "content_hash"); err != nil {
		return PartialEvidence{}, &ParseError{Reason: err.Error(), Raw: clip(trimmed)}
	}
	if pe.StartLine, err = optionalLine(fields, "start_line"); err != nil {
		return PartialEvidence{}, &ParseError{Reason: err.Error(), Raw: clip(trimmed)}
	}
	if pe.EndLine, err = optionalLine(fields, "end_line"); err != nil {
		return PartialEvidence{}, &ParseError{Reason: err.Error(), Raw: clip(trimmed)}
	}
	return pe, nil
}

// ParseAll parses a JSON array of proposed items, isolating failures.
//
// Description:
//
//	Each item is parsed on its own; a malformed item becomes a ParseError
//	and its siblings are still returned. A null or empty input is an
//	empty proposal. Input that is not an array at all yields a single
//	ParseError with Index -1 and no items.
func ParseAll(raw json.RawMessage) ([]PartialEvidence, []*ParseError) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, []*ParseError{{Index: -1, Reason: "evidence is not an array: " + err.Error(), Raw: clip(trimmed)}}
	}

	var (
		out  []PartialEvidence
		errs []*ParseError
	)
	for i, item := range items {
		pe, err := Parse(item)
		if err != nil {
			var pErr *ParseError
			if !errors.As(err, &pErr) {
				pErr = &ParseError{Reason: err.Error()}
			}
			pErr.Index = i
			errs = append(errs, pErr)
			continue
		}
		out = append(out, pe)
	}
	return out, errs
}

func stringField(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", errors.New("expected a string")
	}
	return s, nil
}

func optionalString(fields map[string]json.RawMessage, key string) (string, error) {
	v, ok := fields[key]
	if !ok || string(v) == "null" {
		return "", nil
	}
	s, err := stringField(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return s, nil
}

func optionalLine(fields map[string]json.RawMessage, key string) (int, error) {
	v, ok := fields[key]
	if !ok || string(v) == "null" {
		return 0, nil
	}

	var n float64
	if err := json.Unmarshal(v, &n); err != nil {
		var s string
		if json.Unmarshal(v, &s) != nil {
			return 0, fmt.Errorf("%s: expected a number", key)
		}
		parsed, perr := strconv.Atoi(strings.TrimSpace(s))
		if perr != nil {
			return 0, fmt.Errorf("%s: %q is not a line number", key, s)
		}
		n = float64(parsed)
	}
	if n < 0 || n != math.Trunc(n) || n > math.MaxInt32 {
		return 0, fmt.Errorf("%s: %v is not a line number", key, n)
	}
	return int(n), nil
}
