// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package symbol defines the addressable code units the evidence engine
// reasons about, and the references that point at them.
//
// A Symbol is produced by an upstream parsing front end and is treated as
// authoritative. This package never parses source; it only derives stable
// ids, computes content hashes and checks the structural invariants that
// every indexed symbol must satisfy.
package symbol

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrInvalid is returned when a symbol fails structural validation.
var ErrInvalid = errors.New("invalid symbol")

// Kind classifies a symbol.
type Kind string

const (
	KindClass  Kind = "class"
	KindMethod Kind = "method"
	KindField  Kind = "field"
	KindFile   Kind = "file"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindClass, KindMethod, KindField, KindFile:
		return true
	default:
		return false
	}
}

// ParseKind converts a case-insensitive string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalid, s)
	}
	return k, nil
}

// Symbol is one addressable code unit inside a codebase snapshot.
//
// Description:
//
//	Symbols are built once when the index is constructed and never change
//	afterwards. ContentHash is always the digest of the stored Text, not of
//	any un-truncated original, so a truncated symbol still verifies.
//
// Thread Safety:
//
//	Immutable after construction. Callers holding a *Symbol obtained from
//	an index must not modify it.
type Symbol struct {
	// ID is derived from FilePath, QualifiedName and StartLine. See MakeID.
	ID string `json:"id"`

	Kind          Kind   `json:"kind"`
	QualifiedName string `json:"qualified_name"`
	FilePath      string `json:"file_path"`

	// StartLine and EndLine are 1-based and inclusive.
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	Text      string `json:"text"`
	Truncated bool   `json:"truncated,omitempty"`

	// ContentHash is HashText(Text).
	ContentHash string `json:"content_hash"`

	SnapshotVersion string   `json:"snapshot_version"`
	DocComment      string   `json:"doc_comment,omitempty"`
	Tags            []string `json:"tags,omitempty"`

	// EmbeddingRef names the vector for this symbol in the embedding
	// store. Empty means the symbol has no precomputed embedding.
	EmbeddingRef string `json:"embedding_ref,omitempty"`
}

// Params carries the fields needed to construct a Symbol with New.
type Params struct {
	ID              string
	Kind            Kind
	QualifiedName   string
	FilePath        string
	StartLine       int
	EndLine         int
	Text            string
	Truncated       bool
	SnapshotVersion string
	DocComment      string
	Tags            []string
	EmbeddingRef    string
}

// New builds a Symbol and computes its content hash.
//
// Description:
//
//	If p.ID is empty the id is derived with MakeID. The content hash is
//	always computed from p.Text, so the hash invariant holds by
//	construction. The returned symbol is validated before it is handed
//	back.
//
// Inputs:
//   - p: Symbol fields. FilePath, QualifiedName and a valid line range are required.
//
// Outputs:
//   - *Symbol: The constructed symbol.
//   - error: Wraps ErrInvalid if validation fails.
func New(p Params) (*Symbol, error) {
	id := p.ID
	if id == "" {
		id = MakeID(p.FilePath, p.QualifiedName, p.StartLine)
	}

	var tags []string
	if len(p.Tags) > 0 {
		tags = make([]string, len(p.Tags))
		copy(tags, p.Tags)
	}

	s := &Symbol{
		ID:              id,
		Kind:            p.Kind,
		QualifiedName:   p.QualifiedName,
		FilePath:        p.FilePath,
		StartLine:       p.StartLine,
		EndLine:         p.EndLine,
		Text:            p.Text,
		Truncated:       p.Truncated,
		ContentHash:     HashText(p.Text),
		SnapshotVersion: p.SnapshotVersion,
		DocComment:      p.DocComment,
		Tags:            tags,
		EmbeddingRef:    p.EmbeddingRef,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the structural invariants of a symbol.
//
// Outputs:
//   - error: nil if valid, otherwise an error wrapping ErrInvalid naming the
//     first broken invariant.
func (s *Symbol) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil symbol", ErrInvalid)
	}
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalid)
	}
	if s.FilePath == "" {
		return fmt.Errorf("%w: %s: empty file path", ErrInvalid, s.ID)
	}
	if s.QualifiedName == "" {
		return fmt.Errorf("%w: %s: empty qualified name", ErrInvalid, s.ID)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalid, s.ID, s.Kind)
	}
	if s.StartLine < 1 || s.EndLine < s.StartLine {
		return fmt.Errorf("%w: %s: bad line range %d-%d", ErrInvalid, s.ID, s.StartLine, s.EndLine)
	}
	if s.ContentHash != HashText(s.Text) {
		return fmt.Errorf("%w: %s: content hash does not match text", ErrInvalid, s.ID)
	}
	return nil
}

// SimpleName returns the last segment of the qualified name.
//
// "pkg.Server.Handle" -> "Handle", "ns::Foo::bar" -> "bar", "Foo#bar" -> "bar".
func (s *Symbol) SimpleName() string {
	return SimpleName(s.QualifiedName)
}

// HasTag reports whether the symbol carries tag (case-insensitive).
func (s *Symbol) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// HasEmbedding reports whether the symbol has a precomputed embedding handle.
func (s *Symbol) HasEmbedding() bool {
	return s.EmbeddingRef != ""
}

// SimpleName returns the last segment of a qualified name.
func SimpleName(qualified string) string {
	cut := strings.LastIndexAny(qualified, ".#/")
	if i := strings.LastIndex(qualified, "::"); i >= 0 && i+1 > cut {
		cut = i + 1
	}
	if cut < 0 {
		return qualified
	}
	return qualified[cut+1:]
}

// HashText returns the lowercase hex SHA-256 of text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// MakeID derives the stable id of a symbol.
//
// The format is "{filePath}:{qualifiedName}:{startLine}". The trailing line
// number is what relaxed matching strips, see IDStem.
func MakeID(filePath, qualifiedName string, startLine int) string {
	return filePath + ":" + qualifiedName + ":" + strconv.Itoa(startLine)
}

// IDStem splits a trailing ":<digits>" line suffix off an id.
//
// Outputs:
//   - stem: The id without the suffix, or the whole id when none is present.
//   - line: The parsed suffix, 0 when absent.
//   - ok: True if a suffix was found.
func IDStem(id string) (stem string, line int, ok bool) {
	i := strings.LastIndexByte(id, ':')
	if i < 0 || i == len(id)-1 {
		return id, 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 0 {
		return id, 0, false
	}
	return id[:i], n, true
}

// TruncateText cuts text to at most maxBytes bytes on a rune boundary.
// maxBytes <= 0 disables truncation.
func TruncateText(text string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text, false
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut], true
}
