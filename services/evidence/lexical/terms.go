// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lexical

import (
	"sort"
	"strings"
	"unicode"
)

// noiseWords are dropped by the tokenizer. They appear in nearly every
// query and carry no evidence signal.
var noiseWords = map[string]bool{
	"the": true, "a": true, "an": true, "in": true, "on": true,
	"at": true, "to": true, "for": true, "of": true, "is": true,
	"are": true, "was": true, "it": true, "be": true, "and": true,
	"or": true, "does": true, "how": true, "what": true, "where": true,
}

// delimiterReplacer maps identifier punctuation to spaces.
var delimiterReplacer = strings.NewReplacer(
	"_", " ", "-", " ", ".", " ", "/", " ", "\\", " ", ":", " ",
	"#", " ", "(", " ", ")", " ", "{", " ", "}", " ", "[", " ",
	"]", " ", ",", " ", ";", " ", "\"", " ", "'", " ", "`", " ",
	"<", " ", ">", " ", "=", " ", "*", " ", "&", " ", "!", " ",
	"+", " ",
)

// Tokenize splits text into lowercase terms, keeping duplicates.
//
// Description:
//
//	camelCase is split before lowercasing ("parseConfig" -> "parse",
//	"config"), identifier punctuation becomes whitespace, and single
//	characters and noise words are dropped. Order follows the input.
//
// Thread Safety: Safe for concurrent use.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}

	var expanded strings.Builder
	expanded.Grow(len(text) + len(text)/8)
	var prevWasUpper bool
	for i, r := range text {
		isUpper := unicode.IsUpper(r)
		if i > 0 && isUpper && !prevWasUpper {
			expanded.WriteRune(' ')
		}
		expanded.WriteRune(r)
		prevWasUpper = isUpper
	}

	normalized := delimiterReplacer.Replace(strings.ToLower(expanded.String()))

	words := strings.Fields(normalized)
	terms := words[:0]
	for _, word := range words {
		if len(word) >= 2 && !noiseWords[word] {
			terms = append(terms, word)
		}
	}
	return terms
}

// QueryTerms returns the unique terms of a query in sorted order.
//
// Sorting keeps score accumulation order fixed, so identical queries give
// bit-identical scores.
func QueryTerms(query string) []string {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	terms := make([]string, 0, len(set))
	for tok := range set {
		terms = append(terms, tok)
	}
	sort.Strings(terms)
	return terms
}

// termSet returns the distinct terms of text.
func termSet(text string) map[string]struct{} {
	tokens := Tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}
