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

import "math"

// =============================================================================
// BM25 Index
// =============================================================================

// BM25 tuning constants (Robertson et al. defaults).
const (
	// bm25K1 controls term frequency saturation.
	bm25K1 = 1.5

	// bm25B controls document length normalization.
	bm25B = 0.75
)

// bm25Doc holds the BM25 representation of one symbol's text.
type bm25Doc struct {
	tf  map[string]int
	len int
}

// bm25Index is an inverted index over symbol bodies.
//
// Unlike a keyword-set corpus, symbol text is long and repetitive, so true
// term frequencies are kept and len is the raw token count.
//
// Immutable after buildBM25Index.
type bm25Index struct {
	docs   []bm25Doc
	idf    map[string]float64
	avgLen float64
}

// buildBM25Index builds the index from one token list per document.
//
// IDF uses Lucene-style smoothing: log((N+1)/(df+1)) + 1, always >= 1.
func buildBM25Index(corpus [][]string) *bm25Index {
	idx := &bm25Index{
		docs: make([]bm25Doc, len(corpus)),
		idf:  make(map[string]float64),
	}
	if len(corpus) == 0 {
		return idx
	}

	df := make(map[string]int)
	totalLen := 0
	for i, tokens := range corpus {
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		idx.docs[i] = bm25Doc{tf: tf, len: len(tokens)}
		totalLen += len(tokens)
		for term := range tf {
			df[term]++
		}
	}

	n := len(corpus)
	idx.avgLen = float64(totalLen) / float64(n)
	for term, docFreq := range df {
		idx.idf[term] = math.Log(float64(n+1)/float64(docFreq+1)) + 1.0
	}
	return idx
}

// score computes the raw BM25 score of document i for sorted query terms.
func (idx *bm25Index) score(i int, queryTerms []string) float64 {
	doc := idx.docs[i]
	if doc.len == 0 || idx.avgLen == 0 {
		return 0
	}
	dl := float64(doc.len)

	var score float64
	for _, term := range queryTerms {
		tf, inDoc := doc.tf[term]
		if !inDoc {
			continue
		}
		tfFloat := float64(tf)
		numerator := tfFloat * (bm25K1 + 1)
		denominator := tfFloat + bm25K1*(1.0-bm25B+bm25B*dl/idx.avgLen)
		score += idx.idf[term] * (numerator / denominator)
	}
	return score
}
