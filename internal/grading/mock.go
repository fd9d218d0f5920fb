// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package grading

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/proctorhq/proctor/internal/models"
)

// LexicalGrader scores free text answers without an external model. It
// blends keyword overlap with TF-IDF cosine similarity against the
// reference answer. Scores below the configured threshold collapse to
// zero so noise answers do not collect partial credit.
type LexicalGrader struct {
	keywordWeight    float64
	similarityWeight float64
	threshold        float64
}

// NewLexicalGrader creates a lexical grader. threshold is the minimum
// blended score, in [0, 1], below which an answer scores zero.
func NewLexicalGrader(threshold float64) *LexicalGrader {
	return &LexicalGrader{
		keywordWeight:    0.4,
		similarityWeight: 0.6,
		threshold:        threshold,
	}
}

// Name implements Grader.
func (g *LexicalGrader) Name() string { return "lexical" }

// GradeAnswer implements Grader.
func (g *LexicalGrader) GradeAnswer(_ context.Context, question *models.Question, answerText string) (Result, error) {
	expected := referenceAnswer(question)

	keywordScore := keywordOverlap(answerText, expected)
	similarityScore := cosineSimilarity(answerText, expected)

	combined := g.keywordWeight*keywordScore + g.similarityWeight*similarityScore
	if combined < g.threshold {
		combined = 0
	}

	return Result{
		Awarded:  round2(combined * question.Points),
		Max:      question.Points,
		Feedback: scoreFeedback(combined),
	}, nil
}

func scoreFeedback(combined float64) string {
	switch {
	case combined >= 0.8:
		return "Excellent answer with strong keyword coverage and high similarity."
	case combined >= 0.6:
		return "Good answer with adequate keyword coverage."
	case combined >= 0.4:
		return "Fair answer with some relevant keywords."
	case combined >= 0.2:
		return "Weak answer with minimal keyword coverage."
	default:
		return "Answer does not meet the expected criteria."
	}
}

var (
	nonWordRe    = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true,
}

func normalizeText(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = nonWordRe.ReplaceAllString(text, "")
	return whitespaceRe.ReplaceAllString(text, " ")
}

func tokenize(text string) []string {
	normalized := normalizeText(text)
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, " ")
}

// extractKeywords keeps tokens longer than two characters that are not
// stop words.
func extractKeywords(text string) map[string]bool {
	keywords := make(map[string]bool)
	for _, word := range tokenize(text) {
		if len(word) > 2 && !stopWords[word] {
			keywords[word] = true
		}
	}
	return keywords
}

// keywordOverlap returns the fraction of expected keywords present in
// the answer, in [0, 1].
func keywordOverlap(answerText, expected string) float64 {
	expectedKeywords := extractKeywords(expected)
	if len(expectedKeywords) == 0 {
		return 0
	}

	answerKeywords := extractKeywords(answerText)
	matched := 0
	for word := range expectedKeywords {
		if answerKeywords[word] {
			matched++
		}
	}

	score := float64(matched) / float64(len(expectedKeywords))
	return math.Min(score, 1)
}

// cosineSimilarity computes TF-IDF cosine similarity between two texts
// over their combined two-document corpus.
func cosineSimilarity(a, b string) float64 {
	tokensA := tokenize(a)
	tokensB := tokenize(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	tfA := termFrequencies(tokensA)
	tfB := termFrequencies(tokensB)

	vocab := make(map[string]struct{}, len(tfA)+len(tfB))
	for term := range tfA {
		vocab[term] = struct{}{}
	}
	for term := range tfB {
		vocab[term] = struct{}{}
	}

	var dot, normA, normB float64
	for term := range vocab {
		idf := inverseDocFrequency(tfA[term] > 0, tfB[term] > 0)
		wa := tfA[term] * idf
		wb := tfB[term] * idf
		dot += wa * wb
		normA += wa * wa
		normB += wb * wb
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func termFrequencies(tokens []string) map[string]float64 {
	tf := make(map[string]float64, len(tokens))
	for _, token := range tokens {
		tf[token]++
	}
	return tf
}

// inverseDocFrequency uses smoothed IDF over the two-document corpus,
// ln((1+n)/(1+df)) + 1.
func inverseDocFrequency(inA, inB bool) float64 {
	df := 0
	if inA {
		df++
	}
	if inB {
		df++
	}
	return math.Log(3.0/float64(1+df)) + 1
}
