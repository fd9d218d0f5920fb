// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// Question types.
const (
	QuestionTypeMultipleChoice = "multiple_choice"
	QuestionTypeShortAnswer    = "short_answer"
	QuestionTypeEssay          = "essay"
)

// Exam is a timed collection of ordered questions. Students only see
// active exams; deactivating an exam hides it without touching existing
// sessions.
type Exam struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	DurationMinutes int       `json:"duration_minutes"`
	IsActive        bool      `json:"is_active"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Duration returns the exam's time limit.
func (e *Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// QuestionOption is one selectable choice of a multiple choice question.
// Label is what students see; Value is what gets stored and graded.
type QuestionOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Question belongs to an exam. Order is 1-based and unique per exam.
// Options, AllowMultiple and CorrectValues are only meaningful for
// multiple choice questions.
type Question struct {
	ID            string           `json:"id"`
	ExamID        string           `json:"exam_id"`
	Type          string           `json:"type"`
	Text          string           `json:"text"`
	Points        float64          `json:"points"`
	Order         int              `json:"order"`
	Options       []QuestionOption `json:"options,omitempty"`
	AllowMultiple bool             `json:"allow_multiple,omitempty"`

	// CorrectValues holds the correct option values for multiple
	// choice questions, or the reference answer text for short answer
	// and essay questions. Never serialized toward students.
	CorrectValues []string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsMultipleChoice reports whether the question is graded against a
// fixed option set.
func (q *Question) IsMultipleChoice() bool {
	return q.Type == QuestionTypeMultipleChoice
}

// NormalizeAnswer canonicalizes a raw student answer for storage.
//
// Multiple choice answers arrive either as a bare option value or a
// JSON array of option values. They are stored as a sorted JSON array
// so equality checks and grading are order-independent. Text answers
// pass through unchanged.
func (q *Question) NormalizeAnswer(raw string) (string, error) {
	if !q.IsMultipleChoice() {
		return raw, nil
	}

	values, err := parseSelectedValues(raw)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", fmt.Errorf("no option selected")
	}
	if len(values) > 1 && !q.AllowMultiple {
		return "", fmt.Errorf("question accepts a single option, got %d", len(values))
	}

	valid := make(map[string]bool, len(q.Options))
	for _, opt := range q.Options {
		valid[opt.Value] = true
	}
	seen := make(map[string]bool, len(values))
	unique := values[:0]
	for _, v := range values {
		if !valid[v] {
			return "", fmt.Errorf("unknown option value %q", v)
		}
		if seen[v] {
			continue
		}
		seen[v] = true
		unique = append(unique, v)
	}

	sort.Strings(unique)
	out, err := json.Marshal(unique)
	if err != nil {
		return "", fmt.Errorf("marshal selected values: %w", err)
	}
	return string(out), nil
}

// SelectedValues decodes a normalized multiple choice answer back into
// its option values.
func SelectedValues(normalized string) ([]string, error) {
	var values []string
	if err := json.Unmarshal([]byte(normalized), &values); err != nil {
		return nil, fmt.Errorf("decode selected values: %w", err)
	}
	return values, nil
}

// parseSelectedValues accepts either a JSON array of strings or a bare
// option value.
func parseSelectedValues(raw string) ([]string, error) {
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err == nil {
		return values, nil
	}
	return []string{raw}, nil
}
