// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

// Package grading scores submitted exam sessions. Multiple choice
// questions are scored deterministically; free text questions go
// through a pluggable Grader, either the built-in lexical grader or an
// external LLM behind the Client contract.
package grading

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/proctorhq/proctor/internal/models"
)

// Result is the outcome of grading a single answer.
type Result struct {
	Awarded  float64
	Max      float64
	Feedback string
}

// Grader scores one free text answer against a question's reference
// answer. Implementations must be safe for concurrent use.
type Grader interface {
	// GradeAnswer scores answerText for the question. The returned
	// Awarded value is clamped to [0, question.Points].
	GradeAnswer(ctx context.Context, question *models.Question, answerText string) (Result, error)
	// Name identifies the grader in logs and grade records.
	Name() string
}

// gradeMultipleChoice scores a normalized multiple choice answer.
//
// Single select is binary. Multi select is proportional with a penalty:
// each wrong selection cancels one correct selection's worth of credit,
// floored at zero.
func gradeMultipleChoice(question *models.Question, answerText string) Result {
	max := question.Points

	selected, err := models.SelectedValues(answerText)
	if err != nil {
		// Pre-normalization legacy rows may hold a bare value.
		selected = []string{answerText}
	}

	correct := make(map[string]bool, len(question.CorrectValues))
	for _, v := range question.CorrectValues {
		correct[v] = true
	}
	if len(correct) == 0 {
		return Result{Awarded: 0, Max: max, Feedback: "No correct answer defined."}
	}

	if !question.AllowMultiple {
		if len(selected) == 1 && correct[selected[0]] && len(correct) == 1 {
			return Result{Awarded: max, Max: max, Feedback: "Correct answer selected."}
		}
		return Result{Awarded: 0, Max: max, Feedback: "Incorrect answer selected."}
	}

	var correctSelected, incorrectSelected int
	seen := make(map[string]bool, len(selected))
	for _, v := range selected {
		if seen[v] {
			continue
		}
		seen[v] = true
		if correct[v] {
			correctSelected++
		} else {
			incorrectSelected++
		}
	}

	totalCorrect := len(correct)
	awarded := float64(correctSelected)/float64(totalCorrect)*max -
		float64(incorrectSelected)/float64(totalCorrect)*max
	if awarded < 0 {
		awarded = 0
	}
	awarded = round2(awarded)

	var feedback string
	switch {
	case awarded == max:
		feedback = "All correct answers selected."
	case correctSelected > 0:
		feedback = fmt.Sprintf("%d out of %d correct answers selected.", correctSelected, totalCorrect)
	default:
		feedback = "Incorrect answer(s) selected."
	}
	return Result{Awarded: awarded, Max: max, Feedback: feedback}
}

// referenceAnswer joins a question's correct values into the reference
// text used by free text graders.
func referenceAnswer(question *models.Question) string {
	return strings.Join(question.CorrectValues, "\n")
}

// gradeAnswer dispatches one answer by question type. Empty answers
// score zero without touching the grader.
func gradeAnswer(ctx context.Context, grader Grader, question *models.Question, answerText string) (Result, error) {
	if strings.TrimSpace(answerText) == "" {
		return Result{Awarded: 0, Max: question.Points, Feedback: "No answer provided."}, nil
	}
	if question.IsMultipleChoice() {
		return gradeMultipleChoice(question, answerText), nil
	}
	return grader.GradeAnswer(ctx, question, answerText)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// sortResults orders question results by question order for stable
// grade records.
func sortResults(results []models.QuestionResult) {
	sort.Slice(results, func(i, j int) bool {
		return results[i].Order < results[j].Order
	})
}
