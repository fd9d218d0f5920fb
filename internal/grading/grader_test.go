// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package grading

import (
	"context"
	"testing"

	"github.com/proctorhq/proctor/internal/models"
)

func singleChoiceQuestion(points float64) *models.Question {
	return &models.Question{
		ID:     "q1",
		Type:   models.QuestionTypeMultipleChoice,
		Points: points,
		Options: []models.QuestionOption{
			{Label: "Paris", Value: "a"},
			{Label: "Lyon", Value: "b"},
			{Label: "Nice", Value: "c"},
		},
		CorrectValues: []string{"a"},
	}
}

func multiSelectQuestion(points float64) *models.Question {
	return &models.Question{
		ID:     "q2",
		Type:   models.QuestionTypeMultipleChoice,
		Points: points,
		Options: []models.QuestionOption{
			{Label: "2", Value: "a"},
			{Label: "3", Value: "b"},
			{Label: "4", Value: "c"},
			{Label: "5", Value: "d"},
		},
		AllowMultiple: true,
		CorrectValues: []string{"a", "b", "d"},
	}
}

func TestGradeSingleChoice(t *testing.T) {
	q := singleChoiceQuestion(4)

	got := gradeMultipleChoice(q, `["a"]`)
	if got.Awarded != 4 {
		t.Errorf("correct answer awarded %v, want 4", got.Awarded)
	}

	got = gradeMultipleChoice(q, `["b"]`)
	if got.Awarded != 0 {
		t.Errorf("wrong answer awarded %v, want 0", got.Awarded)
	}
}

func TestGradeMultiSelectProportional(t *testing.T) {
	q := multiSelectQuestion(6)

	tests := []struct {
		name   string
		answer string
		want   float64
	}{
		{"all correct", `["a","b","d"]`, 6},
		{"two of three", `["a","b"]`, 4},
		{"one of three", `["a"]`, 2},
		{"wrong selection cancels a right one", `["a","b","c"]`, 2},
		{"all wrong", `["c"]`, 0},
		{"penalty floors at zero", `["c","a"]`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := gradeMultipleChoice(q, tt.answer)
			if got.Awarded != tt.want {
				t.Errorf("awarded %v, want %v", got.Awarded, tt.want)
			}
			if got.Max != 6 {
				t.Errorf("max %v, want 6", got.Max)
			}
		})
	}
}

func TestGradeMultipleChoiceNoCorrectDefined(t *testing.T) {
	q := multiSelectQuestion(6)
	q.CorrectValues = nil

	got := gradeMultipleChoice(q, `["a"]`)
	if got.Awarded != 0 {
		t.Errorf("awarded %v, want 0", got.Awarded)
	}
}

func TestGradeAnswerEmptyScoresZero(t *testing.T) {
	q := &models.Question{
		Type:          models.QuestionTypeEssay,
		Points:        10,
		CorrectValues: []string{"photosynthesis converts light energy"},
	}

	got, err := gradeAnswer(context.Background(), NewLexicalGrader(0.3), q, "   ")
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if got.Awarded != 0 {
		t.Errorf("awarded %v, want 0", got.Awarded)
	}
	if got.Feedback != "No answer provided." {
		t.Errorf("feedback = %q", got.Feedback)
	}
}
