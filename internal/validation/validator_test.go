// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package validation

import (
	"strings"
	"testing"
)

type createQuestionRequest struct {
	Type   string  `validate:"required,questiontype"`
	Text   string  `validate:"required"`
	Points float64 `validate:"gt=0"`
	Order  int     `validate:"min=1"`
}

func TestValidateStructPasses(t *testing.T) {
	req := createQuestionRequest{
		Type:   "multiple_choice",
		Text:   "What is the capital of France?",
		Points: 2,
		Order:  1,
	}
	if err := ValidateStruct(&req); err != nil {
		t.Fatalf("valid struct rejected: %v", err)
	}
}

func TestQuestionTypeValidator(t *testing.T) {
	for _, typ := range []string{"multiple_choice", "short_answer", "essay"} {
		req := createQuestionRequest{Type: typ, Text: "t", Points: 1, Order: 1}
		if err := ValidateStruct(&req); err != nil {
			t.Errorf("type %q should pass: %v", typ, err)
		}
	}

	req := createQuestionRequest{Type: "true_false", Text: "t", Points: 1, Order: 1}
	err := ValidateStruct(&req)
	if err == nil {
		t.Fatal("unknown question type should fail")
	}
	if !strings.Contains(err.Error(), "multiple_choice") {
		t.Errorf("expected allowed values in message, got %q", err.Error())
	}
}

func TestGradingMethodValidator(t *testing.T) {
	type regradeRequest struct {
		Method string `validate:"required,gradingmethod"`
	}

	if err := ValidateStruct(&regradeRequest{Method: "timeout"}); err != nil {
		t.Errorf("timeout should pass: %v", err)
	}
	if err := ValidateStruct(&regradeRequest{Method: "vibes"}); err == nil {
		t.Error("unknown grading method should fail")
	}
}

func TestToAPIErrorSingleField(t *testing.T) {
	req := createQuestionRequest{Type: "essay", Text: "t", Points: 0, Order: 1}
	err := ValidateStruct(&req)
	if err == nil {
		t.Fatal("expected validation error")
	}

	apiErr := err.ToAPIError()
	if apiErr.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %q, want VALIDATION_ERROR", apiErr.Code)
	}
	if apiErr.Details["field"] != "Points" {
		t.Errorf("details field = %v, want Points", apiErr.Details["field"])
	}
}

func TestToAPIErrorMultipleFields(t *testing.T) {
	req := createQuestionRequest{}
	err := ValidateStruct(&req)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	if len(err.Errors()) < 3 {
		t.Fatalf("expected at least 3 field errors, got %d", len(err.Errors()))
	}

	apiErr := err.ToAPIError()
	if _, ok := apiErr.Details["fields"]; !ok {
		t.Error("expected fields list in details for multi-error case")
	}
}
