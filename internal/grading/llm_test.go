// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package grading

import (
	"context"
	"errors"
	"testing"
)

// scriptedClient returns canned completions in order, then repeats the
// last one.
type scriptedClient struct {
	responses []string
	err       error
	calls     int
}

func (c *scriptedClient) Complete(_ context.Context, _, _ string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	idx := c.calls - 1
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	return c.responses[idx], nil
}

func TestLLMGraderParsesJSON(t *testing.T) {
	client := &scriptedClient{responses: []string{`{"score": 7.5, "feedback": "Mostly right."}`}}
	g := NewLLMGrader(client, 3)
	q := essayQuestion(10, "reference")

	got, err := g.GradeAnswer(context.Background(), q, "student answer")
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if got.Awarded != 7.5 || got.Feedback != "Mostly right." {
		t.Errorf("result = %+v", got)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1", client.calls)
	}
}

func TestLLMGraderRejectsOutOfRangeScoreAndRetries(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"score": 42, "feedback": "too generous"}`,
		`{"score": 9, "feedback": "Good answer."}`,
	}}
	g := NewLLMGrader(client, 3)
	q := essayQuestion(10, "reference")

	got, err := g.GradeAnswer(context.Background(), q, "student answer")
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if got.Awarded != 9 {
		t.Errorf("awarded %v, want 9", got.Awarded)
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2", client.calls)
	}
}

func TestLLMGraderTextFallbackOnLastAttempt(t *testing.T) {
	client := &scriptedClient{responses: []string{"SCORE: 6.5\nFEEDBACK: Decent coverage of the topic."}}
	g := NewLLMGrader(client, 2)
	q := essayQuestion(10, "reference")

	got, err := g.GradeAnswer(context.Background(), q, "student answer")
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if got.Awarded != 6.5 {
		t.Errorf("awarded %v, want 6.5", got.Awarded)
	}
	if got.Feedback != "Decent coverage of the topic." {
		t.Errorf("feedback = %q", got.Feedback)
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2", client.calls)
	}
}

func TestLLMGraderExhaustsAttempts(t *testing.T) {
	client := &scriptedClient{err: errors.New("upstream down")}
	g := NewLLMGrader(client, 3)
	q := essayQuestion(10, "reference")

	if _, err := g.GradeAnswer(context.Background(), q, "student answer"); err == nil {
		t.Fatal("expected error when every attempt fails")
	}
	if client.calls != 3 {
		t.Errorf("calls = %d, want 3", client.calls)
	}
}

func TestParseLLMTextClampsScore(t *testing.T) {
	got := parseLLMText("SCORE: 99\nFEEDBACK: generous", 10)
	if got.Awarded != 10 {
		t.Errorf("awarded %v, want clamped 10", got.Awarded)
	}

	got = parseLLMText("no structure here", 10)
	if got.Awarded != 0 || got.Feedback != "Grading completed." {
		t.Errorf("unparseable result = %+v", got)
	}
}

var (
	_ Grader = (*LLMGrader)(nil)
	_ Grader = (*LexicalGrader)(nil)
)
