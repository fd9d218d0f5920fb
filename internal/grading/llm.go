// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package grading

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/proctorhq/proctor/internal/logging"
	"github.com/proctorhq/proctor/internal/models"
)

// Client is the contract an external language model provider must
// satisfy. The system prompt instructs the model to answer in JSON;
// Complete returns the raw completion text.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const llmSystemPrompt = "You are an expert academic grader. Always respond with valid JSON only."

const llmPromptTemplate = `You are an expert grader evaluating a student's answer.

Question: %s
Expected Answer/Key Points: %s
Student's Answer: %s
Maximum Points: %g

Please provide:
1. A score from 0 to %g (as a decimal number)
2. Brief feedback explaining the score

Format your response as JSON: {"score": <number>, "feedback": "<text>"}`

const llmRetryReminder = "\n\nIMPORTANT: Please ensure your response is valid JSON in this exact format:\n{\"score\": [number], \"feedback\": \"[text]\"}"

// LLMGrader scores free text answers through an external model. The
// provider sits behind a circuit breaker so a failing upstream trips
// fast instead of stalling every grading run.
type LLMGrader struct {
	client      Client
	breaker     *gobreaker.CircuitBreaker[string]
	maxAttempts int
}

// NewLLMGrader wraps the given client. maxAttempts bounds how many
// completions are requested per answer when responses fail validation.
func NewLLMGrader(client Client, maxAttempts int) *LLMGrader {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "llm-grader",
		MaxRequests: 2,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("LLM circuit breaker state changed")
		},
	})

	return &LLMGrader{
		client:      client,
		breaker:     breaker,
		maxAttempts: maxAttempts,
	}
}

// Name implements Grader.
func (g *LLMGrader) Name() string { return "llm" }

// GradeAnswer implements Grader. Responses failing JSON validation are
// retried with a format reminder appended; the final attempt is parsed
// leniently via the SCORE:/FEEDBACK: text fallback.
func (g *LLMGrader) GradeAnswer(ctx context.Context, question *models.Question, answerText string) (Result, error) {
	prompt := fmt.Sprintf(llmPromptTemplate,
		question.Text, referenceAnswer(question), answerText, question.Points, question.Points)

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		response, err := g.breaker.Execute(func() (string, error) {
			return g.client.Complete(ctx, llmSystemPrompt, prompt)
		})
		if err != nil {
			lastErr = err
			logging.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", g.maxAttempts).
				Str("question_id", question.ID).
				Msg("LLM grading attempt failed")
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			continue
		}

		if result, ok := parseLLMJSON(response, question.Points); ok {
			return result, nil
		}

		logging.Warn().
			Int("attempt", attempt).
			Str("question_id", question.ID).
			Msg("LLM response failed validation")

		if attempt < g.maxAttempts {
			prompt += llmRetryReminder
			continue
		}
		// Out of retries, salvage what we can from the text form.
		return parseLLMText(response, question.Points), nil
	}

	return Result{}, fmt.Errorf("llm grading failed after %d attempts: %w", g.maxAttempts, lastErr)
}

type llmResponse struct {
	Score    *float64 `json:"score"`
	Feedback *string  `json:"feedback"`
}

// parseLLMJSON validates and parses a JSON model response. ok is false
// when the response is not usable JSON with both fields in range.
func parseLLMJSON(response string, maxPoints float64) (Result, bool) {
	var parsed llmResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &parsed); err != nil {
		return Result{}, false
	}
	if parsed.Score == nil || parsed.Feedback == nil {
		return Result{}, false
	}
	if *parsed.Score < 0 || *parsed.Score > maxPoints {
		return Result{}, false
	}

	feedback := strings.TrimSpace(*parsed.Feedback)
	if feedback == "" {
		feedback = "Grading completed."
	}
	return Result{
		Awarded:  round2(*parsed.Score),
		Max:      maxPoints,
		Feedback: feedback,
	}, true
}

var (
	scoreRe    = regexp.MustCompile(`(?i)SCORE:\s*([\d.]+)`)
	feedbackRe = regexp.MustCompile(`(?is)FEEDBACK:\s*(.+?)(?:\n|$)`)
)

// parseLLMText is the lenient fallback for models that answer in the
// older SCORE:/FEEDBACK: text format.
func parseLLMText(response string, maxPoints float64) Result {
	var score float64
	if m := scoreRe.FindStringSubmatch(response); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			score = v
		}
	}
	if score < 0 {
		score = 0
	}
	if score > maxPoints {
		score = maxPoints
	}

	feedback := "Grading completed."
	if m := feedbackRe.FindStringSubmatch(response); m != nil {
		if f := strings.TrimSpace(m[1]); f != "" {
			feedback = f
		}
	}

	return Result{Awarded: round2(score), Max: maxPoints, Feedback: feedback}
}
