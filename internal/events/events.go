// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

// Package events carries session lifecycle and grading events over
// NATS JetStream. A single embedded server serves the default
// deployment; the publisher degrades to direct in-process dispatch
// when the broker is unreachable so session submission never blocks
// on messaging.
package events

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Event types, doubling as NATS topics.
const (
	TypeSessionStarted   = "exam.session.started"
	TypeSessionSubmitted = "exam.session.submitted"
	TypeSessionExpired   = "exam.session.expired"
	TypeTokenRotated     = "exam.session.token_rotated"
	TypeGradingRequested = "exam.grading.requested"
	TypeGradingCompleted = "exam.grading.completed"
)

// Event is the envelope for everything published on the exam streams.
// Fields beyond the first four are populated per type.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	OccurredAt time.Time `json:"occurred_at"`

	StudentID string `json:"student_id,omitempty"`
	ExamID    string `json:"exam_id,omitempty"`

	// RotatedTokens lists tokens invalidated by a session continuation.
	RotatedTokens []string `json:"rotated_tokens,omitempty"`

	// SubmissionType distinguishes manual submits from auto expiry.
	SubmissionType string `json:"submission_type,omitempty"`

	// GradingMethod tags grading.requested; GradeID and Percentage tag
	// grading.completed.
	GradingMethod string  `json:"grading_method,omitempty"`
	GradeID       string  `json:"grade_id,omitempty"`
	GradeStatus   string  `json:"grade_status,omitempty"`
	Percentage    float64 `json:"percentage,omitempty"`
}

// Topic returns the NATS subject the event belongs on.
func (e *Event) Topic() string {
	return e.Type
}

// Validate checks the fields every consumer relies on.
func (e *Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.SessionID == "" {
		return fmt.Errorf("event session_id is required")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("event occurred_at is required")
	}
	return nil
}

// Marshal serializes an event for the wire.
func Marshal(e *Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes and validates a wire event.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
