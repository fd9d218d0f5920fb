// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package models

import "time"

// GradeHistory statuses.
const (
	GradeStatusPending    = "pending"
	GradeStatusInProgress = "in_progress"
	GradeStatusCompleted  = "completed"
	GradeStatusFailed     = "failed"
)

// Grading methods record what triggered the run.
const (
	GradingMethodAuto    = "auto"    // manual submission, automatic grading
	GradingMethodTimeout = "timeout" // expiry-driven auto submission
	GradingMethodExpired = "expired" // fallback sweeper found the session late
	GradingMethodManual  = "manual"  // admin re-grade of a failed run
)

// GradeHistory records one grading run over a completed session. The
// answers snapshot is taken when the run starts so later edits to
// questions cannot change what was graded.
type GradeHistory struct {
	ID            string           `json:"id"`
	SessionID     string           `json:"session_id"`
	Status        string           `json:"status"`
	GradingMethod string           `json:"grading_method"`
	AnswersData   string           `json:"-"`
	Results       []QuestionResult `json:"results,omitempty"`
	TotalAwarded  float64          `json:"total_awarded"`
	TotalMax      float64          `json:"total_max"`
	Percentage    float64          `json:"percentage"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
}

// QuestionResult is the graded outcome for one question.
type QuestionResult struct {
	QuestionID string  `json:"question_id"`
	Order      int     `json:"order"`
	Awarded    float64 `json:"awarded"`
	Max        float64 `json:"max"`
	Feedback   string  `json:"feedback,omitempty"`
}

// GradeSummary is the compact grade representation embedded in exam
// listings.
type GradeSummary struct {
	GradeHistoryID string    `json:"grade_history_id"`
	Status         string    `json:"status"`
	Percentage     float64   `json:"percentage"`
	GradedAt       time.Time `json:"graded_at"`
}
