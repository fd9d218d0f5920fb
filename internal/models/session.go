// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package models

import "time"

// Submission types record how a session reached completion.
const (
	SubmissionManual      = "manual"
	SubmissionAutoExpired = "auto_expired"
)

// Session start statuses returned by StartOrContinue.
const (
	SessionStatusStarted   = "started"
	SessionStatusContinued = "continued"
)

// ExamSession is a student's single timed attempt at an exam. The
// (ExamID, StudentID) pair is unique for all time; a completed session
// blocks retakes.
type ExamSession struct {
	ID                   string     `json:"id"`
	ExamID               string     `json:"exam_id"`
	StudentID            string     `json:"student_id"`
	StartedAt            time.Time  `json:"started_at"`
	ExpiresAt            time.Time  `json:"expires_at"`
	IsCompleted          bool       `json:"is_completed"`
	SubmittedAt          *time.Time `json:"submitted_at,omitempty"`
	SubmissionType       string     `json:"submission_type,omitempty"`
	CurrentQuestionOrder int        `json:"current_question_order"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// IsExpired reports whether the deadline has passed at the given
// instant. ExpiresAt never moves after creation; token rotation does
// not extend time.
func (s *ExamSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TimeRemaining returns the whole seconds left until the deadline,
// never negative.
func (s *ExamSession) TimeRemaining(now time.Time) int {
	remaining := s.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds())
}

// SessionToken scopes access to one ExamSession. At most one token per
// session is valid at any instant; issuing a new one invalidates all
// prior tokens for the session.
type SessionToken struct {
	Token         string     `json:"token"`
	SessionID     string     `json:"session_id"`
	IsValid       bool       `json:"is_valid"`
	InvalidatedAt *time.Time `json:"invalidated_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Answer is a student's stored response to one question. Re-answering
// upserts. Multiple choice answers are normalized before storage, see
// Question.NormalizeAnswer.
type Answer struct {
	SessionID  string    `json:"session_id"`
	QuestionID string    `json:"question_id"`
	AnswerText string    `json:"answer_text"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SessionView is what StartOrContinue returns to the client.
type SessionView struct {
	Token                string    `json:"token"`
	Status               string    `json:"status"`
	SessionID            string    `json:"session_id"`
	ExamID               string    `json:"exam_id"`
	ExpiresAt            time.Time `json:"expires_at"`
	TimeRemainingSeconds int       `json:"time_remaining_seconds"`
	CurrentQuestionOrder int       `json:"current_question_order"`
	TotalQuestions       int       `json:"total_questions"`
}

// SessionProgress summarizes how far a student has gotten.
type SessionProgress struct {
	SessionID            string         `json:"session_id"`
	AnsweredCount        int            `json:"answered_count"`
	TotalQuestions       int            `json:"total_questions"`
	TimeRemainingSeconds int            `json:"time_remaining_seconds"`
	Questions            []QuestionMark `json:"questions"`
}

// QuestionMark is one entry of a progress report.
type QuestionMark struct {
	Order    int  `json:"order"`
	Answered bool `json:"answered"`
}
