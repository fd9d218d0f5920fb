// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

// Package audit records security-relevant actions for forensic review:
// who changed which exam, who failed to log in, which session was
// submitted from which address. Events are buffered in memory and
// persisted asynchronously so the request path never waits on the
// audit trail.
package audit

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// EventType categorizes audit events.
type EventType string

const (
	// Authentication events
	EventTypeAuthSuccess EventType = "auth.success"
	EventTypeAuthFailure EventType = "auth.failure"

	// Exam administration events
	EventTypeExamCreated     EventType = "exam.created"
	EventTypeExamUpdated     EventType = "exam.updated"
	EventTypeExamDeleted     EventType = "exam.deleted"
	EventTypeExamActivated   EventType = "exam.activated"
	EventTypeExamDeactivated EventType = "exam.deactivated"

	// Question administration events
	EventTypeQuestionCreated EventType = "question.created"
	EventTypeQuestionUpdated EventType = "question.updated"
	EventTypeQuestionDeleted EventType = "question.deleted"

	// Exam taking events
	EventTypeSessionSubmitted EventType = "session.submitted"
)

// Severity indicates the severity level of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Outcome indicates whether an action succeeded or failed.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is a single audit trail entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Outcome   Outcome   `json:"outcome"`

	// ActorID is the username performing the action. Failed logins
	// record the attempted username.
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role,omitempty"`

	// Target identifies the object acted on: an exam, question,
	// session or user.
	TargetType string `json:"target_type,omitempty"`
	TargetID   string `json:"target_id,omitempty"`

	SourceIP  string `json:"source_ip"`
	RequestID string `json:"request_id,omitempty"`

	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Store persists audit events.
type Store interface {
	Save(ctx context.Context, event *Event) error
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)
	Count(ctx context.Context, filter QueryFilter) (int64, error)

	// Delete removes events older than the cutoff and returns how
	// many were removed.
	Delete(ctx context.Context, olderThan time.Time) (int64, error)
}

// QueryFilter narrows audit queries. Zero values mean "any".
type QueryFilter struct {
	Types     []EventType `json:"types,omitempty"`
	ActorID   string      `json:"actor_id,omitempty"`
	TargetID  string      `json:"target_id,omitempty"`
	StartTime *time.Time  `json:"start_time,omitempty"`
	EndTime   *time.Time  `json:"end_time,omitempty"`
	Limit     int         `json:"limit,omitempty"`
	Offset    int         `json:"offset,omitempty"`
}

// DefaultQueryFilter returns the filter used when a query specifies
// nothing: the 100 most recent events.
func DefaultQueryFilter() QueryFilter {
	return QueryFilter{Limit: 100}
}
