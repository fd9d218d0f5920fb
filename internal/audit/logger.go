// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package audit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/proctorhq/proctor/internal/logging"
)

// Config holds configuration for the audit logger.
type Config struct {
	// Enabled controls whether audit logging is active.
	Enabled bool `json:"enabled"`

	// RetentionDays is how long to keep audit events.
	RetentionDays int `json:"retention_days"`

	// CleanupInterval is how often retention cleanup runs.
	CleanupInterval time.Duration `json:"cleanup_interval"`

	// BufferSize is the size of the async write buffer. When the
	// buffer is full, events are dropped with a warning rather than
	// blocking the request.
	BufferSize int `json:"buffer_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		RetentionDays:   90,
		CleanupInterval: 24 * time.Hour,
		BufferSize:      1000,
	}
}

// Logger buffers audit events and writes them to the store from a
// single background goroutine.
type Logger struct {
	config    *Config
	store     Store
	eventChan chan *Event
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewLogger creates a new audit logger and starts its writer.
func NewLogger(store Store, config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	l := &Logger{
		config:    config,
		store:     store,
		eventChan: make(chan *Event, config.BufferSize),
		stopChan:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.asyncWriter()

	return l
}

func (l *Logger) asyncWriter() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopChan:
			// Drain remaining events
			for {
				select {
				case event := <-l.eventChan:
					l.writeEvent(event)
				default:
					return
				}
			}
		case event := <-l.eventChan:
			l.writeEvent(event)
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.store.Save(ctx, event); err != nil {
		logging.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Failed to save audit event")
	}
}

// Log records an audit event. It never blocks; when the buffer is
// full the event is dropped and a warning logged.
func (l *Logger) Log(event *Event) {
	if !l.config.Enabled {
		return
	}

	if event.ID == "" {
		event.ID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case l.eventChan <- event:
	default:
		logging.Warn().Str("event_id", event.ID).Msg("Audit event buffer full, dropping event")
	}
}

// Close drains the buffer and stops the writer.
func (l *Logger) Close() error {
	close(l.stopChan)
	l.wg.Wait()
	return nil
}

// StartCleanupRoutine deletes events past the retention window on the
// configured interval until the context ends.
func (l *Logger) StartCleanupRoutine(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(l.config.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().AddDate(0, 0, -l.config.RetentionDays)
				count, err := l.store.Delete(ctx, cutoff)
				if err != nil {
					logging.Error().Err(err).Msg("Audit cleanup error")
				} else if count > 0 {
					logging.Info().Int64("count", count).Msg("Cleaned up old audit events")
				}
			}
		}
	}()
}

// Query retrieves events matching the filter.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	return l.store.Query(ctx, filter)
}

// Count returns the number of events matching the filter.
func (l *Logger) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	return l.store.Count(ctx, filter)
}

func generateEventID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b)
}

// Helpers for the events the API layer records.

// LogAuthSuccess records a successful login.
func (l *Logger) LogAuthSuccess(username, role, sourceIP, requestID string) {
	l.Log(&Event{
		Type:        EventTypeAuthSuccess,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		ActorID:     username,
		ActorRole:   role,
		SourceIP:    sourceIP,
		RequestID:   requestID,
		Description: "login succeeded",
	})
}

// LogAuthFailure records a failed login attempt.
func (l *Logger) LogAuthFailure(username, sourceIP, requestID string) {
	l.Log(&Event{
		Type:        EventTypeAuthFailure,
		Severity:    SeverityWarning,
		Outcome:     OutcomeFailure,
		ActorID:     username,
		SourceIP:    sourceIP,
		RequestID:   requestID,
		Description: "login failed",
	})
}

// LogExamChange records an exam mutation by an admin.
func (l *Logger) LogExamChange(eventType EventType, actor, role, examID, title, sourceIP, requestID string) {
	l.Log(&Event{
		Type:        eventType,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		ActorID:     actor,
		ActorRole:   role,
		TargetType:  "exam",
		TargetID:    examID,
		SourceIP:    sourceIP,
		RequestID:   requestID,
		Description: title,
	})
}

// LogQuestionChange records a question mutation by an admin.
func (l *Logger) LogQuestionChange(eventType EventType, actor, role, questionID, examID, sourceIP, requestID string) {
	l.Log(&Event{
		Type:        eventType,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		ActorID:     actor,
		ActorRole:   role,
		TargetType:  "question",
		TargetID:    questionID,
		SourceIP:    sourceIP,
		RequestID:   requestID,
		Description: "exam " + examID,
	})
}

// LogSessionSubmitted records a student submitting their session.
func (l *Logger) LogSessionSubmitted(actor, sessionID, sourceIP, requestID string) {
	l.Log(&Event{
		Type:        EventTypeSessionSubmitted,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		ActorID:     actor,
		TargetType:  "session",
		TargetID:    sessionID,
		SourceIP:    sourceIP,
		RequestID:   requestID,
		Description: "session submitted",
	})
}
