// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DuckDBStore implements Store on the application database, keeping
// the audit trail in the same file as the data it describes.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore creates a DuckDB-backed audit store. Call CreateTable
// before first use.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// CreateTable creates the audit_events table if it does not exist.
func (s *DuckDBStore) CreateTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			outcome TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			actor_role TEXT,
			target_type TEXT,
			target_id TEXT,
			source_ip TEXT NOT NULL,
			request_id TEXT,
			description TEXT NOT NULL,
			metadata JSON
		)
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create audit_events table: %w", err)
	}
	return nil
}

// Save persists one event.
func (s *DuckDBStore) Save(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO audit_events (
			id, timestamp, type, severity, outcome,
			actor_id, actor_role, target_type, target_id,
			source_ip, request_id, description, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var metadata any
	if len(event.Metadata) > 0 {
		metadata = string(event.Metadata)
	}
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.Timestamp, string(event.Type), string(event.Severity), string(event.Outcome),
		event.ActorID, nullable(event.ActorRole), nullable(event.TargetType), nullable(event.TargetID),
		event.SourceIP, nullable(event.RequestID), event.Description, metadata,
	)
	if err != nil {
		return fmt.Errorf("save audit event: %w", err)
	}
	return nil
}

// Query returns events matching the filter, newest first.
func (s *DuckDBStore) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	where, args := buildWhere(filter)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT id, timestamp, type, severity, outcome,
		       actor_id, actor_role, target_type, target_id,
		       source_ip, request_id, description, metadata
		FROM audit_events
		%s
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, where)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var eventType, severity, outcome string
		var actorRole, targetType, targetID, requestID, metadata sql.NullString
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &eventType, &severity, &outcome,
			&e.ActorID, &actorRole, &targetType, &targetID,
			&e.SourceIP, &requestID, &e.Description, &metadata,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Type = EventType(eventType)
		e.Severity = Severity(severity)
		e.Outcome = Outcome(outcome)
		e.ActorRole = actorRole.String
		e.TargetType = targetType.String
		e.TargetID = targetID.String
		e.RequestID = requestID.String
		if metadata.Valid {
			e.Metadata = []byte(metadata.String)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// Count returns the number of events matching the filter.
func (s *DuckDBStore) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	where, args := buildWhere(filter)
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events "+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return count, nil
}

// Delete removes events older than the cutoff.
func (s *DuckDBStore) Delete(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE timestamp < ?", olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete audit events: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // deletion succeeded, only the count is unknown
	}
	return affected, nil
}

func buildWhere(filter QueryFilter) (string, []any) {
	var conditions []string
	var args []any

	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conditions = append(conditions, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.ActorID != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.TargetID != "" {
		conditions = append(conditions, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	if filter.StartTime != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *filter.EndTime)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
