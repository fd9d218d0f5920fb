// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/proctorhq/proctor/internal/models"
)

// Session errors
var (
	ErrSessionNotFound = errors.New("exam session not found")
	ErrSessionConflict = errors.New("session already exists for this student and exam")
	ErrSessionDone     = errors.New("exam session already completed")
)

// CreateSession inserts a new exam session. The (exam_id, student_id)
// unique constraint resolves concurrent starts: the loser gets
// ErrSessionConflict and should re-read the existing row.
func (db *DB) CreateSession(ctx context.Context, s *models.ExamSession) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = s.CreatedAt
	if s.CurrentQuestionOrder == 0 {
		s.CurrentQuestionOrder = 1
	}

	query := `INSERT INTO exam_sessions (id, exam_id, student_id, started_at, expires_at, is_completed, submitted_at, submission_type, current_question_order, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.exec(ctx, "create_session", query,
		s.ID, s.ExamID, s.StudentID, s.StartedAt, s.ExpiresAt,
		s.IsCompleted, s.SubmittedAt, s.SubmissionType, s.CurrentQuestionOrder,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrSessionConflict
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, exam_id, student_id, started_at, expires_at, is_completed, submitted_at, submission_type, current_question_order, created_at, updated_at`

// GetSession retrieves a session by ID.
func (db *DB) GetSession(ctx context.Context, id string) (*models.ExamSession, error) {
	row := db.queryRow(ctx, "get_session",
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionForStudent retrieves the student's session for an exam, if
// one exists.
func (db *DB) GetSessionForStudent(ctx context.Context, examID, studentID string) (*models.ExamSession, error) {
	row := db.queryRow(ctx, "get_session_for_student",
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE exam_id = ? AND student_id = ?`,
		examID, studentID)
	return scanSession(row)
}

// CompleteSession marks a session completed. The WHERE clause makes
// this a compare-and-swap: completing an already-completed session
// returns ErrSessionDone, so the manual submit path and the expiry
// worker cannot both grade the same session.
func (db *DB) CompleteSession(ctx context.Context, id, submissionType string, submittedAt time.Time) error {
	res, err := db.exec(ctx, "complete_session",
		`UPDATE exam_sessions SET is_completed = true, submitted_at = ?, submission_type = ?, updated_at = ?
		 WHERE id = ? AND is_completed = false`,
		submittedAt, submissionType, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish missing from already completed.
		if _, getErr := db.GetSession(ctx, id); getErr != nil {
			return getErr
		}
		return ErrSessionDone
	}
	return nil
}

// AdvanceCurrentQuestion bumps current_question_order if order is
// greater than the stored value.
func (db *DB) AdvanceCurrentQuestion(ctx context.Context, id string, order int) error {
	_, err := db.exec(ctx, "advance_current_question",
		`UPDATE exam_sessions SET current_question_order = ?, updated_at = ?
		 WHERE id = ? AND current_question_order < ?`,
		order, time.Now().UTC(), id, order,
	)
	if err != nil {
		return fmt.Errorf("failed to advance current question: %w", err)
	}
	return nil
}

// ListOpenSessions returns incomplete sessions, used by the scheduler
// to re-seed its expiry heap after a restart.
func (db *DB) ListOpenSessions(ctx context.Context) ([]*models.ExamSession, error) {
	return db.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE is_completed = false ORDER BY expires_at`)
}

// ListExpiredSessions returns incomplete sessions whose deadline is at
// or before the given instant. Used by the fallback sweeper.
func (db *DB) ListExpiredSessions(ctx context.Context, now time.Time) ([]*models.ExamSession, error) {
	return db.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE is_completed = false AND expires_at <= ? ORDER BY expires_at`,
		now)
}

// SessionFilter narrows admin session listings.
type SessionFilter struct {
	ExamID    string
	StudentID string
	Completed *bool
}

// ListSessions returns sessions matching the filter, newest first.
func (db *DB) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.ExamSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM exam_sessions WHERE 1=1`
	var args []interface{}

	if filter.ExamID != "" {
		query += ` AND exam_id = ?`
		args = append(args, filter.ExamID)
	}
	if filter.StudentID != "" {
		query += ` AND student_id = ?`
		args = append(args, filter.StudentID)
	}
	if filter.Completed != nil {
		query += ` AND is_completed = ?`
		args = append(args, *filter.Completed)
	}
	query += ` ORDER BY started_at DESC`

	return db.querySessions(ctx, query, args...)
}

func (db *DB) querySessions(ctx context.Context, query string, args ...interface{}) ([]*models.ExamSession, error) {
	rows, err := db.query(ctx, "list_sessions", query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer closeWithLog(rows, "rows")

	var sessions []*models.ExamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanSession(row rowScanner) (*models.ExamSession, error) {
	var s models.ExamSession
	var submittedAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.ExamID, &s.StudentID, &s.StartedAt, &s.ExpiresAt,
		&s.IsCompleted, &submittedAt, &s.SubmissionType, &s.CurrentQuestionOrder,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if submittedAt.Valid {
		t := submittedAt.Time.UTC()
		s.SubmittedAt = &t
	}
	s.StartedAt = s.StartedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	return &s, nil
}
