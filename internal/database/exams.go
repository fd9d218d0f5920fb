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

// Exam errors
var (
	ErrExamNotFound    = errors.New("exam not found")
	ErrExamInUse       = errors.New("exam has sessions or submissions")
	ErrExamNoQuestions = errors.New("exam has no questions")
)

// CreateExam inserts a new exam. Exams start inactive.
func (db *DB) CreateExam(ctx context.Context, exam *models.Exam) error {
	if exam.ID == "" {
		exam.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if exam.CreatedAt.IsZero() {
		exam.CreatedAt = now
	}
	exam.UpdatedAt = exam.CreatedAt

	query := `INSERT INTO exams (id, title, description, duration_minutes, is_active, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.exec(ctx, "create_exam", query,
		exam.ID, exam.Title, exam.Description, exam.DurationMinutes,
		exam.IsActive, exam.CreatedBy, exam.CreatedAt, exam.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create exam: %w", err)
	}
	return nil
}

// GetExam retrieves an exam by ID.
func (db *DB) GetExam(ctx context.Context, id string) (*models.Exam, error) {
	query := `SELECT id, title, description, duration_minutes, is_active, created_by, created_at, updated_at
		FROM exams WHERE id = ?`

	var e models.Exam
	err := db.queryRow(ctx, "get_exam", query, id).Scan(
		&e.ID, &e.Title, &e.Description, &e.DurationMinutes,
		&e.IsActive, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get exam: %w", err)
	}
	return &e, nil
}

// ListExams returns all exams, newest first. When activeOnly is set,
// inactive exams are filtered out (the student-facing view).
func (db *DB) ListExams(ctx context.Context, activeOnly bool) ([]*models.Exam, error) {
	query := `SELECT id, title, description, duration_minutes, is_active, created_by, created_at, updated_at
		FROM exams`
	if activeOnly {
		query += ` WHERE is_active = true`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.query(ctx, "list_exams", query)
	if err != nil {
		return nil, fmt.Errorf("failed to list exams: %w", err)
	}
	defer closeWithLog(rows, "rows")

	var exams []*models.Exam
	for rows.Next() {
		var e models.Exam
		if err := rows.Scan(
			&e.ID, &e.Title, &e.Description, &e.DurationMinutes,
			&e.IsActive, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan exam: %w", err)
		}
		exams = append(exams, &e)
	}
	return exams, rows.Err()
}

// UpdateExam updates exam fields. Refused with ErrExamInUse while any
// session exists, because changing the duration or content of an exam
// someone already attempted would corrupt the attempt's terms.
func (db *DB) UpdateExam(ctx context.Context, exam *models.Exam) error {
	inUse, err := db.ExamInUse(ctx, exam.ID)
	if err != nil {
		return err
	}
	if inUse {
		return ErrExamInUse
	}

	exam.UpdatedAt = time.Now().UTC()
	query := `UPDATE exams SET title = ?, description = ?, duration_minutes = ?, updated_at = ?
		WHERE id = ?`

	res, err := db.exec(ctx, "update_exam", query,
		exam.Title, exam.Description, exam.DurationMinutes, exam.UpdatedAt, exam.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update exam: %w", err)
	}
	return requireOneRow(res, ErrExamNotFound)
}

// DeleteExam removes an exam and its questions. Refused with
// ErrExamInUse while any session exists.
func (db *DB) DeleteExam(ctx context.Context, id string) error {
	inUse, err := db.ExamInUse(ctx, id)
	if err != nil {
		return err
	}
	if inUse {
		return ErrExamInUse
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE exam_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete exam questions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM exams WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete exam: %w", err)
	}
	if err := requireOneRow(res, ErrExamNotFound); err != nil {
		return err
	}
	return tx.Commit()
}

// SetExamActive toggles the exam's visibility to students. Activating
// an exam with no questions is refused.
func (db *DB) SetExamActive(ctx context.Context, id string, active bool) error {
	if active {
		count, err := db.CountQuestions(ctx, id)
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrExamNoQuestions
		}
	}

	res, err := db.exec(ctx, "set_exam_active",
		`UPDATE exams SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set exam active: %w", err)
	}
	return requireOneRow(res, ErrExamNotFound)
}

// ExamInUse reports whether any session exists for the exam. Answers
// only exist under sessions, so this covers submissions too.
func (db *DB) ExamInUse(ctx context.Context, examID string) (bool, error) {
	var count int
	err := db.queryRow(ctx, "exam_in_use",
		`SELECT COUNT(*) FROM exam_sessions WHERE exam_id = ?`, examID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count exam sessions: %w", err)
	}
	return count > 0, nil
}

// requireOneRow converts a zero-row update into notFound.
func requireOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
