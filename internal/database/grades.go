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

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/proctorhq/proctor/internal/models"
)

// Grade errors
var (
	ErrGradeNotFound = errors.New("grade history not found")
)

// CreateGradeHistory inserts a new grading run record.
func (db *DB) CreateGradeHistory(ctx context.Context, g *models.GradeHistory) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.StartedAt.IsZero() {
		g.StartedAt = time.Now().UTC()
	}
	if g.AnswersData == "" {
		g.AnswersData = "{}"
	}

	results, err := encodeResults(g.Results)
	if err != nil {
		return err
	}

	query := `INSERT INTO grade_history (id, session_id, status, grading_method, answers_data, results, total_awarded, total_max, percentage, error_message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.exec(ctx, "create_grade_history", query,
		g.ID, g.SessionID, g.Status, g.GradingMethod, g.AnswersData, results,
		g.TotalAwarded, g.TotalMax, g.Percentage, g.ErrorMessage, g.StartedAt, g.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create grade history: %w", err)
	}
	return nil
}

// UpdateGradeHistory persists the current state of a grading run.
func (db *DB) UpdateGradeHistory(ctx context.Context, g *models.GradeHistory) error {
	results, err := encodeResults(g.Results)
	if err != nil {
		return err
	}

	query := `UPDATE grade_history SET status = ?, answers_data = ?, results = ?, total_awarded = ?, total_max = ?, percentage = ?, error_message = ?, finished_at = ?
		WHERE id = ?`

	res, err := db.exec(ctx, "update_grade_history", query,
		g.Status, g.AnswersData, results, g.TotalAwarded, g.TotalMax,
		g.Percentage, g.ErrorMessage, g.FinishedAt, g.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update grade history: %w", err)
	}
	return requireOneRow(res, ErrGradeNotFound)
}

const gradeColumns = `id, session_id, status, grading_method, answers_data, results, total_awarded, total_max, percentage, error_message, started_at, finished_at`

// GetGradeHistory retrieves a grading run by ID.
func (db *DB) GetGradeHistory(ctx context.Context, id string) (*models.GradeHistory, error) {
	row := db.queryRow(ctx, "get_grade_history",
		`SELECT `+gradeColumns+` FROM grade_history WHERE id = ?`, id)
	return scanGrade(row)
}

// GetLatestGradeForSession returns the most recent grading run for the
// session, or ErrGradeNotFound when none exists.
func (db *DB) GetLatestGradeForSession(ctx context.Context, sessionID string) (*models.GradeHistory, error) {
	row := db.queryRow(ctx, "get_latest_grade",
		`SELECT `+gradeColumns+` FROM grade_history WHERE session_id = ? ORDER BY started_at DESC LIMIT 1`,
		sessionID)
	return scanGrade(row)
}

// GetCompletedGradeForSession returns the completed grading run for the
// session if one exists. Grading is idempotent for completed sessions
// because this run is returned instead of starting a new one.
func (db *DB) GetCompletedGradeForSession(ctx context.Context, sessionID string) (*models.GradeHistory, error) {
	row := db.queryRow(ctx, "get_completed_grade",
		`SELECT `+gradeColumns+` FROM grade_history WHERE session_id = ? AND status = ? ORDER BY started_at DESC LIMIT 1`,
		sessionID, models.GradeStatusCompleted)
	return scanGrade(row)
}

// ListGradesForStudent returns the student's grading runs, newest
// first, joined through their sessions.
func (db *DB) ListGradesForStudent(ctx context.Context, studentID string) ([]*models.GradeHistory, error) {
	query := `SELECT ` + joinGradeColumns("g") + `
		FROM grade_history g
		JOIN exam_sessions s ON s.id = g.session_id
		WHERE s.student_id = ?
		ORDER BY g.started_at DESC`
	return db.queryGrades(ctx, query, studentID)
}

// ListGrades returns all grading runs, optionally filtered by exam.
func (db *DB) ListGrades(ctx context.Context, examID string) ([]*models.GradeHistory, error) {
	if examID == "" {
		return db.queryGrades(ctx,
			`SELECT `+gradeColumns+` FROM grade_history ORDER BY started_at DESC`)
	}
	query := `SELECT ` + joinGradeColumns("g") + `
		FROM grade_history g
		JOIN exam_sessions s ON s.id = g.session_id
		WHERE s.exam_id = ?
		ORDER BY g.started_at DESC`
	return db.queryGrades(ctx, query, examID)
}

func joinGradeColumns(alias string) string {
	return alias + `.id, ` + alias + `.session_id, ` + alias + `.status, ` + alias + `.grading_method, ` +
		alias + `.answers_data, ` + alias + `.results, ` + alias + `.total_awarded, ` +
		alias + `.total_max, ` + alias + `.percentage, ` + alias + `.error_message, ` +
		alias + `.started_at, ` + alias + `.finished_at`
}

func (db *DB) queryGrades(ctx context.Context, query string, args ...interface{}) ([]*models.GradeHistory, error) {
	rows, err := db.query(ctx, "list_grades", query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grades: %w", err)
	}
	defer closeWithLog(rows, "rows")

	var grades []*models.GradeHistory
	for rows.Next() {
		g, err := scanGrade(rows)
		if err != nil {
			return nil, err
		}
		grades = append(grades, g)
	}
	return grades, rows.Err()
}

func scanGrade(row rowScanner) (*models.GradeHistory, error) {
	var g models.GradeHistory
	var results string
	var finishedAt sql.NullTime
	err := row.Scan(
		&g.ID, &g.SessionID, &g.Status, &g.GradingMethod, &g.AnswersData, &results,
		&g.TotalAwarded, &g.TotalMax, &g.Percentage, &g.ErrorMessage, &g.StartedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan grade history: %w", err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		g.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(results), &g.Results); err != nil {
		return nil, fmt.Errorf("failed to decode grade results: %w", err)
	}
	return &g, nil
}

func encodeResults(results []models.QuestionResult) (string, error) {
	if results == nil {
		results = []models.QuestionResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("failed to encode grade results: %w", err)
	}
	return string(data), nil
}
