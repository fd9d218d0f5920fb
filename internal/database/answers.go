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

	"github.com/proctorhq/proctor/internal/models"
)

// Answer errors
var (
	ErrAnswerNotFound = errors.New("answer not found")
)

// UpsertAnswer stores or replaces the student's answer to a question.
func (db *DB) UpsertAnswer(ctx context.Context, a *models.Answer) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	query := `INSERT INTO answers (session_id, question_id, answer_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, question_id)
		DO UPDATE SET answer_text = EXCLUDED.answer_text, updated_at = EXCLUDED.updated_at`

	_, err := db.exec(ctx, "upsert_answer", query,
		a.SessionID, a.QuestionID, a.AnswerText, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert answer: %w", err)
	}
	return nil
}

// GetAnswer retrieves a stored answer.
func (db *DB) GetAnswer(ctx context.Context, sessionID, questionID string) (*models.Answer, error) {
	var a models.Answer
	err := db.queryRow(ctx, "get_answer",
		`SELECT session_id, question_id, answer_text, created_at, updated_at
		 FROM answers WHERE session_id = ? AND question_id = ?`,
		sessionID, questionID,
	).Scan(&a.SessionID, &a.QuestionID, &a.AnswerText, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAnswerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get answer: %w", err)
	}
	return &a, nil
}

// ListAnswers returns all answers for a session keyed by question ID.
func (db *DB) ListAnswers(ctx context.Context, sessionID string) (map[string]*models.Answer, error) {
	rows, err := db.query(ctx, "list_answers",
		`SELECT session_id, question_id, answer_text, created_at, updated_at
		 FROM answers WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list answers: %w", err)
	}
	defer closeWithLog(rows, "rows")

	answers := make(map[string]*models.Answer)
	for rows.Next() {
		var a models.Answer
		if err := rows.Scan(&a.SessionID, &a.QuestionID, &a.AnswerText, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan answer: %w", err)
		}
		answers[a.QuestionID] = &a
	}
	return answers, rows.Err()
}

// CountAnswers returns how many questions the session has answered.
func (db *DB) CountAnswers(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := db.queryRow(ctx, "count_answers",
		`SELECT COUNT(*) FROM answers WHERE session_id = ?`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count answers: %w", err)
	}
	return count, nil
}
