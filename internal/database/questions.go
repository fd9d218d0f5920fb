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

// Question errors
var (
	ErrQuestionNotFound = errors.New("question not found")
	ErrOrderConflict    = errors.New("question order already taken")
)

// CreateQuestion inserts a question. A zero Order appends it after the
// current last question.
func (db *DB) CreateQuestion(ctx context.Context, q *models.Question) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = q.CreatedAt

	if q.Order == 0 {
		count, err := db.CountQuestions(ctx, q.ExamID)
		if err != nil {
			return err
		}
		q.Order = count + 1
	}

	options, correct, err := encodeQuestionJSON(q)
	if err != nil {
		return err
	}

	query := `INSERT INTO questions (id, exam_id, type, text, points, question_order, options, allow_multiple, correct_values, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.exec(ctx, "create_question", query,
		q.ID, q.ExamID, q.Type, q.Text, q.Points, q.Order,
		options, q.AllowMultiple, correct, q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrOrderConflict
		}
		return fmt.Errorf("failed to create question: %w", err)
	}
	return nil
}

const questionColumns = `id, exam_id, type, text, points, question_order, options, allow_multiple, correct_values, created_at, updated_at`

// GetQuestion retrieves a question by ID.
func (db *DB) GetQuestion(ctx context.Context, id string) (*models.Question, error) {
	row := db.queryRow(ctx, "get_question",
		`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	return scanQuestion(row)
}

// GetQuestionByOrder retrieves a question by its 1-based position
// within an exam.
func (db *DB) GetQuestionByOrder(ctx context.Context, examID string, order int) (*models.Question, error) {
	row := db.queryRow(ctx, "get_question_by_order",
		`SELECT `+questionColumns+` FROM questions WHERE exam_id = ? AND question_order = ?`,
		examID, order)
	return scanQuestion(row)
}

// ListQuestions returns an exam's questions in order.
func (db *DB) ListQuestions(ctx context.Context, examID string) ([]*models.Question, error) {
	rows, err := db.query(ctx, "list_questions",
		`SELECT `+questionColumns+` FROM questions WHERE exam_id = ? ORDER BY question_order`,
		examID)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	defer closeWithLog(rows, "rows")

	var questions []*models.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// CountQuestions returns the number of questions in an exam.
func (db *DB) CountQuestions(ctx context.Context, examID string) (int, error) {
	var count int
	err := db.queryRow(ctx, "count_questions",
		`SELECT COUNT(*) FROM questions WHERE exam_id = ?`, examID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count questions: %w", err)
	}
	return count, nil
}

// UpdateQuestion updates a question in place. Changing the order to a
// taken slot returns ErrOrderConflict.
func (db *DB) UpdateQuestion(ctx context.Context, q *models.Question) error {
	options, correct, err := encodeQuestionJSON(q)
	if err != nil {
		return err
	}
	q.UpdatedAt = time.Now().UTC()

	query := `UPDATE questions SET type = ?, text = ?, points = ?, question_order = ?, options = ?, allow_multiple = ?, correct_values = ?, updated_at = ?
		WHERE id = ?`

	res, err := db.exec(ctx, "update_question", query,
		q.Type, q.Text, q.Points, q.Order, options, q.AllowMultiple, correct, q.UpdatedAt, q.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrOrderConflict
		}
		return fmt.Errorf("failed to update question: %w", err)
	}
	return requireOneRow(res, ErrQuestionNotFound)
}

// DeleteQuestion removes a question and shifts later questions down so
// the order sequence stays gapless.
func (db *DB) DeleteQuestion(ctx context.Context, id string) error {
	q, err := db.GetQuestion(ctx, id)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete question: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE questions SET question_order = question_order - 1, updated_at = ?
		 WHERE exam_id = ? AND question_order > ?`,
		time.Now().UTC(), q.ExamID, q.Order,
	); err != nil {
		return fmt.Errorf("failed to reorder questions: %w", err)
	}
	return tx.Commit()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQuestion(row rowScanner) (*models.Question, error) {
	var q models.Question
	var options, correct string
	err := row.Scan(
		&q.ID, &q.ExamID, &q.Type, &q.Text, &q.Points, &q.Order,
		&options, &q.AllowMultiple, &correct, &q.CreatedAt, &q.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan question: %w", err)
	}

	if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
		return nil, fmt.Errorf("failed to decode question options: %w", err)
	}
	if err := json.Unmarshal([]byte(correct), &q.CorrectValues); err != nil {
		return nil, fmt.Errorf("failed to decode correct values: %w", err)
	}
	return &q, nil
}

func encodeQuestionJSON(q *models.Question) (options, correct string, err error) {
	opts := q.Options
	if opts == nil {
		opts = []models.QuestionOption{}
	}
	vals := q.CorrectValues
	if vals == nil {
		vals = []string{}
	}

	optBytes, err := json.Marshal(opts)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode options: %w", err)
	}
	valBytes, err := json.Marshal(vals)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode correct values: %w", err)
	}
	return string(optBytes), string(valBytes), nil
}
