// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package database

import "fmt"

// createTables creates all tables if they do not exist.
//
// Timestamps are stored as TIMESTAMP in UTC. The application layer is
// responsible for always passing UTC values.
func (db *DB) createTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            VARCHAR PRIMARY KEY,
			username      VARCHAR NOT NULL UNIQUE,
			email         VARCHAR NOT NULL UNIQUE,
			password_hash VARCHAR NOT NULL DEFAULT '',
			role          VARCHAR NOT NULL,
			is_active     BOOLEAN NOT NULL DEFAULT true,
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS exams (
			id               VARCHAR PRIMARY KEY,
			title            VARCHAR NOT NULL,
			description      VARCHAR NOT NULL DEFAULT '',
			duration_minutes INTEGER NOT NULL,
			is_active        BOOLEAN NOT NULL DEFAULT false,
			created_by       VARCHAR NOT NULL,
			created_at       TIMESTAMP NOT NULL,
			updated_at       TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS questions (
			id             VARCHAR PRIMARY KEY,
			exam_id        VARCHAR NOT NULL,
			type           VARCHAR NOT NULL,
			text           VARCHAR NOT NULL,
			points         DOUBLE NOT NULL,
			question_order INTEGER NOT NULL,
			options        VARCHAR NOT NULL DEFAULT '[]',
			allow_multiple BOOLEAN NOT NULL DEFAULT false,
			correct_values VARCHAR NOT NULL DEFAULT '[]',
			created_at     TIMESTAMP NOT NULL,
			updated_at     TIMESTAMP NOT NULL,
			UNIQUE (exam_id, question_order)
		)`,

		// One attempt per student per exam, forever. The unique
		// constraint is what makes concurrent starts safe.
		`CREATE TABLE IF NOT EXISTS exam_sessions (
			id                     VARCHAR PRIMARY KEY,
			exam_id                VARCHAR NOT NULL,
			student_id             VARCHAR NOT NULL,
			started_at             TIMESTAMP NOT NULL,
			expires_at             TIMESTAMP NOT NULL,
			is_completed           BOOLEAN NOT NULL DEFAULT false,
			submitted_at           TIMESTAMP,
			submission_type        VARCHAR NOT NULL DEFAULT '',
			current_question_order INTEGER NOT NULL DEFAULT 1,
			created_at             TIMESTAMP NOT NULL,
			updated_at             TIMESTAMP NOT NULL,
			UNIQUE (exam_id, student_id)
		)`,

		`CREATE TABLE IF NOT EXISTS session_tokens (
			token          VARCHAR PRIMARY KEY,
			session_id     VARCHAR NOT NULL,
			is_valid       BOOLEAN NOT NULL DEFAULT true,
			invalidated_at TIMESTAMP,
			created_at     TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS answers (
			session_id  VARCHAR NOT NULL,
			question_id VARCHAR NOT NULL,
			answer_text VARCHAR NOT NULL,
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, question_id)
		)`,

		`CREATE TABLE IF NOT EXISTS grade_history (
			id             VARCHAR PRIMARY KEY,
			session_id     VARCHAR NOT NULL,
			status         VARCHAR NOT NULL,
			grading_method VARCHAR NOT NULL,
			answers_data   VARCHAR NOT NULL DEFAULT '{}',
			results        VARCHAR NOT NULL DEFAULT '[]',
			total_awarded  DOUBLE NOT NULL DEFAULT 0,
			total_max      DOUBLE NOT NULL DEFAULT 0,
			percentage     DOUBLE NOT NULL DEFAULT 0,
			error_message  VARCHAR NOT NULL DEFAULT '',
			started_at     TIMESTAMP NOT NULL,
			finished_at    TIMESTAMP
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// createIndexes creates secondary indexes for the hot query paths.
func (db *DB) createIndexes() error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions (exam_id, question_order)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_student ON exam_sessions (student_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_open_expiry ON exam_sessions (is_completed, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_session ON session_tokens (session_id, is_valid)`,
		`CREATE INDEX IF NOT EXISTS idx_answers_session ON answers (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_grades_session ON grade_history (session_id, started_at)`,
	}

	for _, stmt := range indexes {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("exec index statement: %w", err)
		}
	}
	return nil
}
