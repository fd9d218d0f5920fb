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

// Token errors
var (
	ErrTokenNotFound = errors.New("session token not found")
)

// IssueToken invalidates every prior token for the session and inserts
// the new one in a single transaction, preserving the invariant that at
// most one token per session is valid at any instant. It returns the
// tokens that were rotated out so callers can evict caches and notify
// connected clients.
func (db *DB) IssueToken(ctx context.Context, t *models.SessionToken) ([]string, error) {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.IsValid = true

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin token rotation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT token FROM session_tokens WHERE session_id = ? AND is_valid = true`,
		t.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query prior tokens: %w", err)
	}
	var rotated []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			closeQuietly(rows)
			return nil, fmt.Errorf("failed to scan prior token: %w", err)
		}
		rotated = append(rotated, tok)
	}
	if err := rows.Err(); err != nil {
		closeQuietly(rows)
		return nil, err
	}
	closeQuietly(rows)

	if _, err := tx.ExecContext(ctx,
		`UPDATE session_tokens SET is_valid = false, invalidated_at = ?
		 WHERE session_id = ? AND is_valid = true`,
		now, t.SessionID,
	); err != nil {
		return nil, fmt.Errorf("failed to invalidate prior tokens: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_tokens (token, session_id, is_valid, invalidated_at, created_at)
		 VALUES (?, ?, true, NULL, ?)`,
		t.Token, t.SessionID, t.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit token rotation: %w", err)
	}
	return rotated, nil
}

// GetToken retrieves a token row whether or not it is still valid.
// Callers decide what an invalidated token means.
func (db *DB) GetToken(ctx context.Context, token string) (*models.SessionToken, error) {
	var t models.SessionToken
	var invalidatedAt sql.NullTime
	err := db.queryRow(ctx, "get_token",
		`SELECT token, session_id, is_valid, invalidated_at, created_at
		 FROM session_tokens WHERE token = ?`, token,
	).Scan(&t.Token, &t.SessionID, &t.IsValid, &invalidatedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if invalidatedAt.Valid {
		ts := invalidatedAt.Time.UTC()
		t.InvalidatedAt = &ts
	}
	return &t, nil
}

// InvalidateSessionTokens invalidates every valid token for a session
// and returns them. Called on submission and expiry.
func (db *DB) InvalidateSessionTokens(ctx context.Context, sessionID string) ([]string, error) {
	now := time.Now().UTC()

	rows, err := db.query(ctx, "list_valid_tokens",
		`SELECT token FROM session_tokens WHERE session_id = ? AND is_valid = true`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session tokens: %w", err)
	}
	var tokens []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			closeQuietly(rows)
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	if err := rows.Err(); err != nil {
		closeQuietly(rows)
		return nil, err
	}
	closeQuietly(rows)

	if _, err := db.exec(ctx, "invalidate_session_tokens",
		`UPDATE session_tokens SET is_valid = false, invalidated_at = ?
		 WHERE session_id = ? AND is_valid = true`,
		now, sessionID,
	); err != nil {
		return nil, fmt.Errorf("failed to invalidate session tokens: %w", err)
	}
	return tokens, nil
}
