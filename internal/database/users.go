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

// User errors
var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserConflict = errors.New("username or email already exists")
)

// CreateUser inserts a new user. ID and timestamps are filled in if
// unset.
func (db *DB) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = user.CreatedAt

	query := `INSERT INTO users (id, username, email, password_hash, role, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.exec(ctx, "create_user", query,
		user.ID, user.Username, user.Email, user.PasswordHash,
		user.Role, user.IsActive, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUserConflict
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return db.getUser(ctx, `SELECT id, username, email, password_hash, role, is_active, created_at, updated_at
		FROM users WHERE id = ?`, id)
}

// GetUserByUsername retrieves a user by username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return db.getUser(ctx, `SELECT id, username, email, password_hash, role, is_active, created_at, updated_at
		FROM users WHERE username = ?`, username)
}

func (db *DB) getUser(ctx context.Context, query string, arg interface{}) (*models.User, error) {
	var u models.User
	err := db.queryRow(ctx, "get_user", query, arg).Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash,
		&u.Role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// EnsureBootstrapAdmin creates the configured admin account if it does
// not exist yet. Returns the admin user either way.
func (db *DB) EnsureBootstrapAdmin(ctx context.Context, username, passwordHash string) (*models.User, error) {
	existing, err := db.GetUserByUsername(ctx, username)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	admin := &models.User{
		Username:     username,
		Email:        username + "@localhost",
		PasswordHash: passwordHash,
		Role:         models.RoleAdmin,
		IsActive:     true,
	}
	if err := db.CreateUser(ctx, admin); err != nil {
		// Lost a race against another instance; re-read.
		if errors.Is(err, ErrUserConflict) {
			return db.GetUserByUsername(ctx, username)
		}
		return nil, err
	}
	return admin, nil
}
