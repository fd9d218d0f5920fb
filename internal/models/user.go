// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package models

import "time"

// User roles. Admins implicitly hold every student permission.
const (
	RoleStudent = "student"
	RoleAdmin   = "admin"
)

// User is an account known to the server. Accounts are provisioned out
// of band; only the bootstrap admin carries a password hash.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsStudent reports whether the user may take exams.
func (u *User) IsStudent() bool {
	return u.Role == RoleStudent
}

// IsAdmin reports whether the user may manage exams and view all
// sessions and grades.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
