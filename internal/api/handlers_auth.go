// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package api

import (
	"errors"
	"net/http"

	"github.com/proctorhq/proctor/internal/auth"
	"github.com/proctorhq/proctor/internal/database"
	"github.com/proctorhq/proctor/internal/logging"
	"github.com/proctorhq/proctor/internal/middleware"
	"github.com/proctorhq/proctor/internal/models"
)

// TokenRequest is the body of POST /api/v1/auth/token.
type TokenRequest struct {
	Username string `json:"username" validate:"required,min=1,max=128"`
	Password string `json:"password" validate:"required,min=1,max=1024"`
}

// TokenResponse carries the issued JWT.
type TokenResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// IssueToken handles POST /api/v1/auth/token: exchanges credentials
// for a JWT. Only accounts with a password hash (the bootstrap admin,
// plus any provisioned out of band) can authenticate here.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	// With auth_mode "none" no manager is constructed and there is
	// nothing to sign with.
	if h.jwt == nil {
		respondError(w, http.StatusServiceUnavailable, models.ErrCodeUnauthorized, "token issuance is disabled")
		return
	}

	var req TokenRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	user, err := h.db.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, database.ErrUserNotFound) {
		h.auditAuthFailure(r, req.Username)
		respondError(w, http.StatusUnauthorized, models.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	if !user.IsActive || user.PasswordHash == "" || !auth.CheckPassword(user.PasswordHash, req.Password) {
		logging.Warn().Str("username", req.Username).Msg("Failed login attempt")
		h.auditAuthFailure(r, req.Username)
		respondError(w, http.StatusUnauthorized, models.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, err := h.jwt.GenerateToken(user.Username, user.Role)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	if h.audit != nil {
		h.audit.LogAuthSuccess(user.Username, user.Role, r.RemoteAddr, middleware.GetRequestID(r.Context()))
	}
	respondJSON(w, http.StatusOK, TokenResponse{Token: token, Role: user.Role})
}

func (h *Handler) auditAuthFailure(r *http.Request, username string) {
	if h.audit != nil {
		h.audit.LogAuthFailure(username, r.RemoteAddr, middleware.GetRequestID(r.Context()))
	}
}
