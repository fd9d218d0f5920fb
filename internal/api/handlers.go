// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

// Package api provides the HTTP surface: student exam taking, admin
// exam management, token issuance, WebSocket upgrades and ops
// endpoints, all under /api/v1 on a chi router.
package api

import (
	"net/http"
	"time"

	"github.com/proctorhq/proctor/internal/audit"
	"github.com/proctorhq/proctor/internal/auth"
	"github.com/proctorhq/proctor/internal/config"
	"github.com/proctorhq/proctor/internal/database"
	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/session"
	"github.com/proctorhq/proctor/internal/websocket"
)

// Handler carries the dependencies of every endpoint.
type Handler struct {
	db       *database.DB
	sessions *session.Service
	hub      *websocket.Hub
	jwt      *auth.JWTManager
	cfg      *config.Config
	audit    *audit.Logger

	startTime time.Time
}

// NewHandler creates the API handler.
func NewHandler(db *database.DB, sessions *session.Service, hub *websocket.Hub, jwt *auth.JWTManager, cfg *config.Config) *Handler {
	return &Handler{
		db:        db,
		sessions:  sessions,
		hub:       hub,
		jwt:       jwt,
		cfg:       cfg,
		startTime: time.Now().UTC(),
	}
}

// SetAuditLogger installs the audit trail. Endpoints record nothing
// when no logger is set.
func (h *Handler) SetAuditLogger(logger *audit.Logger) {
	h.audit = logger
}

// claims returns the authenticated caller, which the auth middleware
// guarantees to be present on protected routes.
func (h *Handler) claims(r *http.Request) *auth.Claims {
	return auth.ClaimsFromContext(r.Context())
}

// studentID resolves the authenticated username to a user ID. Sessions
// and grades are keyed by user ID, not username.
func (h *Handler) studentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims := h.claims(r)
	if claims == nil {
		respondError(w, http.StatusUnauthorized, models.ErrCodeUnauthorized, "authentication required")
		return "", false
	}
	user, err := h.db.GetUserByUsername(r.Context(), claims.Username)
	if err != nil {
		respondServiceError(w, r, err)
		return "", false
	}
	if !user.IsActive {
		respondError(w, http.StatusForbidden, models.ErrCodeForbidden, "account is disabled")
		return "", false
	}
	return user.ID, true
}
