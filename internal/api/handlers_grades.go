// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/proctorhq/proctor/internal/models"
)

// ListGrades handles GET /api/v1/grades: the caller's grading history,
// newest first.
func (h *Handler) ListGrades(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.studentID(w, r)
	if !ok {
		return
	}

	grades, err := h.db.ListGradesForStudent(r.Context(), studentID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, grades)
}

// GetGrade handles GET /api/v1/grades/{gradeID}: full detail with
// per-question results. Students only see grades for their own
// sessions.
func (h *Handler) GetGrade(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.studentID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	grade, err := h.db.GetGradeHistory(ctx, chi.URLParam(r, "gradeID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	sess, err := h.db.GetSession(ctx, grade.SessionID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	claims := h.claims(r)
	if sess.StudentID != studentID && (claims == nil || claims.Role != models.RoleAdmin) {
		respondError(w, http.StatusForbidden, models.ErrCodeForbidden, "grade belongs to another student")
		return
	}

	respondJSON(w, http.StatusOK, grade)
}
