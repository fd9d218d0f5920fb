// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/proctorhq/proctor/internal/database"
	"github.com/proctorhq/proctor/internal/models"
)

// ExamListEntry is one exam in the student listing, annotated with the
// caller's session state and latest completed grade when present.
type ExamListEntry struct {
	Exam          *models.Exam         `json:"exam"`
	QuestionCount int                  `json:"question_count"`
	Session       *ExamSessionState    `json:"session,omitempty"`
	Grade         *models.GradeSummary `json:"grade,omitempty"`
}

// ExamSessionState is the compact session annotation on exam listings.
type ExamSessionState struct {
	SessionID            string `json:"session_id"`
	IsCompleted          bool   `json:"is_completed"`
	TimeRemainingSeconds int    `json:"time_remaining_seconds"`
}

// ListExams handles GET /api/v1/exams.
func (h *Handler) ListExams(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.studentID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	exams, err := h.db.ListExams(ctx, true)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	now := time.Now().UTC()
	entries := make([]ExamListEntry, 0, len(exams))
	for _, exam := range exams {
		entry := ExamListEntry{Exam: exam}

		entry.QuestionCount, err = h.db.CountQuestions(ctx, exam.ID)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}

		sess, err := h.db.GetSessionForStudent(ctx, exam.ID, studentID)
		switch {
		case err == nil:
			entry.Session = &ExamSessionState{
				SessionID:            sess.ID,
				IsCompleted:          sess.IsCompleted,
				TimeRemainingSeconds: sess.TimeRemaining(now),
			}
			if grade, gerr := h.db.GetCompletedGradeForSession(ctx, sess.ID); gerr == nil {
				entry.Grade = gradeSummary(grade)
			} else if !errors.Is(gerr, database.ErrGradeNotFound) {
				respondServiceError(w, r, gerr)
				return
			}
		case errors.Is(err, database.ErrSessionNotFound):
		default:
			respondServiceError(w, r, err)
			return
		}

		entries = append(entries, entry)
	}

	respondJSON(w, http.StatusOK, entries)
}

// GetExam handles GET /api/v1/exams/{examID}.
func (h *Handler) GetExam(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.studentID(w, r); !ok {
		return
	}
	ctx := r.Context()

	exam, err := h.db.GetExam(ctx, chi.URLParam(r, "examID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if !exam.IsActive {
		respondError(w, http.StatusNotFound, models.ErrCodeExamNotFound, "exam not found")
		return
	}

	count, err := h.db.CountQuestions(ctx, exam.ID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, ExamListEntry{Exam: exam, QuestionCount: count})
}

// StartExam handles POST /api/v1/exams/{examID}/start.
func (h *Handler) StartExam(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.studentID(w, r)
	if !ok {
		return
	}

	view, err := h.sessions.StartOrContinue(r.Context(), studentID, chi.URLParam(r, "examID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if view.Status == models.SessionStatusStarted {
		status = http.StatusCreated
	}
	respondJSON(w, status, view)
}

func gradeSummary(g *models.GradeHistory) *models.GradeSummary {
	summary := &models.GradeSummary{
		GradeHistoryID: g.ID,
		Status:         g.Status,
		Percentage:     g.Percentage,
	}
	if g.FinishedAt != nil {
		summary.GradedAt = *g.FinishedAt
	}
	return summary
}
