// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/proctorhq/proctor/internal/middleware"
	"github.com/proctorhq/proctor/internal/models"
)

// SaveAnswerRequest is the body of POST .../questions/{order}.
type SaveAnswerRequest struct {
	Answer string `json:"answer" validate:"required,max=65536"`
}

// QuestionView is a question rendered for the student, with any saved
// answer. Correct answers never appear here; the model strips them.
type QuestionView struct {
	Question    *models.Question `json:"question"`
	SavedAnswer string           `json:"saved_answer,omitempty"`
}

// GetSessionQuestion handles GET /api/v1/sessions/{token}/questions/{order}.
func (h *Handler) GetSessionQuestion(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.studentID(w, r)
	if !ok {
		return
	}
	order, ok := questionOrder(w, r)
	if !ok {
		return
	}

	question, answer, err := h.sessions.QuestionView(r.Context(), chi.URLParam(r, "token"), studentID, order)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	view := QuestionView{Question: question}
	if answer != nil {
		view.SavedAnswer = answer.AnswerText
	}
	respondJSON(w, http.StatusOK, view)
}

// SaveAnswer handles POST /api/v1/sessions/{token}/questions/{order}.
func (h *Handler) SaveAnswer(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.studentID(w, r)
	if !ok {
		return
	}
	order, ok := questionOrder(w, r)
	if !ok {
		return
	}

	var req SaveAnswerRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := h.sessions.SaveAnswer(r.Context(), chi.URLParam(r, "token"), studentID, order, req.Answer); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"saved": true, "order": order})
}

// GetSessionProgress handles GET /api/v1/sessions/{token}/progress.
func (h *Handler) GetSessionProgress(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.studentID(w, r)
	if !ok {
		return
	}

	progress, err := h.sessions.Progress(r.Context(), chi.URLParam(r, "token"), studentID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, progress)
}

// SubmitSession handles POST /api/v1/sessions/{token}/submit.
func (h *Handler) SubmitSession(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.studentID(w, r)
	if !ok {
		return
	}

	sess, err := h.sessions.Submit(r.Context(), chi.URLParam(r, "token"), studentID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if h.audit != nil {
		h.audit.LogSessionSubmitted(h.claims(r).Username, sess.ID, r.RemoteAddr, middleware.GetRequestID(r.Context()))
	}
	respondJSON(w, http.StatusOK, sess)
}

func questionOrder(w http.ResponseWriter, r *http.Request) (int, bool) {
	order, err := strconv.Atoi(chi.URLParam(r, "order"))
	if err != nil || order < 1 {
		respondError(w, http.StatusNotFound, models.ErrCodeQuestionNotFound, "question not found")
		return 0, false
	}
	return order, true
}
