// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/proctorhq/proctor/internal/database"
	"github.com/proctorhq/proctor/internal/logging"
	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/session"
	"github.com/proctorhq/proctor/internal/validation"
)

// respondJSON writes a success envelope.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := models.APIResponse{
		Status:   "success",
		Data:     data,
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error().Err(err).Msg("Failed to encode API response")
	}
}

// respondError writes an error envelope with a stable code.
func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := models.APIResponse{
		Status:   "error",
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
		Error:    &models.APIError{Code: code, Message: message},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error().Err(err).Msg("Failed to encode API error response")
	}
}

// decodeRequest decodes and validates a JSON request body. A false
// return means the response has already been written.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, models.ErrCodeValidation, "invalid JSON request body")
		return false
	}
	if verr := validation.ValidateStruct(dst); verr != nil {
		respondError(w, http.StatusBadRequest, models.ErrCodeValidation, verr.Error())
		return false
	}
	return true
}

// respondServiceError maps service and storage errors onto HTTP
// statuses and stable error codes. Unknown errors become 500s and are
// logged with the request path.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *session.ValidationError
	if errors.As(err, &verr) {
		switch verr.Reason {
		case session.ReasonInvalidToken:
			respondError(w, http.StatusUnauthorized, models.ErrCodeInvalidToken, "session token is not valid")
		case session.ReasonTokenExpired:
			respondError(w, http.StatusUnauthorized, models.ErrCodeTokenExpired, "session token has been rotated out")
		case session.ReasonSessionCompleted:
			respondError(w, http.StatusConflict, models.ErrCodeSessionCompleted, "the exam session is already completed")
		case session.ReasonSessionTimeout:
			respondError(w, http.StatusConflict, models.ErrCodeSessionTimeout, "the exam time has expired")
		default:
			respondError(w, http.StatusBadRequest, models.ErrCodeValidation, verr.Error())
		}
		return
	}

	var aerr *session.InvalidAnswerError
	if errors.As(err, &aerr) {
		respondError(w, http.StatusBadRequest, models.ErrCodeInvalidAnswer, aerr.Error())
		return
	}

	switch {
	case errors.Is(err, database.ErrExamNotFound), errors.Is(err, session.ErrExamNotActive):
		// Inactive exams are invisible to students.
		respondError(w, http.StatusNotFound, models.ErrCodeExamNotFound, "exam not found")
	case errors.Is(err, database.ErrQuestionNotFound):
		respondError(w, http.StatusNotFound, models.ErrCodeQuestionNotFound, "question not found")
	case errors.Is(err, database.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, models.ErrCodeNotFound, "session not found")
	case errors.Is(err, database.ErrGradeNotFound):
		respondError(w, http.StatusNotFound, models.ErrCodeNotFound, "grade history not found")
	case errors.Is(err, database.ErrUserNotFound):
		respondError(w, http.StatusNotFound, models.ErrCodeNotFound, "user not found")
	case errors.Is(err, database.ErrExamInUse):
		respondError(w, http.StatusConflict, models.ErrCodeExamInUse, "exam has sessions or submissions")
	case errors.Is(err, database.ErrExamNoQuestions):
		respondError(w, http.StatusConflict, models.ErrCodeExamNotReady, "exam has no questions")
	case errors.Is(err, database.ErrOrderConflict):
		respondError(w, http.StatusConflict, models.ErrCodeOrderConflict, "question order already taken")
	case errors.Is(err, database.ErrSessionDone):
		respondError(w, http.StatusConflict, models.ErrCodeSessionCompleted, "the exam session is already completed")
	default:
		logging.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Unhandled API error")
		respondError(w, http.StatusInternalServerError, models.ErrCodeInternal, "internal server error")
	}
}
