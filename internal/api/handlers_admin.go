// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/proctorhq/proctor/internal/audit"
	"github.com/proctorhq/proctor/internal/database"
	"github.com/proctorhq/proctor/internal/middleware"
	"github.com/proctorhq/proctor/internal/models"
)

// ExamRequest is the body of POST/PUT /api/v1/admin/exams.
type ExamRequest struct {
	Title           string `json:"title" validate:"required,min=1,max=512"`
	Description     string `json:"description" validate:"max=8192"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=1"`
}

// QuestionRequest is the body of POST/PUT question endpoints. Order 0
// on create means append after the last question.
type QuestionRequest struct {
	Type          string                  `json:"type" validate:"required,oneof=multiple_choice short_answer essay"`
	Text          string                  `json:"text" validate:"required,min=1,max=16384"`
	Points        float64                 `json:"points" validate:"required,gt=0"`
	Order         int                     `json:"order" validate:"min=0"`
	Options       []models.QuestionOption `json:"options" validate:"dive"`
	AllowMultiple bool                    `json:"allow_multiple"`
	CorrectValues []string                `json:"correct_values"`
}

// AdminCreateExam handles POST /api/v1/admin/exams. Exams are created
// inactive; activation requires at least one question.
func (h *Handler) AdminCreateExam(w http.ResponseWriter, r *http.Request) {
	var req ExamRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if maxDur := h.cfg.Sessions.MaxExamDurationMinutes; req.DurationMinutes > maxDur {
		respondError(w, http.StatusBadRequest, models.ErrCodeValidation,
			"duration_minutes exceeds the configured maximum of "+strconv.Itoa(maxDur))
		return
	}

	exam := &models.Exam{
		Title:           req.Title,
		Description:     req.Description,
		DurationMinutes: req.DurationMinutes,
		CreatedBy:       h.claims(r).Username,
	}
	if err := h.db.CreateExam(r.Context(), exam); err != nil {
		respondServiceError(w, r, err)
		return
	}
	h.auditExam(r, audit.EventTypeExamCreated, exam.ID, exam.Title)
	respondJSON(w, http.StatusCreated, exam)
}

// AdminListExams handles GET /api/v1/admin/exams: all exams, inactive
// included.
func (h *Handler) AdminListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.db.ListExams(r.Context(), false)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, exams)
}

// AdminGetExam handles GET /api/v1/admin/exams/{examID}: the exam with
// its full question set, correct answers included.
func (h *Handler) AdminGetExam(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	exam, err := h.db.GetExam(ctx, chi.URLParam(r, "examID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	questions, err := h.db.ListQuestions(ctx, exam.ID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"exam":      exam,
		"questions": adminQuestionViews(questions),
	})
}

// AdminUpdateExam handles PUT /api/v1/admin/exams/{examID}. Refused
// while the exam has sessions.
func (h *Handler) AdminUpdateExam(w http.ResponseWriter, r *http.Request) {
	var req ExamRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	ctx := r.Context()
	exam, err := h.db.GetExam(ctx, chi.URLParam(r, "examID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	exam.Title = req.Title
	exam.Description = req.Description
	exam.DurationMinutes = req.DurationMinutes
	if err := h.db.UpdateExam(ctx, exam); err != nil {
		respondServiceError(w, r, err)
		return
	}
	h.auditExam(r, audit.EventTypeExamUpdated, exam.ID, exam.Title)
	respondJSON(w, http.StatusOK, exam)
}

// AdminDeleteExam handles DELETE /api/v1/admin/exams/{examID}. Refused
// while the exam has sessions.
func (h *Handler) AdminDeleteExam(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	if err := h.db.DeleteExam(r.Context(), examID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	h.auditExam(r, audit.EventTypeExamDeleted, examID, "")
	respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// AdminActivateExam handles POST /api/v1/admin/exams/{examID}/activate.
func (h *Handler) AdminActivateExam(w http.ResponseWriter, r *http.Request) {
	h.setExamActive(w, r, true)
}

// AdminDeactivateExam handles POST /api/v1/admin/exams/{examID}/deactivate.
// Existing sessions keep running; the exam just stops being startable.
func (h *Handler) AdminDeactivateExam(w http.ResponseWriter, r *http.Request) {
	h.setExamActive(w, r, false)
}

func (h *Handler) setExamActive(w http.ResponseWriter, r *http.Request, active bool) {
	examID := chi.URLParam(r, "examID")
	if err := h.db.SetExamActive(r.Context(), examID, active); err != nil {
		respondServiceError(w, r, err)
		return
	}
	eventType := audit.EventTypeExamActivated
	if !active {
		eventType = audit.EventTypeExamDeactivated
	}
	h.auditExam(r, eventType, examID, "")
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": examID, "is_active": active})
}

// AdminCreateQuestion handles POST /api/v1/admin/exams/{examID}/questions.
func (h *Handler) AdminCreateQuestion(w http.ResponseWriter, r *http.Request) {
	var req QuestionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if !validQuestionRequest(w, &req) {
		return
	}

	ctx := r.Context()
	exam, err := h.db.GetExam(ctx, chi.URLParam(r, "examID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	question := &models.Question{
		ExamID:        exam.ID,
		Type:          req.Type,
		Text:          req.Text,
		Points:        req.Points,
		Order:         req.Order,
		Options:       req.Options,
		AllowMultiple: req.AllowMultiple,
		CorrectValues: req.CorrectValues,
	}
	if err := h.db.CreateQuestion(ctx, question); err != nil {
		respondServiceError(w, r, err)
		return
	}
	h.auditQuestion(r, audit.EventTypeQuestionCreated, question.ID, question.ExamID)
	respondJSON(w, http.StatusCreated, adminQuestionView(question))
}

// AdminListQuestions handles GET /api/v1/admin/exams/{examID}/questions.
func (h *Handler) AdminListQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.db.ListQuestions(r.Context(), chi.URLParam(r, "examID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, adminQuestionViews(questions))
}

// AdminGetQuestion handles GET /api/v1/admin/questions/{questionID}.
func (h *Handler) AdminGetQuestion(w http.ResponseWriter, r *http.Request) {
	question, err := h.db.GetQuestion(r.Context(), chi.URLParam(r, "questionID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, adminQuestionView(question))
}

// AdminUpdateQuestion handles PUT /api/v1/admin/questions/{questionID}.
// Refused while the exam has open sessions.
func (h *Handler) AdminUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	var req QuestionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if !validQuestionRequest(w, &req) {
		return
	}

	ctx := r.Context()
	question, err := h.db.GetQuestion(ctx, chi.URLParam(r, "questionID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if ok := h.refuseWhenExamInUse(w, r, question.ExamID); !ok {
		return
	}

	question.Type = req.Type
	question.Text = req.Text
	question.Points = req.Points
	if req.Order > 0 {
		question.Order = req.Order
	}
	question.Options = req.Options
	question.AllowMultiple = req.AllowMultiple
	question.CorrectValues = req.CorrectValues

	if err := h.db.UpdateQuestion(ctx, question); err != nil {
		respondServiceError(w, r, err)
		return
	}
	h.auditQuestion(r, audit.EventTypeQuestionUpdated, question.ID, question.ExamID)
	respondJSON(w, http.StatusOK, adminQuestionView(question))
}

// AdminDeleteQuestion handles DELETE /api/v1/admin/questions/{questionID}.
// Remaining questions are renumbered to close the gap. Refused while
// the exam has open sessions.
func (h *Handler) AdminDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	question, err := h.db.GetQuestion(ctx, chi.URLParam(r, "questionID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if ok := h.refuseWhenExamInUse(w, r, question.ExamID); !ok {
		return
	}

	if err := h.db.DeleteQuestion(ctx, question.ID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	h.auditQuestion(r, audit.EventTypeQuestionDeleted, question.ID, question.ExamID)
	respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// AdminListSessions handles GET /api/v1/admin/sessions with optional
// exam_id, student_id and completed query filters.
func (h *Handler) AdminListSessions(w http.ResponseWriter, r *http.Request) {
	filter := database.SessionFilter{
		ExamID:    r.URL.Query().Get("exam_id"),
		StudentID: r.URL.Query().Get("student_id"),
	}
	if raw := r.URL.Query().Get("completed"); raw != "" {
		completed, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, models.ErrCodeValidation, "completed must be a boolean")
			return
		}
		filter.Completed = &completed
	}

	sessions, err := h.db.ListSessions(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

// AdminListGrades handles GET /api/v1/admin/grades with an optional
// exam_id filter.
func (h *Handler) AdminListGrades(w http.ResponseWriter, r *http.Request) {
	grades, err := h.db.ListGrades(r.Context(), r.URL.Query().Get("exam_id"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, grades)
}

// AdminListAuditEvents handles GET /api/v1/admin/audit with optional
// type, actor_id, target_id and limit query filters.
func (h *Handler) AdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		respondJSON(w, http.StatusOK, []audit.Event{})
		return
	}

	filter := audit.DefaultQueryFilter()
	filter.ActorID = r.URL.Query().Get("actor_id")
	filter.TargetID = r.URL.Query().Get("target_id")
	if raw := r.URL.Query().Get("type"); raw != "" {
		filter.Types = []audit.EventType{audit.EventType(raw)}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			respondError(w, http.StatusBadRequest, models.ErrCodeValidation, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = limit
	}

	events, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}

func (h *Handler) auditExam(r *http.Request, eventType audit.EventType, examID, title string) {
	if h.audit == nil {
		return
	}
	c := h.claims(r)
	h.audit.LogExamChange(eventType, c.Username, c.Role, examID, title, r.RemoteAddr, middleware.GetRequestID(r.Context()))
}

func (h *Handler) auditQuestion(r *http.Request, eventType audit.EventType, questionID, examID string) {
	if h.audit == nil {
		return
	}
	c := h.claims(r)
	h.audit.LogQuestionChange(eventType, c.Username, c.Role, questionID, examID, r.RemoteAddr, middleware.GetRequestID(r.Context()))
}

// refuseWhenExamInUse blocks question mutations once students have
// sessions against the exam.
func (h *Handler) refuseWhenExamInUse(w http.ResponseWriter, r *http.Request, examID string) bool {
	inUse, err := h.db.ExamInUse(r.Context(), examID)
	if err != nil {
		respondServiceError(w, r, err)
		return false
	}
	if inUse {
		respondError(w, http.StatusConflict, models.ErrCodeExamInUse, "exam has sessions or submissions")
		return false
	}
	return true
}

func validQuestionRequest(w http.ResponseWriter, req *QuestionRequest) bool {
	if req.Type == models.QuestionTypeMultipleChoice {
		if len(req.Options) < 2 {
			respondError(w, http.StatusBadRequest, models.ErrCodeValidation,
				"multiple choice questions need at least two options")
			return false
		}
		valid := make(map[string]bool, len(req.Options))
		for _, opt := range req.Options {
			if opt.Value == "" || opt.Label == "" {
				respondError(w, http.StatusBadRequest, models.ErrCodeValidation,
					"options need both a label and a value")
				return false
			}
			valid[opt.Value] = true
		}
		for _, cv := range req.CorrectValues {
			if !valid[cv] {
				respondError(w, http.StatusBadRequest, models.ErrCodeValidation,
					"correct value "+strconv.Quote(cv)+" is not an option value")
				return false
			}
		}
	}
	return true
}

// adminQuestionView exposes a question with its correct values, which
// the model otherwise hides from serialization.
type adminQuestion struct {
	*models.Question
	CorrectValues []string `json:"correct_values"`
}

func adminQuestionView(q *models.Question) adminQuestion {
	return adminQuestion{Question: q, CorrectValues: q.CorrectValues}
}

func adminQuestionViews(questions []*models.Question) []adminQuestion {
	views := make([]adminQuestion, 0, len(questions))
	for _, q := range questions {
		views = append(views, adminQuestionView(q))
	}
	return views
}
