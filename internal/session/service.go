// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

// Package session implements the exam session state machine: starting
// and resuming timed attempts, session token rotation and validation,
// answer storage, manual submission and deadline expiry.
//
// Every transition is anchored to the session's expires_at, which is
// fixed at creation. Token rotation grants a returning student a fresh
// credential but never more time.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/proctorhq/proctor/internal/database"
	"github.com/proctorhq/proctor/internal/events"
	"github.com/proctorhq/proctor/internal/logging"
	"github.com/proctorhq/proctor/internal/metrics"
	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/tokencache"
)

// Session service errors.
var (
	ErrExamNotActive = errors.New("exam is not active")
)

// Token validation reasons. An empty reason means the token is valid.
const (
	ReasonInvalidToken     = "invalid_token"
	ReasonTokenExpired     = "token_expired"
	ReasonSessionCompleted = "session_completed"
	ReasonSessionTimeout   = "session_timeout"
)

// ValidationError reports why a session token was rejected. Handlers
// map the reason to an HTTP status and error code.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "session token rejected: " + e.Reason
}

// InvalidAnswerError reports a malformed answer: an unknown option
// value, multiple selections on a single-select question, or
// undecodable input.
type InvalidAnswerError struct {
	Err error
}

func (e *InvalidAnswerError) Error() string {
	return "invalid answer: " + e.Err.Error()
}

func (e *InvalidAnswerError) Unwrap() error {
	return e.Err
}

// Publisher is the slice of events.Publisher the service needs.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Scheduler registers an expiry timer for a session.
type Scheduler interface {
	Schedule(sessionID string, at time.Time)
}

// Service drives the exam session lifecycle.
type Service struct {
	db        *database.DB
	cache     *tokencache.Cache
	publisher Publisher
	scheduler Scheduler

	// now is the single clock source for every expiry comparison,
	// replaceable in tests.
	now func() time.Time
}

// NewService creates the session service.
func NewService(db *database.DB, cache *tokencache.Cache, publisher Publisher, scheduler Scheduler) *Service {
	return &Service{
		db:        db,
		cache:     cache,
		publisher: publisher,
		scheduler: scheduler,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// StartOrContinue starts the student's session for an exam, or rotates
// a fresh token onto their existing open session. A completed session
// blocks retakes.
func (s *Service) StartOrContinue(ctx context.Context, studentID, examID string) (*models.SessionView, error) {
	exam, err := s.db.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !exam.IsActive {
		return nil, ErrExamNotActive
	}

	totalQuestions, err := s.db.CountQuestions(ctx, examID)
	if err != nil {
		return nil, err
	}

	existing, err := s.db.GetSessionForStudent(ctx, examID, studentID)
	switch {
	case err == nil:
		return s.continueSession(ctx, existing, totalQuestions)
	case errors.Is(err, database.ErrSessionNotFound):
		// Fall through to creation.
	default:
		return nil, err
	}

	now := s.now()
	sess := &models.ExamSession{
		ExamID:    examID,
		StudentID: studentID,
		StartedAt: now,
		ExpiresAt: now.Add(exam.Duration()),
	}
	if err := s.db.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, database.ErrSessionConflict) {
			// Lost a concurrent start; the winner's row is authoritative.
			existing, getErr := s.db.GetSessionForStudent(ctx, examID, studentID)
			if getErr != nil {
				return nil, getErr
			}
			return s.continueSession(ctx, existing, totalQuestions)
		}
		return nil, err
	}

	token, err := s.issueToken(ctx, sess)
	if err != nil {
		return nil, err
	}

	s.scheduler.Schedule(sess.ID, sess.ExpiresAt)
	metrics.SessionsStarted.Inc()
	s.publish(ctx, &events.Event{
		Type:      events.TypeSessionStarted,
		SessionID: sess.ID,
		StudentID: studentID,
		ExamID:    examID,
	})

	logging.Info().
		Str("session_id", sess.ID).
		Str("exam_id", examID).
		Time("expires_at", sess.ExpiresAt).
		Msg("Exam session started")

	return s.sessionView(sess, token, models.SessionStatusStarted, totalQuestions), nil
}

// continueSession rotates a new token onto an open session. Clients
// holding a rotated-out token learn about it through the token_rotated
// event, which the WebSocket bridge turns into a close frame.
func (s *Service) continueSession(ctx context.Context, sess *models.ExamSession, totalQuestions int) (*models.SessionView, error) {
	if sess.IsCompleted {
		return nil, &ValidationError{Reason: ReasonSessionCompleted}
	}
	if sess.IsExpired(s.now()) {
		// The timer owns this transition; report the session as over.
		if err := s.ExpireSession(ctx, sess.ID); err != nil {
			return nil, err
		}
		return nil, &ValidationError{Reason: ReasonSessionCompleted}
	}

	token, err := s.issueToken(ctx, sess)
	if err != nil {
		return nil, err
	}

	metrics.SessionsContinued.Inc()

	logging.Info().
		Str("session_id", sess.ID).
		Str("exam_id", sess.ExamID).
		Msg("Exam session continued with rotated token")

	return s.sessionView(sess, token, models.SessionStatusContinued, totalQuestions), nil
}

// issueToken mints a new session token, rotates out every prior one and
// keeps the badger cache in step with SQL.
func (s *Service) issueToken(ctx context.Context, sess *models.ExamSession) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	rotated, err := s.db.IssueToken(ctx, &models.SessionToken{
		Token:     token,
		SessionID: sess.ID,
	})
	if err != nil {
		return "", err
	}

	if err := s.cache.Put(ctx, token, &tokencache.Entry{
		SessionID: sess.ID,
		StudentID: sess.StudentID,
		ExamID:    sess.ExamID,
		ExpiresAt: sess.ExpiresAt,
	}); err != nil {
		logging.Warn().Err(err).Msg("Failed to cache session token")
	}
	if len(rotated) > 0 {
		if err := s.cache.Delete(ctx, rotated...); err != nil {
			logging.Warn().Err(err).Msg("Failed to evict rotated tokens from cache")
		}
		s.publish(ctx, &events.Event{
			Type:          events.TypeTokenRotated,
			SessionID:     sess.ID,
			StudentID:     sess.StudentID,
			ExamID:        sess.ExamID,
			RotatedTokens: rotated,
		})
	}
	return token, nil
}

// ValidateToken resolves a session token for a student. The returned
// reason is empty when the token is valid; otherwise it is one of the
// Reason constants and the session is nil except for session_completed
// and session_timeout, where the caller may want the session anyway.
//
// Checks run in a fixed order: existence and ownership, then the
// validity flag, then completion, then the deadline.
func (s *Service) ValidateToken(ctx context.Context, token, studentID string) (*models.ExamSession, string, error) {
	sessionID := ""

	if entry, err := s.cache.Get(ctx, token); err == nil {
		if entry.StudentID != studentID {
			metrics.RecordTokenValidation(ReasonInvalidToken)
			return nil, ReasonInvalidToken, nil
		}
		// The validity flag lives only in SQL. A cache entry that
		// survived a failed eviction must not resurrect a rotated
		// token, so the flag is re-checked on hits too.
		row, err := s.db.GetToken(ctx, token)
		if errors.Is(err, database.ErrTokenNotFound) {
			s.evictCached(ctx, token)
			metrics.RecordTokenValidation(ReasonInvalidToken)
			return nil, ReasonInvalidToken, nil
		}
		if err != nil {
			return nil, "", err
		}
		if !row.IsValid {
			s.evictCached(ctx, token)
			metrics.RecordTokenValidation(ReasonTokenExpired)
			return nil, ReasonTokenExpired, nil
		}
		sessionID = entry.SessionID
	} else if !errors.Is(err, tokencache.ErrNotFound) {
		return nil, "", err
	}

	if sessionID == "" {
		// Cache miss: SQL is the source of truth.
		row, err := s.db.GetToken(ctx, token)
		if errors.Is(err, database.ErrTokenNotFound) {
			metrics.RecordTokenValidation(ReasonInvalidToken)
			return nil, ReasonInvalidToken, nil
		}
		if err != nil {
			return nil, "", err
		}

		sess, err := s.db.GetSession(ctx, row.SessionID)
		if err != nil {
			return nil, "", err
		}
		if sess.StudentID != studentID {
			metrics.RecordTokenValidation(ReasonInvalidToken)
			return nil, ReasonInvalidToken, nil
		}
		if !row.IsValid {
			metrics.RecordTokenValidation(ReasonTokenExpired)
			return nil, ReasonTokenExpired, nil
		}
		return s.checkSessionState(ctx, sess)
	}

	sess, err := s.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	return s.checkSessionState(ctx, sess)
}

// evictCached drops a token from the badger cache after SQL declared
// it dead.
func (s *Service) evictCached(ctx context.Context, token string) {
	if err := s.cache.Delete(ctx, token); err != nil {
		logging.Warn().Err(err).Msg("Failed to evict stale session token from cache")
	}
}

func (s *Service) checkSessionState(ctx context.Context, sess *models.ExamSession) (*models.ExamSession, string, error) {
	if sess.IsCompleted {
		metrics.RecordTokenValidation(ReasonSessionCompleted)
		return sess, ReasonSessionCompleted, nil
	}
	if sess.IsExpired(s.now()) {
		// Lazy expiry: the access that discovers the deadline has
		// passed runs the same transition the timer would.
		if err := s.ExpireSession(ctx, sess.ID); err != nil {
			logging.Error().Err(err).Str("session_id", sess.ID).Msg("Lazy expiry failed")
		}
		metrics.RecordTokenValidation(ReasonSessionTimeout)
		return sess, ReasonSessionTimeout, nil
	}
	metrics.RecordTokenValidation("")
	return sess, "", nil
}

// SaveAnswer stores the student's answer to the question at the given
// order. Multiple choice answers are normalized and checked against the
// question's option set before storage. Re-answering overwrites.
func (s *Service) SaveAnswer(ctx context.Context, token, studentID string, questionOrder int, raw string) error {
	sess, reason, err := s.ValidateToken(ctx, token, studentID)
	if err != nil {
		return err
	}
	if reason != "" {
		return &ValidationError{Reason: reason}
	}

	question, err := s.db.GetQuestionByOrder(ctx, sess.ExamID, questionOrder)
	if err != nil {
		return err
	}

	normalized, err := question.NormalizeAnswer(raw)
	if err != nil {
		return &InvalidAnswerError{Err: err}
	}

	if err := s.db.UpsertAnswer(ctx, &models.Answer{
		SessionID:  sess.ID,
		QuestionID: question.ID,
		AnswerText: normalized,
	}); err != nil {
		return err
	}
	metrics.AnswersSaved.Inc()

	return s.db.AdvanceCurrentQuestion(ctx, sess.ID, questionOrder)
}

// QuestionView returns the question at the given order together with
// any saved answer, for rendering to the student. Correct answers are
// stripped by the model's JSON tags.
func (s *Service) QuestionView(ctx context.Context, token, studentID string, questionOrder int) (*models.Question, *models.Answer, error) {
	sess, reason, err := s.ValidateToken(ctx, token, studentID)
	if err != nil {
		return nil, nil, err
	}
	if reason != "" {
		return nil, nil, &ValidationError{Reason: reason}
	}

	question, err := s.db.GetQuestionByOrder(ctx, sess.ExamID, questionOrder)
	if err != nil {
		return nil, nil, err
	}

	answer, err := s.db.GetAnswer(ctx, sess.ID, question.ID)
	if errors.Is(err, database.ErrAnswerNotFound) {
		return question, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return question, answer, nil
}

// Progress reports how far the session has gotten: answered counts,
// per-question flags and the time remaining.
func (s *Service) Progress(ctx context.Context, token, studentID string) (*models.SessionProgress, error) {
	sess, reason, err := s.ValidateToken(ctx, token, studentID)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, &ValidationError{Reason: reason}
	}
	return s.progressFor(ctx, sess)
}

func (s *Service) progressFor(ctx context.Context, sess *models.ExamSession) (*models.SessionProgress, error) {
	questions, err := s.db.ListQuestions(ctx, sess.ExamID)
	if err != nil {
		return nil, err
	}
	answers, err := s.db.ListAnswers(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	marks := make([]models.QuestionMark, 0, len(questions))
	answered := 0
	for _, q := range questions {
		_, ok := answers[q.ID]
		if ok {
			answered++
		}
		marks = append(marks, models.QuestionMark{Order: q.Order, Answered: ok})
	}

	return &models.SessionProgress{
		SessionID:            sess.ID,
		AnsweredCount:        answered,
		TotalQuestions:       len(questions),
		TimeRemainingSeconds: sess.TimeRemaining(s.now()),
		Questions:            marks,
	}, nil
}

// Snapshot summarizes a session for the WebSocket layer. The connected
// message and pong replies need the counts and time remaining but not
// the per-question marks, so this skips the full progress scan.
func (s *Service) Snapshot(ctx context.Context, sess *models.ExamSession) (*models.SessionProgress, error) {
	answered, err := s.db.CountAnswers(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	total, err := s.db.CountQuestions(ctx, sess.ExamID)
	if err != nil {
		return nil, err
	}
	return &models.SessionProgress{
		SessionID:            sess.ID,
		AnsweredCount:        answered,
		TotalQuestions:       total,
		TimeRemainingSeconds: sess.TimeRemaining(s.now()),
	}, nil
}

// Submit completes the session manually, rotates out its tokens and
// requests grading. A second submit fails with session_completed; the
// compare-and-swap in the database makes the race with the expiry
// worker safe.
func (s *Service) Submit(ctx context.Context, token, studentID string) (*models.ExamSession, error) {
	sess, reason, err := s.ValidateToken(ctx, token, studentID)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, &ValidationError{Reason: reason}
	}

	now := s.now()
	if err := s.db.CompleteSession(ctx, sess.ID, models.SubmissionManual, now); err != nil {
		if errors.Is(err, database.ErrSessionDone) {
			return nil, &ValidationError{Reason: ReasonSessionCompleted}
		}
		return nil, err
	}

	s.finishSession(ctx, sess, models.SubmissionManual, models.GradingMethodAuto, events.TypeSessionSubmitted)

	sess.IsCompleted = true
	sess.SubmittedAt = &now
	sess.SubmissionType = models.SubmissionManual

	logging.Info().
		Str("session_id", sess.ID).
		Str("exam_id", sess.ExamID).
		Msg("Exam session submitted")

	return sess, nil
}

// ExpireSession is the worker-facing expiry transition. It is a noop
// for completed sessions, and reschedules itself when fired early.
func (s *Service) ExpireSession(ctx context.Context, sessionID string) error {
	sess, err := s.db.GetSession(ctx, sessionID)
	if errors.Is(err, database.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.IsCompleted {
		return nil
	}
	if !sess.IsExpired(s.now()) {
		s.scheduler.Schedule(sess.ID, sess.ExpiresAt)
		return nil
	}

	// The submission instant is the deadline, not when the worker got
	// around to it.
	if err := s.db.CompleteSession(ctx, sess.ID, models.SubmissionAutoExpired, sess.ExpiresAt); err != nil {
		if errors.Is(err, database.ErrSessionDone) {
			return nil
		}
		return err
	}

	s.finishSession(ctx, sess, models.SubmissionAutoExpired, models.GradingMethodTimeout, events.TypeSessionExpired)

	logging.Info().
		Str("session_id", sess.ID).
		Str("exam_id", sess.ExamID).
		Msg("Exam session expired and auto-submitted")

	return nil
}

// finishSession runs the shared completion tail: token teardown, cache
// eviction, metrics and lifecycle events.
func (s *Service) finishSession(ctx context.Context, sess *models.ExamSession, submissionType, gradingMethod, eventType string) {
	tokens, err := s.db.InvalidateSessionTokens(ctx, sess.ID)
	if err != nil {
		logging.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to invalidate session tokens")
	}
	if len(tokens) > 0 {
		if err := s.cache.Delete(ctx, tokens...); err != nil {
			logging.Warn().Err(err).Msg("Failed to evict session tokens from cache")
		}
	}

	metrics.SessionsCompleted.WithLabelValues(submissionType).Inc()

	s.publish(ctx, &events.Event{
		Type:           eventType,
		SessionID:      sess.ID,
		StudentID:      sess.StudentID,
		ExamID:         sess.ExamID,
		SubmissionType: submissionType,
	})
	s.publish(ctx, &events.Event{
		Type:          events.TypeGradingRequested,
		SessionID:     sess.ID,
		StudentID:     sess.StudentID,
		ExamID:        sess.ExamID,
		GradingMethod: gradingMethod,
	})
}

func (s *Service) publish(ctx context.Context, event *events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		logging.Error().Err(err).
			Str("type", event.Type).
			Str("session_id", event.SessionID).
			Msg("Failed to publish session lifecycle event")
	}
}

func (s *Service) sessionView(sess *models.ExamSession, token, status string, totalQuestions int) *models.SessionView {
	return &models.SessionView{
		Token:                token,
		Status:               status,
		SessionID:            sess.ID,
		ExamID:               sess.ExamID,
		ExpiresAt:            sess.ExpiresAt,
		TimeRemainingSeconds: sess.TimeRemaining(s.now()),
		CurrentQuestionOrder: sess.CurrentQuestionOrder,
		TotalQuestions:       totalQuestions,
	}
}

// newToken returns 32 bytes of CSPRNG output, base64url encoded without
// padding.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
