// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package grading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/proctorhq/proctor/internal/database"
	"github.com/proctorhq/proctor/internal/logging"
	"github.com/proctorhq/proctor/internal/metrics"
	"github.com/proctorhq/proctor/internal/models"
)

// ErrSessionNotSubmitted means grading was requested for a session
// that has not been completed yet.
var ErrSessionNotSubmitted = errors.New("grading: session not submitted")

// Service grades submitted sessions and records the outcome in grade
// history. Grading is idempotent per session: once a completed grade
// exists, later requests return it unchanged.
type Service struct {
	db     *database.DB
	grader Grader

	// OnCompleted, when set, is invoked after a grade reaches a
	// terminal state. Used to publish grading events.
	OnCompleted func(ctx context.Context, grade *models.GradeHistory)
}

// NewService creates a grading service using the given free text
// grader.
func NewService(db *database.DB, grader Grader) *Service {
	return &Service{db: db, grader: grader}
}

// GradeSession grades all answers of a submitted session. method
// records what triggered the run (auto, timeout, expired, manual).
func (s *Service) GradeSession(ctx context.Context, sessionID string, method string) (*models.GradeHistory, error) {
	if existing, err := s.db.GetCompletedGradeForSession(ctx, sessionID); err == nil {
		logging.Debug().
			Str("session_id", sessionID).
			Str("grade_id", existing.ID).
			Msg("Session already graded")
		return existing, nil
	} else if !errors.Is(err, database.ErrGradeNotFound) {
		return nil, fmt.Errorf("check existing grade: %w", err)
	}

	session, err := s.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !session.IsCompleted {
		return nil, ErrSessionNotSubmitted
	}

	grade := &models.GradeHistory{
		SessionID:     sessionID,
		Status:        models.GradeStatusPending,
		GradingMethod: method,
	}
	if err := s.db.CreateGradeHistory(ctx, grade); err != nil {
		return nil, fmt.Errorf("create grade record: %w", err)
	}

	started := time.Now().UTC()
	grade.Status = models.GradeStatusInProgress
	grade.StartedAt = started
	if err := s.db.UpdateGradeHistory(ctx, grade); err != nil {
		return nil, fmt.Errorf("mark grade in progress: %w", err)
	}

	if err := s.run(ctx, session, grade); err != nil {
		finished := time.Now().UTC()
		grade.Status = models.GradeStatusFailed
		grade.ErrorMessage = err.Error()
		grade.FinishedAt = &finished
		if updateErr := s.db.UpdateGradeHistory(ctx, grade); updateErr != nil {
			logging.Error().Err(updateErr).
				Str("grade_id", grade.ID).
				Msg("Failed to record grading failure")
		}
		metrics.RecordGradingRun(method, models.GradeStatusFailed, finished.Sub(started))
		s.notify(ctx, grade)
		return grade, fmt.Errorf("grade session %s: %w", sessionID, err)
	}

	finished := time.Now().UTC()
	grade.Status = models.GradeStatusCompleted
	grade.FinishedAt = &finished
	if err := s.db.UpdateGradeHistory(ctx, grade); err != nil {
		return nil, fmt.Errorf("record grade: %w", err)
	}

	metrics.RecordGradingRun(method, models.GradeStatusCompleted, finished.Sub(started))
	logging.Info().
		Str("session_id", sessionID).
		Str("grade_id", grade.ID).
		Str("method", method).
		Float64("percentage", grade.Percentage).
		Msg("Session graded")

	s.notify(ctx, grade)
	return grade, nil
}

// run scores every question of the session's exam and fills the grade
// record's results and totals. Unanswered questions score zero.
func (s *Service) run(ctx context.Context, session *models.ExamSession, grade *models.GradeHistory) error {
	questions, err := s.db.ListQuestions(ctx, session.ExamID)
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	answers, err := s.db.ListAnswers(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("load answers: %w", err)
	}

	snapshot := make(map[string]string, len(answers))
	for questionID, answer := range answers {
		snapshot[questionID] = answer.AnswerText
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("snapshot answers: %w", err)
	}
	grade.AnswersData = string(snapshotJSON)

	results := make([]models.QuestionResult, 0, len(questions))
	var totalAwarded, totalMax float64

	for _, question := range questions {
		var answerText string
		if answer, ok := answers[question.ID]; ok {
			answerText = answer.AnswerText
		}

		result, err := gradeAnswer(ctx, s.grader, question, answerText)
		if err != nil {
			return fmt.Errorf("grade question %s: %w", question.ID, err)
		}

		results = append(results, models.QuestionResult{
			QuestionID: question.ID,
			Order:      question.Order,
			Awarded:    result.Awarded,
			Max:        result.Max,
			Feedback:   result.Feedback,
		})
		totalAwarded += result.Awarded
		totalMax += result.Max
	}

	sortResults(results)
	grade.Results = results
	grade.TotalAwarded = round2(totalAwarded)
	grade.TotalMax = round2(totalMax)
	if totalMax > 0 {
		grade.Percentage = round2(totalAwarded / totalMax * 100)
	}
	return nil
}

func (s *Service) notify(ctx context.Context, grade *models.GradeHistory) {
	if s.OnCompleted != nil {
		s.OnCompleted(ctx, grade)
	}
}
