// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/proctorhq/proctor/internal/config"
	"github.com/proctorhq/proctor/internal/database"
	"github.com/proctorhq/proctor/internal/events"
	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/tokencache"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) byType(eventType string) []*events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*events.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type recordingScheduler struct {
	mu        sync.Mutex
	schedules map[string]time.Time
}

func (s *recordingScheduler) Schedule(sessionID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedules == nil {
		s.schedules = make(map[string]time.Time)
	}
	s.schedules[sessionID] = at
}

type fixture struct {
	db        *database.DB
	service   *Service
	publisher *recordingPublisher
	scheduler *recordingScheduler
	student   *models.User
	exam      *models.Exam
	questions []*models.Question

	// clock is the instant the service sees as now.
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "256MB", Threads: 1})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cache, err := tokencache.New(&config.TokenCacheConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open token cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	student := &models.User{Username: "alice", Email: "alice@example.edu", Role: models.RoleStudent, IsActive: true}
	if err := db.CreateUser(ctx, student); err != nil {
		t.Fatalf("seed student: %v", err)
	}

	exam := &models.Exam{Title: "Networks Final", DurationMinutes: 60, CreatedBy: "admin"}
	if err := db.CreateExam(ctx, exam); err != nil {
		t.Fatalf("seed exam: %v", err)
	}

	questions := []*models.Question{
		{
			ExamID: exam.ID,
			Type:   models.QuestionTypeMultipleChoice,
			Text:   "Which layer does TCP live at?",
			Points: 5,
			Options: []models.QuestionOption{
				{Label: "Transport", Value: "transport"},
				{Label: "Network", Value: "network"},
			},
			CorrectValues: []string{"transport"},
		},
		{
			ExamID:        exam.ID,
			Type:          models.QuestionTypeShortAnswer,
			Text:          "What does ARP resolve?",
			Points:        5,
			CorrectValues: []string{"IP addresses to MAC addresses"},
		},
	}
	for _, q := range questions {
		if err := db.CreateQuestion(ctx, q); err != nil {
			t.Fatalf("seed question: %v", err)
		}
	}
	if err := db.SetExamActive(ctx, exam.ID, true); err != nil {
		t.Fatalf("activate exam: %v", err)
	}
	exam.IsActive = true

	f := &fixture{
		db:        db,
		publisher: &recordingPublisher{},
		scheduler: &recordingScheduler{},
		student:   student,
		exam:      exam,
		questions: questions,
		clock:     time.Now().UTC(),
	}
	f.service = NewService(db, cache, f.publisher, f.scheduler)
	f.service.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func TestStartCreatesSessionAndSchedulesExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.StartOrContinue(ctx, f.student.ID, f.exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if view.Status != models.SessionStatusStarted {
		t.Errorf("status = %s", view.Status)
	}
	if view.Token == "" || len(view.Token) != 43 {
		t.Errorf("token = %q, want 43-char base64url", view.Token)
	}
	if view.TotalQuestions != 2 {
		t.Errorf("total questions = %d", view.TotalQuestions)
	}
	wantExpiry := f.clock.Add(60 * time.Minute)
	if !view.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires_at = %v, want %v", view.ExpiresAt, wantExpiry)
	}

	at, ok := f.scheduler.schedules[view.SessionID]
	if !ok {
		t.Fatal("no expiry scheduled")
	}
	if !at.Equal(view.ExpiresAt) {
		t.Errorf("scheduled at %v, want %v", at, view.ExpiresAt)
	}

	if got := f.publisher.byType(events.TypeSessionStarted); len(got) != 1 {
		t.Errorf("started events = %d, want 1", len(got))
	}
}

func TestStartOnInactiveExamFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.db.SetExamActive(ctx, f.exam.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.service.StartOrContinue(ctx, f.student.ID, f.exam.ID); !errors.Is(err, ErrExamNotActive) {
		t.Errorf("expected ErrExamNotActive, got %v", err)
	}
}

func TestContinueRotatesToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.StartOrContinue(ctx, f.student.ID, f.exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := f.service.StartOrContinue(ctx, f.student.ID, f.exam.ID)
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if second.Status != models.SessionStatusContinued {
		t.Errorf("status = %s", second.Status)
	}
	if second.SessionID != first.SessionID {
		t.Error("continuation created a second session")
	}
	if second.Token == first.Token {
		t.Error("token was not rotated")
	}
	if !second.ExpiresAt.Equal(first.ExpiresAt) {
		t.Error("rotation moved the deadline")
	}

	// Old token must be dead everywhere.
	if _, reason, err := f.service.ValidateToken(ctx, first.Token, f.student.ID); err != nil {
		t.Fatalf("validate old token: %v", err)
	} else if reason != ReasonTokenExpired {
		t.Errorf("old token reason = %q, want %q", reason, ReasonTokenExpired)
	}
	if _, reason, err := f.service.ValidateToken(ctx, second.Token, f.student.ID); err != nil {
		t.Fatalf("validate new token: %v", err)
	} else if reason != "" {
		t.Errorf("new token reason = %q, want valid", reason)
	}

	rotations := f.publisher.byType(events.TypeTokenRotated)
	if len(rotations) != 1 {
		t.Fatalf("token_rotated events = %d, want 1", len(rotations))
	}
	if len(rotations[0].RotatedTokens) != 1 || rotations[0].RotatedTokens[0] != first.Token {
		t.Errorf("rotated tokens = %v", rotations[0].RotatedTokens)
	}
}

func TestValidateTokenReasons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.StartOrContinue(ctx, f.student.ID, f.exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, reason, _ := f.service.ValidateToken(ctx, "no-such-token", f.student.ID); reason != ReasonInvalidToken {
		t.Errorf("unknown token reason = %q", reason)
	}
	if _, reason, _ := f.service.ValidateToken(ctx, view.Token, "someone-else"); reason != ReasonInvalidToken {
		t.Errorf("wrong student reason = %q", reason)
	}

	f.advance(61 * time.Minute)
	if _, reason, _ := f.service.ValidateToken(ctx, view.Token, f.student.ID); reason != ReasonSessionTimeout {
		t.Errorf("past deadline reason = %q", reason)
	}
}

func TestValidateTokenRejectsRotatedTokenLingeringInCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.StartOrContinue(ctx, f.student.ID, f.exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Invalidate in SQL only, simulating a cache eviction that never
	// landed. The cache hit alone must not resurrect the token.
	if _, err := f.db.InvalidateSessionTokens(ctx, view.SessionID); err != nil {
		t.Fatalf("invalidate tokens: %v", err)
	}

	_, reason, err := f.service.ValidateToken(ctx, view.Token, f.student.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if reason != ReasonTokenExpired {
		t.Errorf("reason = %q, want %q", reason, ReasonTokenExpired)
	}
}

func TestSaveAnswerNormalizesAndAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.StartOrContinue(ctx, f.student.ID, f.exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := f.service.SaveAnswer(ctx, view.Token, f.student.ID, 1, "transport"); err != nil {
		t.Fatalf("save answer: %v", err)
	}

	answer, err := f.db.GetAnswer(ctx, view.SessionID, f.questions[0].ID)
	if err != nil {
		t.Fatalf("get answer: %v", err)
	}
	if answer.AnswerText != `["transport"]` {
		t.Errorf("stored answer = %q, want normalized JSON array", answer.AnswerText)
	}

	sess, err := f.db.GetSession(ctx, view.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.CurrentQuestionOrder != 1 {
		t.Errorf("current question order = %d", sess.CurrentQuestionOrder)
	}

	// Unknown option values are rejected before storage.
	if err := f.service.SaveAnswer(ctx, view.Token, f.student.ID, 1, "datalink"); err == nil {
		t.Error("expected error for unknown option value")
	}
}

func TestProgressCountsAnswers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.StartOrContinue(ctx, f.student.ID, f.exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.service.SaveAnswer(ctx, view.Token, f.student.ID, 2, "it maps IPs to MACs"); err != nil {
		t.Fatalf("save answer: %v", err)
	}

	progress, err := f.service.Progress(ctx, view.Token, f.student.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.AnsweredCount != 1 || progress.TotalQuestions != 2 {
		t.Errorf("answered %d/%d", progress.AnsweredCount, progress.TotalQuestions)
	}
	if progress.Questions[0].Answered || !progress.Questions[1].Answered {
		t.Errorf("per-question flags = %+v", progress.Questions)
	}
	if progress.TimeRemainingSeconds != 60*60 {
		t.Errorf("time remaining = %d", progress.TimeRemainingSeconds)
	}
}

func TestSubmitCompletesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.StartOrContinue(ctx, f.student.ID, f.exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	sess, err := f.service.Submit(ctx, view.Token, f.student.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !sess.IsCompleted || sess.SubmissionType != models.SubmissionManual {
		t.Errorf("session after submit: completed=%v type=%s", sess.IsCompleted, sess.SubmissionType)
	}

	// Tokens die with the session.
	if _, reason, _ := f.service.ValidateToken(ctx, view.Token, f.student.ID); reason != ReasonTokenExpired {
		t.Errorf("post-submit token reason = %q", reason)
	}

	// A second submit cannot find a usable token.
	var verr *ValidationError
	if _, err := f.service.Submit(ctx, view.Token, f.student.ID); !errors.As(err, &verr) {
		t.Fatalf("second submit error = %v", err)
	}

	if got := f.publisher.byType(events.TypeSessionSubmitted); len(got) != 1 {
		t.Errorf("submitted events = %d, want 1", len(got))
	}
	requests := f.publisher.byType(events.TypeGradingRequested)
	if len(requests) != 1 || requests[0].GradingMethod != models.GradingMethodAuto {
		t.Errorf("grading requests = %+v", requests)
	}
}

func TestSubmitAfterDeadlineIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.StartOrContinue(ctx, f.student.ID, f.exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.advance(61 * time.Minute)

	var verr *ValidationError
	if _, err := f.service.Submit(ctx, view.Token, f.student.ID); !errors.As(err, &verr) {
		t.Fatalf("submit past deadline error = %v", err)
	} else if verr.Reason != ReasonSessionTimeout {
		t.Errorf("reason = %q", verr.Reason)
	}
}

func TestExpireSessionAutoSubmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.StartOrContinue(ctx, f.student.ID, f.exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.advance(61 * time.Minute)

	if err := f.service.ExpireSession(ctx, view.SessionID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	sess, err := f.db.GetSession(ctx, view.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !sess.IsCompleted || sess.SubmissionType != models.SubmissionAutoExpired {
		t.Errorf("session after expiry: completed=%v type=%s", sess.IsCompleted, sess.SubmissionType)
	}
	if sess.SubmittedAt == nil || !sess.SubmittedAt.Equal(sess.ExpiresAt) {
		t.Errorf("submitted_at = %v, want the deadline %v", sess.SubmittedAt, sess.ExpiresAt)
	}

	if got := f.publisher.byType(events.TypeSessionExpired); len(got) != 1 {
		t.Errorf("expired events = %d, want 1", len(got))
	}
	requests := f.publisher.byType(events.TypeGradingRequested)
	if len(requests) != 1 || requests[0].GradingMethod != models.GradingMethodTimeout {
		t.Errorf("grading requests = %+v", requests)
	}

	// Expiry is idempotent.
	if err := f.service.ExpireSession(ctx, view.SessionID); err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if got := f.publisher.byType(events.TypeSessionExpired); len(got) != 1 {
		t.Errorf("expired events after rerun = %d, want 1", len(got))
	}
}

func TestExpireSessionFiringEarlyReschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.StartOrContinue(ctx, f.student.ID, f.exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	delete(f.scheduler.schedules, view.SessionID)

	if err := f.service.ExpireSession(ctx, view.SessionID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	sess, err := f.db.GetSession(ctx, view.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.IsCompleted {
		t.Error("early fire completed the session")
	}
	if at, ok := f.scheduler.schedules[view.SessionID]; !ok || !at.Equal(sess.ExpiresAt) {
		t.Errorf("rescheduled at %v, want %v", at, sess.ExpiresAt)
	}
}

func TestStartAfterCompletionIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.service.StartOrContinue(ctx, f.student.ID, f.exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.service.Submit(ctx, view.Token, f.student.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var verr *ValidationError
	if _, err := f.service.StartOrContinue(ctx, f.student.ID, f.exam.ID); !errors.As(err, &verr) {
		t.Fatalf("restart error = %v", err)
	} else if verr.Reason != ReasonSessionCompleted {
		t.Errorf("reason = %q", verr.Reason)
	}
}
