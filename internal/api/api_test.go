// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"

	"github.com/proctorhq/proctor/internal/audit"
	"github.com/proctorhq/proctor/internal/auth"
	"github.com/proctorhq/proctor/internal/config"
	"github.com/proctorhq/proctor/internal/database"
	"github.com/proctorhq/proctor/internal/events"
	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/session"
	"github.com/proctorhq/proctor/internal/tokencache"
	"github.com/proctorhq/proctor/internal/websocket"
)

type nullPublisher struct{}

func (nullPublisher) Publish(context.Context, *events.Event) error { return nil }

type nullScheduler struct{}

func (nullScheduler) Schedule(string, time.Time) {}

type apiFixture struct {
	server       *httptest.Server
	db           *database.DB
	studentToken string
	adminToken   string
	student      *models.User
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		Security: config.SecurityConfig{
			AuthMode:          "jwt",
			JWTSecret:         "integration-test-secret-0123456789abcdef",
			SessionTimeout:    time.Hour,
			RateLimitDisabled: true,
			CORSOrigins:       []string{"*"},
		},
		Sessions: config.SessionsConfig{
			SweepInterval:          time.Minute,
			MaxExamDurationMinutes: 240,
		},
		Metrics: config.MetricsConfig{Enabled: false},
	}

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
	adminHash, err := auth.HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if _, err := db.EnsureBootstrapAdmin(ctx, "admin", adminHash); err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	jwtManager, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	studentToken, err := jwtManager.GenerateToken("alice", models.RoleStudent)
	if err != nil {
		t.Fatalf("student token: %v", err)
	}
	adminToken, err := jwtManager.GenerateToken("admin", models.RoleAdmin)
	if err != nil {
		t.Fatalf("admin token: %v", err)
	}

	sessions := session.NewService(db, cache, nullPublisher{}, nullScheduler{})
	hub := websocket.NewHub()
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go func() { _ = hub.RunWithContext(hubCtx) }()
	t.Cleanup(hubCancel)
	handler := NewHandler(db, sessions, hub, jwtManager, cfg)

	auditStore := audit.NewDuckDBStore(db.Conn())
	if err := auditStore.CreateTable(ctx); err != nil {
		t.Fatalf("create audit table: %v", err)
	}
	auditLogger := audit.NewLogger(auditStore, nil)
	t.Cleanup(func() { _ = auditLogger.Close() })
	handler.SetAuditLogger(auditLogger)
	router := NewRouter(handler, auth.NewMiddleware(jwtManager, &cfg.Security), cfg)

	server := httptest.NewServer(router.Setup())
	t.Cleanup(server.Close)

	return &apiFixture{
		server:       server,
		db:           db,
		studentToken: studentToken,
		adminToken:   adminToken,
		student:      student,
	}
}

// do runs a request and decodes the response envelope.
func (f *apiFixture) do(t *testing.T, method, path, bearer string, body interface{}) (int, *models.APIResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, &envelope
}

// decodeData re-marshals the envelope's data into a typed value.
func decodeData(t *testing.T, envelope *models.APIResponse, dst interface{}) {
	t.Helper()
	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		t.Fatalf("remarshal data: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

// seedActiveExam drives the admin endpoints to build a two-question
// active exam, exercising the admin surface along the way.
func (f *apiFixture) seedActiveExam(t *testing.T) string {
	t.Helper()

	status, envelope := f.do(t, http.MethodPost, "/api/v1/admin/exams", f.adminToken, ExamRequest{
		Title:           "Operating Systems Midterm",
		Description:     "Closed book",
		DurationMinutes: 90,
	})
	if status != http.StatusCreated {
		t.Fatalf("create exam: status %d", status)
	}
	var exam models.Exam
	decodeData(t, envelope, &exam)

	// Activation before any questions must be refused.
	if status, envelope := f.do(t, http.MethodPost, "/api/v1/admin/exams/"+exam.ID+"/activate", f.adminToken, nil); status != http.StatusConflict {
		t.Fatalf("premature activation: status %d", status)
	} else if envelope.Error == nil || envelope.Error.Code != models.ErrCodeExamNotReady {
		t.Fatalf("premature activation error = %+v", envelope.Error)
	}

	questions := []QuestionRequest{
		{
			Type:   models.QuestionTypeMultipleChoice,
			Text:   "Which syscall creates a process?",
			Points: 5,
			Options: []models.QuestionOption{
				{Label: "fork", Value: "fork"},
				{Label: "open", Value: "open"},
			},
			CorrectValues: []string{"fork"},
		},
		{
			Type:          models.QuestionTypeShortAnswer,
			Text:          "What does a page fault signal?",
			Points:        5,
			CorrectValues: []string{"access to a page not present in memory"},
		},
	}
	for _, q := range questions {
		if status, _ := f.do(t, http.MethodPost, "/api/v1/admin/exams/"+exam.ID+"/questions", f.adminToken, q); status != http.StatusCreated {
			t.Fatalf("create question: status %d", status)
		}
	}

	if status, _ := f.do(t, http.MethodPost, "/api/v1/admin/exams/"+exam.ID+"/activate", f.adminToken, nil); status != http.StatusOK {
		t.Fatalf("activate: status %d", status)
	}
	return exam.ID
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	status, _ := f.do(t, http.MethodGet, "/api/v1/exams", "", nil)
	if status != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", status)
	}

	status, _ = f.do(t, http.MethodGet, "/api/v1/admin/exams", f.studentToken, nil)
	if status != http.StatusForbidden {
		t.Errorf("student on admin route status = %d", status)
	}
}

func TestTokenExchange(t *testing.T) {
	f := newAPIFixture(t)

	status, envelope := f.do(t, http.MethodPost, "/api/v1/auth/token", "", TokenRequest{
		Username: "admin",
		Password: "correct horse battery staple",
	})
	if status != http.StatusOK {
		t.Fatalf("token exchange: status %d", status)
	}
	var resp TokenResponse
	decodeData(t, envelope, &resp)
	if resp.Token == "" || resp.Role != models.RoleAdmin {
		t.Errorf("token response = %+v", resp)
	}

	status, envelope = f.do(t, http.MethodPost, "/api/v1/auth/token", "", TokenRequest{
		Username: "admin",
		Password: "wrong",
	})
	if status != http.StatusUnauthorized {
		t.Errorf("bad password status = %d", status)
	}
	if envelope.Error == nil || envelope.Error.Code != models.ErrCodeUnauthorized {
		t.Errorf("bad password error = %+v", envelope.Error)
	}
}

func TestStudentExamFlow(t *testing.T) {
	f := newAPIFixture(t)
	examID := f.seedActiveExam(t)

	// Listing shows the exam with no session yet.
	status, envelope := f.do(t, http.MethodGet, "/api/v1/exams", f.studentToken, nil)
	if status != http.StatusOK {
		t.Fatalf("list exams: status %d", status)
	}
	var entries []ExamListEntry
	decodeData(t, envelope, &entries)
	if len(entries) != 1 || entries[0].QuestionCount != 2 || entries[0].Session != nil {
		t.Fatalf("exam listing = %+v", entries)
	}

	// Start.
	status, envelope = f.do(t, http.MethodPost, "/api/v1/exams/"+examID+"/start", f.studentToken, nil)
	if status != http.StatusCreated {
		t.Fatalf("start: status %d", status)
	}
	var view models.SessionView
	decodeData(t, envelope, &view)
	if view.Status != models.SessionStatusStarted || view.Token == "" {
		t.Fatalf("session view = %+v", view)
	}

	// Question view hides correct answers.
	status, envelope = f.do(t, http.MethodGet, "/api/v1/sessions/"+view.Token+"/questions/1", f.studentToken, nil)
	if status != http.StatusOK {
		t.Fatalf("question view: status %d", status)
	}
	raw, _ := json.Marshal(envelope.Data)
	if bytes.Contains(raw, []byte("correct_values")) {
		t.Error("question view leaks correct values")
	}

	// Answer both questions.
	status, _ = f.do(t, http.MethodPost, "/api/v1/sessions/"+view.Token+"/questions/1", f.studentToken, SaveAnswerRequest{Answer: "fork"})
	if status != http.StatusOK {
		t.Fatalf("save answer 1: status %d", status)
	}
	status, envelope = f.do(t, http.MethodPost, "/api/v1/sessions/"+view.Token+"/questions/1", f.studentToken, SaveAnswerRequest{Answer: "swap"})
	if status != http.StatusBadRequest {
		t.Fatalf("invalid option: status %d", status)
	}
	if envelope.Error == nil || envelope.Error.Code != models.ErrCodeInvalidAnswer {
		t.Fatalf("invalid option error = %+v", envelope.Error)
	}
	status, _ = f.do(t, http.MethodPost, "/api/v1/sessions/"+view.Token+"/questions/2", f.studentToken, SaveAnswerRequest{Answer: "a missing page"})
	if status != http.StatusOK {
		t.Fatalf("save answer 2: status %d", status)
	}

	// Progress.
	status, envelope = f.do(t, http.MethodGet, "/api/v1/sessions/"+view.Token+"/progress", f.studentToken, nil)
	if status != http.StatusOK {
		t.Fatalf("progress: status %d", status)
	}
	var progress models.SessionProgress
	decodeData(t, envelope, &progress)
	if progress.AnsweredCount != 2 || progress.TotalQuestions != 2 {
		t.Errorf("progress = %+v", progress)
	}

	// Submit, then a second submit conflicts.
	status, _ = f.do(t, http.MethodPost, "/api/v1/sessions/"+view.Token+"/submit", f.studentToken, nil)
	if status != http.StatusOK {
		t.Fatalf("submit: status %d", status)
	}
	status, envelope = f.do(t, http.MethodPost, "/api/v1/sessions/"+view.Token+"/submit", f.studentToken, nil)
	if status != http.StatusUnauthorized && status != http.StatusConflict {
		t.Fatalf("second submit: status %d", status)
	}
	if envelope.Error == nil {
		t.Fatal("second submit has no error")
	}

	// The exam is no longer startable for this student.
	status, envelope = f.do(t, http.MethodPost, "/api/v1/exams/"+examID+"/start", f.studentToken, nil)
	if status != http.StatusConflict {
		t.Fatalf("restart: status %d", status)
	}
	if envelope.Error == nil || envelope.Error.Code != models.ErrCodeSessionCompleted {
		t.Fatalf("restart error = %+v", envelope.Error)
	}
}

func TestStartUnknownExam(t *testing.T) {
	f := newAPIFixture(t)

	status, envelope := f.do(t, http.MethodPost, "/api/v1/exams/no-such-exam/start", f.studentToken, nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d", status)
	}
	if envelope.Error == nil || envelope.Error.Code != models.ErrCodeExamNotFound {
		t.Errorf("error = %+v", envelope.Error)
	}
}

func TestAdminExamGuards(t *testing.T) {
	f := newAPIFixture(t)
	examID := f.seedActiveExam(t)

	// Student starts a session; the exam is now in use.
	status, _ := f.do(t, http.MethodPost, "/api/v1/exams/"+examID+"/start", f.studentToken, nil)
	if status != http.StatusCreated {
		t.Fatalf("start: status %d", status)
	}

	status, envelope := f.do(t, http.MethodPut, "/api/v1/admin/exams/"+examID, f.adminToken, ExamRequest{
		Title:           "Renamed",
		DurationMinutes: 30,
	})
	if status != http.StatusConflict {
		t.Fatalf("update in-use exam: status %d", status)
	}
	if envelope.Error == nil || envelope.Error.Code != models.ErrCodeExamInUse {
		t.Errorf("update error = %+v", envelope.Error)
	}

	if status, _ := f.do(t, http.MethodDelete, "/api/v1/admin/exams/"+examID, f.adminToken, nil); status != http.StatusConflict {
		t.Errorf("delete in-use exam: status %d", status)
	}

	// Question mutations are refused too.
	_, envelope = f.do(t, http.MethodGet, "/api/v1/admin/exams/"+examID+"/questions", f.adminToken, nil)
	var questions []adminQuestion
	decodeData(t, envelope, &questions)
	if len(questions) != 2 {
		t.Fatalf("question count = %d", len(questions))
	}
	if status, _ := f.do(t, http.MethodDelete, "/api/v1/admin/questions/"+questions[0].ID, f.adminToken, nil); status != http.StatusConflict {
		t.Errorf("delete question of in-use exam: status %d", status)
	}
}

func TestAdminSessionListing(t *testing.T) {
	f := newAPIFixture(t)
	examID := f.seedActiveExam(t)

	status, _ := f.do(t, http.MethodPost, "/api/v1/exams/"+examID+"/start", f.studentToken, nil)
	if status != http.StatusCreated {
		t.Fatalf("start: status %d", status)
	}

	status, envelope := f.do(t, http.MethodGet, "/api/v1/admin/sessions?exam_id="+examID+"&completed=false", f.adminToken, nil)
	if status != http.StatusOK {
		t.Fatalf("list sessions: status %d", status)
	}
	var sessions []models.ExamSession
	decodeData(t, envelope, &sessions)
	if len(sessions) != 1 || sessions[0].StudentID != f.student.ID {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestAdminAuditTrail(t *testing.T) {
	f := newAPIFixture(t)
	examID := f.seedActiveExam(t)

	// Students cannot read the audit trail.
	if status, _ := f.do(t, http.MethodGet, "/api/v1/admin/audit", f.studentToken, nil); status != http.StatusForbidden {
		t.Errorf("student reading audit trail: status %d", status)
	}

	// Audit writes are asynchronous; poll until the exam mutations
	// from seeding show up.
	deadline := time.Now().Add(2 * time.Second)
	var trail []audit.Event
	for {
		status, envelope := f.do(t, http.MethodGet, "/api/v1/admin/audit?target_id="+examID, f.adminToken, nil)
		if status != http.StatusOK {
			t.Fatalf("list audit events: status %d", status)
		}
		trail = nil
		decodeData(t, envelope, &trail)
		if len(trail) >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	types := make(map[audit.EventType]bool, len(trail))
	for _, e := range trail {
		if e.ActorID != "admin" {
			t.Errorf("audit actor = %q", e.ActorID)
		}
		types[e.Type] = true
	}
	if !types[audit.EventTypeExamCreated] || !types[audit.EventTypeExamActivated] {
		t.Errorf("audit trail missing exam events: %+v", trail)
	}
}

func TestWebSocketPingEchoesSessionState(t *testing.T) {
	f := newAPIFixture(t)
	examID := f.seedActiveExam(t)

	status, envelope := f.do(t, http.MethodPost, "/api/v1/exams/"+examID+"/start", f.studentToken, nil)
	if status != http.StatusCreated {
		t.Fatalf("start: status %d", status)
	}
	var view models.SessionView
	decodeData(t, envelope, &view)

	if status, _ := f.do(t, http.MethodPost, "/api/v1/sessions/"+view.Token+"/questions/1", f.studentToken, SaveAnswerRequest{Answer: "fork"}); status != http.StatusOK {
		t.Fatalf("save answer: status %d", status)
	}

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/exam/" + view.Token + "?token=" + f.studentToken
	conn, resp, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	if resp != nil {
		_ = resp.Body.Close()
	}

	var frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read connected: %v", err)
	}
	if frame.Type != websocket.MessageTypeConnected {
		t.Fatalf("first message type = %s", frame.Type)
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if frame.Type != websocket.MessageTypePong {
		t.Fatalf("reply type = %s", frame.Type)
	}
	var pong PongData
	if err := json.Unmarshal(frame.Data, &pong); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong.SessionID != view.SessionID {
		t.Errorf("pong session = %q, want %q", pong.SessionID, view.SessionID)
	}
	if pong.AnsweredCount != 1 {
		t.Errorf("pong answered_count = %d, want 1", pong.AnsweredCount)
	}
	if pong.TimeRemainingSeconds <= 0 {
		t.Errorf("pong time_remaining_seconds = %d", pong.TimeRemainingSeconds)
	}
}

func TestIssueTokenDisabledWithoutJWTManager(t *testing.T) {
	cfg := &config.Config{
		Security: config.SecurityConfig{AuthMode: "none", AdminUsername: "admin"},
	}
	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "256MB", Threads: 1})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	handler := NewHandler(db, nil, nil, nil, cfg)

	body := bytes.NewReader([]byte(`{"username":"admin","password":"whatever"}`))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.IssueToken(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var envelope models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Error == nil || envelope.Error.Code != models.ErrCodeUnauthorized {
		t.Fatalf("error = %+v", envelope.Error)
	}
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	status, envelope := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("health: status %d", status)
	}
	var health HealthResponse
	decodeData(t, envelope, &health)
	if health.Status != "ok" || health.Database != "ok" {
		t.Errorf("health = %+v", health)
	}
}
