// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/proctorhq/proctor/internal/events"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.RunWithContext(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("hub did not stop")
		}
	})
	return hub, cancel
}

func register(t *testing.T, hub *Hub, sessionID, token string) *Client {
	t.Helper()
	client := NewClient(hub, nil, sessionID, "student", token)
	hub.Register <- client
	waitFor(t, func() bool { return hub.GetSessionClientCount(sessionID) > 0 })
	return client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func receive(t *testing.T, client *Client) Message {
	t.Helper()
	select {
	case msg, ok := <-client.send:
		if !ok {
			t.Fatal("send channel closed while expecting message")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	return Message{}
}

func expectClosed(t *testing.T, client *Client) {
	t.Helper()
	select {
	case _, ok := <-client.send:
		if ok {
			t.Fatal("expected closed channel, got message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed")
	}
}

func TestBroadcastReachesOnlyTargetSession(t *testing.T) {
	hub, _ := startHub(t)

	a := register(t, hub, "session-a", "tok-a")
	b := register(t, hub, "session-b", "tok-b")

	hub.BroadcastToSession("session-a", MessageTypeSessionExpired, ExpiredData{SessionID: "session-a"})

	msg := receive(t, a)
	if msg.Type != MessageTypeSessionExpired {
		t.Errorf("type = %s", msg.Type)
	}

	select {
	case msg := <-b.send:
		t.Errorf("other session received %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEvictionByToken(t *testing.T) {
	hub, _ := startHub(t)

	stale := register(t, hub, "session-a", "tok-old")
	fresh := register(t, hub, "session-a", "tok-new")

	hub.CloseSessionClients("session-a", []string{"tok-old"}, CloseInvalidToken, "token invalidated")

	expectClosed(t, stale)
	code, text := stale.closeCode, stale.closeText
	if code != CloseInvalidToken || text != "token invalidated" {
		t.Errorf("close frame = %d %q", code, text)
	}

	waitFor(t, func() bool { return hub.GetSessionClientCount("session-a") == 1 })
	select {
	case _, ok := <-fresh.send:
		if !ok {
			t.Error("fresh client was evicted too")
		}
	default:
	}
}

func TestEvictionOfWholeSession(t *testing.T) {
	hub, _ := startHub(t)

	a := register(t, hub, "session-a", "tok-1")
	b := register(t, hub, "session-a", "tok-2")

	hub.CloseSessionClients("session-a", nil, CloseInvalidToken, "gone")
	expectClosed(t, a)
	expectClosed(t, b)
	waitFor(t, func() bool { return hub.GetClientCount() == 0 })
}

func TestShutdownClosesAllClients(t *testing.T) {
	hub, cancel := startHub(t)

	a := register(t, hub, "session-a", "tok-1")
	b := register(t, hub, "session-b", "tok-2")

	cancel()
	expectClosed(t, a)
	expectClosed(t, b)
}

func TestUnregisterRemovesClient(t *testing.T) {
	hub, _ := startHub(t)

	a := register(t, hub, "session-a", "tok-1")
	hub.Unregister <- a
	waitFor(t, func() bool { return hub.GetClientCount() == 0 })
	expectClosed(t, a)
}

func TestBridgeSessionSubmitted(t *testing.T) {
	hub, _ := startHub(t)
	dispatcher := events.NewDispatcher()
	RegisterEventHandlers(hub, dispatcher)

	client := register(t, hub, "session-a", "tok-1")

	err := dispatcher.Dispatch(context.Background(), &events.Event{
		Type:           events.TypeSessionSubmitted,
		SessionID:      "session-a",
		SubmissionType: "manual",
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	msg := receive(t, client)
	if msg.Type != MessageTypeSessionCompleted {
		t.Errorf("type = %s", msg.Type)
	}
	data, ok := msg.Data.(CompletedData)
	if !ok || data.Reason != ReasonSubmitted {
		t.Errorf("data = %+v", msg.Data)
	}
	if data.GradeHistoryID != "" {
		t.Errorf("grade id before grading = %q", data.GradeHistoryID)
	}

	// The connection stays open until grading delivers the grade ID.
	select {
	case _, ok := <-client.send:
		if !ok {
			t.Error("client closed before grading completed")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBridgeSessionExpiredReportsTimeout(t *testing.T) {
	hub, _ := startHub(t)
	dispatcher := events.NewDispatcher()
	RegisterEventHandlers(hub, dispatcher)

	client := register(t, hub, "session-a", "tok-1")

	err := dispatcher.Dispatch(context.Background(), &events.Event{
		Type:           events.TypeSessionExpired,
		SessionID:      "session-a",
		SubmissionType: "auto_expired",
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	msg := receive(t, client)
	if msg.Type != MessageTypeSessionCompleted {
		t.Errorf("type = %s, want %s", msg.Type, MessageTypeSessionCompleted)
	}
	data, ok := msg.Data.(CompletedData)
	if !ok || data.Reason != ReasonTimeout {
		t.Errorf("data = %+v", msg.Data)
	}
}

func TestBridgeGradingCompletedDeliversGradeID(t *testing.T) {
	hub, _ := startHub(t)
	dispatcher := events.NewDispatcher()
	RegisterEventHandlers(hub, dispatcher)

	client := register(t, hub, "session-a", "tok-1")

	err := dispatcher.Dispatch(context.Background(), &events.Event{
		Type:          events.TypeGradingCompleted,
		SessionID:     "session-a",
		GradeID:       "grade-1",
		GradeStatus:   "completed",
		GradingMethod: "timeout",
		Percentage:    87.5,
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	msg := receive(t, client)
	if msg.Type != MessageTypeSessionCompleted {
		t.Errorf("type = %s", msg.Type)
	}
	data, ok := msg.Data.(CompletedData)
	if !ok {
		t.Fatalf("data = %+v", msg.Data)
	}
	if data.GradeHistoryID != "grade-1" || data.Reason != ReasonTimeout || data.Percentage != 87.5 {
		t.Errorf("data = %+v", data)
	}
	expectClosed(t, client)
}

func TestBridgeTokenRotation(t *testing.T) {
	hub, _ := startHub(t)
	dispatcher := events.NewDispatcher()
	RegisterEventHandlers(hub, dispatcher)

	stale := register(t, hub, "session-a", "tok-old")
	fresh := register(t, hub, "session-a", "tok-new")

	err := dispatcher.Dispatch(context.Background(), &events.Event{
		Type:          events.TypeTokenRotated,
		SessionID:     "session-a",
		RotatedTokens: []string{"tok-old"},
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// The stale client hears why before the close frame lands.
	notice := receive(t, stale)
	if notice.Type != MessageTypeSessionExpired {
		t.Errorf("notice type = %s, want %s", notice.Type, MessageTypeSessionExpired)
	}
	if data, ok := notice.Data.(ExpiredData); !ok || data.Reason != "token_expired" {
		t.Errorf("notice data = %+v", notice.Data)
	}

	expectClosed(t, stale)
	if stale.closeCode != CloseInvalidToken {
		t.Errorf("close code = %d, want %d", stale.closeCode, CloseInvalidToken)
	}
	waitFor(t, func() bool { return hub.GetSessionClientCount("session-a") == 1 })
	_ = fresh
}
