// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package websocket

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/proctorhq/proctor/internal/events"
	"github.com/proctorhq/proctor/internal/models"
)

// Completion reasons carried in session_completed payloads.
const (
	ReasonSubmitted = "submitted"
	ReasonTimeout   = "timeout"
)

// CompletedData is the payload of a session_completed message. The
// grade fields are filled only on the grading notification; the
// submission notification goes out before grading has run.
type CompletedData struct {
	SessionID      string  `json:"session_id"`
	Reason         string  `json:"reason"`
	Message        string  `json:"message,omitempty"`
	GradeHistoryID string  `json:"grade_history_id,omitempty"`
	GradeStatus    string  `json:"grade_status,omitempty"`
	Percentage     float64 `json:"percentage,omitempty"`
}

// ExpiredData is the payload of a session_expired message.
type ExpiredData struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason"`
	Message   string `json:"message,omitempty"`
}

// RegisterEventHandlers bridges session lifecycle events onto the hub.
// Registration must happen before the event subscriber starts.
//
// Submission and expiry announce completion immediately; the socket
// stays open until the grading notification delivers the grade history
// ID, after which clients are closed normally. Rotated-out tokens get
// a session_expired notice ahead of the invalid-token close frame.
func RegisterEventHandlers(hub *Hub, dispatcher *events.Dispatcher) {
	dispatcher.Subscribe(events.TypeSessionSubmitted, func(_ context.Context, event *events.Event) error {
		hub.BroadcastToSession(event.SessionID, MessageTypeSessionCompleted, CompletedData{
			SessionID: event.SessionID,
			Reason:    ReasonSubmitted,
			Message:   "Exam submitted successfully",
		})
		return nil
	})

	dispatcher.Subscribe(events.TypeSessionExpired, func(_ context.Context, event *events.Event) error {
		hub.BroadcastToSession(event.SessionID, MessageTypeSessionCompleted, CompletedData{
			SessionID: event.SessionID,
			Reason:    ReasonTimeout,
			Message:   "Exam time has ended. Your answers have been submitted.",
		})
		return nil
	})

	dispatcher.Subscribe(events.TypeGradingCompleted, func(_ context.Context, event *events.Event) error {
		notice := Message{
			Type: MessageTypeSessionCompleted,
			Data: CompletedData{
				SessionID:      event.SessionID,
				Reason:         completionReason(event.GradingMethod),
				GradeHistoryID: event.GradeID,
				GradeStatus:    event.GradeStatus,
				Percentage:     event.Percentage,
			},
		}
		hub.NotifyAndCloseSessionClients(event.SessionID, nil, notice, websocket.CloseNormalClosure, "session completed")
		return nil
	})

	// A continued session invalidates earlier tokens. Connections
	// still riding an old token are told why, then closed with the
	// invalid token code so the client reconnects with the new one.
	dispatcher.Subscribe(events.TypeTokenRotated, func(_ context.Context, event *events.Event) error {
		if len(event.RotatedTokens) == 0 {
			return nil
		}
		notice := Message{
			Type: MessageTypeSessionExpired,
			Data: ExpiredData{
				SessionID: event.SessionID,
				Reason:    "token_expired",
				Message:   "This session token has expired. A new session was started.",
			},
		}
		hub.NotifyAndCloseSessionClients(event.SessionID, event.RotatedTokens, notice, CloseInvalidToken, "token invalidated")
		return nil
	})
}

// completionReason maps the grading method back to the reason the
// student sees: timed-out sessions were graded by the timeout or
// sweeper path, everything else traces back to a submit.
func completionReason(gradingMethod string) string {
	switch gradingMethod {
	case models.GradingMethodTimeout, models.GradingMethodExpired:
		return ReasonTimeout
	default:
		return ReasonSubmitted
	}
}
