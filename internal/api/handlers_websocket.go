// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	gorilla "github.com/gorilla/websocket"

	"github.com/proctorhq/proctor/internal/auth"
	"github.com/proctorhq/proctor/internal/logging"
	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/session"
	"github.com/proctorhq/proctor/internal/websocket"
)

// ConnectedData is the payload of the connected message sent on a
// successful WebSocket attach.
type ConnectedData struct {
	SessionID            string `json:"session_id"`
	TimeRemainingSeconds int    `json:"time_remaining_seconds"`
	AnsweredCount        int    `json:"answered_count"`
	TotalQuestions       int    `json:"total_questions"`
}

// WebSocketExam handles GET /ws/exam/{token}. The session token is
// validated before any state is attached; failures upgrade and then
// close immediately with an application close code so browser clients
// can distinguish a dead token (4001) from a foreign one (4003).
func (h *Handler) WebSocketExam(w http.ResponseWriter, r *http.Request) {
	upgrader := gorilla.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkWSOrigin,
	}

	claims, authErr := h.wsClaims(r)

	var (
		studentID string
		sess      *models.ExamSession
		reason    string
	)
	token := chi.URLParam(r, "token")
	if authErr == nil {
		user, err := h.db.GetUserByUsername(r.Context(), claims.Username)
		if err != nil {
			authErr = err
		} else {
			studentID = user.ID
			sess, reason, err = h.sessions.ValidateToken(r.Context(), token, studentID)
			if err != nil {
				respondServiceError(w, r, err)
				return
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	if authErr != nil {
		closeWS(conn, websocket.CloseForbidden, "authentication required")
		return
	}
	if reason != "" {
		switch reason {
		case session.ReasonSessionCompleted, session.ReasonSessionTimeout:
			closeWS(conn, websocket.CloseInvalidToken, "session is over")
		default:
			closeWS(conn, websocket.CloseInvalidToken, "invalid session token")
		}
		return
	}

	state, err := h.sessions.Snapshot(r.Context(), sess)
	if err != nil {
		closeWS(conn, gorilla.CloseInternalServerErr, "internal error")
		return
	}

	client := websocket.NewClient(h.hub, conn, sess.ID, studentID, token)
	client.SetPingResponder(func() websocket.Message {
		return h.pongFor(token, studentID)
	})
	h.hub.Register <- client
	client.Start()
	client.Send(websocket.Message{
		Type: websocket.MessageTypeConnected,
		Data: ConnectedData{
			SessionID:            sess.ID,
			TimeRemainingSeconds: state.TimeRemainingSeconds,
			AnsweredCount:        state.AnsweredCount,
			TotalQuestions:       state.TotalQuestions,
		},
	})
}

// PongData echoes live session state back on every application ping.
type PongData struct {
	SessionID            string `json:"session_id"`
	TimeRemainingSeconds int    `json:"time_remaining_seconds"`
	AnsweredCount        int    `json:"answered_count"`
}

// pongFor revalidates the session token and builds the ping reply. A
// token that went stale mid-connection gets the same notification a
// failed connect would have produced instead of a pong.
func (h *Handler) pongFor(token, studentID string) websocket.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, reason, err := h.sessions.ValidateToken(ctx, token, studentID)
	if err != nil {
		logging.Warn().Err(err).Msg("Ping revalidation failed")
		return websocket.Message{Type: websocket.MessageTypePong}
	}

	switch reason {
	case "":
	case session.ReasonSessionCompleted:
		return websocket.Message{Type: websocket.MessageTypeSessionCompleted, Data: websocket.CompletedData{
			SessionID: sess.ID,
			Reason:    reason,
			Message:   "This exam has already been submitted.",
		}}
	case session.ReasonSessionTimeout:
		return websocket.Message{Type: websocket.MessageTypeSessionCompleted, Data: websocket.CompletedData{
			SessionID: sess.ID,
			Reason:    reason,
			Message:   "Exam time has ended.",
		}}
	default:
		return websocket.Message{Type: websocket.MessageTypeSessionExpired, Data: websocket.ExpiredData{
			Reason:  reason,
			Message: "Session is no longer valid.",
		}}
	}

	state, err := h.sessions.Snapshot(ctx, sess)
	if err != nil {
		logging.Warn().Err(err).Str("session_id", sess.ID).Msg("Ping snapshot failed")
		return websocket.Message{Type: websocket.MessageTypePong}
	}
	return websocket.Message{Type: websocket.MessageTypePong, Data: PongData{
		SessionID:            sess.ID,
		TimeRemainingSeconds: state.TimeRemainingSeconds,
		AnsweredCount:        state.AnsweredCount,
	}}
}

// wsClaims authenticates a WebSocket request. Browser WebSocket clients
// cannot set the Authorization header, so the JWT may also arrive in
// the token query parameter.
func (h *Handler) wsClaims(r *http.Request) (*auth.Claims, error) {
	if h.cfg.Security.AuthMode == "none" {
		return &auth.Claims{Username: h.cfg.Security.AdminUsername, Role: models.RoleAdmin}, nil
	}

	raw, err := auth.ExtractToken(r)
	if err != nil {
		raw = r.URL.Query().Get("token")
		if raw == "" {
			return nil, err
		}
	}
	return h.jwt.ValidateToken(raw)
}

func (h *Handler) checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func closeWS(conn *gorilla.Conn, code int, text string) {
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(code, text), deadline)
	_ = conn.Close()
}
