// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

// Package websocket pushes exam session updates to connected students.
// Each connection is bound to one session token; the hub groups
// connections by session so lifecycle messages (completion, expiry,
// token rotation) reach exactly the affected student.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/proctorhq/proctor/internal/logging"
	"github.com/proctorhq/proctor/internal/metrics"
)

// Message types sent over exam session sockets.
const (
	MessageTypeConnected        = "connected"
	MessageTypePing             = "ping"
	MessageTypePong             = "pong"
	MessageTypeSessionCompleted = "session_completed"
	MessageTypeSessionExpired   = "session_expired"
)

// Application close codes. Browsers surface these to the client script
// so it can distinguish a stale token from a permission problem.
const (
	CloseInvalidToken = 4001
	CloseForbidden    = 4003
)

// Message is the envelope for every frame sent to clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// sessionBroadcast targets every client of one session.
type sessionBroadcast struct {
	sessionID string
	message   Message
}

// eviction force-closes clients of a session. When tokens is non-nil
// only clients holding one of those tokens are closed. A non-nil
// notice is queued on each client's send buffer ahead of the close
// frame so the client sees the explanation before the socket drops.
type eviction struct {
	sessionID string
	tokens    map[string]bool
	notice    *Message
	code      int
	reason    string
}

// Hub maintains the set of active clients grouped by session and
// routes broadcasts and evictions to them.
type Hub struct {
	clients    map[*Client]bool
	sessions   map[string]map[*Client]bool
	broadcast  chan sessionBroadcast
	evictions  chan eviction
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		sessions:   make(map[string]map[*Client]bool),
		broadcast:  make(chan sessionBroadcast, 256),
		evictions:  make(chan eviction, 64),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

// RunWithContext runs the hub until the context ends, then closes all
// clients. Designed for suture supervision.
//
// Selection is priority based: shutdown first, then client lifecycle,
// then broadcasts. Go's select picks randomly among ready channels;
// checking lifecycle first keeps client state consistent before any
// message is routed.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.registerClient(client)
			continue
		case client := <-h.Unregister:
			h.unregisterClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()

		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case sb := <-h.broadcast:
			h.broadcastToSession(sb)

		case ev := <-h.evictions:
			h.evictClients(ev)
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (h *Hub) String() string {
	return "websocket-hub"
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	if h.sessions[client.sessionID] == nil {
		h.sessions[client.sessionID] = make(map[*Client]bool)
	}
	h.sessions[client.sessionID][client] = true
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketConnections.Inc()
	logging.Info().
		Str("session_id", client.sessionID).
		Int("total_clients", total).
		Msg("websocket client connected")
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	removed := h.removeClientLocked(client)
	total := len(h.clients)
	h.mu.Unlock()

	if removed {
		metrics.WebSocketConnections.Dec()
		logging.Info().
			Str("session_id", client.sessionID).
			Int("total_clients", total).
			Msg("websocket client disconnected")
	}
}

// removeClientLocked drops the client from both indexes and closes its
// send channel. Caller holds h.mu.
func (h *Hub) removeClientLocked(client *Client) bool {
	if !h.clients[client] {
		return false
	}
	delete(h.clients, client)
	if group := h.sessions[client.sessionID]; group != nil {
		delete(group, client)
		if len(group) == 0 {
			delete(h.sessions, client.sessionID)
		}
	}
	close(client.send)
	return true
}

// sessionClientsLocked returns the session's clients sorted by client
// ID so delivery order is deterministic. Caller holds h.mu.
func (h *Hub) sessionClientsLocked(sessionID string) []*Client {
	group := h.sessions[sessionID]
	clients := make([]*Client, 0, len(group))
	for client := range group {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	return clients
}

func (h *Hub) broadcastToSession(sb sessionBroadcast) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var toRemove []*Client
	for _, client := range h.sessionClientsLocked(sb.sessionID) {
		select {
		case client.send <- sb.message:
			metrics.WebSocketMessagesSent.WithLabelValues(sb.message.Type).Inc()
		default:
			// Send buffer full, the client is not keeping up.
			toRemove = append(toRemove, client)
		}
	}
	for _, client := range toRemove {
		h.removeClientLocked(client)
		metrics.WebSocketConnections.Dec()
	}
}

func (h *Hub) evictClients(ev eviction) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.sessionClientsLocked(ev.sessionID) {
		if ev.tokens != nil && !ev.tokens[client.token] {
			continue
		}
		if ev.notice != nil {
			select {
			case client.send <- *ev.notice:
				metrics.WebSocketMessagesSent.WithLabelValues(ev.notice.Type).Inc()
			default:
				// Buffer full, the close frame still carries the code.
			}
		}
		client.setCloseFrame(ev.code, ev.reason)
		h.removeClientLocked(client)
		metrics.WebSocketConnections.Dec()
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	for _, client := range clients {
		h.removeClientLocked(client)
		metrics.WebSocketConnections.Dec()
	}
	h.mu.Unlock()

	logging.Info().
		Str("component", "websocket-hub").
		Int("clients_closed", len(clients)).
		Msg("websocket hub stopped")
}

// BroadcastToSession queues a message for every client of a session.
// Dropped with a warning when the hub's queue is full.
func (h *Hub) BroadcastToSession(sessionID, messageType string, data interface{}) {
	sb := sessionBroadcast{
		sessionID: sessionID,
		message:   Message{Type: messageType, Data: data},
	}
	select {
	case h.broadcast <- sb:
	default:
		logging.Warn().
			Str("session_id", sessionID).
			Str("message_type", messageType).
			Msg("broadcast channel full, dropping message")
	}
}

// CloseSessionClients queues an eviction. With a nil or empty tokens
// slice every client of the session is closed, otherwise only clients
// authenticated with one of the listed tokens.
func (h *Hub) CloseSessionClients(sessionID string, tokens []string, code int, reason string) {
	h.queueEviction(eviction{sessionID: sessionID, tokens: tokenSet(tokens), code: code, reason: reason})
}

// NotifyAndCloseSessionClients queues a final message for the matching
// clients and then closes them. The notice is delivered before the
// close frame.
func (h *Hub) NotifyAndCloseSessionClients(sessionID string, tokens []string, notice Message, code int, reason string) {
	h.queueEviction(eviction{sessionID: sessionID, tokens: tokenSet(tokens), notice: &notice, code: code, reason: reason})
}

func (h *Hub) queueEviction(ev eviction) {
	select {
	case h.evictions <- ev:
	default:
		logging.Warn().
			Str("session_id", ev.sessionID).
			Msg("eviction channel full, dropping close request")
	}
}

func tokenSet(tokens []string) map[string]bool {
	if len(tokens) == 0 {
		return nil
	}
	set := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		set[token] = true
	}
	return set
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetSessionClientCount returns connected clients for one session.
func (h *Hub) GetSessionClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
