// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proctorhq/proctor/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// clientIDCounter hands out monotonically increasing IDs so broadcast
// and eviction order is deterministic regardless of map iteration.
var clientIDCounter atomic.Uint64

// Client is the middleman between one websocket connection and the
// hub. It is bound to the session and token it authenticated with.
type Client struct {
	id        uint64
	hub       *Hub
	conn      *websocket.Conn
	send      chan Message
	sessionID string
	studentID string
	token     string

	// pingResponder builds the reply to an application ping. When
	// unset a bare pong is sent.
	pingResponder func() Message

	closeMu   sync.Mutex
	closeCode int
	closeText string
}

// NewClient creates a client bound to a session and token.
func NewClient(hub *Hub, conn *websocket.Conn, sessionID, studentID, token string) *Client {
	return &Client{
		id:        clientIDCounter.Add(1),
		hub:       hub,
		conn:      conn,
		send:      make(chan Message, 64),
		sessionID: sessionID,
		studentID: studentID,
		token:     token,
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() uint64 {
	return c.id
}

// SessionID returns the session the client is attached to.
func (c *Client) SessionID() string {
	return c.sessionID
}

// SetPingResponder installs the callback answering application pings.
// The responder revalidates the token and echoes live session state.
// Must be set before Start.
func (c *Client) SetPingResponder(responder func() Message) {
	c.pingResponder = responder
}

// setCloseFrame records the close code sent when the hub drops this
// client. Without it the write pump sends a normal closure.
func (c *Client) setCloseFrame(code int, text string) {
	c.closeMu.Lock()
	c.closeCode = code
	c.closeText = text
	c.closeMu.Unlock()
}

func (c *Client) closeFrame() []byte {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeCode == 0 {
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	}
	return websocket.FormatCloseMessage(c.closeCode, c.closeText)
}

// readPump pumps messages from the connection to the hub. The only
// inbound message students send is an application ping.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Str("session_id", c.sessionID).Msg("unexpected websocket close")
			}
			break
		}

		if msg.Type == MessageTypePing {
			reply := Message{Type: MessageTypePong}
			if c.pingResponder != nil {
				reply = c.pingResponder()
			}
			select {
			case c.send <- reply:
			default:
			}
		}
	}
}

// writePump pumps messages from the hub to the connection and keeps
// the connection alive with protocol pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// Hub dropped us, send the recorded close frame.
				if err := c.conn.WriteMessage(websocket.CloseMessage, c.closeFrame()); err != nil {
					logging.Debug().Err(err).Msg("failed to write close message")
				}
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				logging.Debug().Err(err).Msg("failed to write JSON message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a message directly to this client, dropping it when the
// buffer is full.
func (c *Client) Send(msg Message) {
	select {
	case c.send <- msg:
	default:
	}
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
