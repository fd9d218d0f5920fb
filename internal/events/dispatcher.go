// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package events

import (
	"context"
	"sync"

	"github.com/proctorhq/proctor/internal/logging"
)

// Handler processes one event. Returning an error nacks the message
// when the event arrived over NATS; local dispatch only logs it.
type Handler func(ctx context.Context, event *Event) error

// Dispatcher routes events to handlers registered per topic. It backs
// both the NATS subscriber bridge and the publisher's in-process
// fallback path, so consumers see the same events either way.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for a topic. Registration is expected
// during startup, before events flow.
func (d *Dispatcher) Subscribe(topic string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[topic] = append(d.handlers[topic], handler)
}

// Dispatch runs every handler registered for the event's topic in
// order. The first handler error is returned; remaining handlers
// still run.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	d.mu.RLock()
	handlers := d.handlers[event.Topic()]
	d.mu.RUnlock()

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			logging.Error().Err(err).
				Str("event_id", event.ID).
				Str("topic", event.Topic()).
				Msg("Event handler failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Topics lists topics that have at least one handler.
func (d *Dispatcher) Topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	topics := make([]string, 0, len(d.handlers))
	for topic := range d.handlers {
		topics = append(topics, topic)
	}
	return topics
}
