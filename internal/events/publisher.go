// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/sony/gobreaker/v2"

	"github.com/proctorhq/proctor/internal/config"
	"github.com/proctorhq/proctor/internal/logging"
	"github.com/proctorhq/proctor/internal/metrics"
)

// Publisher sends events to NATS JetStream behind a circuit breaker.
// When publishing fails, and a fallback dispatcher is set, the event
// is delivered in process instead so local consumers (the WebSocket
// hub, the grading pool) keep working through a broker outage.
type Publisher struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[interface{}]
	fallback  *Dispatcher

	mu     sync.RWMutex
	closed bool
}

// NewPublisher connects a JetStream publisher to the given URL.
// fallback may be nil, disabling local delivery on failure.
func NewPublisher(url string, cfg *config.NATSConfig, fallback *Dispatcher) (*Publisher, error) {
	logger := watermill.NewStdLogger(false, false)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS publisher disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS publisher reconnected")
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	return newPublisher(pub, fallback), nil
}

// newPublisher wires the breaker around any message.Publisher. Split
// out so tests can inject a stub backend.
func newPublisher(pub message.Publisher, fallback *Dispatcher) *Publisher {
	breaker := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "event-publisher",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Event publisher circuit breaker state changed")
		},
	})

	return &Publisher{
		publisher: pub,
		breaker:   breaker,
		fallback:  fallback,
	}
}

// Publish delivers an event, preferring the broker and falling back
// to in-process dispatch. The returned error reflects the fallback
// path when it runs.
func (p *Publisher) Publish(ctx context.Context, event *Event) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("event publisher is closed")
	}
	p.mu.RUnlock()

	if event.ID == "" {
		event.ID = watermill.NewUUID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	data, err := Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(event.ID, data)
	msg.Metadata.Set("type", event.Type)
	msg.Metadata.Set("session_id", event.SessionID)
	msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(event.Topic(), msg)
	})
	if err == nil {
		metrics.RecordEventPublished(event.Topic())
		return nil
	}

	if p.fallback == nil {
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}

	logging.Warn().Err(err).
		Str("event_id", event.ID).
		Str("topic", event.Topic()).
		Msg("Broker publish failed, dispatching in process")
	metrics.EventsPublishFallbacks.Inc()

	return p.fallback.Dispatch(ctx, event)
}

// Close shuts the underlying publisher down.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
