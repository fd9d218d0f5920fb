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

	"github.com/proctorhq/proctor/internal/config"
	"github.com/proctorhq/proctor/internal/logging"
	"github.com/proctorhq/proctor/internal/metrics"
)

// Subscriber consumes exam topics from JetStream and forwards events
// to the dispatcher. It implements suture.Service and runs one durable
// consumer loop per registered topic.
type Subscriber struct {
	subscriber message.Subscriber
	dispatcher *Dispatcher
}

// NewSubscriber connects a durable JetStream subscriber to the given
// URL and bridges it to the dispatcher's topics.
func NewSubscriber(url string, cfg *config.NATSConfig, dispatcher *Dispatcher) (*Subscriber, error) {
	logger := watermill.NewStdLogger(false, false)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS subscriber disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS subscriber reconnected")
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(3),
		natsgo.MaxAckPending(256),
		natsgo.AckWait(30 * time.Second),
		natsgo.DeliverNew(),
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              url,
		QueueGroupPrefix: "proctor",
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     10 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    true,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    "proctor",
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}

	return &Subscriber{
		subscriber: sub,
		dispatcher: dispatcher,
	}, nil
}

// Serve implements suture.Service. It consumes every topic with a
// registered handler until the context ends.
func (s *Subscriber) Serve(ctx context.Context) error {
	topics := s.dispatcher.Topics()
	if len(topics) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	var wg sync.WaitGroup
	for _, topic := range topics {
		messages, err := s.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}

		wg.Add(1)
		go func(topic string, messages <-chan *message.Message) {
			defer wg.Done()
			s.consume(ctx, topic, messages)
		}(topic, messages)
	}
	wg.Wait()

	return ctx.Err()
}

func (s *Subscriber) consume(ctx context.Context, topic string, messages <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}

			event, err := Unmarshal(msg.Payload)
			if err != nil {
				logging.Error().Err(err).
					Str("message_uuid", msg.UUID).
					Str("topic", topic).
					Msg("Dropping undecodable event")
				// Poison message, retrying cannot help.
				msg.Ack()
				continue
			}

			if err := s.dispatcher.Dispatch(ctx, event); err != nil {
				msg.Nack()
				continue
			}
			metrics.RecordEventConsumed(topic)
			msg.Ack()
		}
	}
}

// Close shuts the underlying subscriber down.
func (s *Subscriber) Close() error {
	return s.subscriber.Close()
}

// String implements fmt.Stringer for supervisor logging.
func (s *Subscriber) String() string {
	return "event-subscriber"
}
