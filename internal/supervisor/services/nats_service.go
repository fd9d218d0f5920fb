// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package services

import (
	"context"
	"errors"
	"time"
)

// NATSServer matches *events.EmbeddedServer. The server is started by
// its constructor; this wrapper ties its lifetime to the tree.
type NATSServer interface {
	IsRunning() bool
	Shutdown(ctx context.Context) error
}

// EmbeddedNATSService keeps the embedded broker alive for the duration
// of the messaging layer and shuts it down with the tree.
type EmbeddedNATSService struct {
	server          NATSServer
	shutdownTimeout time.Duration
}

// NewEmbeddedNATSService wraps an embedded NATS server.
func NewEmbeddedNATSService(server NATSServer, shutdownTimeout time.Duration) *EmbeddedNATSService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &EmbeddedNATSService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. A server that is not running is a
// failure; suture's backoff handles the restart cadence while clients
// ride on their own reconnect logic.
func (s *EmbeddedNATSService) Serve(ctx context.Context) error {
	if !s.server.IsRunning() {
		return errors.New("embedded NATS server is not running")
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (s *EmbeddedNATSService) String() string {
	return "embedded-nats"
}
