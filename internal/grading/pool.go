// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package grading

import (
	"context"
	"fmt"
	"sync"

	"github.com/proctorhq/proctor/internal/logging"
)

// Request asks for a session to be graded.
type Request struct {
	SessionID string
	Method    string
}

// Pool runs grading requests on a fixed set of workers. It implements
// suture.Service and drains its queue on shutdown as far as the
// context allows.
type Pool struct {
	service *Service
	workers int
	queue   chan Request
}

// NewPool creates a pool with the given worker count.
func NewPool(service *Service, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		service: service,
		workers: workers,
		queue:   make(chan Request, 64),
	}
}

// Enqueue submits a grading request. It blocks when the queue is full
// until a worker frees a slot or the context ends.
func (p *Pool) Enqueue(ctx context.Context, req Request) error {
	select {
	case p.queue <- req:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue grading request: %w", ctx.Err())
	}
}

// Serve implements suture.Service.
func (p *Pool) Serve(ctx context.Context) error {
	logging.Info().Int("workers", p.workers).Msg("Starting grading workers")

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()

	logging.Info().Msg("Grading workers stopped")
	return ctx.Err()
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.queue:
			if _, err := p.service.GradeSession(ctx, req.SessionID, req.Method); err != nil {
				logging.Error().Err(err).
					Int("worker", worker).
					Str("session_id", req.SessionID).
					Str("method", req.Method).
					Msg("Grading request failed")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (p *Pool) String() string {
	return "grading-pool"
}
