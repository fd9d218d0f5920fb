// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

// Package scheduler fires session expiries. A min-heap timer fires at
// each session's exact deadline; a slower sweeper catches sessions
// whose timer was lost to a restart. Both run under the supervision
// tree and both funnel into the same idempotent expiry transition, so
// double firing is harmless.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/proctorhq/proctor/internal/database"
	"github.com/proctorhq/proctor/internal/logging"
	"github.com/proctorhq/proctor/internal/metrics"
)

// Expirer is the session service operation the scheduler drives.
type Expirer interface {
	ExpireSession(ctx context.Context, sessionID string) error
}

// expiryEntry is one pending deadline.
type expiryEntry struct {
	sessionID string
	at        time.Time
}

// expiryHeap orders entries by deadline, earliest first.
type expiryHeap []expiryEntry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiryEntry)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// Timer fires ExpireSession at each scheduled deadline. A single
// goroutine sleeps until the earliest entry; Schedule wakes it when a
// new deadline lands in front.
type Timer struct {
	expirer Expirer

	mu      sync.Mutex
	pending expiryHeap
	wake    chan struct{}
}

// NewTimer creates the expiry timer. The expirer may be nil at
// construction and installed with SetExpirer before Serve starts; the
// session service and the timer reference each other, so one of them
// has to be wired late.
func NewTimer(expirer Expirer) *Timer {
	return &Timer{
		expirer: expirer,
		wake:    make(chan struct{}, 1),
	}
}

// SetExpirer installs the callback invoked when a deadline fires.
// Must be called before Serve.
func (t *Timer) SetExpirer(expirer Expirer) {
	t.expirer = expirer
}

// Schedule registers an expiry deadline for a session. Scheduling the
// same session more than once is fine; the expiry transition is
// idempotent.
func (t *Timer) Schedule(sessionID string, at time.Time) {
	t.mu.Lock()
	heap.Push(&t.pending, expiryEntry{sessionID: sessionID, at: at})
	metrics.ScheduledExpiries.Set(float64(t.pending.Len()))
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Seed loads every open session's deadline from the database, typically
// once at startup before the supervision tree starts.
func (t *Timer) Seed(ctx context.Context, db *database.DB) error {
	sessions, err := db.ListOpenSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		t.Schedule(sess.ID, sess.ExpiresAt)
	}
	if len(sessions) > 0 {
		logging.Info().Int("count", len(sessions)).Msg("Re-seeded expiry timers from open sessions")
	}
	return nil
}

// Serve runs the timer loop until the context is canceled. Implements
// suture.Service.
func (t *Timer) Serve(ctx context.Context) error {
	for {
		next, ok := t.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.wake:
			}
			continue
		}

		wait := time.Until(next.at)
		if wait <= 0 {
			t.fireDue(ctx)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-t.wake:
			// A nearer deadline may have arrived; recompute.
			timer.Stop()
		case <-timer.C:
			t.fireDue(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (t *Timer) String() string {
	return "expiry-timer"
}

func (t *Timer) peek() (expiryEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending.Len() == 0 {
		return expiryEntry{}, false
	}
	return t.pending[0], true
}

// fireDue pops every entry at or past its deadline and expires it.
func (t *Timer) fireDue(ctx context.Context) {
	now := time.Now().UTC()

	var due []expiryEntry
	t.mu.Lock()
	for t.pending.Len() > 0 && !now.Before(t.pending[0].at) {
		due = append(due, heap.Pop(&t.pending).(expiryEntry))
	}
	metrics.ScheduledExpiries.Set(float64(t.pending.Len()))
	t.mu.Unlock()

	for _, entry := range due {
		if err := t.expirer.ExpireSession(ctx, entry.sessionID); err != nil {
			logging.Error().Err(err).
				Str("session_id", entry.sessionID).
				Msg("Failed to expire session from timer")
		}
	}
}
