// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingExpirer struct {
	mu    sync.Mutex
	fired []string
}

func (e *recordingExpirer) ExpireSession(_ context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fired = append(e.fired, sessionID)
	return nil
}

func (e *recordingExpirer) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.fired...)
}

func runTimer(t *testing.T, timer *Timer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = timer.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("timer did not stop")
		}
	})
	return cancel
}

func waitForFired(t *testing.T, expirer *recordingExpirer, want int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fired := expirer.snapshot(); len(fired) >= want {
			return fired
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expirer fired %d times, want %d", len(expirer.snapshot()), want)
	return nil
}

func TestTimerFiresAtDeadline(t *testing.T) {
	expirer := &recordingExpirer{}
	timer := NewTimer(expirer)
	runTimer(t, timer)

	timer.Schedule("session-1", time.Now().Add(30*time.Millisecond))

	fired := waitForFired(t, expirer, 1)
	if fired[0] != "session-1" {
		t.Errorf("fired %v", fired)
	}
}

func TestTimerFiresEarliestFirst(t *testing.T) {
	expirer := &recordingExpirer{}
	timer := NewTimer(expirer)
	runTimer(t, timer)

	// The later deadline is scheduled first; the nearer one must jump
	// the queue and wake the sleeping loop.
	timer.Schedule("session-late", time.Now().Add(120*time.Millisecond))
	timer.Schedule("session-early", time.Now().Add(20*time.Millisecond))

	fired := waitForFired(t, expirer, 2)
	if fired[0] != "session-early" || fired[1] != "session-late" {
		t.Errorf("fire order = %v", fired)
	}
}

func TestTimerFiresPastDeadlinesImmediately(t *testing.T) {
	expirer := &recordingExpirer{}
	timer := NewTimer(expirer)

	timer.Schedule("session-overdue", time.Now().Add(-time.Minute))
	runTimer(t, timer)

	waitForFired(t, expirer, 1)
}

func TestSweeperStopsOnCancel(t *testing.T) {
	expirer := &recordingExpirer{}
	sweeper := NewSweeper(nil, expirer, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
