// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package scheduler

import (
	"context"
	"time"

	"github.com/proctorhq/proctor/internal/database"
	"github.com/proctorhq/proctor/internal/logging"
)

// Sweeper periodically scans for open sessions past their deadline and
// expires them. It is the safety net behind the in-process timer: after
// a restart the timer heap starts empty, and until Seed runs (or if a
// seed races a crash) the sweeper is what guarantees no session stays
// open past its deadline for longer than one interval.
type Sweeper struct {
	db       *database.DB
	expirer  Expirer
	interval time.Duration
}

// NewSweeper creates the fallback sweeper.
func NewSweeper(db *database.DB, expirer Expirer, interval time.Duration) *Sweeper {
	return &Sweeper{db: db, expirer: expirer, interval: interval}
}

// Serve runs the sweep loop until the context is canceled. Implements
// suture.Service.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Sweeper) String() string {
	return "expiry-sweeper"
}

func (s *Sweeper) sweep(ctx context.Context) {
	sessions, err := s.db.ListExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		logging.Error().Err(err).Msg("Expiry sweep query failed")
		return
	}
	if len(sessions) == 0 {
		return
	}

	logging.Info().Int("count", len(sessions)).Msg("Sweeping expired sessions")
	for _, sess := range sessions {
		if err := s.expirer.ExpireSession(ctx, sess.ID); err != nil {
			logging.Error().Err(err).
				Str("session_id", sess.ID).
				Msg("Failed to expire session from sweeper")
		}
	}
}
