// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

// Package tokencache caches session token lookups in BadgerDB so that
// the hot validation path (every answer save, every WebSocket frame)
// avoids a relational query. Entries carry a TTL matching the session
// deadline, so Badger evicts them on its own once a session can no
// longer be resumed. The database remains the source of truth; a cache
// miss falls through to it.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/proctorhq/proctor/internal/config"
	"github.com/proctorhq/proctor/internal/logging"
	"github.com/proctorhq/proctor/internal/metrics"
)

// ErrNotFound is returned when a token has no cache entry. Callers
// fall back to the database.
var ErrNotFound = errors.New("tokencache: token not found")

const tokenKeyPrefix = "token:"

// Entry is the cached view of a valid session token.
type Entry struct {
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id"`
	ExamID    string    `json:"exam_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Cache is a TTL token cache backed by BadgerDB.
type Cache struct {
	db *badger.DB
}

// New opens the cache at the configured path. With InMemory set the
// store lives entirely in RAM, which tests use.
func New(cfg *config.TokenCacheConfig) (*Cache, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create token cache directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
		// Token entries are tiny, the default 1GB value log is wasteful.
		opts.ValueLogFileSize = 16 << 20
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open token cache: %w", err)
	}

	return &Cache{db: db}, nil
}

// Put stores a token entry with a TTL running to the session deadline.
// Tokens for already-expired sessions are not cached.
func (c *Cache) Put(ctx context.Context, token string, entry *Entry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal token entry: %w", err)
	}

	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(tokenKeyPrefix+token), data).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// Get returns the cached entry for a token, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, token string) (*Entry, error) {
	var entry Entry

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tokenKeyPrefix + token))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get token entry: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.TokenCacheMisses.Inc()
		}
		return nil, err
	}

	// Badger TTL eviction is lazy, treat a stale hit as a miss.
	if !time.Now().Before(entry.ExpiresAt) {
		metrics.TokenCacheMisses.Inc()
		return nil, ErrNotFound
	}

	metrics.TokenCacheHits.Inc()
	return &entry, nil
}

// Delete evicts a token, used when rotation or submission invalidates
// it. Deleting an absent key is not an error.
func (c *Cache) Delete(ctx context.Context, tokens ...string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		for _, token := range tokens {
			if err := txn.Delete([]byte(tokenKeyPrefix + token)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("delete token entry: %w", err)
			}
		}
		return nil
	})
}

// Close flushes and closes the underlying store.
func (c *Cache) Close() error {
	if err := c.db.Close(); err != nil {
		logging.Error().Err(err).Msg("Failed to close token cache")
		return err
	}
	return nil
}
