// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

// Package database provides the embedded DuckDB relational store for
// users, exams, questions, sessions, tokens, answers, and grade history.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/proctorhq/proctor/internal/config"
	"github.com/proctorhq/proctor/internal/logging"
	"github.com/proctorhq/proctor/internal/metrics"
)

// DB wraps the DuckDB connection with prepared statement caching.
type DB struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig

	stmtCache   map[string]*sql.Stmt
	stmtCacheMu sync.RWMutex
}

// New opens (or creates) the database at cfg.Path and runs schema
// initialization. Pass ":memory:" as the path for an ephemeral
// database, used by tests.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	if cfg.Path != ":memory:" {
		// 0750 per gosec G301
		dbDir := filepath.Dir(cfg.Path)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
			}
		}
	}

	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, numThreads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{
		conn:      conn,
		cfg:       cfg,
		stmtCache: make(map[string]*sql.Stmt),
	}

	// DuckDB is embedded and single-writer; a small pool avoids
	// write contention while allowing concurrent reads.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	if err := db.initialize(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", numThreads).Msg("database opened")
	return db, nil
}

// Conn exposes the underlying *sql.DB for transactions.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close checkpoints and closes the database.
func (db *DB) Close() error {
	db.stmtCacheMu.Lock()
	for _, stmt := range db.stmtCache {
		closeQuietly(stmt)
	}
	db.stmtCache = make(map[string]*sql.Stmt)
	db.stmtCacheMu.Unlock()

	if db.cfg.Path != ":memory:" {
		if _, err := db.conn.Exec("CHECKPOINT"); err != nil {
			logging.Warn().Err(err).Msg("checkpoint before close failed")
		}
	}

	return db.conn.Close()
}

// initialize creates tables and indexes.
func (db *DB) initialize() error {
	if err := db.createTables(); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if err := db.createIndexes(); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// prepared returns a cached prepared statement for the query, creating
// and caching it on first use.
func (db *DB) prepared(ctx context.Context, query string) (*sql.Stmt, error) {
	db.stmtCacheMu.RLock()
	stmt, ok := db.stmtCache[query]
	db.stmtCacheMu.RUnlock()
	if ok {
		return stmt, nil
	}

	stmt, err := db.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	db.stmtCacheMu.Lock()
	if existing, ok := db.stmtCache[query]; ok {
		db.stmtCacheMu.Unlock()
		closeQuietly(stmt)
		return existing, nil
	}
	db.stmtCache[query] = stmt
	db.stmtCacheMu.Unlock()
	return stmt, nil
}

// exec runs a write through the prepared statement cache and records
// its duration under the operation label.
func (db *DB) exec(ctx context.Context, op, q string, args ...interface{}) (sql.Result, error) {
	stmt, err := db.prepared(ctx, q)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := stmt.ExecContext(ctx, args...)
	metrics.RecordDBQuery(op, time.Since(start))
	return res, err
}

// query runs a multi-row read through the prepared statement cache.
// Row iteration is not part of the recorded duration.
func (db *DB) query(ctx context.Context, op, q string, args ...interface{}) (*sql.Rows, error) {
	stmt, err := db.prepared(ctx, q)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := stmt.QueryContext(ctx, args...)
	metrics.RecordDBQuery(op, time.Since(start))
	return rows, err
}

// queryRow runs a single-row read through the prepared statement cache.
// database/sql executes the query eagerly, so the recorded duration
// covers the round trip even though Scan happens at the caller.
func (db *DB) queryRow(ctx context.Context, op, q string, args ...interface{}) *sql.Row {
	stmt, err := db.prepared(ctx, q)
	if err != nil {
		// The row from the raw connection carries any error to Scan.
		return db.conn.QueryRowContext(ctx, q, args...)
	}
	start := time.Now()
	row := stmt.QueryRowContext(ctx, args...)
	metrics.RecordDBQuery(op, time.Since(start))
	return row
}

// isUniqueConstraintError reports whether the error is a unique or
// primary key constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "primary key") ||
		strings.Contains(msg, "duplicate key") || strings.Contains(msg, "constraint")
}

// closeQuietly closes a resource and explicitly ignores any error.
// Use this in error paths where Close() errors are not actionable.
func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close() // cleanup is best-effort
	}
}

// closeWithLog closes a resource and logs any error.
func closeWithLog(closer io.Closer, resourceType string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logging.Warn().Str("type", resourceType).Err(err).Msg("Failed to close resource")
	}
}
