// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

// Package config defines the Proctor server configuration and its
// layered loading (struct defaults, optional YAML file, environment).
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the Proctor server.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Security   SecurityConfig   `koanf:"security"`
	Sessions   SessionsConfig   `koanf:"sessions"`
	Grading    GradingConfig    `koanf:"grading"`
	NATS       NATSConfig       `koanf:"nats"`
	TokenCache TokenCacheConfig `koanf:"token_cache"`
	Logging    LoggingConfig    `koanf:"logging"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds the embedded DuckDB settings.
type DatabaseConfig struct {
	// Path is the database file path. ":memory:" opens an in-memory
	// database, used by tests.
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// SecurityConfig holds authentication and request limiting settings.
type SecurityConfig struct {
	// AuthMode selects the authentication mode: "jwt" or "none".
	// "none" disables authentication entirely and is only intended
	// for local development.
	AuthMode string `koanf:"auth_mode"`

	// JWTSecret signs access tokens (HS256). Minimum 32 characters.
	JWTSecret string `koanf:"jwt_secret"`

	// SessionTimeout is the JWT validity window, not the exam duration.
	SessionTimeout time.Duration `koanf:"session_timeout"`

	// AdminUsername and AdminPassword bootstrap the initial admin
	// account on first start. User provisioning beyond this happens
	// out of band.
	AdminUsername string `koanf:"admin_username"`
	AdminPassword string `koanf:"admin_password"`

	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`

	CORSOrigins    []string `koanf:"cors_origins"`
	TrustedProxies []string `koanf:"trusted_proxies"`
}

// SessionsConfig holds exam session lifecycle settings.
type SessionsConfig struct {
	// SweepInterval is how often the fallback sweeper scans for open
	// sessions past their deadline. The in-process expiry timer fires
	// exactly at the deadline; the sweeper catches sessions whose
	// timer was lost to a restart.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// MaxExamDurationMinutes bounds admin-created exam durations.
	MaxExamDurationMinutes int `koanf:"max_exam_duration_minutes"`
}

// GradingConfig holds grader selection and resilience settings.
type GradingConfig struct {
	// TextGrader selects the grader for short answer and essay
	// questions: "mock" or "llm". Multiple choice questions are
	// always graded deterministically.
	TextGrader string `koanf:"text_grader"`

	// SimilarityThreshold is the minimum combined score below which
	// the mock grader awards zero.
	SimilarityThreshold float64 `koanf:"similarity_threshold"`

	// LLMMaxAttempts bounds retries against the pluggable LLM client.
	LLMMaxAttempts int `koanf:"llm_max_attempts"`

	// Workers is the number of goroutines consuming grading requests.
	Workers int `koanf:"workers"`
}

// NATSConfig holds broker settings for session lifecycle events.
type NATSConfig struct {
	// Embedded starts an in-process NATS JetStream server. When
	// false, URL must point at an external broker.
	Embedded bool   `koanf:"embedded"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	StoreDir string `koanf:"store_dir"`
	URL      string `koanf:"url"`

	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// TokenCacheConfig holds the badger-backed session token cache settings.
type TokenCacheConfig struct {
	Path string `koanf:"path"`

	// InMemory skips disk persistence. Used by tests; validation on
	// startup still goes to SQL on cache miss, so losing the cache is
	// never a correctness problem.
	InMemory bool `koanf:"in_memory"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Validate checks configuration invariants that would otherwise surface
// as confusing runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Security.AuthMode {
	case "jwt":
		if len(c.Security.JWTSecret) < 32 {
			return fmt.Errorf("security.jwt_secret must be at least 32 characters when auth_mode is jwt")
		}
	case "none":
		// Allowed, but main() logs a prominent warning.
	default:
		return fmt.Errorf("security.auth_mode must be \"jwt\" or \"none\", got %q", c.Security.AuthMode)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}

	if c.Sessions.SweepInterval < time.Second {
		return fmt.Errorf("sessions.sweep_interval must be at least 1s, got %s", c.Sessions.SweepInterval)
	}
	if c.Sessions.MaxExamDurationMinutes < 1 {
		return fmt.Errorf("sessions.max_exam_duration_minutes must be positive, got %d", c.Sessions.MaxExamDurationMinutes)
	}

	switch c.Grading.TextGrader {
	case "mock", "llm":
	default:
		return fmt.Errorf("grading.text_grader must be \"mock\" or \"llm\", got %q", c.Grading.TextGrader)
	}
	if c.Grading.SimilarityThreshold < 0 || c.Grading.SimilarityThreshold > 1 {
		return fmt.Errorf("grading.similarity_threshold must be in [0,1], got %f", c.Grading.SimilarityThreshold)
	}
	if c.Grading.Workers < 1 {
		return fmt.Errorf("grading.workers must be positive, got %d", c.Grading.Workers)
	}

	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}

	for _, origin := range c.Security.CORSOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("security.cors_origins entry %q must be \"*\" or start with http:// or https://", origin)
		}
	}

	return nil
}

// Addr returns the HTTP listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
