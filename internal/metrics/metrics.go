// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

// Package metrics provides Prometheus instrumentation for:
//   - API endpoint latency and throughput
//   - Exam session lifecycle (starts, submissions, expirations)
//   - Token validation and cache efficiency
//   - Grading runs
//   - WebSocket connections and event publishing
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proctor_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proctor_api_active_requests",
			Help: "Current number of in-flight API requests",
		},
	)

	// Session Lifecycle Metrics
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proctor_sessions_started_total",
			Help: "Total number of exam sessions created",
		},
	)

	SessionsContinued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proctor_sessions_continued_total",
			Help: "Total number of exam sessions resumed with a rotated token",
		},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_sessions_completed_total",
			Help: "Total number of completed exam sessions",
		},
		[]string{"submission_type"}, // manual, auto_expired
	)

	AnswersSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proctor_answers_saved_total",
			Help: "Total number of answers persisted",
		},
	)

	ScheduledExpiries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proctor_scheduled_expiries",
			Help: "Current number of pending session expiry timers",
		},
	)

	// Token Metrics
	TokenValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_token_validations_total",
			Help: "Total number of session token validations by outcome",
		},
		[]string{"result"}, // valid, invalid_token, token_expired, session_completed, session_timeout
	)

	TokenCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proctor_token_cache_hits_total",
			Help: "Total number of token cache hits",
		},
	)

	TokenCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proctor_token_cache_misses_total",
			Help: "Total number of token cache misses (fell back to SQL)",
		},
	)

	// Grading Metrics
	GradingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_grading_runs_total",
			Help: "Total number of grading runs by method and outcome",
		},
		[]string{"method", "status"}, // method: auto/timeout/expired/manual, status: completed/failed
	)

	GradingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proctor_grading_duration_seconds",
			Help:    "Duration of full-session grading runs in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	// WebSocket Metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proctor_websocket_connections",
			Help: "Current number of connected WebSocket clients",
		},
	)

	WebSocketMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent by type",
		},
		[]string{"type"},
	)

	// Event Broker Metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_events_published_total",
			Help: "Total number of lifecycle events published to NATS",
		},
		[]string{"topic"},
	)

	EventsPublishFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proctor_events_publish_fallbacks_total",
			Help: "Total number of events delivered in-process because the broker circuit was open",
		},
	)

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_events_consumed_total",
			Help: "Total number of lifecycle events consumed from NATS",
		},
		[]string{"topic"},
	)

	// Database Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proctor_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// RecordAPIRequest records duration and outcome for an API request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestDuration.WithLabelValues(method, endpoint, statusCode).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the in-flight request gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordTokenValidation records a token validation outcome. An empty
// reason means the token was valid.
func RecordTokenValidation(reason string) {
	if reason == "" {
		reason = "valid"
	}
	TokenValidations.WithLabelValues(reason).Inc()
}

// RecordGradingRun records a finished grading run.
func RecordGradingRun(method, status string, duration time.Duration) {
	GradingRuns.WithLabelValues(method, status).Inc()
	GradingDuration.Observe(duration.Seconds())
}

// RecordEventPublished records a successful broker publish.
func RecordEventPublished(topic string) {
	EventsPublished.WithLabelValues(topic).Inc()
}

// RecordEventConsumed records a consumed broker message.
func RecordEventConsumed(topic string) {
	EventsConsumed.WithLabelValues(topic).Inc()
}

// RecordDBQuery records the duration of a database operation.
func RecordDBQuery(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
