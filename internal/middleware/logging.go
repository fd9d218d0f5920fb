// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package middleware

import (
	"net/http"
	"time"

	"github.com/proctorhq/proctor/internal/logging"
)

// RequestLogging writes one structured log line per request. Paths are
// logged as the raw URL path; session tokens appear in paths, so the
// level stays at debug for 2xx/3xx and only failures log at higher
// levels.
func RequestLogging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &metricsResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(wrapper, r)

		event := logging.Debug()
		switch {
		case wrapper.statusCode >= http.StatusInternalServerError:
			event = logging.Error()
		case wrapper.statusCode >= http.StatusBadRequest:
			event = logging.Warn()
		}

		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Str("request_id", GetRequestID(r.Context())).
			Msg("HTTP request")
	}
}
