// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package models

import (
	"time"
)

// APIResponse is the standardized response wrapper used by all HTTP
// endpoints. It provides a consistent structure for both successful and
// error responses.
//
// Status field values:
//   - "success": Request completed successfully, see Data field
//   - "error": Request failed, see Error field for details
//
// Example successful response:
//
//	{
//	  "status": "success",
//	  "data": {"token": "...", "expires_at": "2026-08-31T12:00:00Z"},
//	  "metadata": {"timestamp": "2026-08-31T11:00:00Z"}
//	}
//
// Example error response:
//
//	{
//	  "status": "error",
//	  "error": {
//	    "code": "SESSION_TIMEOUT",
//	    "message": "The exam time has expired"
//	  },
//	  "metadata": {"timestamp": "2026-08-31T12:05:00Z"}
//	}
type APIResponse struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data"`
	Metadata Metadata    `json:"metadata"`
	Error    *APIError   `json:"error,omitempty"`
}

// Metadata contains response metadata for observability.
type Metadata struct {
	Timestamp   time.Time `json:"timestamp"`
	QueryTimeMS int64     `json:"query_time_ms,omitempty"`
}

// APIError carries a machine-readable code alongside the human-readable
// message. Codes are stable identifiers clients can branch on; messages
// are free to change.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Stable error codes returned by the API.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeExamNotFound     = "EXAM_NOT_FOUND"
	ErrCodeQuestionNotFound = "QUESTION_NOT_FOUND"
	ErrCodeInvalidToken     = "INVALID_TOKEN"
	ErrCodeTokenExpired     = "TOKEN_EXPIRED"
	ErrCodeSessionCompleted = "SESSION_COMPLETED"
	ErrCodeSessionTimeout   = "SESSION_TIMEOUT"
	ErrCodeInvalidAnswer    = "INVALID_ANSWER"
	ErrCodeExamInUse        = "EXAM_IN_USE"
	ErrCodeExamNotReady     = "EXAM_NOT_READY"
	ErrCodeOrderConflict    = "ORDER_CONFLICT"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
