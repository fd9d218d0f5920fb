// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proctorhq/proctor/internal/auth"
	"github.com/proctorhq/proctor/internal/config"
	"github.com/proctorhq/proctor/internal/middleware"
	"github.com/proctorhq/proctor/internal/models"
)

// Router wires handlers, auth middleware and configuration into the
// chi route tree.
type Router struct {
	handler *Handler
	auth    *auth.Middleware
	cfg     *config.Config
}

// NewRouter creates the API router.
func NewRouter(handler *Handler, authMW *auth.Middleware, cfg *config.Config) *Router {
	return &Router{handler: handler, auth: authMW, cfg: cfg}
}

// chiMiddleware adapts http.HandlerFunc middleware to chi's
// func(http.Handler) http.Handler so both styles compose in r.Use().
func chiMiddleware(mw func(http.HandlerFunc) http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mw(next.ServeHTTP)
	}
}

// Setup builds the full route tree.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware(middleware.RequestID))
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chiMiddleware(middleware.SecurityHeaders))
	r.Use(chiMiddleware(middleware.RequestLogging))
	r.Use(chiMiddleware(router.auth.CORS))

	// Ops endpoints: no auth, permissive rate limit for scrapers and
	// probes.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, time.Minute))
		r.Get("/api/v1/health", router.handler.Health)
		if router.cfg.Metrics.Enabled {
			r.Method(http.MethodGet, "/metrics", promhttp.Handler())
		}
	})

	// Credential exchange: strict limit against brute force.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(10, time.Minute))
		r.Use(chiMiddleware(middleware.PrometheusMetrics))
		r.Post("/api/v1/auth/token", router.handler.IssueToken)
	})

	// Student surface.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chiMiddleware(router.auth.RateLimit))
		r.Use(chiMiddleware(middleware.PrometheusMetrics))

		student := func(h http.HandlerFunc) http.HandlerFunc {
			return router.auth.RequireRole(models.RoleStudent, h)
		}

		r.Get("/exams", student(router.handler.ListExams))
		r.Get("/exams/{examID}", student(router.handler.GetExam))
		r.Post("/exams/{examID}/start", student(router.handler.StartExam))

		r.Get("/sessions/{token}/questions/{order}", student(router.handler.GetSessionQuestion))
		r.Post("/sessions/{token}/questions/{order}", student(router.handler.SaveAnswer))
		r.Get("/sessions/{token}/progress", student(router.handler.GetSessionProgress))
		r.Post("/sessions/{token}/submit", student(router.handler.SubmitSession))

		r.Get("/grades", student(router.handler.ListGrades))
		r.Get("/grades/{gradeID}", student(router.handler.GetGrade))
	})

	// Admin surface.
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(chiMiddleware(router.auth.RateLimit))
		r.Use(chiMiddleware(middleware.PrometheusMetrics))

		admin := func(h http.HandlerFunc) http.HandlerFunc {
			return router.auth.RequireRole(models.RoleAdmin, h)
		}

		r.Post("/exams", admin(router.handler.AdminCreateExam))
		r.Get("/exams", admin(router.handler.AdminListExams))
		r.Get("/exams/{examID}", admin(router.handler.AdminGetExam))
		r.Put("/exams/{examID}", admin(router.handler.AdminUpdateExam))
		r.Delete("/exams/{examID}", admin(router.handler.AdminDeleteExam))
		r.Post("/exams/{examID}/activate", admin(router.handler.AdminActivateExam))
		r.Post("/exams/{examID}/deactivate", admin(router.handler.AdminDeactivateExam))

		r.Post("/exams/{examID}/questions", admin(router.handler.AdminCreateQuestion))
		r.Get("/exams/{examID}/questions", admin(router.handler.AdminListQuestions))
		r.Get("/questions/{questionID}", admin(router.handler.AdminGetQuestion))
		r.Put("/questions/{questionID}", admin(router.handler.AdminUpdateQuestion))
		r.Delete("/questions/{questionID}", admin(router.handler.AdminDeleteQuestion))

		r.Get("/sessions", admin(router.handler.AdminListSessions))
		r.Get("/grades", admin(router.handler.AdminListGrades))
		r.Get("/audit", admin(router.handler.AdminListAuditEvents))
	})

	// WebSocket attach. The handler does its own authentication because
	// browser clients cannot send an Authorization header here.
	r.Get("/ws/exam/{token}", router.handler.WebSocketExam)

	return r
}
