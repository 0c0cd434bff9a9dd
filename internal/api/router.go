// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

/*
router.go - HTTP API

Chi router exposing the engine's operational surface:

	POST /api/v1/backup/trigger   manual backup run (bearer token)
	GET  /api/v1/backup/status    last run summary and in-flight flag
	GET  /health/live             liveness probe
	GET  /health/ready            readiness probe
	GET  /metrics                 Prometheus metrics

The trigger endpoint is authenticated with a shared secret compared in
constant time. Manual runs execute synchronously: the response carries the
finished run's outcome.
*/

//nolint:staticcheck // File documentation, not package doc
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quorum-portal/backupd/internal/engine"
	"github.com/quorum-portal/backupd/internal/logging"
	"github.com/quorum-portal/backupd/internal/metrics"
)

// Config holds API settings.
type Config struct {
	// TriggerToken is the shared secret for the manual trigger endpoint.
	// Empty disables the endpoint entirely.
	TriggerToken string

	// AllowedOrigins configures CORS for the portal frontend.
	AllowedOrigins []string

	// RateLimit is requests per minute per client IP. Default 60.
	RateLimit int
}

// BackupService is the scheduler surface the API consumes.
type BackupService interface {
	RunNow(ctx context.Context) (*engine.RunSummary, error)
	LastSummary() *engine.RunSummary
	Running() bool
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config, svc BackupService) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = 60
	}
	r.Use(httprate.LimitByIP(rateLimit, time.Minute))

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health/live", handleLive)
	r.Get("/health/ready", handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1/backup", func(r chi.Router) {
		r.Post("/trigger", handleTrigger(cfg.TriggerToken, svc))
		r.Get("/status", handleStatus(svc))
	})

	return r
}

// requestMetrics records per-route request durations.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))
	})
}

func handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type triggerResponse struct {
	OK      bool               `json:"ok"`
	Date    string             `json:"date,omitempty"`
	Outcome string             `json:"outcome,omitempty"`
	Summary *engine.RunSummary `json:"summary,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// handleTrigger runs a manual backup. The run executes synchronously; the
// response reports the finished run.
func handleTrigger(token string, svc BackupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			writeJSON(w, http.StatusNotFound, triggerResponse{OK: false, Error: "manual trigger disabled"})
			return
		}
		if !authorized(r, token) {
			writeJSON(w, http.StatusUnauthorized, triggerResponse{OK: false, Error: "unauthorized"})
			return
		}

		summary, err := svc.RunNow(r.Context())
		if err != nil {
			if errors.Is(err, engine.ErrRunInProgress) {
				writeJSON(w, http.StatusConflict, triggerResponse{OK: false, Error: err.Error()})
				return
			}
			logging.Error().Err(err).Msg("Manual backup run failed to start")
			writeJSON(w, http.StatusInternalServerError, triggerResponse{OK: false, Error: err.Error()})
			return
		}

		status := http.StatusOK
		if summary.Outcome == engine.OutcomeFailure {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, triggerResponse{
			OK:      summary.Outcome != engine.OutcomeFailure,
			Date:    summary.Date,
			Outcome: string(summary.Outcome),
			Summary: summary,
		})
	}
}

type statusResponse struct {
	Running bool               `json:"running"`
	LastRun *engine.RunSummary `json:"last_run"`
}

func handleStatus(svc BackupService) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Running: svc.Running(),
			LastRun: svc.LastSummary(),
		})
	}
}

// authorized checks the bearer token in constant time.
func authorized(r *http.Request, token string) bool {
	header := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Error().Err(err).Msg("Failed to encode response")
	}
}
