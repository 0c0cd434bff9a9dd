// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

// Package metrics provides Prometheus instrumentation for backupd.
//
// Exposed at /metrics, the collectors cover:
//   - backup run outcomes and durations per step
//   - artifact sizes written per run
//   - retention deletions per destination
//   - provider circuit breaker state
//   - HTTP trigger endpoint latency
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Runs counts completed backup runs by outcome: success, partial, failure.
	// A run is "partial" when the primary path succeeded but the secondary
	// replication failed.
	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backupd_runs_total",
			Help: "Total number of backup runs by outcome",
		},
		[]string{"outcome"},
	)

	// StepDuration observes wall-clock duration of each orchestrator step.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backupd_step_duration_seconds",
			Help:    "Duration of backup run steps in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"step"},
	)

	// ArtifactBytes records the size of the last written artifact of each kind:
	// database, kv, manifest.
	ArtifactBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backupd_artifact_bytes",
			Help: "Size in bytes of the most recently written backup artifact",
		},
		[]string{"artifact"},
	)

	// RetentionDeletions counts objects/files removed by retention,
	// per destination: primary, secondary.
	RetentionDeletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backupd_retention_deletions_total",
			Help: "Total objects deleted by retention per destination",
		},
		[]string{"destination"},
	)

	// MirrorCopies counts server-side copy operations during manifest builds.
	MirrorCopies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backupd_mirror_copies_total",
			Help: "Total server-side object copies performed by the mirror",
		},
	)

	// IncrementalUploads counts objects seen by the secondary differ by
	// classification: new, changed, unchanged.
	IncrementalUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backupd_incremental_uploads_total",
			Help: "Total incremental file uploads by change classification",
		},
		[]string{"classification"},
	)

	// LastRunTimestamp records the unix time of the last successful write of
	// each path: primary, secondary.
	LastRunTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backupd_last_run_timestamp_seconds",
			Help: "Unix timestamp of the last successful backup per path",
		},
		[]string{"path"},
	)

	// CircuitBreakerState exposes provider breaker state:
	// 0=closed, 1=half-open, 2=open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backupd_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerRequests counts requests admitted by provider breakers.
	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backupd_circuit_breaker_requests_total",
			Help: "Total requests admitted by circuit breakers",
		},
		[]string{"name"},
	)

	// HTTPRequestDuration observes latency of the trigger/status endpoints.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backupd_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// ObserveStep records a step duration.
func ObserveStep(step string, start time.Time) {
	StepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
}

// ObserveHTTPRequest records an HTTP request observation.
func ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}
