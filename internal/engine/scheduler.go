// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

/*
scheduler.go - Run Scheduler

Ticks at the top of every hour and starts a scheduled backup run; the
schedule gate inside the engine decides whether the secondary path is due
at that hour. Manual runs arrive through RunNow from the trigger endpoint.

Both paths funnel through the run lease: at most one run is in flight per
deployment, whichever door it came in by. A tick that finds the lease held
is skipped, not queued.
*/

//nolint:staticcheck // File documentation, not package doc
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quorum-portal/backupd/internal/logging"
	"github.com/quorum-portal/backupd/internal/runlock"
)

// ErrRunInProgress is returned by RunNow when another run holds the lease.
var ErrRunInProgress = errors.New("a backup run is already in progress")

// Runner executes one backup run; satisfied by *Engine.
type Runner interface {
	Run(ctx context.Context, now time.Time, opts RunOptions) *RunSummary
}

// RunLock serializes runs; satisfied by *runlock.Lock.
type RunLock interface {
	Acquire(date string) (*runlock.Lease, error)
	Release(lease *runlock.Lease) error
}

// Scheduler drives scheduled and manual backup runs.
type Scheduler struct {
	runner     Runner
	lock       RunLock
	runTimeout time.Duration
	now        func() time.Time

	mu          sync.RWMutex
	lastSummary *RunSummary
	running     bool
}

// NewScheduler creates the scheduler. runTimeout bounds one run end to end;
// zero means unbounded.
func NewScheduler(runner Runner, lock RunLock, runTimeout time.Duration) *Scheduler {
	return &Scheduler{runner: runner, lock: lock, runTimeout: runTimeout, now: time.Now}
}

// Serve runs the hourly tick loop until ctx is cancelled. Compatible with
// suture supervision.
func (s *Scheduler) Serve(ctx context.Context) error {
	logging.Info().Msg("Backup scheduler started")

	for {
		wait := time.Until(nextTick(s.now()))
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			logging.Info().Msg("Backup scheduler stopped")
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := s.execute(ctx, RunOptions{Trigger: "schedule"}); err != nil {
			if errors.Is(err, ErrRunInProgress) {
				logging.Warn().Msg("Scheduled tick skipped, run already in progress")
				continue
			}
			logging.Error().Err(err).Msg("Scheduled backup run could not start")
		}
	}
}

// RunNow starts a manual run. Apart from the trigger label it behaves
// exactly like a scheduled tick: the schedule gate still decides whether
// the secondary path is due.
func (s *Scheduler) RunNow(ctx context.Context) (*RunSummary, error) {
	return s.execute(ctx, RunOptions{Trigger: "manual"})
}

// execute acquires the run lease, runs the engine, and publishes the
// summary.
func (s *Scheduler) execute(ctx context.Context, opts RunOptions) (*RunSummary, error) {
	now := s.now()
	date := now.UTC().Format("2006-01-02")

	lease, err := s.lock.Acquire(date)
	if err != nil {
		if errors.Is(err, runlock.ErrLeaseHeld) {
			return nil, ErrRunInProgress
		}
		return nil, err
	}
	defer func() {
		if err := s.lock.Release(lease); err != nil {
			logging.Error().Err(err).Msg("Failed to release run lease")
		}
	}()

	s.setRunning(true)
	defer s.setRunning(false)

	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	summary := s.runner.Run(ctx, now, opts)

	s.mu.Lock()
	s.lastSummary = summary
	s.mu.Unlock()
	return summary, nil
}

// LastSummary returns the most recent run's summary, or nil before the
// first run.
func (s *Scheduler) LastSummary() *RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSummary
}

// Running reports whether a run is currently in flight in this process.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// String implements fmt.Stringer; suture uses it to identify the service
// in log messages.
func (s *Scheduler) String() string {
	return "backup-scheduler"
}

// nextTick returns the next top-of-hour instant strictly after now.
func nextTick(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}
