// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

// Package schedule decides whether a given instant is a scheduled moment for
// secondary replication.
//
// The gate is hour-granular: a daily schedule at hour 2 is "due" for the
// whole of 02:00-02:59 UTC. The in-process scheduler ticks once per hour and
// the run lease rejects overlapping runs, so hour granularity cannot cause
// duplicate replication within one deployment. An unset hour or day
// dimension always matches.
//
// The gate only guards the secondary path; the primary backup runs on every
// engine invocation.
package schedule

import (
	"time"

	"github.com/quorum-portal/backupd/internal/model"
)

// IsDue reports whether now (evaluated in UTC) is a scheduled secondary
// replication moment for the given config.
func IsDue(cfg *model.BackupConfig, now time.Time) bool {
	if cfg == nil {
		return false
	}

	utc := now.UTC()

	hourMatches := cfg.ScheduleHourUTC == nil || utc.Hour() == *cfg.ScheduleHourUTC

	switch cfg.ScheduleType {
	case model.ScheduleWeekly:
		dayMatches := cfg.ScheduleDayOfWeek == nil || int(utc.Weekday()) == *cfg.ScheduleDayOfWeek
		return dayMatches && hourMatches
	case model.ScheduleDaily:
		return hourMatches
	default:
		// Unknown schedule types never fire; the operator flow only writes
		// daily or weekly.
		return false
	}
}
