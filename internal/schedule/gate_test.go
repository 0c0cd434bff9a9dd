// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

package schedule

import (
	"testing"
	"time"

	"github.com/quorum-portal/backupd/internal/model"
)

func intPtr(v int) *int { return &v }

func at(day time.Weekday, hour, minute int) time.Time {
	// 2026-03-01 is a Sunday; offset to the requested weekday.
	base := time.Date(2026, 3, 1, hour, minute, 0, 0, time.UTC)
	return base.AddDate(0, 0, int(day)-int(base.Weekday()))
}

func TestIsDueDaily(t *testing.T) {
	cfg := &model.BackupConfig{
		ScheduleType:    model.ScheduleDaily,
		ScheduleHourUTC: intPtr(2),
	}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"exact hour", at(time.Monday, 2, 0), true},
		{"late in hour", at(time.Monday, 2, 59), true},
		{"hour after", at(time.Monday, 3, 0), false},
		{"hour before", at(time.Monday, 1, 59), false},
		{"any weekday matches", at(time.Saturday, 2, 30), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDue(cfg, tt.now); got != tt.want {
				t.Errorf("IsDue(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestIsDueWeekly(t *testing.T) {
	cfg := &model.BackupConfig{
		ScheduleType:      model.ScheduleWeekly,
		ScheduleHourUTC:   intPtr(4),
		ScheduleDayOfWeek: intPtr(int(time.Wednesday)),
	}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"right day and hour", at(time.Wednesday, 4, 15), true},
		{"right day wrong hour", at(time.Wednesday, 5, 0), false},
		{"wrong day right hour", at(time.Thursday, 4, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDue(cfg, tt.now); got != tt.want {
				t.Errorf("IsDue(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestIsDueUnsetDimensionsAlwaysMatch(t *testing.T) {
	// Unset hour on a daily schedule fires on every invocation.
	daily := &model.BackupConfig{ScheduleType: model.ScheduleDaily}
	if !IsDue(daily, at(time.Friday, 17, 42)) {
		t.Error("daily schedule with unset hour should always be due")
	}

	// Unset day on a weekly schedule degrades to an hour-only match.
	weekly := &model.BackupConfig{
		ScheduleType:    model.ScheduleWeekly,
		ScheduleHourUTC: intPtr(9),
	}
	if !IsDue(weekly, at(time.Tuesday, 9, 0)) {
		t.Error("weekly schedule with unset day should match on hour alone")
	}
	if IsDue(weekly, at(time.Tuesday, 10, 0)) {
		t.Error("weekly schedule with unset day should still honor the hour")
	}
}

func TestIsDueConvertsToUTC(t *testing.T) {
	cfg := &model.BackupConfig{
		ScheduleType:    model.ScheduleDaily,
		ScheduleHourUTC: intPtr(2),
	}

	// 21:00 in UTC-5 is 02:00 UTC.
	loc := time.FixedZone("UTC-5", -5*60*60)
	now := time.Date(2026, 3, 2, 21, 0, 0, 0, loc)
	if !IsDue(cfg, now) {
		t.Error("gate should evaluate the schedule in UTC")
	}
}

func TestIsDueNilAndUnknown(t *testing.T) {
	if IsDue(nil, time.Now()) {
		t.Error("nil config must never be due")
	}
	unknown := &model.BackupConfig{ScheduleType: "hourly"}
	if IsDue(unknown, time.Now()) {
		t.Error("unknown schedule type must never be due")
	}
}
