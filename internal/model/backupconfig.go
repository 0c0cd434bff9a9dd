// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

// Package model holds the shared data types exchanged between the engine
// and the portal's persistence layer.
package model

import "time"

// ScheduleType selects how the secondary replication schedule is evaluated.
type ScheduleType string

const (
	// ScheduleDaily fires when the current UTC hour matches ScheduleHourUTC.
	ScheduleDaily ScheduleType = "daily"

	// ScheduleWeekly fires when both the UTC weekday and hour match.
	ScheduleWeekly ScheduleType = "weekly"
)

// BackupConfig is the operator-managed singleton record controlling the
// secondary replication destination. It lives in the portal database and is
// read-only to the engine except for the two timestamp fields, which the
// engine writes back after each successful path.
//
// When DestinationEnabled is true but EncryptedRefreshToken or
// DestinationFolderID is missing, the secondary path is skipped silently:
// a half-configured destination is "feature not configured", not an error.
type BackupConfig struct {
	// DestinationEnabled turns the secondary cloud-drive replication on.
	DestinationEnabled bool `json:"destination_enabled"`

	// EncryptedRefreshToken is the AEAD-encrypted OAuth refresh token
	// (see internal/secrets). Empty when the operator has not linked a
	// destination account.
	EncryptedRefreshToken string `json:"encrypted_refresh_token,omitempty"`

	// DestinationFolderID is the provider folder that receives uploads.
	DestinationFolderID string `json:"destination_folder_id,omitempty"`

	// ScheduleType is daily or weekly.
	ScheduleType ScheduleType `json:"schedule_type"`

	// ScheduleHourUTC is the hour-of-day (0-23) the secondary path is due.
	// Nil means the hour dimension always matches.
	ScheduleHourUTC *int `json:"schedule_hour_utc,omitempty"`

	// ScheduleDayOfWeek is the weekday (0=Sunday .. 6=Saturday) for weekly
	// schedules. Nil means the day dimension always matches.
	ScheduleDayOfWeek *int `json:"schedule_day_of_week,omitempty"`

	// IncludeManifest replicates the file manifest to the destination.
	IncludeManifest bool `json:"include_manifest"`

	// IncludeFiles replicates object content incrementally to the destination.
	IncludeFiles bool `json:"include_files"`

	// LastPrimaryBackupAt is set by the engine after the primary path
	// completes. Nil until the first successful run.
	LastPrimaryBackupAt *time.Time `json:"last_primary_backup_at,omitempty"`

	// LastSecondaryBackupAt is set by the engine after the secondary path
	// completes. Nil until the first successful replication.
	LastSecondaryBackupAt *time.Time `json:"last_secondary_backup_at,omitempty"`
}

// SecondaryConfigured reports whether the secondary destination carries the
// credentials it needs. DestinationEnabled=true with missing credentials is
// "feature not configured", never an error.
func (c *BackupConfig) SecondaryConfigured() bool {
	return c.DestinationEnabled && c.EncryptedRefreshToken != "" && c.DestinationFolderID != ""
}
