// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

/*
configstore.go - Backup Configuration Store

Reads the operator-managed backup configuration row and writes back the
last-run timestamps. The database API returns loosely-typed rows (JSON
numbers, 0/1 booleans, nullable strings); all coercion happens here so the
rest of the engine only sees model.BackupConfig.
*/

package d1

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quorum-portal/backupd/internal/model"
)

// ErrConfigNotFound is returned when the configuration row does not exist.
var ErrConfigNotFound = errors.New("backup configuration not found")

// ConfigStore persists the backup configuration singleton.
type ConfigStore struct {
	client *Client
}

// NewConfigStore creates a config store backed by the database API client.
func NewConfigStore(client *Client) *ConfigStore {
	return &ConfigStore{client: client}
}

// GetBackupConfig loads the singleton configuration row.
func (s *ConfigStore) GetBackupConfig(ctx context.Context) (*model.BackupConfig, error) {
	rows, err := s.client.Query(ctx,
		`SELECT destination_enabled, encrypted_refresh_token, destination_folder_id,
		        schedule_type, schedule_hour_utc, schedule_day_of_week,
		        include_manifest, include_files,
		        last_primary_backup_at, last_secondary_backup_at
		 FROM backup_config WHERE id = 1`)
	if err != nil {
		return nil, fmt.Errorf("load backup config: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrConfigNotFound
	}

	row := rows[0]
	cfg := &model.BackupConfig{
		DestinationEnabled:    rowBool(row, "destination_enabled"),
		EncryptedRefreshToken: rowString(row, "encrypted_refresh_token"),
		DestinationFolderID:   rowString(row, "destination_folder_id"),
		ScheduleType:          model.ScheduleType(rowString(row, "schedule_type")),
		ScheduleHourUTC:       rowIntPtr(row, "schedule_hour_utc"),
		ScheduleDayOfWeek:     rowIntPtr(row, "schedule_day_of_week"),
		IncludeManifest:       rowBool(row, "include_manifest"),
		IncludeFiles:          rowBool(row, "include_files"),
	}

	if ts, err := rowTimePtr(row, "last_primary_backup_at"); err != nil {
		return nil, fmt.Errorf("parse last_primary_backup_at: %w", err)
	} else {
		cfg.LastPrimaryBackupAt = ts
	}
	if ts, err := rowTimePtr(row, "last_secondary_backup_at"); err != nil {
		return nil, fmt.Errorf("parse last_secondary_backup_at: %w", err)
	} else {
		cfg.LastSecondaryBackupAt = ts
	}
	return cfg, nil
}

// SetLastPrimaryBackupAt records the completion time of the primary path.
func (s *ConfigStore) SetLastPrimaryBackupAt(ctx context.Context, at time.Time) error {
	_, err := s.client.Query(ctx,
		`UPDATE backup_config SET last_primary_backup_at = ? WHERE id = 1`,
		at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("update last_primary_backup_at: %w", err)
	}
	return nil
}

// SetLastSecondaryBackupAt records the completion time of the secondary path.
func (s *ConfigStore) SetLastSecondaryBackupAt(ctx context.Context, at time.Time) error {
	_, err := s.client.Query(ctx,
		`UPDATE backup_config SET last_secondary_backup_at = ? WHERE id = 1`,
		at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("update last_secondary_backup_at: %w", err)
	}
	return nil
}

// rowBool coerces a loosely-typed column into a bool. The API reports SQLite
// booleans as JSON numbers (0/1), occasionally as real booleans.
func rowBool(row map[string]any, col string) bool {
	switch v := row[col].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	default:
		return false
	}
}

func rowString(row map[string]any, col string) string {
	if v, ok := row[col].(string); ok {
		return v
	}
	return ""
}

func rowIntPtr(row map[string]any, col string) *int {
	if v, ok := row[col].(float64); ok {
		n := int(v)
		return &n
	}
	return nil
}

func rowTimePtr(row map[string]any, col string) (*time.Time, error) {
	raw, ok := row[col].(string)
	if !ok || raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
