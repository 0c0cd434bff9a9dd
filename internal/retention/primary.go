// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

/*
primary.go - Primary (Bucket) Retention

Prunes dated backup artifacts in the object store: everything under
backups/ whose embedded date is strictly older than now minus the retention
window is deleted. That covers database dumps, whitelist snapshots, and
whole dated mirror trees including their manifests.

Keys under backups/ without a parseable date are left alone; deleting
something we cannot date is worse than keeping it.
*/

//nolint:staticcheck // File documentation, not package doc
package retention

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/quorum-portal/backupd/internal/logging"
	"github.com/quorum-portal/backupd/internal/metrics"
	"github.com/quorum-portal/backupd/internal/objstore"
)

// DefaultRetentionDays is the primary retention window.
const DefaultRetentionDays = 30

// DateLayout is the calendar-date format embedded in artifact names.
const DateLayout = "2006-01-02"

// datePattern extracts the first embedded calendar date from a key or name.
var datePattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)

// Primary prunes aged artifacts from the object store.
type Primary struct {
	store         objstore.Store
	retentionDays int
}

// NewPrimary creates the bucket retention manager. Non-positive
// retentionDays falls back to DefaultRetentionDays.
func NewPrimary(store objstore.Store, retentionDays int) *Primary {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Primary{store: store, retentionDays: retentionDays}
}

// Apply deletes every dated object under backups/ strictly older than the
// retention window. Returns the number of objects deleted.
func (p *Primary) Apply(ctx context.Context, now time.Time) (int, error) {
	listing, err := p.store.List(ctx, objstore.ListOptions{Prefix: "backups/"})
	if err != nil {
		return 0, fmt.Errorf("list backup artifacts: %w", err)
	}

	cutoff := now.UTC().AddDate(0, 0, -p.retentionDays).Format(DateLayout)

	deleted := 0
	for _, obj := range listing.Objects {
		date := extractDate(obj.Key)
		if date == "" {
			continue
		}
		// ISO dates compare correctly as strings.
		if date >= cutoff {
			continue
		}

		if err := p.store.Delete(ctx, obj.Key); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", obj.Key, err)
		}
		deleted++
		metrics.RetentionDeletions.WithLabelValues("primary").Inc()
	}

	if deleted > 0 {
		logging.Info().
			Int("deleted", deleted).
			Str("cutoff", cutoff).
			Msg("Primary retention pruned aged artifacts")
	}
	return deleted, nil
}

// extractDate returns the first embedded calendar date in s, or "" when
// there is none or it is not a real date.
func extractDate(s string) string {
	match := datePattern.FindString(s)
	if match == "" {
		return ""
	}
	if _, err := time.Parse(DateLayout, match); err != nil {
		return ""
	}
	return match
}
