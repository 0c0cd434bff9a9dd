// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

/*
secondary.go - Secondary (Drive) Retention

Multi-tier keep-set retention for the cloud drive folder. Instead of a
single age cutoff, a set of dates worth keeping is computed and every dated
artifact outside it is deleted:

  - the 4 most recent backup dates
  - the most recent date within each of the trailing 4 calendar months
    (the month containing now plus the 3 preceding months)
  - at most one yearly anchor: scanning newest to oldest, the first date
    aged between 31 and 365 days

Only dated artifact names ({date}-database.sql.gz and friends) participate;
the incremental file replica and the state document carry no date prefix
and are never touched by retention.
*/

//nolint:staticcheck // File documentation, not package doc
package retention

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quorum-portal/backupd/internal/drive"
	"github.com/quorum-portal/backupd/internal/logging"
	"github.com/quorum-portal/backupd/internal/metrics"
)

const (
	// keepRecentCount is how many most-recent dates are always kept.
	keepRecentCount = 4

	// keepMonthlyWindow is how many trailing calendar months get a
	// monthly pick, counting the month containing now.
	keepMonthlyWindow = 4

	// yearlyMinAgeDays / yearlyMaxAgeDays bound the yearly anchor's age.
	yearlyMinAgeDays = 31
	yearlyMaxAgeDays = 365
)

// ComputeKeepSet returns the set of backup dates to retain. Input dates are
// in DateLayout form; unparseable entries are kept defensively by exclusion
// from the computation (callers never delete what is not a dated artifact).
func ComputeKeepSet(dates []string, now time.Time) map[string]bool {
	parsed := make([]time.Time, 0, len(dates))
	seen := make(map[string]bool, len(dates))
	for _, d := range dates {
		if seen[d] {
			continue
		}
		t, err := time.Parse(DateLayout, d)
		if err != nil {
			continue
		}
		seen[d] = true
		parsed = append(parsed, t)
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].After(parsed[j]) })

	keep := make(map[string]bool)

	// Tier 1: the most recent dates.
	for i := 0; i < len(parsed) && i < keepRecentCount; i++ {
		keep[parsed[i].Format(DateLayout)] = true
	}

	// Tier 2: the newest date within each trailing calendar month. parsed
	// is sorted descending, so the first hit per month wins.
	nowDate := now.UTC()
	monthly := make(map[string]bool, keepMonthlyWindow)
	for i := 0; i < keepMonthlyWindow; i++ {
		monthly[nowDate.AddDate(0, -i, -nowDate.Day()+1).Format("2006-01")] = true
	}
	pickedMonths := make(map[string]bool)
	for _, t := range parsed {
		month := t.Format("2006-01")
		if monthly[month] && !pickedMonths[month] {
			pickedMonths[month] = true
			keep[t.Format(DateLayout)] = true
		}
	}

	// Tier 3: one yearly anchor aged between one month and one year.
	today := time.Date(nowDate.Year(), nowDate.Month(), nowDate.Day(), 0, 0, 0, 0, time.UTC)
	for _, t := range parsed {
		age := int(today.Sub(t).Hours() / 24)
		if age >= yearlyMinAgeDays && age <= yearlyMaxAgeDays {
			keep[t.Format(DateLayout)] = true
			break
		}
	}

	return keep
}

// Secondary prunes dated artifacts from the drive folder.
type Secondary struct {
	uploader drive.Uploader
}

// NewSecondary creates the drive retention manager.
func NewSecondary(uploader drive.Uploader) *Secondary {
	return &Secondary{uploader: uploader}
}

// Apply deletes every dated artifact in files whose date falls outside the
// keep set. Returns the number of files deleted. Applying twice against the
// same listing state deletes nothing the second time.
func (s *Secondary) Apply(ctx context.Context, now time.Time, files []drive.File) (int, error) {
	dates := make([]string, 0, len(files))
	for _, f := range files {
		if d := artifactDate(f.Name); d != "" {
			dates = append(dates, d)
		}
	}
	keep := ComputeKeepSet(dates, now)

	deleted := 0
	for _, f := range files {
		date := artifactDate(f.Name)
		if date == "" || keep[date] {
			continue
		}

		if err := s.uploader.DeleteFile(ctx, f.ID); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", f.Name, err)
		}
		deleted++
		metrics.RetentionDeletions.WithLabelValues("secondary").Inc()
		logging.Debug().Str("file", f.Name).Msg("Secondary retention deleted artifact")
	}

	if deleted > 0 {
		logging.Info().Int("deleted", deleted).Msg("Secondary retention pruned drive artifacts")
	}
	return deleted, nil
}

// artifactDate returns the leading date of a dated artifact name, or ""
// for undated files (the incremental replica, the state document).
func artifactDate(name string) string {
	if len(name) < len(DateLayout)+1 {
		return ""
	}
	prefix := name[:len(DateLayout)]
	if name[len(DateLayout)] != '-' {
		return ""
	}
	if _, err := time.Parse(DateLayout, prefix); err != nil {
		return ""
	}
	// Names like r2-files/... never parse as dates, but keep the explicit
	// prefix check for clarity.
	if strings.HasPrefix(name, "r2-files/") {
		return ""
	}
	return prefix
}
