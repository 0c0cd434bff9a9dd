// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

/*
mirror.go - Daily Object Store Mirror

Builds the dated in-bucket mirror: every member-uploaded object is copied
server-side under backups/files/{date}/ and described by a manifest document
at backups/files/{date}/manifest.json. Keys under backups/ are excluded so
the mirror never recursively mirrors itself.

Copies are server-side and rate-limited; the engine never streams object
content during the mirror step.
*/

//nolint:staticcheck // File documentation, not package doc
package mirror

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/quorum-portal/backupd/internal/logging"
	"github.com/quorum-portal/backupd/internal/metrics"
	"github.com/quorum-portal/backupd/internal/objstore"
)

// backupPrefix is the reserved key space for engine artifacts. Objects under
// it are never mirrored.
const backupPrefix = "backups/"

// defaultCopyRate bounds server-side copies to 20/s; the store gateway
// throttles above that.
const defaultCopyRate = 20

// ManifestEntry describes one mirrored object.
type ManifestEntry struct {
	// Key is the object's original key.
	Key string `json:"key"`

	// Size is the object size in bytes.
	Size int64 `json:"size"`

	// Uploaded is the object's last-modified time in the source bucket.
	Uploaded time.Time `json:"uploaded"`

	// Fingerprint is the store's content fingerprint (ETag).
	Fingerprint string `json:"fingerprint"`

	// BackupKey is where the dated copy lives.
	BackupKey string `json:"backupKey"`
}

// Manifest is the per-date mirror index stored alongside the copies.
type Manifest struct {
	Date        string          `json:"date"`
	GeneratedAt time.Time       `json:"generatedAt"`
	FileCount   int             `json:"fileCount"`
	TotalBytes  int64           `json:"totalBytes"`
	Entries     []ManifestEntry `json:"entries"`
}

// Mirror copies member uploads into the dated backup prefix.
type Mirror struct {
	store   objstore.Store
	limiter *rate.Limiter
	now     func() time.Time
}

// New creates a mirror over the given store. copyRate limits server-side
// copies per second; non-positive falls back to the default.
func New(store objstore.Store, copyRate int) *Mirror {
	if copyRate <= 0 {
		copyRate = defaultCopyRate
	}
	return &Mirror{
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(copyRate), copyRate),
		now:     time.Now,
	}
}

// Run mirrors every member upload under backups/files/{date}/ and writes the
// manifest. Returns the manifest it wrote.
func (m *Mirror) Run(ctx context.Context, date string) (*Manifest, error) {
	listing, err := m.store.List(ctx, objstore.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list source objects: %w", err)
	}

	manifest := &Manifest{
		Date:        date,
		GeneratedAt: m.now().UTC(),
		Entries:     []ManifestEntry{},
	}

	for _, obj := range listing.Objects {
		if strings.HasPrefix(obj.Key, backupPrefix) {
			continue
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		backupKey := fmt.Sprintf("%sfiles/%s/%s", backupPrefix, date, obj.Key)
		if err := m.store.Copy(ctx, obj.Key, backupKey); err != nil {
			return nil, fmt.Errorf("mirror %s: %w", obj.Key, err)
		}
		metrics.MirrorCopies.Inc()

		manifest.Entries = append(manifest.Entries, ManifestEntry{
			Key:         obj.Key,
			Size:        obj.Size,
			Uploaded:    obj.LastModified,
			Fingerprint: obj.ETag,
			BackupKey:   backupKey,
		})
		manifest.TotalBytes += obj.Size
	}
	manifest.FileCount = len(manifest.Entries)

	payload, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestKey := ManifestKey(date)
	if err := m.store.Put(ctx, manifestKey, payload, "application/json"); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	logging.Info().
		Str("date", date).
		Int("files", manifest.FileCount).
		Int64("bytes", manifest.TotalBytes).
		Msg("Object store mirror complete")
	return manifest, nil
}

// ManifestKey returns the manifest key for a backup date.
func ManifestKey(date string) string {
	return fmt.Sprintf("%sfiles/%s/manifest.json", backupPrefix, date)
}
