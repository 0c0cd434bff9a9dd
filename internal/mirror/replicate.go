// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

/*
replicate.go - Incremental Drive Replication

Replicates member-uploaded objects to the operator's cloud drive folder.
Only objects classified new or changed by the state diff are streamed; a
bucket where nothing changed since the last run costs one listing, one state
read, and one state write, with zero content uploads.

Drive file names are flattened: object key "uploads/photo.jpg" becomes drive
file "r2-files/uploads/photo.jpg". On change, the stale drive copy is
deleted before the fresh upload so the folder never accumulates duplicates.
*/

package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/quorum-portal/backupd/internal/drive"
	"github.com/quorum-portal/backupd/internal/logging"
	"github.com/quorum-portal/backupd/internal/metrics"
	"github.com/quorum-portal/backupd/internal/objstore"
)

// filePrefix namespaces replicated objects inside the destination folder.
const filePrefix = "r2-files/"

// ReplicationStats summarizes one incremental replication pass.
type ReplicationStats struct {
	Uploaded      int
	Replaced      int
	Unchanged     int
	BytesUploaded int64
}

// Replicator performs incremental object replication to a drive folder.
type Replicator struct {
	store    objstore.Store
	uploader drive.Uploader
	folderID string
	now      func() time.Time
}

// NewReplicator creates a replicator targeting the given drive folder.
func NewReplicator(store objstore.Store, uploader drive.Uploader, folderID string) *Replicator {
	return &Replicator{
		store:    store,
		uploader: uploader,
		folderID: folderID,
		now:      time.Now,
	}
}

// Run lists the bucket, diffs it against the drive-held state document, and
// uploads only new and changed objects. The refreshed state document is
// written back to the drive at the end.
func (r *Replicator) Run(ctx context.Context) (*ReplicationStats, error) {
	driveFiles, err := r.uploader.ListFiles(ctx, r.folderID)
	if err != nil {
		return nil, fmt.Errorf("list destination folder: %w", err)
	}
	byName := make(map[string]drive.File, len(driveFiles))
	for _, f := range driveFiles {
		byName[f.Name] = f
	}

	state, err := r.loadState(ctx, byName)
	if err != nil {
		return nil, err
	}

	listing, err := r.store.List(ctx, objstore.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list source objects: %w", err)
	}

	plan := Diff(listing.Objects, state)
	stats := &ReplicationStats{Unchanged: plan.Unchanged}
	metrics.IncrementalUploads.WithLabelValues("unchanged").Add(float64(plan.Unchanged))

	for _, obj := range plan.New {
		if err := r.replicateObject(ctx, obj, state, byName); err != nil {
			return nil, err
		}
		stats.Uploaded++
		stats.BytesUploaded += obj.Size
		metrics.IncrementalUploads.WithLabelValues("new").Inc()
	}
	for _, obj := range plan.Changed {
		if err := r.replicateObject(ctx, obj, state, byName); err != nil {
			return nil, err
		}
		stats.Replaced++
		stats.BytesUploaded += obj.Size
		metrics.IncrementalUploads.WithLabelValues("changed").Inc()
	}

	if err := r.saveState(ctx, state, byName); err != nil {
		return nil, err
	}

	logging.Info().
		Int("uploaded", stats.Uploaded).
		Int("replaced", stats.Replaced).
		Int("unchanged", stats.Unchanged).
		Int64("bytes", stats.BytesUploaded).
		Msg("Incremental drive replication complete")
	return stats, nil
}

// replicateObject streams one object to the drive and updates the in-memory
// state. A pre-existing drive file under the same name is removed first.
func (r *Replicator) replicateObject(ctx context.Context, obj objstore.Object, state *BackupState, byName map[string]drive.File) error {
	content, err := r.store.Get(ctx, obj.Key)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", obj.Key, err)
	}

	name := filePrefix + obj.Key
	if stale, exists := byName[name]; exists {
		if err := r.uploader.DeleteFile(ctx, stale.ID); err != nil {
			return fmt.Errorf("delete stale copy of %s: %w", obj.Key, err)
		}
	}

	uploaded, err := r.uploader.Upload(ctx, r.folderID, name, "application/octet-stream", content)
	if err != nil {
		return fmt.Errorf("upload %s: %w", obj.Key, err)
	}
	byName[name] = *uploaded

	state.Files[obj.Key] = FileState{
		Fingerprint: obj.ETag,
		Size:        obj.Size,
		UploadedAt:  r.now().UTC(),
	}
	return nil
}

// loadState reads the state document from the destination folder. A missing
// or unreadable document degrades to the empty state: worst case the next
// pass re-uploads everything, which is correct, just not incremental.
func (r *Replicator) loadState(ctx context.Context, byName map[string]drive.File) (*BackupState, error) {
	stateFile, exists := byName[StateFileName]
	if !exists {
		return NewBackupState(), nil
	}

	raw, err := r.uploader.Download(ctx, stateFile.ID)
	if err != nil {
		return nil, fmt.Errorf("download state document: %w", err)
	}

	var state BackupState
	if err := json.Unmarshal(raw, &state); err != nil {
		logging.Warn().Err(err).Msg("State document is corrupt, starting from empty state")
		return NewBackupState(), nil
	}
	if state.Files == nil {
		state.Files = make(map[string]FileState)
	}
	return &state, nil
}

// saveState writes the refreshed state document, replacing any previous one.
func (r *Replicator) saveState(ctx context.Context, state *BackupState, byName map[string]drive.File) error {
	state.UpdatedAt = r.now().UTC()

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state document: %w", err)
	}

	if old, exists := byName[StateFileName]; exists {
		if err := r.uploader.DeleteFile(ctx, old.ID); err != nil {
			return fmt.Errorf("delete old state document: %w", err)
		}
	}
	if _, err := r.uploader.Upload(ctx, r.folderID, StateFileName, "application/json", payload); err != nil {
		return fmt.Errorf("upload state document: %w", err)
	}
	return nil
}
