// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

/*
state.go - Incremental Upload State

The incremental drive replication keeps a state document in the destination
folder recording the fingerprint of every object it has uploaded. Diffing
the current bucket listing against that state classifies each object as new,
changed, or unchanged; unchanged objects are never re-uploaded.

The state lives in the destination, not locally: a fresh deployment (or a
wiped data dir) re-reads it from the drive and resumes incrementally.
*/

package mirror

import (
	"strings"
	"time"

	"github.com/quorum-portal/backupd/internal/objstore"
)

// StateFileName is the name of the state document in the destination folder.
const StateFileName = "file-backup-state.json"

// FileState records one uploaded object's identity at upload time.
type FileState struct {
	Fingerprint string    `json:"fingerprint"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// BackupState is the full state document.
type BackupState struct {
	UpdatedAt time.Time            `json:"updatedAt"`
	Files     map[string]FileState `json:"files"`
}

// NewBackupState returns an empty state; with no history, every object
// classifies as new.
func NewBackupState() *BackupState {
	return &BackupState{Files: make(map[string]FileState)}
}

// Plan is the outcome of diffing a bucket listing against the upload state.
type Plan struct {
	New       []objstore.Object
	Changed   []objstore.Object
	Unchanged int
}

// Diff classifies the current bucket objects against the upload state.
// Classification is by content fingerprint: a key present in the state with
// a matching fingerprint is unchanged regardless of timestamps.
func Diff(objects []objstore.Object, state *BackupState) Plan {
	var plan Plan
	for _, obj := range objects {
		if strings.HasPrefix(obj.Key, backupPrefix) {
			continue
		}

		prev, known := state.Files[obj.Key]
		switch {
		case !known:
			plan.New = append(plan.New, obj)
		case prev.Fingerprint != obj.ETag:
			plan.Changed = append(plan.Changed, obj)
		default:
			plan.Unchanged++
		}
	}
	return plan
}
