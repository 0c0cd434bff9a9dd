// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

package retention

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/quorum-portal/backupd/internal/drive"
	"github.com/quorum-portal/backupd/internal/objstore"
)

// fakeStore lists a fixed object set and records deletions.
type fakeStore struct {
	objects []objstore.Object
	deletes []string
}

func (s *fakeStore) List(_ context.Context, opts objstore.ListOptions) (*objstore.ListResult, error) {
	result := &objstore.ListResult{}
	for _, obj := range s.objects {
		if len(obj.Key) >= len(opts.Prefix) && obj.Key[:len(opts.Prefix)] == opts.Prefix {
			result.Objects = append(result.Objects, obj)
		}
	}
	return result, nil
}

func (s *fakeStore) Get(context.Context, string) ([]byte, error) { return nil, nil }

func (s *fakeStore) Put(context.Context, string, []byte, string) error { return nil }

func (s *fakeStore) Copy(context.Context, string, string) error { return nil }

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.deletes = append(s.deletes, key)
	return nil
}

func TestPrimaryApply(t *testing.T) {
	now := time.Date(2026, 2, 10, 2, 0, 0, 0, time.UTC)
	store := &fakeStore{objects: []objstore.Object{
		// Inside the 30-day window.
		{Key: "backups/db/2026-02-09.sql.gz"},
		{Key: "backups/db/2026-01-11.sql.gz"}, // exactly 30 days old: kept
		{Key: "backups/kv/whitelist-2026-02-01.json"},
		{Key: "backups/files/2026-02-05/manifest.json"},
		// Strictly older than the window.
		{Key: "backups/db/2026-01-10.sql.gz"},
		{Key: "backups/kv/whitelist-2025-12-20.json"},
		{Key: "backups/files/2026-01-01/manifest.json"},
		{Key: "backups/files/2026-01-01/uploads/photo.jpg"},
		// No parseable date: untouched.
		{Key: "backups/notes.txt"},
	}}

	deleted, err := NewPrimary(store, 30).Apply(context.Background(), now)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if deleted != 4 {
		t.Errorf("deleted = %d, want 4", deleted)
	}

	want := []string{
		"backups/db/2026-01-10.sql.gz",
		"backups/files/2026-01-01/manifest.json",
		"backups/files/2026-01-01/uploads/photo.jpg",
		"backups/kv/whitelist-2025-12-20.json",
	}
	got := append([]string(nil), store.deletes...)
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("deletes = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("deletes[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPrimaryApplyNothingToDelete(t *testing.T) {
	now := time.Date(2026, 2, 10, 2, 0, 0, 0, time.UTC)
	store := &fakeStore{objects: []objstore.Object{
		{Key: "backups/db/2026-02-09.sql.gz"},
	}}

	deleted, err := NewPrimary(store, 30).Apply(context.Background(), now)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if deleted != 0 || len(store.deletes) != 0 {
		t.Errorf("deleted = %d, deletes = %v", deleted, store.deletes)
	}
}

func TestComputeKeepSet(t *testing.T) {
	now := time.Date(2026, 2, 10, 2, 0, 0, 0, time.UTC)
	dates := []string{
		"2026-02-09", "2026-02-08", "2026-02-07", "2026-02-06", // recent tier
		"2026-01-31", // monthly pick for January
		"2026-01-12", // superseded: not recent, not monthly, age 29 < yearly minimum
		"2026-01-05", // yearly anchor: first date (newest first) aged >= 31 days
		"2025-12-01", // monthly pick for December
		"2025-11-30", // monthly pick for November
		"2025-01-10", // beyond every tier
	}

	keep := ComputeKeepSet(dates, now)

	wantKeep := []string{
		"2026-02-09", "2026-02-08", "2026-02-07", "2026-02-06",
		"2026-01-31", "2026-01-05", "2025-12-01", "2025-11-30",
	}
	for _, d := range wantKeep {
		if !keep[d] {
			t.Errorf("date %s should be kept", d)
		}
	}
	for _, d := range []string{"2026-01-12", "2025-01-10"} {
		if keep[d] {
			t.Errorf("date %s should not be kept", d)
		}
	}
}

func TestComputeKeepSetSingleYearlyAnchor(t *testing.T) {
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	// Both candidates are aged within [31, 365]; only the newest is kept
	// as the yearly anchor.
	dates := []string{"2026-01-01", "2025-10-01"}

	keep := ComputeKeepSet(dates, now)
	if !keep["2026-01-01"] {
		t.Error("newest in-range date should be the yearly anchor")
	}
	if keep["2025-10-01"] {
		t.Error("only one yearly anchor may be kept")
	}
}

func TestComputeKeepSetFewDatesKeepsAll(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	dates := []string{"2026-02-09", "2026-02-08"}

	keep := ComputeKeepSet(dates, now)
	for _, d := range dates {
		if !keep[d] {
			t.Errorf("date %s should be kept when history is short", d)
		}
	}
}

// fakeUploader records deletions; the other methods are unused by retention.
type fakeUploader struct {
	deletes []string
}

func (u *fakeUploader) Upload(context.Context, string, string, string, []byte) (*drive.File, error) {
	return nil, nil
}

func (u *fakeUploader) ListFiles(context.Context, string) ([]drive.File, error) { return nil, nil }

func (u *fakeUploader) Download(context.Context, string) ([]byte, error) { return nil, nil }

func (u *fakeUploader) DeleteFile(_ context.Context, fileID string) error {
	u.deletes = append(u.deletes, fileID)
	return nil
}

func secondaryScenarioFiles() []drive.File {
	return []drive.File{
		{ID: "f1", Name: "2026-02-09-database.sql.gz"},
		{ID: "f2", Name: "2026-02-09-whitelist.json"},
		{ID: "f3", Name: "2026-02-08-database.sql.gz"},
		{ID: "f4", Name: "2026-02-07-database.sql.gz"},
		{ID: "f5", Name: "2026-02-06-database.sql.gz"},
		{ID: "f6", Name: "2026-01-31-database.sql.gz"},
		{ID: "f7", Name: "2026-01-12-database.sql.gz"},
		{ID: "f8", Name: "2026-01-05-database.sql.gz"},
		{ID: "f9", Name: "2025-12-01-database.sql.gz"},
		{ID: "f10", Name: "2025-11-30-r2-manifest.json"},
		{ID: "f11", Name: "2025-01-10-database.sql.gz"},
		// Undated files are never retention candidates.
		{ID: "f12", Name: "file-backup-state.json"},
		{ID: "f13", Name: "r2-files/uploads/photo.jpg"},
	}
}

func TestSecondaryApply(t *testing.T) {
	now := time.Date(2026, 2, 10, 2, 0, 0, 0, time.UTC)
	uploader := &fakeUploader{}

	deleted, err := NewSecondary(uploader).Apply(context.Background(), now, secondaryScenarioFiles())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	got := append([]string(nil), uploader.deletes...)
	sort.Strings(got)
	want := []string{"f11", "f7"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("deletes = %v, want %v", got, want)
	}
}

func TestSecondaryApplyIsIdempotent(t *testing.T) {
	now := time.Date(2026, 2, 10, 2, 0, 0, 0, time.UTC)

	files := secondaryScenarioFiles()
	uploader := &fakeUploader{}
	if _, err := NewSecondary(uploader).Apply(context.Background(), now, files); err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	// Re-apply against the post-deletion listing: nothing further goes.
	deletedIDs := make(map[string]bool)
	for _, id := range uploader.deletes {
		deletedIDs[id] = true
	}
	var remaining []drive.File
	for _, f := range files {
		if !deletedIDs[f.ID] {
			remaining = append(remaining, f)
		}
	}

	second := &fakeUploader{}
	deleted, err := NewSecondary(second).Apply(context.Background(), now, remaining)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if deleted != 0 {
		t.Errorf("second pass deleted %d files: %v", deleted, second.deletes)
	}
}

func TestArtifactDate(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"2026-02-10-database.sql.gz", "2026-02-10"},
		{"2026-02-10-whitelist.json", "2026-02-10"},
		{"2026-02-10-r2-manifest.json", "2026-02-10"},
		{"file-backup-state.json", ""},
		{"r2-files/uploads/photo.jpg", ""},
		{"database.sql.gz", ""},
		{"2026-13-99-database.sql.gz", ""},
	}
	for _, tt := range tests {
		if got := artifactDate(tt.name); got != tt.want {
			t.Errorf("artifactDate(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
