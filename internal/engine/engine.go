// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

/*
engine.go - Backup Run Orchestrator

Drives one complete backup run:

Primary write path (every run, strictly sequential):
 1. database export  -> gzip  -> backups/db/{date}.sql.gz
 2. whitelist dump   -> JSON  -> backups/kv/whitelist-{date}.json
 3. object mirror    -> dated copies + backups/files/{date}/manifest.json

A failed write step aborts the run on the spot: the remaining primary steps,
both retention passes, and the secondary path are all skipped, leaving every
existing backup untouched. Only after 1-3 all succeeded:

 4. primary retention prunes the bucket
 5. lastPrimaryBackupAt is recorded
 6. when the destination is configured and the schedule gate is due:
    upload {date}-database.sql.gz and {date}-whitelist.json to the drive
    folder (plus {date}-r2-manifest.json when enabled), incremental file
    replication when enabled, secondary keep-set retention, and
    lastSecondaryBackupAt.

The run outcome is failure (primary write path aborted), partial (primary
artifacts written but retention, bookkeeping, or the secondary path had
errors), or success.
*/

//nolint:staticcheck // File documentation, not package doc
package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/quorum-portal/backupd/internal/drive"
	"github.com/quorum-portal/backupd/internal/logging"
	"github.com/quorum-portal/backupd/internal/metrics"
	"github.com/quorum-portal/backupd/internal/mirror"
	"github.com/quorum-portal/backupd/internal/model"
	"github.com/quorum-portal/backupd/internal/objstore"
	"github.com/quorum-portal/backupd/internal/retention"
	"github.com/quorum-portal/backupd/internal/schedule"
)

// Step identifies one phase of a backup run in errors and metrics.
type Step string

const (
	StepDatabaseExport       Step = "database_export"
	StepWhitelistDump        Step = "whitelist_dump"
	StepFileMirror           Step = "file_mirror"
	StepSecondaryUpload      Step = "secondary_upload"
	StepFileReplication      Step = "file_replication"
	StepSecondaryRetention   Step = "secondary_retention"
	StepPrimaryRetention     Step = "primary_retention"
	StepConfigLoad           Step = "config_load"
	StepCredentialDecryption Step = "credential_decryption"
	StepStatusRecord         Step = "status_record"
)

// StepError ties a failure to the step that produced it.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Outcome is the overall result of a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// RunSummary describes one completed run.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Date       string    `json:"date"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    Outcome   `json:"outcome"`

	DatabaseBytes    int64 `json:"database_bytes"`
	WhitelistKeys    int   `json:"whitelist_keys"`
	MirroredFiles    int   `json:"mirrored_files"`
	SecondaryRan     bool  `json:"secondary_ran"`
	FilesUploaded    int   `json:"files_uploaded"`
	FilesReplaced    int   `json:"files_replaced"`
	FilesUnchanged   int   `json:"files_unchanged"`
	PrimaryDeleted   int   `json:"primary_deleted"`
	SecondaryDeleted int   `json:"secondary_deleted"`

	Errors []string `json:"errors,omitempty"`
}

// Exporter produces a full SQL dump of the portal database.
type Exporter interface {
	Export(ctx context.Context) ([]byte, error)
}

// WhitelistDumper drains the member whitelist namespace.
type WhitelistDumper interface {
	DumpNamespace(ctx context.Context) (map[string]string, error)
}

// ConfigStore loads the backup configuration and records run timestamps.
type ConfigStore interface {
	GetBackupConfig(ctx context.Context) (*model.BackupConfig, error)
	SetLastPrimaryBackupAt(ctx context.Context, at time.Time) error
	SetLastSecondaryBackupAt(ctx context.Context, at time.Time) error
}

// FileMirror builds the dated in-bucket mirror.
type FileMirror interface {
	Run(ctx context.Context, date string) (*mirror.Manifest, error)
}

// FileReplicator performs incremental drive replication.
type FileReplicator interface {
	Run(ctx context.Context) (*mirror.ReplicationStats, error)
}

// PrimaryRetention prunes aged bucket artifacts.
type PrimaryRetention interface {
	Apply(ctx context.Context, now time.Time) (int, error)
}

// SecondaryRetention prunes drive artifacts outside the keep set.
type SecondaryRetention interface {
	Apply(ctx context.Context, now time.Time, files []drive.File) (int, error)
}

// TokenDecryptor recovers the OAuth refresh token from its stored form.
type TokenDecryptor interface {
	Decrypt(ciphertext string) (string, error)
}

// Deps wires the engine's collaborators. Factories exist because the drive
// client is built per run from the freshly decrypted refresh token.
type Deps struct {
	Exporter          Exporter
	Whitelist         WhitelistDumper
	Store             objstore.Store
	Config            ConfigStore
	Mirror            FileMirror
	Primary           PrimaryRetention
	Decryptor         TokenDecryptor
	DriveFactory      func(ctx context.Context, refreshToken string) drive.Uploader
	ReplicatorFactory func(uploader drive.Uploader, folderID string) FileReplicator
	SecondaryFactory  func(uploader drive.Uploader) SecondaryRetention
}

// Engine orchestrates backup runs.
type Engine struct {
	deps Deps
	now  func() time.Time
}

// New creates the engine.
func New(deps Deps) *Engine {
	return &Engine{deps: deps, now: time.Now}
}

// RunOptions control one run.
type RunOptions struct {
	// Trigger labels the run origin ("schedule" or "manual"). Both origins
	// behave identically; the schedule gate decides the secondary path
	// either way.
	Trigger string
}

// runState carries the artifacts produced by the primary path into the
// secondary path.
type runState struct {
	date          string
	dbArchive     []byte
	whitelistJSON []byte
	manifestJSON  []byte
}

// Run executes one backup run at the given instant.
func (e *Engine) Run(ctx context.Context, now time.Time, opts RunOptions) *RunSummary {
	summary := &RunSummary{
		RunID:     uuid.New().String(),
		Date:      now.UTC().Format(retention.DateLayout),
		Trigger:   opts.Trigger,
		StartedAt: e.now().UTC(),
	}
	state := &runState{date: summary.Date}

	log := logging.With().
		Str("run_id", summary.RunID).
		Str("date", summary.Date).
		Str("trigger", opts.Trigger).
		Logger()
	log.Info().Msg("Backup run started")

	cfg := e.loadConfig(ctx, summary)

	primaryOK := e.runPrimary(ctx, state, summary)
	if primaryOK {
		// Aged artifacts are only pruned once today's are safely in place;
		// a broken primary path must never shrink the history it failed to
		// extend.
		e.applyPrimaryRetention(ctx, now, summary)

		if err := e.deps.Config.SetLastPrimaryBackupAt(ctx, now); err != nil {
			e.recordError(summary, StepStatusRecord, fmt.Errorf("record primary timestamp: %w", err))
		}
		metrics.LastRunTimestamp.WithLabelValues("primary").Set(float64(now.Unix()))

		if e.secondaryWanted(cfg, now) {
			e.runSecondary(ctx, now, cfg, state, summary)
		} else if cfg != nil && cfg.DestinationEnabled && !cfg.SecondaryConfigured() {
			log.Debug().Msg("Secondary destination enabled but not fully configured, skipping")
		}
	}

	summary.FinishedAt = e.now().UTC()
	summary.Outcome = e.outcome(summary, primaryOK)
	metrics.Runs.WithLabelValues(string(summary.Outcome)).Inc()

	log.Info().
		Str("outcome", string(summary.Outcome)).
		Int("errors", len(summary.Errors)).
		Dur("took", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("Backup run finished")
	return summary
}

// loadConfig fetches the backup configuration; a failure disables the
// secondary path but never stops the primary one.
func (e *Engine) loadConfig(ctx context.Context, summary *RunSummary) *model.BackupConfig {
	cfg, err := e.deps.Config.GetBackupConfig(ctx)
	if err != nil {
		e.recordError(summary, StepConfigLoad, err)
		return nil
	}
	return cfg
}

// runPrimary executes the three primary write steps in order. The first
// failure aborts the sequence: later steps never run, so a broken provider
// cannot produce a half-written day.
func (e *Engine) runPrimary(ctx context.Context, state *runState, summary *RunSummary) bool {
	if err := e.exportDatabase(ctx, state, summary); err != nil {
		e.recordError(summary, StepDatabaseExport, err)
		return false
	}
	if err := e.dumpWhitelist(ctx, state, summary); err != nil {
		e.recordError(summary, StepWhitelistDump, err)
		return false
	}
	if err := e.mirrorFiles(ctx, state, summary); err != nil {
		e.recordError(summary, StepFileMirror, err)
		return false
	}
	return true
}

// exportDatabase dumps the database, compresses it, and stores the dated
// archive.
func (e *Engine) exportDatabase(ctx context.Context, state *runState, summary *RunSummary) error {
	start := e.now()
	defer metrics.ObserveStep(string(StepDatabaseExport), start)

	dump, err := e.deps.Exporter.Export(ctx)
	if err != nil {
		return err
	}

	archive, err := gzipBytes(dump)
	if err != nil {
		return fmt.Errorf("compress dump: %w", err)
	}

	key := fmt.Sprintf("backups/db/%s.sql.gz", state.date)
	if err := e.deps.Store.Put(ctx, key, archive, "application/gzip"); err != nil {
		return err
	}

	state.dbArchive = archive
	summary.DatabaseBytes = int64(len(archive))
	metrics.ArtifactBytes.WithLabelValues("database").Set(float64(len(archive)))
	return nil
}

// dumpWhitelist snapshots the whitelist namespace as a dated JSON document.
func (e *Engine) dumpWhitelist(ctx context.Context, state *runState, summary *RunSummary) error {
	start := e.now()
	defer metrics.ObserveStep(string(StepWhitelistDump), start)

	entries, err := e.deps.Whitelist.DumpNamespace(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(whitelistSnapshot(entries, state.date))
	if err != nil {
		return fmt.Errorf("marshal whitelist snapshot: %w", err)
	}

	key := fmt.Sprintf("backups/kv/whitelist-%s.json", state.date)
	if err := e.deps.Store.Put(ctx, key, payload, "application/json"); err != nil {
		return err
	}

	state.whitelistJSON = payload
	summary.WhitelistKeys = len(entries)
	metrics.ArtifactBytes.WithLabelValues("whitelist").Set(float64(len(payload)))
	return nil
}

// snapshot is the whitelist artifact layout: deterministic key order plus
// a small header for forensics.
type snapshot struct {
	Date     string            `json:"date"`
	KeyCount int               `json:"keyCount"`
	Keys     []string          `json:"keys"`
	Entries  map[string]string `json:"entries"`
}

func whitelistSnapshot(entries map[string]string, date string) snapshot {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return snapshot{Date: date, KeyCount: len(keys), Keys: keys, Entries: entries}
}

// mirrorFiles builds the dated in-bucket mirror and keeps its manifest for
// the secondary path.
func (e *Engine) mirrorFiles(ctx context.Context, state *runState, summary *RunSummary) error {
	start := e.now()
	defer metrics.ObserveStep(string(StepFileMirror), start)

	manifest, err := e.deps.Mirror.Run(ctx, state.date)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	state.manifestJSON = payload
	summary.MirroredFiles = manifest.FileCount
	return nil
}

// secondaryWanted decides whether the secondary path runs. The schedule
// gate applies to every run, manual or scheduled.
func (e *Engine) secondaryWanted(cfg *model.BackupConfig, now time.Time) bool {
	if cfg == nil || !cfg.SecondaryConfigured() {
		return false
	}
	return schedule.IsDue(cfg, now)
}

// runSecondary decrypts the credential, builds the drive client, and runs
// uploads, replication, and retention against the destination folder.
func (e *Engine) runSecondary(ctx context.Context, now time.Time, cfg *model.BackupConfig, state *runState, summary *RunSummary) {
	if e.deps.DriveFactory == nil {
		// The operator enabled a destination the deployment has no OAuth
		// application for.
		e.recordError(summary, StepSecondaryUpload, errors.New("drive application is not configured in this deployment"))
		return
	}

	refreshToken, err := e.deps.Decryptor.Decrypt(cfg.EncryptedRefreshToken)
	if err != nil {
		e.recordError(summary, StepCredentialDecryption, err)
		return
	}

	uploader := e.deps.DriveFactory(ctx, refreshToken)
	summary.SecondaryRan = true

	uploadsOK := e.uploadArtifacts(ctx, cfg, uploader, state, summary)

	if cfg.IncludeFiles {
		start := e.now()
		replicator := e.deps.ReplicatorFactory(uploader, cfg.DestinationFolderID)
		stats, err := replicator.Run(ctx)
		metrics.ObserveStep(string(StepFileReplication), start)
		if err != nil {
			e.recordError(summary, StepFileReplication, err)
			uploadsOK = false
		} else {
			summary.FilesUploaded = stats.Uploaded
			summary.FilesReplaced = stats.Replaced
			summary.FilesUnchanged = stats.Unchanged
		}
	}

	e.applySecondaryRetention(ctx, now, cfg, uploader, summary)

	if uploadsOK {
		if err := e.deps.Config.SetLastSecondaryBackupAt(ctx, now); err != nil {
			e.recordError(summary, StepStatusRecord, fmt.Errorf("record secondary timestamp: %w", err))
		}
		metrics.LastRunTimestamp.WithLabelValues("secondary").Set(float64(now.Unix()))
	}
}

// uploadArtifacts replicates the run's primary artifacts to the drive
// folder.
func (e *Engine) uploadArtifacts(ctx context.Context, cfg *model.BackupConfig, uploader drive.Uploader, state *runState, summary *RunSummary) bool {
	start := e.now()
	defer metrics.ObserveStep(string(StepSecondaryUpload), start)

	ok := true
	upload := func(name, contentType string, content []byte) {
		if content == nil {
			return
		}
		if _, err := uploader.Upload(ctx, cfg.DestinationFolderID, name, contentType, content); err != nil {
			e.recordError(summary, StepSecondaryUpload, fmt.Errorf("upload %s: %w", name, err))
			ok = false
		}
	}

	upload(state.date+"-database.sql.gz", "application/gzip", state.dbArchive)
	upload(state.date+"-whitelist.json", "application/json", state.whitelistJSON)
	if cfg.IncludeManifest {
		upload(state.date+"-r2-manifest.json", "application/json", state.manifestJSON)
	}
	return ok
}

// applySecondaryRetention prunes the destination folder. Retention failures
// degrade the run to partial but never undo the backup work.
func (e *Engine) applySecondaryRetention(ctx context.Context, now time.Time, cfg *model.BackupConfig, uploader drive.Uploader, summary *RunSummary) {
	start := e.now()
	defer metrics.ObserveStep(string(StepSecondaryRetention), start)

	files, err := uploader.ListFiles(ctx, cfg.DestinationFolderID)
	if err != nil {
		e.recordError(summary, StepSecondaryRetention, err)
		return
	}
	deleted, err := e.deps.SecondaryFactory(uploader).Apply(ctx, now, files)
	summary.SecondaryDeleted = deleted
	if err != nil {
		e.recordError(summary, StepSecondaryRetention, err)
	}
}

// applyPrimaryRetention prunes the bucket. Same non-fatal semantics as the
// secondary side.
func (e *Engine) applyPrimaryRetention(ctx context.Context, now time.Time, summary *RunSummary) {
	start := e.now()
	defer metrics.ObserveStep(string(StepPrimaryRetention), start)

	deleted, err := e.deps.Primary.Apply(ctx, now)
	summary.PrimaryDeleted = deleted
	if err != nil {
		e.recordError(summary, StepPrimaryRetention, err)
	}
}

func (e *Engine) recordError(summary *RunSummary, step Step, err error) {
	stepErr := &StepError{Step: step, Err: err}
	summary.Errors = append(summary.Errors, stepErr.Error())
	logging.Error().Err(err).Str("step", string(step)).Msg("Backup step failed")
}

// outcome derives the run outcome: failure when the primary write path
// aborted, partial when anything after it went wrong, success otherwise.
func (e *Engine) outcome(summary *RunSummary, primaryOK bool) Outcome {
	if !primaryOK {
		return OutcomeFailure
	}
	if len(summary.Errors) > 0 {
		return OutcomePartial
	}
	return OutcomeSuccess
}

// gzipBytes compresses data at the default level.
func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
