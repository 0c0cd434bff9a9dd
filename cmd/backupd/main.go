// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

// Package main is the entry point for the backupd daemon.
//
// # Application Architecture
//
// The daemon initializes components in dependency order:
//
//  1. Configuration (koanf: defaults -> YAML file -> environment)
//  2. Logging (zerolog, structured JSON by default)
//  3. Embedded database (BadgerDB) for the run lease
//  4. Provider clients: database export, KV namespace, object store
//  5. Credential encryption (AES-GCM under the master key)
//  6. Backup engine: mirror, replication, retention, orchestration
//  7. Scheduler (hourly tick, manual trigger)
//  8. HTTP API (chi router: trigger, status, health, metrics)
//  9. Supervision tree (suture: jobs layer + api layer)
//
// # Configuration
//
// Settings load from three layers in ascending precedence: built-in
// defaults, an optional YAML file (BACKUPD_CONFIG, ./config.yaml, or
// /etc/backupd/config.yaml), and BACKUPD_-prefixed environment variables.
// See internal/config for the full surface.
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the root context. The supervision tree then
// stops the scheduler and drains the HTTP server within the configured
// shutdown timeout before the process exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v4"

	"github.com/quorum-portal/backupd/internal/api"
	"github.com/quorum-portal/backupd/internal/config"
	"github.com/quorum-portal/backupd/internal/d1"
	"github.com/quorum-portal/backupd/internal/drive"
	"github.com/quorum-portal/backupd/internal/engine"
	"github.com/quorum-portal/backupd/internal/kv"
	"github.com/quorum-portal/backupd/internal/logging"
	"github.com/quorum-portal/backupd/internal/mirror"
	"github.com/quorum-portal/backupd/internal/objstore"
	"github.com/quorum-portal/backupd/internal/retention"
	"github.com/quorum-portal/backupd/internal/runlock"
	"github.com/quorum-portal/backupd/internal/secrets"
	"github.com/quorum-portal/backupd/internal/supervisor"
	"github.com/quorum-portal/backupd/internal/supervisor/services"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "backupd: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("version", version).Msg("Quorum Backupd starting")

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Daemon exited with error")
		os.Exit(1)
	}
	logging.Info().Msg("Quorum Backupd stopped")
}

// run wires the daemon and blocks until shutdown.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Embedded database for the run lease. Badger's own logger is noisy;
	// anything worth surfacing shows up as errors from our calls.
	db, err := badger.Open(badger.DefaultOptions(cfg.Engine.DataDir).WithLogger(nil))
	if err != nil {
		return fmt.Errorf("open data dir %s: %w", cfg.Engine.DataDir, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close embedded database")
		}
	}()

	// Provider clients.
	exporter := d1.NewClient(d1.Config{
		BaseURL:  cfg.Database.BaseURL,
		APIToken: cfg.Database.APIToken,
		Timeout:  cfg.Database.Timeout,
	})
	whitelist := kv.NewClient(kv.Config{
		BaseURL:  cfg.KV.BaseURL,
		APIToken: cfg.KV.APIToken,
		Timeout:  cfg.KV.Timeout,
	})
	store := objstore.NewClient(objstore.Config{
		BaseURL:  cfg.ObjectStore.BaseURL,
		APIToken: cfg.ObjectStore.APIToken,
		Timeout:  cfg.ObjectStore.Timeout,
	})

	encryptor, err := secrets.NewEncryptor(cfg.Secrets.MasterKey)
	if err != nil {
		return fmt.Errorf("initialize credential encryption: %w", err)
	}

	deps := engine.Deps{
		Exporter:  exporter,
		Whitelist: whitelist,
		Store:     store,
		Config:    d1.NewConfigStore(exporter),
		Mirror:    mirror.New(store, cfg.Engine.CopyRate),
		Primary:   retention.NewPrimary(store, cfg.Engine.RetentionDays),
		Decryptor: encryptor,
		ReplicatorFactory: func(uploader drive.Uploader, folderID string) engine.FileReplicator {
			return mirror.NewReplicator(store, uploader, folderID)
		},
		SecondaryFactory: func(uploader drive.Uploader) engine.SecondaryRetention {
			return retention.NewSecondary(uploader)
		},
	}

	// The drive client is built per run from the freshly decrypted refresh
	// token. A deployment without an OAuth application gets no factory; the
	// engine reports the misconfiguration if a destination is ever enabled.
	if cfg.Drive.Configured() {
		driveCfg := drive.Config{
			ClientID:      cfg.Drive.ClientID,
			ClientSecret:  cfg.Drive.ClientSecret,
			TokenURL:      cfg.Drive.TokenURL,
			APIBaseURL:    cfg.Drive.APIBaseURL,
			UploadBaseURL: cfg.Drive.UploadBaseURL,
			Timeout:       cfg.Drive.Timeout,
		}
		deps.DriveFactory = func(ctx context.Context, refreshToken string) drive.Uploader {
			return drive.NewClient(ctx, driveCfg, refreshToken)
		}
	} else {
		logging.Info().Msg("Drive application not configured, secondary path unavailable")
	}

	scheduler := engine.NewScheduler(
		engine.New(deps),
		runlock.New(db, cfg.Engine.LeaseTTL),
		cfg.Engine.RunTimeout,
	)

	server := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewRouter(api.Config{
			TriggerToken:   cfg.Server.TriggerToken,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RateLimit:      cfg.Server.RateLimit,
		}, scheduler),
	}

	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), treeCfg)
	if err != nil {
		return fmt.Errorf("build supervision tree: %w", err)
	}
	tree.AddJobService(scheduler)
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	logging.Info().Str("addr", server.Addr).Msg("Daemon ready")
	return tree.Serve(ctx)
}
