// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

// Package config defines the daemon's configuration and its layered loader.
// Settings come from built-in defaults, an optional YAML file, and
// environment variables, in ascending precedence.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "BACKUPD_CONFIG"

// DefaultConfigPaths are searched in order when ConfigPathEnvVar is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"/etc/backupd/config.yaml",
}

// Config is the full daemon configuration.
type Config struct {
	Server      ServerConfig   `koanf:"server"`
	Logging     LoggingConfig  `koanf:"logging"`
	Database    EndpointConfig `koanf:"database" validate:"required"`
	KV          EndpointConfig `koanf:"kv" validate:"required"`
	ObjectStore EndpointConfig `koanf:"object_store" validate:"required"`
	Drive       DriveConfig    `koanf:"drive"`
	Engine      EngineConfig   `koanf:"engine"`
	Secrets     SecretsConfig  `koanf:"secrets" validate:"required"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `koanf:"host"`

	// Port is the listen port.
	Port int `koanf:"port" validate:"min=1,max=65535"`

	// TriggerToken is the shared secret for the manual trigger endpoint.
	// Empty disables the endpoint.
	TriggerToken string `koanf:"trigger_token"`

	// AllowedOrigins configures CORS for the portal frontend.
	AllowedOrigins []string `koanf:"allowed_origins"`

	// RateLimit is requests per minute per client IP.
	RateLimit int `koanf:"rate_limit"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listener address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`

	// Caller adds file:line to log entries.
	Caller bool `koanf:"caller"`
}

// EndpointConfig is a provider API endpoint with its credential.
type EndpointConfig struct {
	BaseURL  string        `koanf:"base_url" validate:"required,url"`
	APIToken string        `koanf:"api_token" validate:"required"`
	Timeout  time.Duration `koanf:"timeout"`
}

// DriveConfig holds the cloud drive OAuth application settings. Optional:
// when unset, the secondary path can never run, which is valid for
// deployments without a linked drive.
type DriveConfig struct {
	ClientID      string        `koanf:"client_id"`
	ClientSecret  string        `koanf:"client_secret"`
	TokenURL      string        `koanf:"token_url" validate:"omitempty,url"`
	APIBaseURL    string        `koanf:"api_base_url" validate:"omitempty,url"`
	UploadBaseURL string        `koanf:"upload_base_url" validate:"omitempty,url"`
	Timeout       time.Duration `koanf:"timeout"`
}

// Configured reports whether the drive application is usable.
func (d DriveConfig) Configured() bool {
	return d.ClientID != "" && d.TokenURL != "" && d.APIBaseURL != "" && d.UploadBaseURL != ""
}

// EngineConfig holds run behavior settings.
type EngineConfig struct {
	// RetentionDays is the primary retention window.
	RetentionDays int `koanf:"retention_days" validate:"min=1"`

	// CopyRate bounds server-side mirror copies per second.
	CopyRate int `koanf:"copy_rate" validate:"min=1"`

	// LeaseTTL bounds how long a crashed run can hold the run lease.
	LeaseTTL time.Duration `koanf:"lease_ttl"`

	// RunTimeout bounds one backup run end to end.
	RunTimeout time.Duration `koanf:"run_timeout"`

	// DataDir is where the embedded database lives.
	DataDir string `koanf:"data_dir" validate:"required"`
}

// SecretsConfig holds the credential encryption settings.
type SecretsConfig struct {
	// MasterKey is the base64-encoded AEAD master key protecting stored
	// OAuth refresh tokens.
	MasterKey string `koanf:"master_key" validate:"required"`
}

// defaultConfig returns the built-in defaults layer.
func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8320,
			RateLimit:       60,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database:    EndpointConfig{Timeout: 120 * time.Second},
		KV:          EndpointConfig{Timeout: 30 * time.Second},
		ObjectStore: EndpointConfig{Timeout: 60 * time.Second},
		Drive:       DriveConfig{Timeout: 120 * time.Second},
		Engine: EngineConfig{
			RetentionDays: 30,
			CopyRate:      20,
			LeaseTTL:      2 * time.Hour,
			RunTimeout:    30 * time.Minute,
			DataDir:       "/var/lib/backupd",
		},
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	// The drive block is all-or-nothing: a partially filled block is a
	// deployment mistake, not a disabled feature.
	d := c.Drive
	partial := d.ClientID != "" || d.TokenURL != "" || d.APIBaseURL != "" || d.UploadBaseURL != ""
	if partial && !d.Configured() {
		return fmt.Errorf("invalid configuration: drive settings are partially filled; set client_id, token_url, api_base_url and upload_base_url together")
	}
	return nil
}
