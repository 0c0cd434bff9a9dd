// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

/*
client.go - Portal Database API Client

Client for the portal's hosted SQL database API. Two capabilities:

 1. Asynchronous SQL dump export. The export endpoint is polling-based: the
    first call starts a server-side dump and returns a bookmark; subsequent
    calls with that bookmark report progress until the dump is ready and a
    signed download URL is issued. The dump may also complete on the very
    first call, in which case no polling happens at all.

 2. Parameterized queries, used by ConfigStore to read the backup
    configuration row and write back run timestamps.

Export polling uses a constant 5s interval with a hard retry cap; exhausting
the cap surfaces ErrExportTimeout so the engine can fail the run cleanly
instead of hanging on a wedged export.
*/

//nolint:staticcheck // File documentation, not package doc
package d1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/quorum-portal/backupd/internal/logging"
)

const (
	// defaultPollInterval is the fixed delay between export status polls.
	defaultPollInterval = 5 * time.Second

	// defaultMaxPollAttempts caps export polling at 5 minutes of waiting.
	defaultMaxPollAttempts = 60

	// maxErrorBodySize limits the response body read for error reporting.
	maxErrorBodySize = 64 * 1024 // 64KB
)

var (
	// ErrExport is the sentinel for a server-side export failure.
	ErrExport = errors.New("database export failed")

	// ErrExportTimeout is returned when polling exhausts its retry budget
	// without the export completing.
	ErrExportTimeout = errors.New("database export timed out")

	// errExportRunning marks an in-progress poll; internal retry signal.
	errExportRunning = errors.New("export still running")
)

// Config holds database API connection settings.
type Config struct {
	// BaseURL is the database API endpoint, without trailing slash.
	BaseURL string

	// APIToken authenticates requests (bearer token).
	APIToken string

	// Timeout bounds each HTTP call. Default 120s; dump downloads can be
	// large.
	Timeout time.Duration
}

// Client talks to the portal database API.
type Client struct {
	baseURL  string
	apiToken string
	client   *http.Client

	pollInterval    time.Duration
	maxPollAttempts uint64
}

// NewClient creates a new database API client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:         trimSlash(cfg.BaseURL),
		apiToken:        cfg.APIToken,
		client:          &http.Client{Timeout: timeout},
		pollInterval:    defaultPollInterval,
		maxPollAttempts: defaultMaxPollAttempts,
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// envelope is the database API's JSON response wrapper.
type envelope struct {
	Success bool       `json:"success"`
	Errors  []apiError `json:"errors"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *envelope) firstError() string {
	if len(e.Errors) == 0 {
		return "unknown database API error"
	}
	return fmt.Sprintf("%d: %s", e.Errors[0].Code, e.Errors[0].Message)
}

const (
	exportStatusActive   = "active"
	exportStatusComplete = "complete"
	exportStatusError    = "error"
)

type exportRequest struct {
	OutputFormat    string `json:"output_format"`
	CurrentBookmark string `json:"current_bookmark,omitempty"`
}

type exportResponse struct {
	envelope
	Result exportState `json:"result"`
}

type exportState struct {
	Status     string `json:"status"`
	AtBookmark string `json:"at_bookmark"`
	SignedURL  string `json:"signed_url"`
	Error      string `json:"error"`
}

// Export runs a full SQL dump and returns the dump text. Blocks until the
// export completes, fails, polling times out, or ctx is cancelled.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	state, err := c.exportStep(ctx, "")
	if err != nil {
		return nil, err
	}

	if state.Status != exportStatusComplete {
		state, err = c.waitForExport(ctx, state.AtBookmark)
		if err != nil {
			return nil, err
		}
	}

	if state.SignedURL == "" {
		return nil, fmt.Errorf("%w: export completed without a download URL", ErrExport)
	}
	return c.downloadDump(ctx, state.SignedURL)
}

// exportStep performs one export API call. An empty bookmark starts a new
// export; a non-empty bookmark polls an existing one.
func (c *Client) exportStep(ctx context.Context, bookmark string) (*exportState, error) {
	reqBody := exportRequest{OutputFormat: "polling", CurrentBookmark: bookmark}

	var resp exportResponse
	if err := c.postJSON(ctx, c.baseURL+"/export", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: export request: %v", ErrExport, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", ErrExport, resp.firstError())
	}
	if resp.Result.Status == exportStatusError {
		return nil, fmt.Errorf("%w: %s", ErrExport, resp.Result.Error)
	}
	return &resp.Result, nil
}

// waitForExport polls the export with the given bookmark until completion.
func (c *Client) waitForExport(ctx context.Context, bookmark string) (*exportState, error) {
	var final *exportState

	operation := func() error {
		state, err := c.exportStep(ctx, bookmark)
		if err != nil {
			// API errors and transport errors alike end the export on the
			// spot; the poll budget only covers an export that is genuinely
			// still running.
			return backoff.Permanent(err)
		}

		// Bookmarks can advance while the export runs; always poll with
		// the freshest one.
		if state.AtBookmark != "" {
			bookmark = state.AtBookmark
		}

		if state.Status == exportStatusComplete {
			final = state
			return nil
		}
		logging.Debug().Str("status", state.Status).Msg("Database export still running")
		return errExportRunning
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.pollInterval), c.maxPollAttempts),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, errExportRunning) {
			return nil, ErrExportTimeout
		}
		return nil, err
	}
	return final, nil
}

// downloadDump fetches the finished dump from its signed URL. The signed URL
// is pre-authenticated; no bearer token is attached.
func (c *Client) downloadDump(ctx context.Context, signedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create dump download request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download dump: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("%w: dump download returned status %d: %s", ErrExport, resp.StatusCode, string(body))
	}

	dump, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read dump body: %w", err)
	}
	return dump, nil
}

type queryRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

type queryResponse struct {
	envelope
	Result struct {
		Results []map[string]any `json:"results"`
	} `json:"result"`
}

// Query executes a parameterized statement and returns the result rows as
// loosely-typed maps. Write statements return an empty row set.
func (c *Client) Query(ctx context.Context, sql string, params ...any) ([]map[string]any, error) {
	if params == nil {
		params = []any{}
	}

	var resp queryResponse
	if err := c.postJSON(ctx, c.baseURL+"/query", queryRequest{SQL: sql, Params: params}, &resp); err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("query failed: %s", resp.firstError())
	}
	return resp.Result.Results, nil
}

// postJSON sends a JSON body and decodes the JSON response into out.
func (c *Client) postJSON(ctx context.Context, reqURL string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(excerpt))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
