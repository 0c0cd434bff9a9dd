// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

/*
client.go - KV Namespace Client

Client for the portal's hosted key-value namespace, which holds the member
whitelist. Listing is cursor-paged (1000 keys per page); values are fetched
one key at a time because the API has no bulk read. DumpNamespace drains the
whole namespace into a map for the daily whitelist snapshot.

A key deleted between the list and the value fetch is skipped rather than
failing the dump; the snapshot is a best-effort point-in-time view.
*/

//nolint:staticcheck // File documentation, not package doc
package kv

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/quorum-portal/backupd/internal/logging"
)

const (
	// listPageLimit is the page size for key listings.
	listPageLimit = 1000

	// maxErrorBodySize limits the response body read for error reporting.
	maxErrorBodySize = 64 * 1024 // 64KB
)

// Config holds KV namespace connection settings.
type Config struct {
	// BaseURL is the namespace endpoint, without trailing slash.
	BaseURL string

	// APIToken authenticates requests (bearer token).
	APIToken string

	// Timeout bounds each HTTP call. Default 30s.
	Timeout time.Duration
}

// Client talks to the KV namespace API.
type Client struct {
	baseURL  string
	apiToken string
	client   *http.Client
}

// NewClient creates a new KV namespace client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := cfg.BaseURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return &Client{
		baseURL:  base,
		apiToken: cfg.APIToken,
		client:   &http.Client{Timeout: timeout},
	}
}

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
		return "unknown KV API error"
	}
	return fmt.Sprintf("%d: %s", e.Errors[0].Code, e.Errors[0].Message)
}

type listKeysResponse struct {
	envelope
	Result struct {
		Keys []struct {
			Name string `json:"name"`
		} `json:"keys"`
		Cursor       string `json:"cursor"`
		ListComplete bool   `json:"list_complete"`
	} `json:"result"`
}

// ListKeys returns every key name in the namespace, following pagination
// cursors until the listing is complete.
func (c *Client) ListKeys(ctx context.Context) ([]string, error) {
	var keys []string

	cursor := ""
	for {
		params := url.Values{}
		params.Set("limit", fmt.Sprintf("%d", listPageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		resp, err := c.get(ctx, c.baseURL+"/keys?"+params.Encode())
		if err != nil {
			return nil, fmt.Errorf("list keys: %w", err)
		}

		var page listKeysResponse
		err = json.Unmarshal(resp, &page)
		if err != nil {
			return nil, fmt.Errorf("decode key listing: %w", err)
		}
		if !page.Success {
			return nil, fmt.Errorf("list keys failed: %s", page.firstError())
		}

		for _, k := range page.Result.Keys {
			keys = append(keys, k.Name)
		}

		if page.Result.ListComplete || page.Result.Cursor == "" {
			return keys, nil
		}
		cursor = page.Result.Cursor
	}
}

// GetValue fetches one key's value as a string. Returns ok=false when the
// key does not exist.
func (c *Client) GetValue(ctx context.Context, key string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/values/"+url.PathEscape(key), http.NoBody)
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("get value %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return "", false, fmt.Errorf("get value %s: status %d: %s", key, resp.StatusCode, string(excerpt))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("read value %s: %w", key, err)
	}
	return string(body), true, nil
}

// DumpNamespace drains the whole namespace into a key/value map. Keys that
// disappear between the listing and the value fetch are skipped.
func (c *Client) DumpNamespace(ctx context.Context) (map[string]string, error) {
	keys, err := c.ListKeys(ctx)
	if err != nil {
		return nil, err
	}

	dump := make(map[string]string, len(keys))
	for _, key := range keys {
		value, ok, err := c.GetValue(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			logging.Debug().Str("key", key).Msg("KV key vanished during dump, skipping")
			continue
		}
		dump[key] = value
	}
	return dump, nil
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(excerpt))
	}
	return io.ReadAll(resp.Body)
}
