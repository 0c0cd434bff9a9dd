// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

/*
client.go - Object Store Gateway Client

HTTP client for the portal's object storage gateway. The gateway exposes the
five bucket operations the engine needs: cursor-paged listing with prefix and
delimiter filtering, get, put, server-side copy, and delete.

Server-side copy is the backbone of the daily mirror: object content moves
inside the store, never through this process.

API surface:

	GET    {base}/objects?prefix=&delimiter=&cursor=   list (paged)
	GET    {base}/objects/{key}                        get
	PUT    {base}/objects/{key}                        put
	PUT    {base}/objects/{key} + X-Copy-Source        server-side copy
	DELETE {base}/objects/{key}                        delete

Every response carries the gateway's JSON envelope with success/errors
fields; binary object bodies are returned raw.
*/

//nolint:staticcheck // File documentation, not package doc
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// maxErrorBodySize limits the response body read for error reporting.
const maxErrorBodySize = 64 * 1024 // 64KB

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Object describes one stored object as reported by a listing.
type Object struct {
	// Key is the full object key.
	Key string `json:"key"`

	// Size is the object size in bytes.
	Size int64 `json:"size"`

	// ETag is the content fingerprint assigned by the store.
	ETag string `json:"etag"`

	// LastModified is the upload time of the current version.
	LastModified time.Time `json:"last_modified"`
}

// ListOptions filter a listing.
type ListOptions struct {
	// Prefix restricts results to keys starting with this string.
	Prefix string

	// Delimiter groups keys after the prefix into CommonPrefixes,
	// S3-style. Empty means no grouping.
	Delimiter string
}

// ListResult is a fully-drained listing: the client follows cursors
// internally so callers never see pagination.
type ListResult struct {
	Objects        []Object
	CommonPrefixes []string
}

// Store is the object-store surface consumed by the mirror, the retention
// manager and the engine. Satisfied by *Client.
type Store interface {
	List(ctx context.Context, opts ListOptions) (*ListResult, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	Delete(ctx context.Context, key string) error
}

// Config holds object store gateway connection settings.
type Config struct {
	// BaseURL is the gateway bucket endpoint, without trailing slash.
	BaseURL string

	// APIToken authenticates requests (bearer token).
	APIToken string

	// Timeout bounds each HTTP call. Default 60s.
	Timeout time.Duration
}

// Client talks to the object storage gateway.
type Client struct {
	baseURL  string
	apiToken string
	client   *http.Client
}

// NewClient creates a new object store gateway client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiToken: cfg.APIToken,
		client:   &http.Client{Timeout: timeout},
	}
}

// envelope is the gateway's JSON response wrapper. Representing the
// success/error variants explicitly keeps loosely-typed provider errors at
// this boundary instead of leaking into the engine.
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
		return "unknown gateway error"
	}
	return fmt.Sprintf("%d: %s", e.Errors[0].Code, e.Errors[0].Message)
}

type listResponse struct {
	envelope
	Result struct {
		Objects        []Object `json:"objects"`
		CommonPrefixes []string `json:"common_prefixes"`
		Cursor         string   `json:"cursor"`
		Truncated      bool     `json:"truncated"`
	} `json:"result"`
}

// List returns all objects matching opts, following pagination cursors
// until the gateway reports no more pages.
func (c *Client) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	result := &ListResult{}
	seenPrefixes := make(map[string]bool)

	cursor := ""
	for {
		page, err := c.listPage(ctx, opts, cursor)
		if err != nil {
			return nil, err
		}

		result.Objects = append(result.Objects, page.Result.Objects...)
		for _, p := range page.Result.CommonPrefixes {
			if !seenPrefixes[p] {
				seenPrefixes[p] = true
				result.CommonPrefixes = append(result.CommonPrefixes, p)
			}
		}

		if !page.Result.Truncated || page.Result.Cursor == "" {
			return result, nil
		}
		cursor = page.Result.Cursor
	}
}

func (c *Client) listPage(ctx context.Context, opts ListOptions, cursor string) (*listResponse, error) {
	params := url.Values{}
	if opts.Prefix != "" {
		params.Set("prefix", opts.Prefix)
	}
	if opts.Delimiter != "" {
		params.Set("delimiter", opts.Delimiter)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	reqURL := c.baseURL + "/objects"
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, reqURL, nil, "")
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list objects", resp)
	}

	var page listResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	if !page.Success {
		return nil, fmt.Errorf("list objects failed: %s", page.firstError())
	}
	return &page, nil
}

// Get downloads an object's content. Returns ErrNotFound for missing keys.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.objectURL(key), nil, "")
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("get "+key, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s body: %w", key, err)
	}
	return body, nil
}

// Put uploads an object, overwriting any existing version under the key.
func (c *Client) Put(ctx context.Context, key string, body []byte, contentType string) error {
	resp, err := c.do(ctx, http.MethodPut, c.objectURL(key), bytes.NewReader(body), contentType)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError("put "+key, resp)
	}
	return nil
}

// Copy performs a server-side copy from srcKey to dstKey. The object's
// content never passes through this process.
func (c *Client) Copy(ctx context.Context, srcKey, dstKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(dstKey), http.NoBody)
	if err != nil {
		return fmt.Errorf("create copy request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("X-Copy-Source", srcKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", srcKey, dstKey, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(fmt.Sprintf("copy %s to %s", srcKey, dstKey), resp)
	}
	return nil
}

// Delete removes an object. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.objectURL(key), nil, "")
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return statusError("delete "+key, resp)
	}
	return nil
}

// objectURL builds the per-object URL, escaping each key segment while
// preserving the key's slash structure.
func (c *Client) objectURL(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.baseURL + "/objects/" + strings.Join(segments, "/")
}

func (c *Client) do(ctx context.Context, method, reqURL string, body io.Reader, contentType string) (*http.Response, error) {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.client.Do(req)
}

// statusError builds an error from a non-success HTTP response, including a
// bounded excerpt of the body for diagnostics.
func statusError(op string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		body = []byte("(failed to read response body)")
	}
	return fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, string(body))
}
