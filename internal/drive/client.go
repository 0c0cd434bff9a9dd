// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

/*
client.go - Cloud Drive Client

Client for the operator's linked cloud drive account, the secondary backup
destination. Authentication is OAuth refresh-token based: the engine holds a
long-lived refresh token (stored AEAD-encrypted in the portal database) and
exchanges it for short-lived access tokens via golang.org/x/oauth2.

Uploads use the provider's multipart/related format: a JSON metadata part
naming the file and its parent folder, followed by the content part.
Downloads fetch raw bytes with alt=media.

All calls go through a circuit breaker. A revoked or expired refresh token
surfaces as ErrAuth so the engine can report "destination needs re-linking"
instead of a generic failure; once the provider starts refusing requests the
breaker opens and subsequent calls fail fast for the rest of the run.
*/

//nolint:staticcheck // File documentation, not package doc
package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"

	"github.com/quorum-portal/backupd/internal/logging"
	"github.com/quorum-portal/backupd/internal/metrics"
)

const (
	// listPageSize is the page size for folder listings.
	listPageSize = 1000

	// maxErrorBodySize limits the response body read for error reporting.
	maxErrorBodySize = 64 * 1024 // 64KB
)

var (
	// ErrAuth marks a rejected or revoked credential. The destination needs
	// re-linking by the operator; retrying within the run is pointless.
	ErrAuth = errors.New("drive authorization failed")

	// ErrUpload marks a failed content upload.
	ErrUpload = errors.New("drive upload failed")
)

// File describes one file in the destination folder.
type File struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size,string"`
}

// Uploader is the drive surface the engine and mirror consume. Satisfied by
// *Client.
type Uploader interface {
	Upload(ctx context.Context, folderID, name, contentType string, content []byte) (*File, error)
	ListFiles(ctx context.Context, folderID string) ([]File, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
	DeleteFile(ctx context.Context, fileID string) error
}

// Config holds the OAuth application credentials and provider endpoints.
type Config struct {
	// ClientID and ClientSecret identify the portal's OAuth application.
	ClientID     string
	ClientSecret string

	// TokenURL is the provider's token exchange endpoint.
	TokenURL string

	// APIBaseURL serves metadata operations (list, delete, download).
	APIBaseURL string

	// UploadBaseURL serves content uploads.
	UploadBaseURL string

	// Timeout bounds each HTTP call. Default 120s.
	Timeout time.Duration
}

// Client talks to the cloud drive provider on behalf of one linked account.
type Client struct {
	apiBaseURL    string
	uploadBaseURL string
	client        *http.Client
	breaker       *gobreaker.CircuitBreaker[*http.Response]
}

// NewClient builds a drive client for the given refresh token. The token
// source refreshes access tokens transparently; a revoked refresh token
// surfaces on the first call as ErrAuth.
func NewClient(ctx context.Context, cfg Config, refreshToken string) *Client {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	// oauth2.NewClient reads the underlying transport's client from ctx.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: timeout})
	httpClient := oauthCfg.Client(ctx, &oauth2.Token{RefreshToken: refreshToken})
	httpClient.Timeout = timeout

	return &Client{
		apiBaseURL:    trimSlash(cfg.APIBaseURL),
		uploadBaseURL: trimSlash(cfg.UploadBaseURL),
		client:        httpClient,
		breaker:       newBreaker("drive"),
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// newBreaker builds the drive circuit breaker: open after 5 consecutive
// failures, half-open probe after 60s.
func newBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Drive circuit breaker state changed")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
}

// breakerStateValue maps breaker states onto the gauge scale:
// 0=closed, 1=half-open, 2=open.
func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// do runs one HTTP request through the circuit breaker and maps auth
// failures to ErrAuth. The caller owns the response body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		metrics.CircuitBreakerRequests.WithLabelValues(c.breaker.Name()).Inc()

		resp, err := c.client.Do(req)
		if err != nil {
			if isAuthError(err) {
				// Auth failures count as breaker failures too: a revoked
				// token fails every subsequent call.
				return nil, fmt.Errorf("%w: %v", ErrAuth, err)
			}
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
			resp.Body.Close()
			return nil, fmt.Errorf("%w: status %d: %s", ErrAuth, resp.StatusCode, string(excerpt))
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("drive circuit breaker open: %w", err)
		}
		return nil, err
	}
	return resp, nil
}

// isAuthError recognizes token exchange failures from the oauth2 transport.
func isAuthError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr)
}

type uploadMetadata struct {
	Name    string   `json:"name"`
	Parents []string `json:"parents"`
}

// Upload creates a file in the given folder using a multipart/related
// request: JSON metadata part first, then the content part.
func (c *Client) Upload(ctx context.Context, folderID, name, contentType string, content []byte) (*File, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := writer.CreatePart(metaHeader)
	if err != nil {
		return nil, fmt.Errorf("create metadata part: %w", err)
	}
	meta, err := json.Marshal(uploadMetadata{Name: name, Parents: []string{folderID}})
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := metaPart.Write(meta); err != nil {
		return nil, fmt.Errorf("write metadata part: %w", err)
	}

	contentHeader := textproto.MIMEHeader{}
	contentHeader.Set("Content-Type", contentType)
	contentPart, err := writer.CreatePart(contentHeader)
	if err != nil {
		return nil, fmt.Errorf("create content part: %w", err)
	}
	if _, err := contentPart.Write(content); err != nil {
		return nil, fmt.Errorf("write content part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.uploadBaseURL+"/files?uploadType=multipart&fields=id,name,size", &body)
	if err != nil {
		return nil, fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+writer.Boundary())

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("%w: upload %s returned status %d: %s", ErrUpload, name, resp.StatusCode, string(excerpt))
	}

	var file File
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &file, nil
}

type listFilesResponse struct {
	Files         []File `json:"files"`
	NextPageToken string `json:"nextPageToken"`
}

// ListFiles returns all non-trashed files directly inside folderID, following
// pagination tokens until the listing is complete.
func (c *Client) ListFiles(ctx context.Context, folderID string) ([]File, error) {
	var files []File

	pageToken := ""
	for {
		params := url.Values{}
		params.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", folderID))
		params.Set("fields", "nextPageToken,files(id,name,size)")
		params.Set("pageSize", fmt.Sprintf("%d", listPageSize))
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.apiBaseURL+"/files?"+params.Encode(), http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("create list request: %w", err)
		}

		resp, err := c.do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
			resp.Body.Close()
			return nil, fmt.Errorf("list files returned status %d: %s", resp.StatusCode, string(excerpt))
		}

		var page listFilesResponse
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode file listing: %w", err)
		}

		files = append(files, page.Files...)
		if page.NextPageToken == "" {
			return files, nil
		}
		pageToken = page.NextPageToken
	}
}

// Download fetches a file's raw content.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.apiBaseURL+"/files/"+url.PathEscape(fileID)+"?alt=media", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("download %s returned status %d: %s", fileID, resp.StatusCode, string(excerpt))
	}
	return io.ReadAll(resp.Body)
}

// DeleteFile permanently removes a file. Deleting an already-gone file is
// not an error.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.apiBaseURL+"/files/"+url.PathEscape(fileID), http.NoBody)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("delete %s returned status %d: %s", fileID, resp.StatusCode, string(excerpt))
	}
	return nil
}
