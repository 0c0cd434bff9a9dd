// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
)

// newTestServer wires a fake provider: a token endpoint that always issues
// an access token, plus the handlers the test registers on mux.
func newTestServer(t *testing.T, mux *http.ServeMux) *httptest.Server {
	t.Helper()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-123","token_type":"Bearer","expires_in":3600}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestDriveClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	server := newTestServer(t, mux)
	return NewClient(context.Background(), Config{
		ClientID:      "cid",
		ClientSecret:  "secret",
		TokenURL:      server.URL + "/token",
		APIBaseURL:    server.URL + "/api",
		UploadBaseURL: server.URL + "/upload",
	}, "refresh-token")
}

func TestUploadMultipartRelated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/files", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-123" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.URL.Query().Get("uploadType"); got != "multipart" {
			t.Errorf("uploadType = %q", got)
		}

		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/related" {
			t.Fatalf("content type %q: %v", r.Header.Get("Content-Type"), err)
		}

		reader := multipart.NewReader(r.Body, params["boundary"])

		metaPart, err := reader.NextPart()
		if err != nil {
			t.Fatalf("read metadata part: %v", err)
		}
		var meta uploadMetadata
		if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
			t.Fatalf("decode metadata: %v", err)
		}
		if meta.Name != "2026-02-10-database.sql.gz" {
			t.Errorf("metadata name = %q", meta.Name)
		}
		if len(meta.Parents) != 1 || meta.Parents[0] != "folder-9" {
			t.Errorf("metadata parents = %v", meta.Parents)
		}

		contentPart, err := reader.NextPart()
		if err != nil {
			t.Fatalf("read content part: %v", err)
		}
		if ct := contentPart.Header.Get("Content-Type"); ct != "application/gzip" {
			t.Errorf("content part type = %q", ct)
		}
		content, _ := io.ReadAll(contentPart)
		if string(content) != "gzip-bytes" {
			t.Errorf("content = %q", content)
		}

		fmt.Fprint(w, `{"id":"file-1","name":"2026-02-10-database.sql.gz","size":"10"}`)
	})
	client := newTestDriveClient(t, mux)

	file, err := client.Upload(context.Background(), "folder-9", "2026-02-10-database.sql.gz", "application/gzip", []byte("gzip-bytes"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if file.ID != "file-1" || file.Size != 10 {
		t.Errorf("unexpected file %+v", file)
	}
}

func TestUploadFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/files", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
		fmt.Fprint(w, "quota exceeded")
	})
	client := newTestDriveClient(t, mux)

	_, err := client.Upload(context.Background(), "folder-9", "x", "text/plain", nil)
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("expected ErrUpload, got %v", err)
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("error should carry the provider message, got %v", err)
	}
}

func TestListFilesFollowsPagination(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/files", func(w http.ResponseWriter, r *http.Request) {
		calls++
		q := r.URL.Query().Get("q")
		if !strings.Contains(q, "'folder-9' in parents") || !strings.Contains(q, "trashed = false") {
			t.Errorf("unexpected query %q", q)
		}

		switch r.URL.Query().Get("pageToken") {
		case "":
			fmt.Fprint(w, `{"files":[{"id":"f1","name":"2026-02-09-database.sql.gz","size":"100"}],"nextPageToken":"tok2"}`)
		case "tok2":
			fmt.Fprint(w, `{"files":[{"id":"f2","name":"2026-02-10-database.sql.gz","size":"120"}]}`)
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("pageToken"))
		}
	})
	client := newTestDriveClient(t, mux)

	files, err := client.ListFiles(context.Background(), "folder-9")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 pages, got %d", calls)
	}
	if len(files) != 2 || files[1].ID != "f2" || files[1].Size != 120 {
		t.Errorf("unexpected files %+v", files)
	}
}

func TestDownload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/files/file-1", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("alt"); got != "media" {
			t.Errorf("alt = %q, want media", got)
		}
		fmt.Fprint(w, "raw content")
	})
	client := newTestDriveClient(t, mux)

	content, err := client.Download(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(content) != "raw content" {
		t.Errorf("content = %q", content)
	}
}

func TestDeleteFileToleratesMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/files/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	client := newTestDriveClient(t, mux)

	if err := client.DeleteFile(context.Background(), "gone"); err != nil {
		t.Errorf("DeleteFile of missing file should succeed, got %v", err)
	}
}

func TestRevokedRefreshTokenIsAuthError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewClient(context.Background(), Config{
		ClientID:   "cid",
		TokenURL:   server.URL + "/token",
		APIBaseURL: server.URL + "/api",
	}, "revoked-token")

	if _, err := client.ListFiles(context.Background(), "folder-9"); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestRejectedRequestIsAuthError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/files", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client := newTestDriveClient(t, mux)

	if _, err := client.ListFiles(context.Background(), "folder-9"); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/files", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client := newTestDriveClient(t, mux)

	for i := 0; i < 5; i++ {
		if _, err := client.ListFiles(context.Background(), "folder-9"); !errors.Is(err, ErrAuth) {
			t.Fatalf("call %d: expected ErrAuth, got %v", i, err)
		}
	}

	// The sixth call must fail fast without touching the provider.
	_, err := client.ListFiles(context.Background(), "folder-9")
	if err == nil || !strings.Contains(err.Error(), "circuit breaker open") {
		t.Fatalf("expected circuit breaker open error, got %v", err)
	}
}

func TestBreakerStateGaugeScale(t *testing.T) {
	// The gauge scale is part of the metric contract:
	// 0=closed, 1=half-open, 2=open.
	tests := []struct {
		state gobreaker.State
		want  float64
	}{
		{gobreaker.StateClosed, 0},
		{gobreaker.StateHalfOpen, 1},
		{gobreaker.StateOpen, 2},
	}
	for _, tt := range tests {
		if got := breakerStateValue(tt.state); got != tt.want {
			t.Errorf("breakerStateValue(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}
