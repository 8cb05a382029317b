package fetcher

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestDownloadURL(t *testing.T) {
	tests := []struct {
		base   string
		format Format
		want   string
	}{
		{"https://github.com/GovReady/govready-q/archive/refs/tags/", Zip, "https://github.com/GovReady/govready-q/archive/refs/tags/1.2.3.zip"},
		{"https://github.com/GovReady/govready-q/archive/refs/tags", TarGz, "https://github.com/GovReady/govready-q/archive/refs/tags/1.2.3.tar.gz"},
		{"https://example.test/tags//", Zip, "https://example.test/tags/1.2.3.zip"},
	}
	for _, tt := range tests {
		if got := DownloadURL(tt.base, "1.2.3", tt.format); got != tt.want {
			t.Errorf("DownloadURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestFileName(t *testing.T) {
	if got := FileName("govready-q-", "1.2.3", Zip); got != "govready-q-1.2.3.zip" {
		t.Errorf("unexpected file name %q", got)
	}
	if got := FileName("govready-q-", "release one", TarGz); got != "govready-q-release_one.tar.gz" {
		t.Errorf("spaces should become underscores, got %q", got)
	}
	if got := FileName("govready-q-", "../x", Zip); strings.Contains(got, "/") {
		t.Errorf("separators must not survive, got %q", got)
	}
}

func TestFormats(t *testing.T) {
	f := Formats()
	if len(f) != 2 || f[0] != Zip || f[1] != TarGz {
		t.Errorf("unexpected format order %v", f)
	}
	for _, in := range []string{"zip", ".zip", "ZIP"} {
		if got, err := ParseFormat(in); err != nil || got != Zip {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if got, err := ParseFormat("tgz"); err != nil || got != TarGz {
		t.Errorf("ParseFormat(tgz) = %q, %v", got, err)
	}
	if _, err := ParseFormat("rar"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func archiveServer(t *testing.T, payloads map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := payloads[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 1000000)
	srv := archiveServer(t, map[string][]byte{"/tags/1.2.3.zip": payload})
	dir := t.TempDir()

	f := New(srv.URL+"/tags/", "govready-q-", dir, 10*time.Second)
	art, err := f.Fetch(context.Background(), "1.2.3", Zip)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if art.Size != 1000000 {
		t.Errorf("expected size 1000000, got %d", art.Size)
	}
	if art.Path != filepath.Join(dir, "govready-q-1.2.3.zip") {
		t.Errorf("unexpected path %s", art.Path)
	}
	fi, err := os.Stat(art.Path)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if fi.Size() != art.Size {
		t.Errorf("file size %d does not match reported size %d", fi.Size(), art.Size)
	}
	assertNoTempFiles(t, dir)
}

func TestFetch_ReplacesExisting(t *testing.T) {
	srv := archiveServer(t, map[string][]byte{"/1.0.tar.gz": []byte("new")})
	dir := t.TempDir()
	existing := filepath.Join(dir, "govready-q-1.0.tar.gz")
	if err := os.WriteFile(existing, []byte("stale contents"), 0644); err != nil {
		t.Fatal(err)
	}

	art, err := New(srv.URL, "govready-q-", dir, 10*time.Second).Fetch(context.Background(), "1.0", TarGz)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	data, _ := os.ReadFile(art.Path)
	if string(data) != "new" {
		t.Errorf("existing file was not replaced, got %q", data)
	}
}

func TestFetch_HTTPError(t *testing.T) {
	srv := archiveServer(t, nil)
	dir := t.TempDir()

	_, err := New(srv.URL, "govready-q-", dir, 10*time.Second).Fetch(context.Background(), "9.9.9", Zip)
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) {
		t.Fatalf("expected DownloadError, got %T: %v", err, err)
	}
	if dlErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", dlErr.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(dir, "govready-q-9.9.9.zip")); !os.IsNotExist(err) {
		t.Error("no artifact should be written on failure")
	}
	assertNoTempFiles(t, dir)
}

func TestFetch_AnySuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNonAuthoritativeInfo)
		_, _ = w.Write([]byte("mirrored"))
	}))
	t.Cleanup(srv.Close)
	dir := t.TempDir()

	art, err := New(srv.URL, "govready-q-", dir, 10*time.Second).Fetch(context.Background(), "1.0", Zip)
	if err != nil {
		t.Fatalf("a 2xx status must be accepted: %v", err)
	}
	if art.Size != int64(len("mirrored")) {
		t.Errorf("expected size %d, got %d", len("mirrored"), art.Size)
	}
}

func TestFetch_SizeLimit(t *testing.T) {
	srv := archiveServer(t, map[string][]byte{"/1.0.zip": bytes.Repeat([]byte("a"), 2048)})
	dir := t.TempDir()

	f := New(srv.URL, "govready-q-", dir, 10*time.Second)
	f.MaxBytes = 1024
	_, err := f.Fetch(context.Background(), "1.0", Zip)
	var dlErr *DownloadError
	if !errors.As(err, &dlErr) {
		t.Fatalf("expected DownloadError for oversized body, got %v", err)
	}
	assertNoTempFiles(t, dir)
}

func TestFetch_UnknownLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			_, _ = w.Write([]byte("chunk"))
			fl.Flush()
		}
	}))
	defer srv.Close()

	var progress bytes.Buffer
	f := New(srv.URL, "govready-q-", t.TempDir(), 10*time.Second)
	f.Progress = &progress
	art, err := f.Fetch(context.Background(), "1.0", TarGz)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if art.Size != 15 {
		t.Errorf("expected 15 bytes, got %d", art.Size)
	}
}

func TestFetch_Cancelled(t *testing.T) {
	srv := archiveServer(t, map[string][]byte{"/1.0.zip": []byte("x")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(srv.URL, "govready-q-", t.TempDir(), 10*time.Second).Fetch(ctx, "1.0", Zip)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".part-") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}
