package release

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serveJSON(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveLatest(t *testing.T) {
	srv := serveJSON(t, http.StatusOK, `{
		"html_url": "https://github.com/GovReady/govready-q/releases/tag/1.2.3",
		"tag_name": "v1.2.3",
		"name": "GovReady-Q 1.2.3",
		"prerelease": false,
		"published_at": "2021-03-04T05:06:07Z"
	}`)

	info, err := NewResolver(srv.URL, 5*time.Second).ResolveLatest(context.Background())
	if err != nil {
		t.Fatalf("ResolveLatest failed: %v", err)
	}
	if info.ID != "1.2.3" {
		t.Errorf("expected identifier 1.2.3, got %q", info.ID)
	}
	if info.Version == nil || info.Version.String() != "1.2.3" {
		t.Errorf("expected parsed semantic version, got %v", info.Version)
	}
	if info.Name != "GovReady-Q 1.2.3" || info.TagName != "v1.2.3" {
		t.Errorf("unexpected name/tag: %+v", info)
	}
	if info.PublishedAt.Year() != 2021 {
		t.Errorf("expected published_at to be parsed, got %v", info.PublishedAt)
	}
}

func TestResolveLatest_FourPartTag(t *testing.T) {
	srv := serveJSON(t, http.StatusOK, `{"html_url": "https://github.com/GovReady/govready-q/releases/tag/0.9.2.1/"}`)

	info, err := NewResolver(srv.URL, 5*time.Second).ResolveLatest(context.Background())
	if err != nil {
		t.Fatalf("ResolveLatest failed: %v", err)
	}
	if info.ID != "0.9.2.1" {
		t.Errorf("expected identifier 0.9.2.1, got %q", info.ID)
	}
	if info.Version != nil {
		t.Errorf("four-part tag should not parse as semver, got %v", info.Version)
	}
}

func TestResolveLatest_Prerelease(t *testing.T) {
	srv := serveJSON(t, http.StatusOK, `{"html_url": "https://github.com/GovReady/govready-q/releases/tag/v2.0.0-rc.1"}`)

	info, err := NewResolver(srv.URL, 5*time.Second).ResolveLatest(context.Background())
	if err != nil {
		t.Fatalf("ResolveLatest failed: %v", err)
	}
	if !info.Prerelease {
		t.Error("expected semver prerelease tag to mark the release as prerelease")
	}
	if info.ID != "v2.0.0-rc.1" {
		t.Errorf("identifier must be the raw path segment, got %q", info.ID)
	}
}

func TestResolveLatest_Headers(t *testing.T) {
	var gotAccept, gotUA, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotUA = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"html_url": "https://example.test/releases/tag/1.0.0"}`))
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, 5*time.Second, WithUserAgent("release-grq/test"), WithToken("secret"))
	if _, err := r.ResolveLatest(context.Background()); err != nil {
		t.Fatalf("ResolveLatest failed: %v", err)
	}
	if gotAccept != "application/vnd.github+json" {
		t.Errorf("unexpected Accept header %q", gotAccept)
	}
	if gotUA != "release-grq/test" {
		t.Errorf("unexpected User-Agent %q", gotUA)
	}
	if gotAuth != "" {
		t.Errorf("token must not be sent to non-GitHub hosts, got %q", gotAuth)
	}
}

func TestResolveLatest_FetchErrors(t *testing.T) {
	srv := serveJSON(t, http.StatusNotFound, `{"message": "Not Found"}`)

	_, err := NewResolver(srv.URL, 5*time.Second).ResolveLatest(context.Background())
	var fetchErr *MetadataFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected MetadataFetchError, got %T: %v", err, err)
	}
	if fetchErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", fetchErr.StatusCode)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	url := closed.URL
	closed.Close()
	_, err = NewResolver(url, 2*time.Second).ResolveLatest(context.Background())
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected MetadataFetchError for unreachable host, got %T: %v", err, err)
	}
	if fetchErr.StatusCode != 0 {
		t.Errorf("transport failure should have no status code, got %d", fetchErr.StatusCode)
	}
}

func TestResolveLatest_ParseErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>rate limited</html>`},
		{"missing html_url", `{"tag_name": "1.2.3"}`},
		{"html_url wrong type", `{"html_url": 12}`},
		{"empty html_url", `{"html_url": ""}`},
		{"only slashes", `{"html_url": "///"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serveJSON(t, http.StatusOK, tt.body)
			_, err := NewResolver(srv.URL, 5*time.Second).ResolveLatest(context.Background())
			var parseErr *MetadataParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("expected MetadataParseError, got %T: %v", err, err)
			}
			if parseErr.URL != srv.URL {
				t.Errorf("expected error to name %s, got %s", srv.URL, parseErr.URL)
			}
		})
	}
}

func TestResolveLatest_Cancelled(t *testing.T) {
	srv := serveJSON(t, http.StatusOK, `{"html_url": "https://example.test/tag/1.0.0"}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewResolver(srv.URL, 5*time.Second).ResolveLatest(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIdentifierFromURL(t *testing.T) {
	tests := []struct {
		in      string
		want    Identifier
		wantErr bool
	}{
		{"https://github.com/GovReady/govready-q/releases/tag/1.2.3", "1.2.3", false},
		{"https://github.com/GovReady/govready-q/releases/tag/1.2.3/", "1.2.3", false},
		{"https://github.com/GovReady/govready-q/releases/tag/release%20one", "release%20one", false},
		{"https://github.com/GovReady/govready-q/releases/tag/a%2Fb", "a%2Fb", false},
		{"  ", "", true},
		{"https://", "", true},
	}
	for _, tt := range tests {
		got, err := IdentifierFromURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("IdentifierFromURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("IdentifierFromURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	fetch := &MetadataFetchError{URL: "https://api.example.test", StatusCode: 503, Status: "503 Service Unavailable"}
	if !strings.Contains(fetch.Error(), "503 Service Unavailable") {
		t.Errorf("unexpected message %q", fetch.Error())
	}
	parse := &MetadataParseError{URL: "https://api.example.test", Reason: "bad"}
	if !strings.Contains(parse.Error(), "https://api.example.test") {
		t.Errorf("unexpected message %q", parse.Error())
	}
}
