package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/govready/release-grq/internal/config/validate"
	"github.com/govready/release-grq/internal/utils/logger"
)

// maxMetadataBytes caps how much of the API response is read.
const maxMetadataBytes = 4 << 20

// Identifier is the tag of a published release, e.g. "0.9.2.1".
type Identifier string

func (id Identifier) String() string {
	return string(id)
}

// Info is what the latest-release endpoint told us about a release.
type Info struct {
	ID          Identifier
	HTMLURL     string
	TagName     string
	Name        string
	Prerelease  bool
	PublishedAt time.Time
	// Version is nil when the tag is not a semantic version; GovReady-Q has
	// published four-part tags.
	Version *semver.Version
}

// metadata mirrors the fields of the GitHub release object we read.
type metadata struct {
	HTMLURL     string  `json:"html_url"`
	TagName     string  `json:"tag_name"`
	Name        *string `json:"name"`
	Prerelease  bool    `json:"prerelease"`
	PublishedAt *string `json:"published_at"`
}

// MetadataFetchError means the metadata endpoint could not be read or
// answered with a non-success status. StatusCode is 0 for transport errors.
type MetadataFetchError struct {
	URL        string
	StatusCode int
	Status     string
	Err        error
}

func (e *MetadataFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("retrieving release data from %s: %s", e.URL, e.Status)
	}
	return fmt.Sprintf("retrieving release data from %s: %v", e.URL, e.Err)
}

func (e *MetadataFetchError) Unwrap() error {
	return e.Err
}

// MetadataParseError means the endpoint answered but the body was not
// usable release metadata.
type MetadataParseError struct {
	URL    string
	Reason string
	Err    error
}

func (e *MetadataParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parsing release data from %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("parsing release data from %s: %s", e.URL, e.Reason)
}

func (e *MetadataParseError) Unwrap() error {
	return e.Err
}

// Resolver looks up the latest release.
type Resolver struct {
	client      *http.Client
	metadataURL string
	token       string
	userAgent   string
}

type Option func(*Resolver)

// WithHTTPClient replaces the default client; its Timeout is kept as is.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithToken sends a bearer token to GitHub hosts.
func WithToken(token string) Option {
	return func(r *Resolver) { r.token = token }
}

func WithUserAgent(ua string) Option {
	return func(r *Resolver) { r.userAgent = ua }
}

// NewResolver returns a Resolver for metadataURL whose requests are bounded
// by timeout.
func NewResolver(metadataURL string, timeout time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		client:      &http.Client{Timeout: timeout},
		metadataURL: metadataURL,
		userAgent:   "release-grq",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveLatest reads the metadata endpoint once. There is no retry: any
// failure is fatal to the run.
func (r *Resolver) ResolveLatest(ctx context.Context) (*Info, error) {
	log := logger.Logger()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.metadataURL, nil)
	if err != nil {
		return nil, &MetadataFetchError{URL: r.metadataURL, Err: err}
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", r.userAgent)
	if r.token != "" && isGitHubHost(req.URL) {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	log.Debugf("GET %s", r.metadataURL)
	resp, err := r.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &MetadataFetchError{URL: r.metadataURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining == "0" {
			log.Warnf("GitHub API rate limit exhausted; set a token to raise it")
		}
		return nil, &MetadataFetchError{URL: r.metadataURL, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &MetadataFetchError{URL: r.metadataURL, StatusCode: resp.StatusCode, Status: resp.Status, Err: err}
	}

	info, err := parseMetadata(body)
	if err != nil {
		var parseErr *MetadataParseError
		if errors.As(err, &parseErr) {
			parseErr.URL = r.metadataURL
		}
		return nil, err
	}

	log.Infof("release_info.html_url %s", info.HTMLURL)
	if info.Prerelease {
		log.Warnf("Release %s is marked as a prerelease", info.ID)
	}
	return info, nil
}

func parseMetadata(body []byte) (*Info, error) {
	if !json.Valid(body) {
		return nil, &MetadataParseError{Reason: "response is not well-formed JSON"}
	}
	if err := validate.ValidateReleaseMetadataJSON(body); err != nil {
		return nil, &MetadataParseError{Reason: "response does not describe a release", Err: err}
	}

	var md metadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, &MetadataParseError{Reason: "decoding release object", Err: err}
	}

	id, err := IdentifierFromURL(md.HTMLURL)
	if err != nil {
		return nil, &MetadataParseError{Reason: "html_url has no release identifier", Err: err}
	}

	info := &Info{
		ID:         id,
		HTMLURL:    md.HTMLURL,
		TagName:    md.TagName,
		Prerelease: md.Prerelease,
	}
	if md.Name != nil {
		info.Name = *md.Name
	}
	if md.PublishedAt != nil {
		if ts, err := time.Parse(time.RFC3339, *md.PublishedAt); err == nil {
			info.PublishedAt = ts
		}
	}
	if v, err := semver.NewVersion(string(id)); err == nil {
		info.Version = v
		if v.Prerelease() != "" {
			info.Prerelease = true
		}
	}
	return info, nil
}

// IdentifierFromURL returns the last path segment of the canonical release
// page URL, e.g. ".../releases/tag/1.2.3" gives "1.2.3".
func IdentifierFromURL(htmlURL string) (Identifier, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(htmlURL), "/")
	if trimmed == "" {
		return "", fmt.Errorf("empty URL")
	}
	segment := trimmed[strings.LastIndex(trimmed, "/")+1:]
	if segment == "" || strings.HasSuffix(trimmed, ":") {
		return "", fmt.Errorf("no path segment in %q", htmlURL)
	}
	return Identifier(segment), nil
}

func isGitHubHost(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	return host == "github.com" || strings.HasSuffix(host, ".github.com")
}
