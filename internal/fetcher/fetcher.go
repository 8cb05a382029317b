package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/govready/release-grq/internal/utils/file"
	"github.com/govready/release-grq/internal/utils/logger"
	"github.com/govready/release-grq/internal/utils/security"
	"github.com/schollz/progressbar/v3"
)

// Format is an archive packaging of a release, named by its file extension.
type Format string

const (
	Zip   Format = ".zip"
	TarGz Format = ".tar.gz"
)

// Formats returns the published formats in the order rows are emitted.
func Formats() []Format {
	return []Format{Zip, TarGz}
}

func (f Format) String() string {
	return string(f)
}

// ParseFormat accepts an extension with or without the leading dot.
func ParseFormat(s string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".") {
	case "zip":
		return Zip, nil
	case "tar.gz", "tgz":
		return TarGz, nil
	}
	return "", fmt.Errorf("unsupported archive format %q", s)
}

// Artifact is a downloaded archive on local disk.
type Artifact struct {
	Format Format
	URL    string
	Name   string
	Path   string
	Size   int64
}

// DownloadError reports a failed artifact download. StatusCode is 0 when
// no response was received.
type DownloadError struct {
	URL        string
	StatusCode int
	Status     string
	Err        error
}

func (e *DownloadError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err == nil:
		return fmt.Sprintf("downloading %s: %s", e.URL, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("downloading %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("downloading %s failed", e.URL)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// DownloadURL joins the archive base, the release identifier and the
// extension. The base always ends up with exactly one trailing slash.
func DownloadURL(base, id string, format Format) string {
	return strings.TrimRight(base, "/") + "/" + id + string(format)
}

// FileName is the local name of an artifact: prefix, identifier and
// extension with spaces and separators replaced by underscores.
func FileName(prefix, id string, format Format) string {
	return file.SafeName(prefix + id + string(format))
}

// Fetcher downloads release archives into DestDir.
type Fetcher struct {
	Client     *http.Client
	BaseURL    string
	FilePrefix string
	DestDir    string
	UserAgent  string
	// MaxBytes refuses larger bodies; 0 disables the limit.
	MaxBytes int64
	// Progress receives a byte progress bar when non-nil.
	Progress io.Writer
}

// New returns a Fetcher whose individual downloads are bounded by timeout.
func New(baseURL, prefix, destDir string, timeout time.Duration) *Fetcher {
	return &Fetcher{
		Client:     &http.Client{Timeout: timeout},
		BaseURL:    baseURL,
		FilePrefix: prefix,
		DestDir:    destDir,
		UserAgent:  "release-grq",
	}
}

// Fetch downloads one archive. The body is written to a temporary file in
// DestDir and renamed into place only once it is complete, so a failed run
// never leaves a partial artifact under the final name. An existing file of
// the same name is replaced.
func (f *Fetcher) Fetch(ctx context.Context, id string, format Format) (*Artifact, error) {
	log := logger.Logger()

	art := &Artifact{
		Format: format,
		URL:    DownloadURL(f.BaseURL, id, format),
		Name:   FileName(f.FilePrefix, id, format),
	}
	art.Path = filepath.Join(f.DestDir, art.Name)

	if err := os.MkdirAll(f.DestDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dest dir %s: %w", f.DestDir, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, art.URL, nil)
	if err != nil {
		return nil, &DownloadError{URL: art.URL, Err: err}
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	log.Infof("Downloading %s to %s", art.URL, art.Name)
	resp, err := f.client().Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &DownloadError{URL: art.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DownloadError{URL: art.URL, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if f.MaxBytes > 0 && resp.ContentLength > f.MaxBytes {
		return nil, &DownloadError{URL: art.URL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("content length %d exceeds limit of %d bytes", resp.ContentLength, f.MaxBytes)}
	}

	tmp, err := os.CreateTemp(f.DestDir, "."+art.Name+".part-*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary file in %s: %w", f.DestDir, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	var body io.Reader = resp.Body
	if f.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.MaxBytes+1)
	}

	var dst io.Writer = tmp
	bar := f.newBar(resp.ContentLength, art.Name)
	if bar != nil {
		dst = io.MultiWriter(tmp, bar)
	}

	written, err := io.Copy(dst, body)
	if bar != nil {
		if ferr := bar.Finish(); ferr != nil {
			log.Debugf("failed to finish progress bar: %v", ferr)
		}
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &DownloadError{URL: art.URL, StatusCode: resp.StatusCode, Err: err}
	}
	if f.MaxBytes > 0 && written > f.MaxBytes {
		return nil, &DownloadError{URL: art.URL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("body exceeds limit of %d bytes", f.MaxBytes)}
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return nil, &DownloadError{URL: art.URL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("short body: got %d of %d bytes", written, resp.ContentLength)}
	}

	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("syncing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := security.SafeRename(tmpPath, art.Path, security.RejectSymlinks); err != nil {
		return nil, fmt.Errorf("moving download into place at %s: %w", art.Path, err)
	}
	committed = true

	art.Size = written
	log.Debugf("Downloaded %s (%d bytes)", art.Name, written)
	return art, nil
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *Fetcher) newBar(total int64, name string) *progressbar.ProgressBar {
	if f.Progress == nil {
		return nil
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(f.Progress),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionSpinnerType(10),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
