package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/govready/release-grq/internal/fetcher"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// Summary describes the contents of a release archive.
type Summary struct {
	Entries int
	// Root is the single top-level directory GitHub source archives unpack
	// into, or "" when entries do not share one.
	Root string
}

// CorruptArchiveError means a downloaded file could not be read as the
// format it was published as.
type CorruptArchiveError struct {
	Path   string
	Format fetcher.Format
	Err    error
}

func (e *CorruptArchiveError) Error() string {
	return fmt.Sprintf("%s is not a readable %s archive: %v", e.Path, strings.TrimPrefix(string(e.Format), "."), e.Err)
}

func (e *CorruptArchiveError) Unwrap() error {
	return e.Err
}

var errEmpty = errors.New("archive has no entries")

// Inspect walks every entry of the archive at path without extracting it.
func Inspect(path string, format fetcher.Format) (*Summary, error) {
	var (
		names []string
		err   error
	)
	switch format {
	case fetcher.Zip:
		names, err = zipEntries(path)
	case fetcher.TarGz:
		names, err = tarGzEntries(path)
	default:
		return nil, fmt.Errorf("unsupported archive format %q", format)
	}
	if err == nil && len(names) == 0 {
		err = errEmpty
	}
	if err != nil {
		return nil, &CorruptArchiveError{Path: path, Format: format, Err: err}
	}
	return &Summary{Entries: len(names), Root: commonRoot(names)}, nil
}

func zipEntries(path string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names, nil
}

func tarGzEntries(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		// GitHub prepends a pax global header carrying the commit id.
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		names = append(names, hdr.Name)
	}
}

func commonRoot(names []string) string {
	root := ""
	for _, n := range names {
		top, _, _ := strings.Cut(strings.TrimPrefix(n, "./"), "/")
		if top == "" {
			continue
		}
		if root == "" {
			root = top
		} else if top != root {
			return ""
		}
	}
	return root
}
