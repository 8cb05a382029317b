package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/govready/release-grq/internal/utils/file"
	"github.com/govready/release-grq/internal/utils/logger"
	"github.com/govready/release-grq/internal/utils/shell"
)

// DefaultCommand is the checksum program the download page has always
// published digests from.
var DefaultCommand = []string{"shasum", "-a", "256"}

// Measurement is the size and checksum of one artifact.
type Measurement struct {
	Path     string
	Size     int64
	Checksum string
	Result   *shell.Result
}

// ReturncodeNonZeroError is returned when the checksum program ran but
// exited with a non-zero status.
type ReturncodeNonZeroError struct {
	Result *shell.Result
}

func (e *ReturncodeNonZeroError) Error() string {
	return fmt.Sprintf("external program or script %s returned error code %d", e.Result, e.Result.ExitCode)
}

// ChecksumMismatchError means the external program and the in-process
// digest disagree about a file.
type ChecksumMismatchError struct {
	Path     string
	External string
	Computed string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum of %s from external program (%s) does not match computed SHA-256 (%s)",
		e.Path, e.External, e.Computed)
}

// Reporter measures downloaded artifacts.
type Reporter struct {
	// Command is the checksum program and its leading arguments; the
	// artifact path is appended. DefaultCommand when empty.
	Command []string
	// User appends --user to the checksum invocation.
	User    bool
	Timeout time.Duration
	Verbose bool
	// CrossCheck recomputes SHA-256 in-process and compares.
	CrossCheck bool
	// Executor runs the checksum program; shell.Default when nil.
	Executor shell.Executor
}

// Args is the full checksum command line for path.
func (r *Reporter) Args(path string) []string {
	base := r.Command
	if len(base) == 0 {
		base = DefaultCommand
	}
	args := append([]string(nil), base...)
	if r.User {
		args = append(args, "--user")
	}
	return append(args, path)
}

// Probe fails with a CommandNotFoundError when the checksum program is not
// installed. It runs on the same executor as Measure.
func (r *Reporter) Probe(ctx context.Context) error {
	name := r.Args("")[0]
	if !shell.HasCommandWith(ctx, r.executor(), name, "--version") {
		return &shell.CommandNotFoundError{Name: name}
	}
	return nil
}

func (r *Reporter) executor() shell.Executor {
	if r.Executor == nil {
		return shell.Default
	}
	return r.Executor
}

// Measure reads the size of path from its file metadata, then runs the
// checksum program on it.
func (r *Reporter) Measure(ctx context.Context, path string) (*Measurement, error) {
	log := logger.Logger()

	size, err := file.Size(path)
	if err != nil {
		return nil, err
	}

	res, err := r.executor().Run(ctx, shell.Command{
		Args:    r.Args(path),
		Timeout: r.Timeout,
		Verbose: r.Verbose,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &ReturncodeNonZeroError{Result: res}
	}

	sum, err := ParseChecksum(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("reading output of %s: %w", res, err)
	}
	log.Debugf("checksum %s %s", sum, path)

	if r.CrossCheck {
		computed, err := SHA256File(path)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(computed, sum) {
			return nil, &ChecksumMismatchError{Path: path, External: sum, Computed: computed}
		}
	}

	return &Measurement{Path: path, Size: size, Checksum: sum, Result: res}, nil
}

// ParseChecksum returns the first whitespace-delimited token of the
// checksum program output, which is the digest for shasum and sha256sum.
func ParseChecksum(stdout []byte) (string, error) {
	fields := strings.Fields(string(stdout))
	if len(fields) == 0 {
		return "", fmt.Errorf("checksum program produced no output")
	}
	return fields[0], nil
}

// SHA256File computes the hex SHA-256 digest of the file at path.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
