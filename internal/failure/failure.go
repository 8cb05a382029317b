package failure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/govready/release-grq/internal/archive"
	"github.com/govready/release-grq/internal/fetcher"
	"github.com/govready/release-grq/internal/integrity"
	"github.com/govready/release-grq/internal/release"
	"github.com/govready/release-grq/internal/utils/shell"
	pkgerrors "github.com/pkg/errors"
)

// xcrunMissing is what macOS prints when the command line developer tools
// were removed, typically by an OS upgrade.
const xcrunMissing = "xcrun: error: invalid active developer path (/Library/Developer/CommandLineTools), missing xcrun at: /Library/Developer/CommandLineTools/usr/bin/xcrun"

// ErrInterrupted is returned when the user stops the run.
var ErrInterrupted = errors.New("interrupted")

// HaltedError stops the run for a reason the operator can fix.
type HaltedError struct {
	Reason string
}

func (e *HaltedError) Error() string {
	return e.Reason
}

// FatalError stops the run for a reason that is not expected to go away.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Diagnosis is what the operator is told about an error.
type Diagnosis struct {
	Message  string
	Hint     string
	ExitCode int
	// Quiet means nothing should be printed.
	Quiet bool
}

// String is the diagnostic as printed, hint on its own line.
func (d Diagnosis) String() string {
	if d.Hint == "" {
		return d.Message
	}
	return d.Message + "\n" + d.Hint
}

// Classify maps an error from a run to a Diagnosis. An interrupt is quiet
// and exits 0; everything else exits 1.
func Classify(err error) Diagnosis {
	if err == nil {
		return Diagnosis{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrInterrupted) {
		return Diagnosis{Quiet: true}
	}

	var (
		rcErr       *integrity.ReturncodeNonZeroError
		timeoutErr  *shell.CommandTimeoutError
		notFoundErr *shell.CommandNotFoundError
		mismatchErr *integrity.ChecksumMismatchError
		fetchErr    *release.MetadataFetchError
		parseErr    *release.MetadataParseError
		downloadErr *fetcher.DownloadError
		corruptErr  *archive.CorruptArchiveError
		haltedErr   *HaltedError
		fatalErr    *FatalError
	)

	switch {
	case errors.As(err, &rcErr):
		d := fatal("external program or script %s returned error code %d.", rcErr.Result, rcErr.Result.ExitCode)
		if strings.Contains(string(rcErr.Result.Stderr), xcrunMissing) {
			d.Hint = "Suggested fix (see documentation): You need to do 'xcode-select --install'."
		}
		return d

	case errors.As(err, &timeoutErr):
		d := fatal("external program or script %s took longer than %.1f seconds.", shellArgs(timeoutErr.Args), timeoutErr.Timeout.Seconds())
		d.Hint = fmt.Sprintf("Suggested fix (see documentation): You may need to increase the timeout, e.g. '--timeout %d'.",
			SuggestedTimeout(int(math.Ceil(timeoutErr.Timeout.Seconds()))))
		return d

	case errors.As(err, &notFoundErr):
		d := fatal("required program %q was not found.", notFoundErr.Name)
		if notFoundErr.Name == "shasum" {
			d.Hint = "Suggested fix (see documentation): install shasum (Perl Digest::SHA) or set checksum.command, e.g. [sha256sum]."
		}
		return d

	case errors.As(err, &mismatchErr):
		return fatal("%v.", mismatchErr)

	case errors.As(err, &fetchErr):
		if fetchErr.StatusCode != 0 {
			d := fatal("could not retrieve release data from %s (%s).", fetchErr.URL, fetchErr.Status)
			if fetchErr.StatusCode == 403 || fetchErr.StatusCode == 429 {
				d.Hint = "Suggested fix (see documentation): the API rate limit may be exhausted; set GITHUB_TOKEN and retry."
			}
			return d
		}
		return fatal("could not retrieve release data from %s: %v.", fetchErr.URL, fetchErr.Err)

	case errors.As(err, &parseErr):
		return fatal("release data from %s is not usable: %s.", parseErr.URL, parseErr.Reason)

	case errors.As(err, &downloadErr):
		return fatal("%v.", downloadErr)

	case errors.As(err, &corruptErr):
		return fatal("%v.", corruptErr)

	case errors.As(err, &haltedErr):
		return Diagnosis{Message: fmt.Sprintf("Install halted because: %s.", haltedErr.Reason), ExitCode: 1}

	case errors.As(err, &fatalErr):
		return fatal("%v.", fatalErr)
	}

	return Diagnosis{Message: unrecognized(err), ExitCode: 1}
}

// SuggestedTimeout is the timeout to recommend after one was exceeded: two
// more minutes, and never less than ten.
func SuggestedTimeout(seconds int) int {
	return max(seconds+120, 600)
}

func fatal(format string, args ...any) Diagnosis {
	return Diagnosis{Message: "Fatal error, exiting: " + fmt.Sprintf(format, args...), ExitCode: 1}
}

func shellArgs(args []string) string {
	return fmt.Sprintf("%q", args)
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// unrecognized names the innermost location recorded with pkg/errors, when
// there is one.
func unrecognized(err error) string {
	var located stackTracer
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := e.(stackTracer); ok {
			located = st
		}
	}
	if located != nil {
		if frames := located.StackTrace(); len(frames) > 0 {
			return fmt.Sprintf("Unrecognized error at %n (%s:%d): %q", frames[0], frames[0], frames[0], err.Error())
		}
	}
	return fmt.Sprintf("Unrecognized error: %q", err.Error())
}
