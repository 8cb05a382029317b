package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/govready/release-grq/internal/fetcher"
	"github.com/govready/release-grq/internal/manifest"
	fileutil "github.com/govready/release-grq/internal/utils/file"
	"github.com/hashicorp/go-multierror"
)

// CleanOptions defines what previous run outputs should be removed.
type CleanOptions struct {
	WorkDir    string
	FilePrefix string
	Artifacts  bool // remove downloaded archives and interrupted partial downloads
	Manifests  bool // remove SHA256SUMS, its signature and the release manifest
	DryRun     bool // report actions without deleting anything
}

// CleanResult contains the outcome of a cleanup run.
type CleanResult struct {
	RemovedPaths []string
	SkippedPaths []string
}

// Clean removes outputs of earlier runs from the work directory. Every
// removal is attempted; failures are returned together.
func Clean(opts CleanOptions) (*CleanResult, error) {
	if !opts.Artifacts && !opts.Manifests {
		return nil, fmt.Errorf("at least one scope must be specified")
	}
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("work directory must not be empty")
	}

	targets, missing, err := gatherTargets(opts)
	if err != nil {
		return nil, err
	}

	removed := make([]string, 0, len(targets))
	var errs *multierror.Error
	for _, target := range targets {
		if opts.DryRun {
			removed = append(removed, target)
			continue
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierror.Append(errs, fmt.Errorf("removing %s: %w", target, err))
			continue
		}
		removed = append(removed, target)
	}
	sort.Strings(removed)

	return &CleanResult{
		RemovedPaths: removed,
		SkippedPaths: missing,
	}, errs.ErrorOrNil()
}

func gatherTargets(opts CleanOptions) ([]string, []string, error) {
	var targets, missing []string

	if opts.Artifacts {
		found, err := artifactTargets(opts.WorkDir, opts.FilePrefix)
		if err != nil {
			return nil, nil, err
		}
		targets = append(targets, found...)
	}

	if opts.Manifests {
		for _, name := range manifest.Files() {
			target := filepath.Join(opts.WorkDir, name)
			if err := ensureSubPath(opts.WorkDir, target); err != nil {
				return nil, nil, err
			}
			exists, err := pathExists(target)
			if err != nil {
				return nil, nil, fmt.Errorf("checking %s: %w", target, err)
			}
			if exists {
				targets = append(targets, target)
			} else {
				missing = append(missing, target)
			}
		}
	}

	sort.Strings(targets)
	sort.Strings(missing)
	return targets, missing, nil
}

func artifactTargets(workDir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil // No work directory = nothing to clean
		}
		return nil, fmt.Errorf("listing work directory: %w", err)
	}

	var targets []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !isArtifactName(entry.Name(), prefix) {
			continue
		}
		target := filepath.Join(workDir, entry.Name())
		if err := ensureSubPath(workDir, target); err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// isArtifactName matches names Fetch produces, including the hidden
// temporary files of downloads that never completed.
func isArtifactName(name, prefix string) bool {
	if strings.HasPrefix(name, "."+prefix) && strings.Contains(name, ".part-") {
		return true
	}
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	for _, format := range fetcher.Formats() {
		if strings.HasSuffix(name, string(format)) && len(name) > len(prefix)+len(format) {
			return true
		}
	}
	return false
}

func ensureSubPath(base, target string) error {
	ok, err := fileutil.IsSubPath(base, target)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("refusing to operate on %s because it is outside %s", target, base)
	}
	return nil
}

func pathExists(path string) (bool, error) {
	if path == "" {
		return false, fmt.Errorf("path must not be empty")
	}
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
