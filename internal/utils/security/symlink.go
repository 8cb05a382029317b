package security

import (
	"fmt"
	"os"
	"path/filepath"
)

// SymlinkPolicy decides what happens when a path turns out to be a symlink.
type SymlinkPolicy int

const (
	RejectSymlinks SymlinkPolicy = iota
	ResolveSymlinks
	AllowSymlinks
)

// SafeFileInfo is the outcome of a symlink check.
type SafeFileInfo struct {
	OriginalPath string
	ResolvedPath string
	IsSymlink    bool
	FileInfo     os.FileInfo
}

// CheckSymlink applies policy to path, which must exist.
func CheckSymlink(path string, policy SymlinkPolicy) (*SafeFileInfo, error) {
	if policy < RejectSymlinks || policy > AllowSymlinks {
		return nil, fmt.Errorf("invalid symlink policy: %d", policy)
	}

	fileInfo, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info for %s: %w", path, err)
	}

	info := &SafeFileInfo{
		OriginalPath: path,
		ResolvedPath: path,
		IsSymlink:    fileInfo.Mode()&os.ModeSymlink != 0,
		FileInfo:     fileInfo,
	}
	if !info.IsSymlink || policy == AllowSymlinks {
		return info, nil
	}
	if policy == RejectSymlinks {
		return nil, fmt.Errorf("symlinks are not allowed: %s", path)
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve symlink %s: %w", path, err)
	}
	target, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to access symlink target %s: %w", resolved, err)
	}
	info.ResolvedPath = resolved
	info.FileInfo = target
	return info, nil
}

// SafeReadFile reads path after checking it against policy.
func SafeReadFile(path string, policy SymlinkPolicy) ([]byte, error) {
	info, err := CheckSymlink(path, policy)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(info.ResolvedPath)
}

// SafeWriteFile writes data to path. An existing file and the parent
// directory are both checked against policy first.
func SafeWriteFile(path string, data []byte, perm os.FileMode, policy SymlinkPolicy) error {
	target, err := safeTarget(path, policy)
	if err != nil {
		return err
	}
	return os.WriteFile(target, data, perm)
}

// SafeRename moves src over dst, refusing to replace a symlink at dst or to
// follow a symlinked destination directory unless policy allows it.
func SafeRename(src, dst string, policy SymlinkPolicy) error {
	target, err := safeTarget(dst, policy)
	if err != nil {
		return err
	}
	return os.Rename(src, target)
}

func safeTarget(path string, policy SymlinkPolicy) (string, error) {
	if _, err := os.Lstat(path); err == nil {
		info, err := CheckSymlink(path, policy)
		if err != nil {
			return "", fmt.Errorf("existing file symlink check failed: %w", err)
		}
		path = info.ResolvedPath
	}

	dir := filepath.Dir(path)
	if dir == "." || dir == "/" {
		return path, nil
	}
	info, err := CheckSymlink(dir, policy)
	if err != nil {
		return "", fmt.Errorf("parent directory symlink check failed: %w", err)
	}
	if info.ResolvedPath != dir {
		path = filepath.Join(info.ResolvedPath, filepath.Base(path))
	}
	return path, nil
}
