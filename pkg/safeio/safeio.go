// Package safeio provides path containment checks and atomic file writes.
package safeio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathWithin reports whether path resolves to a location inside baseDir.
func PathWithin(baseDir, path string) (bool, error) {
	baseAbs, err := filepath.Abs(baseDir)
	if err != nil {
		return false, errors.New("failed to resolve base directory")
	}
	pathAbs, err := filepath.Abs(path)
	if err != nil {
		return false, errors.New("failed to resolve path")
	}
	rel, err := filepath.Rel(baseAbs, pathAbs)
	if err != nil {
		return false, errors.New("failed to compute relative path")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, nil
	}
	return true, nil
}

// ReadFileContained reads a file only if it is contained within baseDir.
func ReadFileContained(baseDir, filePath string) ([]byte, error) {
	within, err := PathWithin(baseDir, filePath)
	if err != nil {
		return nil, err
	}
	if !within {
		return nil, errors.New("file path is outside base directory")
	}
	// #nosec G304 -- containment verified above
	return os.ReadFile(filePath)
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by a rename, preserving the existing file mode when present. The
// destination is either entirely old or entirely new; a failure never leaves
// a half-written file behind.
func WriteFileAtomic(path string, data []byte) error {
	var mode os.FileMode = 0o644
	if st, err := os.Stat(path); err == nil {
		if m := st.Mode() & 0o777; m != 0 {
			mode = m
		}
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set mode on %s: %w", tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
