// Package security contains path checks for files named by API callers.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/banshee-data/fieldmap/internal/fsutil"
)

// ErrBoundaryExtension is returned for boundary files that are not
// .geojson or .json.
var ErrBoundaryExtension = errors.New("boundary file must be .geojson or .json")

// ValidatePathWithinDirectory reports an error if filePath resolves
// outside safeDir, following symlinks on the longest existing prefix.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}

	canonicalPath := absPath
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		canonicalPath = resolved
	} else {
		// Not there yet: resolve the nearest existing parent so a symlinked
		// directory cannot smuggle a new file out.
		for check := absPath; ; {
			parent := filepath.Dir(check)
			if parent == check {
				break
			}
			if resolved, err := filepath.EvalSymlinks(parent); err == nil {
				rel, _ := filepath.Rel(parent, absPath)
				canonicalPath = filepath.Join(resolved, rel)
				break
			}
			check = parent
		}
	}

	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}
	rel, err := filepath.Rel(canonicalSafeDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// ValidatePathWithinAllowedDirs accepts filePath if it lies within any of
// allowedDirs.
func ValidatePathWithinAllowedDirs(filePath string, allowedDirs []string) error {
	if len(allowedDirs) == 0 {
		return fmt.Errorf("no allowed directories specified")
	}
	for _, dir := range allowedDirs {
		if err := ValidatePathWithinDirectory(filePath, dir); err == nil {
			return nil
		}
	}
	return fmt.Errorf("path must be within one of the allowed directories: %v", allowedDirs)
}

// SanitizeFilename maps s to ASCII letters, digits, dot, underscore and
// dash, collapsing other runs to one underscore, capped at 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

// IsBoundaryFile reports whether name has a boundary file extension.
func IsBoundaryFile(name string) bool {
	return fsutil.HasExt(name, ".geojson", ".json")
}

// BoundaryUploadPath returns where an uploaded boundary named name is
// stored under dir. The base name is sanitised and must keep a boundary
// extension.
func BoundaryUploadPath(dir, name string) (string, error) {
	base := SanitizeFilename(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if !IsBoundaryFile(base) {
		return "", fmt.Errorf("%w: %q", ErrBoundaryExtension, name)
	}
	path := filepath.Join(dir, base)
	if err := ValidatePathWithinDirectory(path, dir); err != nil {
		return "", err
	}
	return path, nil
}

// ResolveBoundaryPath checks a caller-supplied boundary path. Relative
// paths are taken from dir; the result must stay inside dir or one of
// extra.
func ResolveBoundaryPath(dir, path string, extra ...string) (string, error) {
	if !IsBoundaryFile(path) {
		return "", fmt.Errorf("%w: %q", ErrBoundaryExtension, path)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	if err := ValidatePathWithinAllowedDirs(path, append([]string{dir}, extra...)); err != nil {
		return "", err
	}
	return path, nil
}
