package fsio

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SafeJoin resolves filename against root and rejects an empty filename,
// an absolute path, or any path whose cleaned form escapes root via ".."
// segments; relative paths into subdirectories of root are accepted. An
// unauthenticated UDP-reachable daemon serving
// arbitrary absolute paths is a directory-escape vector with no
// mitigating control.
func SafeJoin(root, filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("fsio: empty filename")
	}
	if filepath.IsAbs(filename) {
		return "", fmt.Errorf("fsio: absolute filenames are rejected: %q", filename)
	}
	cleaned := filepath.Clean(filename)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("fsio: path escapes served root: %q", filename)
	}
	full := filepath.Join(root, cleaned)
	rootClean := filepath.Clean(root)
	rel, err := filepath.Rel(rootClean, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("fsio: path escapes served root: %q", filename)
	}
	return full, nil
}
