// Package pathsafe validates untrusted folder identifiers before they are
// used as filesystem paths. Group folders come from chat registration and
// from persisted task rows, so they must never escape the configured root.
package pathsafe

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// folderPattern is the restricted identifier alphabet for group folders.
var folderPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateFolder checks that name is a restricted identifier: letters,
// digits, '-', '_' and '.', with no path separators and no dot-dot segments.
func ValidateFolder(name string) error {
	if name == "" {
		return fmt.Errorf("folder name is empty")
	}
	if !folderPattern.MatchString(name) {
		return fmt.Errorf("folder name %q contains invalid characters", name)
	}
	if name == "." || name == ".." || strings.Contains(name, "..") {
		return fmt.Errorf("folder name %q is not allowed", name)
	}
	return nil
}

// Resolve validates name and returns its absolute path under root. The
// resolved path is guaranteed to stay inside root.
func Resolve(root, name string) (string, error) {
	if err := ValidateFolder(name); err != nil {
		return "", err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root %q: %w", root, err)
	}
	resolved := filepath.Join(absRoot, name)
	if !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("folder %q resolves outside of root", name)
	}
	return resolved, nil
}
