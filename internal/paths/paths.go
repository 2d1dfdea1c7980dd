package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidProjectID returned when project id fails validation
	ErrInvalidProjectID = errors.New("invalid project id")
)

const maxProjectIDLen = 64

// MaxProjectIDLen returns the maximum allowed project id length.
func MaxProjectIDLen() int { return maxProjectIDLen }

var projectIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,` + strconv.Itoa(maxProjectIDLen) + `}$`)

// ValidateProjectID returns nil for allowed project ids, or ErrInvalidProjectID.
// Rules:
// - Only allow ASCII letters, digits, dot, underscore and dash.
// - Max length is 64.
// - Disallow any ".." substring and a leading dot so an id can never name the
//   cache directory or a hidden entry.
func ValidateProjectID(id string) error {
	if id == "" {
		return fmt.Errorf("empty project id: %w", ErrInvalidProjectID)
	}
	if len(id) > maxProjectIDLen {
		return fmt.Errorf("project id too long: %w", ErrInvalidProjectID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("project id contains disallowed '..': %w", ErrInvalidProjectID)
	}
	if strings.HasPrefix(id, ".") {
		return fmt.Errorf("project id starts with '.': %w", ErrInvalidProjectID)
	}
	if !projectIDRe.MatchString(id) {
		return fmt.Errorf("project id contains invalid characters: %w", ErrInvalidProjectID)
	}
	return nil
}

// WorkspaceDir returns the absolute workspace directory for a project under root.
func WorkspaceDir(root, projectID string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	return SafeJoin(root, projectID)
}

// CacheDir returns the shared dependency cache directory under root.
func CacheDir(root, name string) (string, error) {
	if name == "" {
		name = ".template-cache"
	}
	return SafeJoin(root, name)
}

// SafeJoin joins root with rel and ensures the resulting path is inside root.
// Returns an error if the result would escape root or if rel is absolute.
func SafeJoin(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("relative path expected, got absolute: %s", rel)
	}
	cleaned := filepath.Clean(filepath.Join(root, rel))
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absCleaned, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	relToRoot, err := filepath.Rel(absRoot, absCleaned)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(filepath.ToSlash(relToRoot), "../") {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return absCleaned, nil
}

// CleanRelative normalizes a generated file path to a slash-separated
// relative path. It returns "" for paths that cannot be placed in a workspace.
func CleanRelative(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimLeft(p, "/")
	p = strings.TrimPrefix(p, "./")
	if p == "" {
		return ""
	}
	c := filepath.ToSlash(filepath.Clean(p))
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return ""
	}
	return c
}
