package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecurityReason identifies why a candidate path was rejected.
type SecurityReason string

const (
	ReasonTraversal     SecurityReason = "traversal"
	ReasonNullByte      SecurityReason = "null-byte"
	ReasonSymlinkEscape SecurityReason = "symlink-escape"
	ReasonNotADirectory SecurityReason = "not-a-directory"
	ReasonNotFound      SecurityReason = "not-found"
)

// SecurityError is returned when a candidate working directory fails
// validation. Session creation must treat it as fatal — never fall back
// to an unvalidated path.
type SecurityError struct {
	Reason SecurityReason
	Path   string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("path security violation (%s): %s", e.Reason, e.Path)
}

// IsSecurityError reports whether err is a *SecurityError.
func IsSecurityError(err error) bool {
	_, ok := err.(*SecurityError)
	return ok
}

// ValidateWorkingDir validates a caller-supplied working directory against a
// base directory and returns its absolute, symlink-resolved form.
//
// The candidate may be absolute or relative to base. Validation rejects:
//   - embedded null bytes
//   - ".." traversal that escapes base
//   - symlinks whose target resolves outside base
//   - paths that do not exist or are not directories
//
// An empty base disables the containment check (any existing directory is
// accepted); this is how standalone deployments that serve arbitrary
// project directories run.
func ValidateWorkingDir(base, candidate string) (string, error) {
	if strings.ContainsRune(candidate, 0) {
		return "", &SecurityError{Reason: ReasonNullByte, Path: candidate}
	}

	abs := candidate
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(base, candidate)
	}
	abs = filepath.Clean(abs)

	if base != "" {
		baseClean := filepath.Clean(base)
		if !isWithin(baseClean, abs) {
			return "", &SecurityError{Reason: ReasonTraversal, Path: candidate}
		}
	}

	info, err := os.Lstat(abs)
	if os.IsNotExist(err) {
		return "", &SecurityError{Reason: ReasonNotFound, Path: candidate}
	}
	if err != nil {
		return "", err
	}

	// Resolve symlinks and re-check containment: a link inside base may
	// point anywhere on the filesystem.
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", &SecurityError{Reason: ReasonNotFound, Path: candidate}
	}
	if base != "" {
		realBase, baseErr := filepath.EvalSymlinks(filepath.Clean(base))
		if baseErr != nil {
			realBase = filepath.Clean(base)
		}
		if !isWithin(realBase, real) {
			return "", &SecurityError{Reason: ReasonSymlinkEscape, Path: candidate}
		}
	}

	if info.Mode()&os.ModeSymlink != 0 {
		info, err = os.Stat(real)
		if err != nil {
			return "", &SecurityError{Reason: ReasonNotFound, Path: candidate}
		}
	}
	if !info.IsDir() {
		return "", &SecurityError{Reason: ReasonNotADirectory, Path: candidate}
	}

	return real, nil
}

// isWithin reports whether target is base or a descendant of base.
func isWithin(base, target string) bool {
	if base == target {
		return true
	}
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
