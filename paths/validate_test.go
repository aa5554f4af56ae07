package paths

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateWorkingDirAccepts(t *testing.T) {
	base := t.TempDir()
	sub := filepath.Join(base, "project")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		candidate string
		want      string
	}{
		{"absolute inside base", sub, sub},
		{"relative inside base", "project", sub},
		{"base itself", base, base},
		{"dot", ".", base},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateWorkingDir(base, tt.candidate)
			if err != nil {
				t.Fatalf("ValidateWorkingDir(%q, %q): %v", base, tt.candidate, err)
			}
			// EvalSymlinks may canonicalize the base (e.g. /tmp symlinks on macOS)
			wantReal, _ := filepath.EvalSymlinks(tt.want)
			if got != wantReal {
				t.Errorf("ValidateWorkingDir = %q, want %q", got, wantReal)
			}
		})
	}
}

func TestValidateWorkingDirRejections(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "inner"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "file.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		candidate string
		reason    SecurityReason
	}{
		{"dotdot traversal", "../", ReasonTraversal},
		{"nested traversal", "inner/../../..", ReasonTraversal},
		{"absolute outside base", outside, ReasonTraversal},
		{"null byte", "inner\x00evil", ReasonNullByte},
		{"missing dir", "does-not-exist", ReasonNotFound},
		{"regular file", "file.txt", ReasonNotADirectory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateWorkingDir(base, tt.candidate)
			if err == nil {
				t.Fatalf("ValidateWorkingDir(%q, %q) succeeded, want %s", base, tt.candidate, tt.reason)
			}
			var secErr *SecurityError
			if !errors.As(err, &secErr) {
				t.Fatalf("error is %T, want *SecurityError", err)
			}
			if secErr.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", secErr.Reason, tt.reason)
			}
		})
	}
}

func TestValidateWorkingDirSymlinkEscape(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(base, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := ValidateWorkingDir(base, "escape")
	if err == nil {
		t.Fatal("symlink pointing outside base was accepted")
	}
	var secErr *SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("error is %T, want *SecurityError", err)
	}
	if secErr.Reason != ReasonSymlinkEscape {
		t.Errorf("reason = %s, want %s", secErr.Reason, ReasonSymlinkEscape)
	}
}

func TestValidateWorkingDirSymlinkInsideBase(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "real")
	if err := os.MkdirAll(target, 0755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(base, "alias")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	got, err := ValidateWorkingDir(base, "alias")
	if err != nil {
		t.Fatalf("symlink inside base rejected: %v", err)
	}
	wantReal, _ := filepath.EvalSymlinks(target)
	if got != wantReal {
		t.Errorf("ValidateWorkingDir = %q, want %q", got, wantReal)
	}
}

func TestValidateWorkingDirEmptyBase(t *testing.T) {
	dir := t.TempDir()

	got, err := ValidateWorkingDir("", dir)
	if err != nil {
		t.Fatalf("empty base should accept any existing dir: %v", err)
	}
	wantReal, _ := filepath.EvalSymlinks(dir)
	if got != wantReal {
		t.Errorf("ValidateWorkingDir = %q, want %q", got, wantReal)
	}

	if _, err := ValidateWorkingDir("", filepath.Join(dir, "missing")); err == nil {
		t.Error("empty base should still reject missing directories")
	}
}

func TestIsSecurityError(t *testing.T) {
	if !IsSecurityError(&SecurityError{Reason: ReasonTraversal, Path: "x"}) {
		t.Error("IsSecurityError(*SecurityError) = false")
	}
	if IsSecurityError(os.ErrNotExist) {
		t.Error("IsSecurityError(os.ErrNotExist) = true")
	}
}
