// Package testutil provides testing utilities for panecore tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when no git binary is on PATH.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// SetupTestRepo creates a temporary git repository with one commit on main.
// The repository is removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()
	RequireGit(t)

	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@panecore.dev")
	runGit(t, dir, "config", "user.name", "Panecore Test")
	CommitFile(t, dir, "README.md", "# Test Repository\n", "Initial commit")

	// Some systems default to master
	runGit(t, dir, "branch", "-M", "main")
	return dir
}

// WriteFile creates or replaces a file below root, creating parent
// directories as needed.
func WriteFile(t *testing.T, root, path, content string) string {
	t.Helper()

	fullPath := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
	return fullPath
}

// CommitFile writes a file, commits it and returns the new HEAD revision.
func CommitFile(t *testing.T, repoDir, path, content, message string) string {
	t.Helper()

	WriteFile(t, repoDir, path, content)
	runGit(t, repoDir, "add", path)
	runGit(t, repoDir, "commit", "-m", message)
	return Head(t, repoDir)
}

// Tag creates a lightweight tag at HEAD.
func Tag(t *testing.T, repoDir, name string) {
	t.Helper()
	runGit(t, repoDir, "tag", name)
}

// Head returns the revision HEAD points at.
func Head(t *testing.T, repoDir string) string {
	t.Helper()
	return runGit(t, repoDir, "rev-parse", "HEAD")
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	// Keep the user's global git config out of test repositories
	cmd.Env = append(os.Environ(), "GIT_CONFIG_NOSYSTEM=1", "GIT_CONFIG_GLOBAL="+os.DevNull)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}
