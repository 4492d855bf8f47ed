package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// SkipIfNoGit skips the test if git is not available.
func SkipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping")
	}
}

// ResolvePath resolves symlinked temp directories (and Windows 8.3 short
// paths) so paths match git's output. Returns the input if resolution fails.
func ResolvePath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path
	}
	return resolved
}

// CreateTempGitRepo creates a temporary git repository on a "main" branch
// with one initial commit.
func CreateTempGitRepo(t *testing.T) string {
	t.Helper()
	SkipIfNoGit(t)

	dir := ResolvePath(t.TempDir())
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("failed to run %v: %v\n%s", args, err, out)
		}
	}

	run("git", "init")
	run("git", "symbolic-ref", "HEAD", "refs/heads/main")
	run("git", "config", "user.email", "test@test.com")
	run("git", "config", "user.name", "Test")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("git", "add", ".")
	run("git", "commit", "-m", "initial")
	return dir
}
