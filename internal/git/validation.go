package git

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// branchNameRegex validates git branch names. Allowed characters:
// alphanumeric, dots, underscores, hyphens and slashes.
var branchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

// commitishRegex validates commit-ish references accepted as worktree bases.
// Restricted to common ref/hash syntax so control characters and whitespace
// are blocked while refs like "HEAD~1" still pass.
var commitishRegex = regexp.MustCompile(`^[a-zA-Z0-9._/@^~:-]+$`)

// dirUnsafeRunes matches characters replaced when a branch name becomes a
// directory segment.
var dirUnsafeRunes = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// IsValidBranchName checks if the given branch name is valid.
func IsValidBranchName(name string) bool {
	if name == "" {
		return false
	}
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") {
		return false
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") {
		return false
	}
	// Reject raw ".." sequences directly so names like "a/../b" are blocked.
	if strings.Contains(name, "..") {
		return false
	}
	if strings.Contains(name, "//") {
		return false
	}
	if strings.HasSuffix(name, ".lock") {
		return false
	}
	return branchNameRegex.MatchString(name)
}

// ValidateBranchName validates that a branch name is safe for git commands.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if !IsValidBranchName(name) {
		return fmt.Errorf("invalid branch name: %s (must contain only alphanumeric characters, dots, underscores, hyphens, and slashes; cannot start with '.', '-', or '/')", name)
	}
	return nil
}

// ValidateCommitish validates a git commit-ish used as a worktree base.
func ValidateCommitish(commitish string) error {
	if strings.TrimSpace(commitish) == "" {
		return fmt.Errorf("commit-ish cannot be empty")
	}
	if strings.ContainsRune(commitish, '\x00') {
		return fmt.Errorf("invalid commit-ish: contains null byte")
	}
	if !commitishRegex.MatchString(commitish) {
		return fmt.Errorf("invalid commit-ish %q (allowed pattern: %s)", commitish, commitishRegex.String())
	}
	return nil
}

// DirSegment reduces a branch name to a filesystem directory segment:
// slashes and other unsafe runes collapse to single hyphens.
func DirSegment(branch string) string {
	seg := dirUnsafeRunes.ReplaceAllString(branch, "-")
	seg = strings.Trim(seg, "-.")
	if seg == "" {
		return "branch"
	}
	return seg
}

// ValidateWorktreePath validates that a worktree path is safe.
func ValidateWorktreePath(path string) error {
	if path == "" {
		return fmt.Errorf("worktree path cannot be empty")
	}
	cleanedPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanedPath) {
		return fmt.Errorf("worktree path must be absolute: %s", path)
	}

	segments := strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	for _, segment := range segments {
		if segment == ".." {
			return fmt.Errorf("worktree path must not contain '..' path segment: %s", path)
		}
	}

	base := filepath.Base(cleanedPath)
	if base == ".git" || base == ".hg" || base == ".svn" {
		return fmt.Errorf("worktree path must not target VCS directory: %s", path)
	}
	return nil
}
