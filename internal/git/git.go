// Package git wraps the system git CLI for the operations the workbench
// needs: repository probing, branch queries and worktree management under a
// per-organisation workdir layout.
package git

import (
	"fmt"
	"strings"
)

// Open opens an existing git repository.
func Open(path string) (*Repository, error) {
	_, err := executeGitCommandAt(path, []string{"rev-parse", "--git-dir"})
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %s: %w", path, err)
	}
	return &Repository{path: path}, nil
}

// IsGitRepository reports whether path is inside a git repository.
func IsGitRepository(path string) bool {
	_, err := executeGitCommandAt(path, []string{"rev-parse", "--git-dir"})
	return err == nil
}

// FindRepoRoot returns the root directory of the repository containing path.
func FindRepoRoot(path string) (string, error) {
	output, err := executeGitCommandAt(path, []string{"rev-parse", "--show-toplevel"})
	if err != nil {
		return "", fmt.Errorf("failed to find repo root: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// CurrentBranch returns the checked-out branch name, or "" on detached HEAD.
func (r *Repository) CurrentBranch() (string, error) {
	output, err := r.runGitCommand("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if output == "HEAD" {
		return "", nil
	}
	return output, nil
}

// ListBranches returns all local branch names.
func (r *Repository) ListBranches() ([]string, error) {
	output, err := r.runGitCommand("branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	if output == "" {
		return []string{}, nil
	}
	lines := strings.Split(output, "\n")
	branches := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// BranchExists reports whether a local branch with the name exists.
func (r *Repository) BranchExists(branchName string) (bool, error) {
	if err := ValidateBranchName(branchName); err != nil {
		return false, err
	}
	_, err := r.runGitCommand("show-ref", "--verify", "--quiet", "refs/heads/"+branchName)
	if err == nil {
		return true, nil
	}
	// show-ref exits nonzero for a missing ref with no stderr output.
	if strings.Contains(err.Error(), "exit status") {
		return false, nil
	}
	return false, err
}

// CheckoutNewBranch creates a branch at the current HEAD and switches to it.
func (r *Repository) CheckoutNewBranch(branchName string) error {
	if err := ValidateBranchName(branchName); err != nil {
		return err
	}
	_, err := r.runGitCommand("checkout", "-b", branchName)
	return err
}

// HasUncommittedChanges reports whether the worktree has pending changes.
func (r *Repository) HasUncommittedChanges() (bool, error) {
	output, err := r.runGitCommand("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) != "", nil
}
