package git

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vultuk/agentrix/internal/task"
)

var (
	ErrRepoNotFound     = errors.New("repository not found in workdir")
	ErrWorktreeNotFound = errors.New("worktree not found")
	ErrWorktreeExists   = errors.New("worktree already exists")
	ErrProtectedBranch  = errors.New("refusing to remove the main branch worktree")
)

// Workspace owns the managed workdir layout: the primary clone of a
// repository lives at <root>/<org>/<repo>, and branch worktrees live under
// the sibling <root>/<org>/<repo>.wt/ directory.
type Workspace struct {
	root string
}

// NewWorkspace creates a Workspace rooted at root.
func NewWorkspace(root string) *Workspace {
	return &Workspace{root: root}
}

// RepoPath returns the primary clone path for (org, repo).
func (w *Workspace) RepoPath(org, repo string) string {
	return filepath.Join(w.root, org, repo)
}

// WorktreePath returns the worktree path for a branch of (org, repo).
func (w *Workspace) WorktreePath(org, repo, branch string) string {
	return filepath.Join(w.root, org, repo+".wt", DirSegment(branch))
}

// Resolve maps a repository triple to an existing checkout: the branch's
// worktree when present, or the primary clone when it has the branch
// checked out. Resolution never creates anything.
func (w *Workspace) Resolve(org, repo, branch string) (string, error) {
	repoPath := w.RepoPath(org, repo)
	if !IsGitRepository(repoPath) {
		return "", fmt.Errorf("%w: %s/%s", ErrRepoNotFound, org, repo)
	}

	worktreePath := w.WorktreePath(org, repo, branch)
	if info, err := os.Stat(worktreePath); err == nil && info.IsDir() {
		return worktreePath, nil
	}

	r, err := Open(repoPath)
	if err != nil {
		return "", err
	}
	current, err := r.CurrentBranch()
	if err != nil {
		return "", err
	}
	if current == branch {
		return repoPath, nil
	}
	return "", fmt.Errorf("%w: %s/%s@%s", ErrWorktreeNotFound, org, repo, branch)
}

// CreateWorktree adds a worktree for the branch, creating the branch from
// base when it does not exist yet. Returns the worktree path.
func (w *Workspace) CreateWorktree(org, repo, branch, base string) (string, error) {
	if err := ValidateBranchName(branch); err != nil {
		return "", err
	}
	repoPath := w.RepoPath(org, repo)
	r, err := Open(repoPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s/%s", ErrRepoNotFound, org, repo)
	}

	worktreePath := w.WorktreePath(org, repo, branch)
	if _, err := os.Stat(worktreePath); err == nil {
		return "", fmt.Errorf("%w: %s", ErrWorktreeExists, worktreePath)
	}

	if err := r.PruneWorktrees(); err != nil {
		slog.Warn("[git] worktree prune before create failed", "repo", repoPath, "error", err)
	}

	exists, err := r.BranchExists(branch)
	if err != nil {
		return "", err
	}
	if exists {
		err = r.CreateWorktreeFromBranch(worktreePath, branch)
	} else {
		if base == "" {
			base = "HEAD"
		}
		err = r.CreateWorktree(worktreePath, branch, base)
	}
	if err != nil {
		return "", err
	}
	return worktreePath, nil
}

// RemoveWorktree removes the branch's worktree. The main branch is
// protected and can never be removed.
func (w *Workspace) RemoveWorktree(org, repo, branch string, force bool) error {
	if branch == "main" {
		return ErrProtectedBranch
	}
	repoPath := w.RepoPath(org, repo)
	r, err := Open(repoPath)
	if err != nil {
		return fmt.Errorf("%w: %s/%s", ErrRepoNotFound, org, repo)
	}

	worktreePath := w.WorktreePath(org, repo, branch)
	if _, err := os.Stat(worktreePath); err != nil {
		return fmt.Errorf("%w: %s/%s@%s", ErrWorktreeNotFound, org, repo, branch)
	}

	if force {
		err = r.RemoveWorktreeForced(worktreePath)
	} else {
		err = r.RemoveWorktree(worktreePath)
	}
	if err != nil {
		return err
	}
	if err := r.PruneWorktrees(); err != nil {
		slog.Warn("[git] worktree prune after remove failed", "repo", repoPath, "error", err)
	}
	return nil
}

// CreateWorktreeTask runs worktree creation under the task tracker so
// clients can follow its steps and logs.
func CreateWorktreeTask(tr *task.Tracker, ws *Workspace, org, repo, branch, base string) task.Task {
	spec := task.Spec{
		Type:  "worktree_create",
		Title: fmt.Sprintf("Create worktree %s/%s@%s", org, repo, branch),
		Metadata: map[string]any{
			"org":    org,
			"repo":   repo,
			"branch": branch,
		},
	}
	return tr.Run(spec, func(ctx *task.Context) (any, error) {
		ctx.EnsureStep("resolve", "Resolve repository")
		ctx.EnsureStep("worktree", "Create worktree")

		ctx.StartStep("resolve")
		repoPath := ws.RepoPath(org, repo)
		r, err := Open(repoPath)
		if err != nil {
			ctx.FailStep("resolve")
			return nil, fmt.Errorf("%w: %s/%s", ErrRepoNotFound, org, repo)
		}
		current, err := r.CurrentBranch()
		if err != nil {
			ctx.FailStep("resolve")
			return nil, err
		}
		ctx.LogStep("resolve", fmt.Sprintf("repository at %s (HEAD on %q)", repoPath, current))
		ctx.CompleteStep("resolve")

		ctx.StartStep("worktree")
		path, err := ws.CreateWorktree(org, repo, branch, base)
		if err != nil {
			ctx.FailStep("worktree")
			return nil, err
		}
		ctx.LogStep("worktree", "created "+path)
		ctx.CompleteStep("worktree")

		return map[string]any{"path": path}, nil
	})
}
