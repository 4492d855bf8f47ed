// Package plan stores agent plan files: timestamped markdown artefacts
// dropped into a worktree's .plans directory when an agent launches with a
// prompt. Files are immutable once written; older files per branch are
// pruned to a cap.
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// EnvStoreRoot overrides the per-worktree .plans directory when set.
const EnvStoreRoot = "AGENTRIX_PLAN_STORE"

// DefaultKeepPerBranch bounds how many plan files one branch accumulates.
const DefaultKeepPerBranch = 20

var unsafeBranchRunes = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeBranch maps a branch name onto the plan filename alphabet.
func SafeBranch(branch string) string {
	s := unsafeBranchRunes.ReplaceAllString(strings.TrimSpace(branch), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "branch"
	}
	return s
}

// Store writes plan files for one worktree.
type Store struct {
	dir  string
	keep int
	now  func() time.Time
}

// NewStore creates a Store rooted at <worktree>/.plans, honouring the
// EnvStoreRoot override. keep <= 0 takes DefaultKeepPerBranch.
func NewStore(worktree string, keep int) *Store {
	dir := filepath.Join(worktree, ".plans")
	if root := os.Getenv(EnvStoreRoot); root != "" {
		dir = root
	}
	if keep <= 0 {
		keep = DefaultKeepPerBranch
	}
	return &Store{dir: dir, keep: keep, now: time.Now}
}

// Dir returns the directory plans land in.
func (s *Store) Dir() string {
	return s.dir
}

// Write stores content as the plan for branch, returning the file path. The
// content gains a trailing newline when missing. Existing files are never
// overwritten; older files for the branch are pruned past the cap.
func (s *Store) Write(branch, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("plan content is empty")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create plan store: %w", err)
	}

	safe := SafeBranch(branch)
	stamp := s.now().Format("20060102_150405")
	path := filepath.Join(s.dir, stamp+"-"+safe+".md")

	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			// One plan per (timestamp, branch); the existing file wins.
			return path, nil
		}
		return "", fmt.Errorf("write plan: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write plan: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write plan: %w", err)
	}

	s.prune(safe)
	return path, nil
}

// List returns the plan file paths for branch, newest first.
func (s *Store) List(branch string) ([]string, error) {
	names, err := s.branchFiles(SafeBranch(branch))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = filepath.Join(s.dir, name)
	}
	return out, nil
}

// branchFiles returns the matching file names sorted newest first. The
// timestamp prefix makes lexical order chronological.
func (s *Store) branchFiles(safe string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	suffix := "-" + safe + ".md"
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), suffix) {
			names = append(names, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// prune removes the oldest files beyond the per-branch cap, best effort.
func (s *Store) prune(safe string) {
	names, err := s.branchFiles(safe)
	if err != nil || len(names) <= s.keep {
		return
	}
	for _, name := range names[s.keep:] {
		os.Remove(filepath.Join(s.dir, name))
	}
}
