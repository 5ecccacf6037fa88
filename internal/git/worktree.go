package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
)

// branchPrefix namespaces the branches created for workflow worktrees.
const branchPrefix = "beadflow/"

// resolvePath resolves symlinks and returns an absolute path.
// Needed for cross-platform path comparison (e.g. macOS /var -> /private/var).
func resolvePath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		return abs
	}
	return resolved
}

// Worktrees creates and removes the isolated working copies that confine
// one workflow's file changes. Each workflow gets a worktree at
// <baseDir>/<epic-id> on a fresh branch cut from the project's base branch.
type Worktrees struct {
	git        *Client
	baseDir    string
	baseBranch string
}

// NewWorktrees creates a worktree manager for one project repository.
func NewWorktrees(git *Client, baseDir, baseBranch string) *Worktrees {
	if baseDir == "" {
		baseDir = filepath.Join(git.RepoPath(), ".beadflow", "worktrees")
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Worktrees{
		git:        git,
		baseDir:    baseDir,
		baseBranch: baseBranch,
	}
}

// Worktree represents one git worktree.
type Worktree struct {
	Path     string
	Branch   string
	Commit   string
	Detached bool
	Prunable bool
}

// BranchFor returns the branch name used for a workflow's worktree.
func (w *Worktrees) BranchFor(epicID string) string {
	return branchPrefix + epicID
}

// PathFor returns the filesystem path used for a workflow's worktree.
func (w *Worktrees) PathFor(epicID string) string {
	return filepath.Join(w.baseDir, epicID)
}

// Create makes a worktree for a workflow, on a new branch cut from the
// base branch.
func (w *Worktrees) Create(ctx context.Context, epicID string) (*Worktree, error) {
	if err := os.MkdirAll(w.baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating worktree base directory: %w", err)
	}

	path := w.PathFor(epicID)
	if _, err := os.Stat(path); err == nil {
		return nil, core.ErrState("WORKTREE_EXISTS",
			fmt.Sprintf("worktree for %s already exists", epicID))
	}

	branch := w.BranchFor(epicID)
	if _, err := w.git.run(ctx, "worktree", "add", "-b", branch, path, w.baseBranch); err != nil {
		return nil, fmt.Errorf("creating worktree: %w", err)
	}

	return &Worktree{Path: path, Branch: branch}, nil
}

// Remove deletes a workflow's worktree and its branch. The worktree must
// be one this manager created.
func (w *Worktrees) Remove(ctx context.Context, epicID string, force bool) error {
	path := w.PathFor(epicID)
	resolvedBase := resolvePath(w.baseDir)
	if !strings.HasPrefix(resolvePath(path), resolvedBase) {
		return core.ErrValidation("INVALID_WORKTREE", "worktree is not managed by this dispatcher")
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := w.git.run(ctx, args...); err != nil {
		return err
	}

	// Branch removal is best effort; a pushed branch may be gone already.
	if exists, err := w.git.BranchExists(ctx, w.BranchFor(epicID)); err == nil && exists {
		_ = w.git.DeleteBranch(ctx, w.BranchFor(epicID))
	}
	return nil
}

// List returns all worktrees of the repository.
func (w *Worktrees) List(ctx context.Context) ([]Worktree, error) {
	output, err := w.git.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(output), nil
}

// ListManaged returns only worktrees under this manager's base directory.
// Used by startup recovery to reconcile leftovers from a previous run.
func (w *Worktrees) ListManaged(ctx context.Context) ([]Worktree, error) {
	all, err := w.List(ctx)
	if err != nil {
		return nil, err
	}

	resolvedBase := resolvePath(w.baseDir)
	managed := make([]Worktree, 0)
	for _, wt := range all {
		if strings.HasPrefix(resolvePath(wt.Path), resolvedBase) {
			managed = append(managed, wt)
		}
	}
	return managed, nil
}

// Prune removes stale worktree bookkeeping entries.
func (w *Worktrees) Prune(ctx context.Context) error {
	_, err := w.git.run(ctx, "worktree", "prune")
	return err
}

// parseWorktreeList parses `git worktree list --porcelain` output.
func parseWorktreeList(output string) []Worktree {
	worktrees := make([]Worktree, 0)
	var current *Worktree

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "worktree ") {
			if current != nil {
				worktrees = append(worktrees, *current)
			}
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		} else if current != nil {
			switch {
			case strings.HasPrefix(line, "HEAD "):
				current.Commit = strings.TrimPrefix(line, "HEAD ")
			case strings.HasPrefix(line, "branch "):
				current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
			case line == "detached":
				current.Detached = true
			case line == "prunable":
				current.Prunable = true
			}
		}
	}

	if current != nil {
		worktrees = append(worktrees, *current)
	}
	return worktrees
}
