// Package git shells out to the git CLI for the repository operations the
// dispatcher needs: verifying project repos and managing per-workflow
// worktrees.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
)

// Client wraps git CLI operations for one repository.
type Client struct {
	repoPath string
	timeout  time.Duration
}

// NewClient creates a git client rooted at repoPath.
func NewClient(repoPath string) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	client := &Client{
		repoPath: absPath,
		timeout:  30 * time.Second,
	}

	if err := client.verifyRepo(); err != nil {
		return nil, err
	}

	return client, nil
}

// verifyRepo checks if path is a git repository.
func (c *Client) verifyRepo() error {
	_, err := c.run(context.Background(), "rev-parse", "--git-dir")
	if err != nil {
		return core.ErrValidation("NOT_GIT_REPO", fmt.Sprintf("%s is not a git repository", c.repoPath))
	}
	return nil
}

// run executes a git command in the repository.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("git command timed out")
		}
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// RepoPath returns the repository root this client operates on.
func (c *Client) RepoPath() string {
	return c.repoPath
}

// CurrentBranch returns the current branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func (c *Client) BranchExists(ctx context.Context, branch string) (bool, error) {
	out, err := c.run(ctx, "branch", "--list", branch)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// DeleteBranch force-deletes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, branch string) error {
	_, err := c.run(ctx, "branch", "-D", branch)
	return err
}
