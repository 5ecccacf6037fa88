// Package beads adapts the external bead tracker (the `bd` CLI) to the
// dispatcher's WorkItemStore port.
package beads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// Store shells out to `bd` with JSON output. Each project runs the CLI in
// its own repository, where the bead database lives.
type Store struct {
	binary   string
	timeout  time.Duration
	logger   *logging.Logger
	projects map[string]core.Project
}

// NewStore creates a bead store over the configured projects.
func NewStore(projects []core.Project, logger *logging.Logger) *Store {
	byName := make(map[string]core.Project, len(projects))
	for _, p := range projects {
		byName[p.Name] = p
	}
	return &Store{
		binary:   "bd",
		timeout:  30 * time.Second,
		logger:   logger.With("component", "beads"),
		projects: byName,
	}
}

// bead is the CLI's JSON shape for one issue.
type bead struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Priority     int       `json:"priority"`
	IssueType    string    `json:"issue_type,omitempty"`
	Status       string    `json:"status"`
	Labels       []string  `json:"labels,omitempty"`
	Dependencies []string  `json:"dependencies,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListReady returns ready beads for a project, already filtered for
// unresolved dependencies by the CLI's own ready query.
func (s *Store) ListReady(ctx context.Context, project string) ([]core.WorkItem, error) {
	proj, ok := s.projects[project]
	if !ok {
		return nil, core.ErrNotFound("project", project)
	}
	if proj.BeadsMode == "none" {
		return nil, nil
	}

	out, err := s.run(ctx, proj.RepoPath, "ready", "--json")
	if err != nil {
		return nil, core.ErrExecution(core.CodeStoreUnreachable, "listing ready beads").WithCause(err)
	}

	var raw []bead
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, core.ErrExecution(core.CodeParseFailed, "parsing bead list").WithCause(err)
	}

	items := make([]core.WorkItem, 0, len(raw))
	for _, b := range raw {
		items = append(items, toWorkItem(b, project))
	}
	return items, nil
}

// MarkInProgress reflects workflow admission into the tracker.
func (s *Store) MarkInProgress(ctx context.Context, id string) error {
	proj, err := s.projectForItem(id)
	if err != nil {
		return err
	}
	if _, err := s.run(ctx, proj.RepoPath, "update", id, "--status", "in_progress"); err != nil {
		return core.ErrExecution(core.CodeStoreUnreachable, "marking bead in progress").WithCause(err)
	}
	return nil
}

// MarkClosed records the terminal outcome. Blocked workflows keep the bead
// open in blocked status for human follow-up.
func (s *Store) MarkClosed(ctx context.Context, id, outcome string) error {
	proj, err := s.projectForItem(id)
	if err != nil {
		return err
	}

	var args []string
	if outcome == "done" {
		args = []string{"close", id, "--reason", "completed"}
	} else {
		args = []string{"update", id, "--status", "blocked"}
	}
	if _, err := s.run(ctx, proj.RepoPath, args...); err != nil {
		return core.ErrExecution(core.CodeStoreUnreachable, "closing bead").WithCause(err)
	}
	return nil
}

// projectForItem resolves the owning project from a bead id prefix
// (ids look like "api-123").
func (s *Store) projectForItem(id string) (core.Project, error) {
	if idx := strings.LastIndex(id, "-"); idx > 0 {
		if proj, ok := s.projects[id[:idx]]; ok {
			return proj, nil
		}
	}
	// Single-project setups may use bare ids.
	if len(s.projects) == 1 {
		for _, proj := range s.projects {
			return proj, nil
		}
	}
	return core.Project{}, core.ErrNotFound("project for bead", id)
}

// run executes the bd CLI in a project repository.
func (s *Store) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// #nosec G204 -- args are fixed subcommands plus validated ids
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug("beads: running cli", "args", args, "dir", dir)

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("bd command timed out")
		}
		return "", fmt.Errorf("bd %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

func toWorkItem(b bead, project string) core.WorkItem {
	priority := core.Priority(b.Priority)
	if !priority.Valid() {
		priority = core.PriorityNormal
	}
	return core.WorkItem{
		ID:           b.ID,
		Project:      project,
		Title:        b.Title,
		Description:  b.Description,
		Priority:     priority,
		Type:         b.IssueType,
		Status:       core.WorkItemStatus(b.Status),
		Labels:       b.Labels,
		Dependencies: b.Dependencies,
		CreatedAt:    b.CreatedAt,
	}
}

var _ core.WorkItemStore = (*Store)(nil)
