package dispatch

import (
	"context"

	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// Recovery reconciles artifacts a previous process left behind. A crash
// or forced stop can leave worktrees and question files with no workflow
// to resume them; at startup nothing is live yet, so every managed
// artifact found is stale.
type Recovery struct {
	worktrees map[string]WorktreeManager
	questions *Questions
	logger    *logging.Logger
}

// NewRecovery creates the startup reconciliation routine.
func NewRecovery(worktrees map[string]WorktreeManager, questions *Questions, logger *logging.Logger) *Recovery {
	return &Recovery{worktrees: worktrees, questions: questions, logger: logger}
}

// Run removes stale worktrees and question files. Failures are logged
// and skipped; a leftover worktree must never prevent startup.
func (r *Recovery) Run(ctx context.Context) {
	removedTrees := 0
	for project, mgr := range r.worktrees {
		stale, err := mgr.ListManaged(ctx)
		if err != nil {
			r.logger.Warn("listing worktrees failed", "project", project, "error", err)
			continue
		}
		for _, wt := range stale {
			epicID := epicFromBranch(wt.Branch)
			if epicID == "" {
				continue
			}
			r.logger.Info("removing stale worktree",
				"project", project, "epic_id", epicID, "path", wt.Path)
			if err := mgr.Remove(ctx, epicID, true); err != nil {
				r.logger.Warn("removing stale worktree failed",
					"project", project, "epic_id", epicID, "error", err)
				continue
			}
			removedTrees++
		}
		// Drop the bookkeeping git keeps for worktrees that are gone.
		if err := mgr.Prune(ctx); err != nil {
			r.logger.Warn("pruning worktrees failed", "project", project, "error", err)
		}
	}

	removedQuestions := r.questions.ClearStale()

	if removedTrees > 0 || removedQuestions > 0 {
		r.logger.Info("startup recovery complete",
			"worktrees_removed", removedTrees,
			"questions_removed", removedQuestions)
	}
}

// epicFromBranch recovers the epic id from a managed branch name.
func epicFromBranch(branch string) string {
	const prefix = "beadflow/"
	if len(branch) <= len(prefix) || branch[:len(prefix)] != prefix {
		return ""
	}
	return branch[len(prefix):]
}
