// Package dispatch contains the dispatcher core: admission scheduling,
// the per-workflow state machine, concurrency tracking, question
// suspension and the rate-limit guard.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
)

// Tracker is the authoritative record of occupied concurrency slots.
// It maintains the stepID -> ActiveWork map and the derived counters,
// guarded by a single mutex so the capacity invariants hold at every
// instant.
type Tracker struct {
	mu            sync.Mutex
	maxTotal      int
	maxPerProject int
	active        map[string]core.ActiveWork
	byProject     map[string]int
}

// NewTracker creates a tracker with the given caps.
func NewTracker(maxTotal, maxPerProject int) *Tracker {
	return &Tracker{
		maxTotal:      maxTotal,
		maxPerProject: maxPerProject,
		active:        make(map[string]core.ActiveWork),
		byProject:     make(map[string]int),
	}
}

// TryAcquire atomically claims a slot for the given work. It fails with a
// capacity error when either the global or the per-project cap is reached,
// and with a state error when the step id is already tracked.
func (t *Tracker) TryAcquire(work core.ActiveWork) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.active[work.StepID]; exists {
		return core.ErrState("SLOT_ALREADY_HELD",
			fmt.Sprintf("step %s already holds a slot", work.StepID))
	}
	if len(t.active) >= t.maxTotal {
		return core.ErrCapacity(fmt.Sprintf("global cap %d reached", t.maxTotal))
	}
	project := work.WorkItem.Project
	if t.byProject[project] >= t.maxPerProject {
		return core.ErrCapacity(
			fmt.Sprintf("project %s cap %d reached", project, t.maxPerProject))
	}

	t.active[work.StepID] = work
	t.byProject[project]++
	return nil
}

// Release frees the slot held by stepID and returns the work it carried.
func (t *Tracker) Release(stepID string) (core.ActiveWork, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	work, ok := t.active[stepID]
	if !ok {
		return core.ActiveWork{}, false
	}
	delete(t.active, stepID)
	project := work.WorkItem.Project
	t.byProject[project]--
	if t.byProject[project] <= 0 {
		delete(t.byProject, project)
	}
	return work, true
}

// Rebind atomically replaces the entry for oldStepID with next. The slot
// stays occupied throughout, so a workflow advancing to its next step
// never races another admission for the capacity it already holds.
func (t *Tracker) Rebind(oldStepID string, next core.ActiveWork) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.active[oldStepID]
	if !ok {
		return core.ErrState("SLOT_NOT_HELD",
			fmt.Sprintf("step %s holds no slot to rebind", oldStepID))
	}
	if prev.WorkItem.Project != next.WorkItem.Project {
		return core.ErrState("SLOT_PROJECT_MISMATCH",
			fmt.Sprintf("cannot rebind slot across projects (%s -> %s)",
				prev.WorkItem.Project, next.WorkItem.Project))
	}
	delete(t.active, oldStepID)
	t.active[next.StepID] = next
	return nil
}

// SetWorktree records the worktree path on a live slot once it exists.
func (t *Tracker) SetWorktree(stepID, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if work, ok := t.active[stepID]; ok {
		work.WorktreePath = path
		t.active[stepID] = work
	}
}

// SetSession records the agent session id once the underlying process
// reports it.
func (t *Tracker) SetSession(stepID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if work, ok := t.active[stepID]; ok {
		work.SessionID = sessionID
		t.active[stepID] = work
	}
}

// Snapshot returns a copy of all occupied slots. Safe for dashboards to
// call at any rate without blocking acquire or release.
func (t *Tracker) Snapshot() []core.ActiveWork {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]core.ActiveWork, 0, len(t.active))
	for _, work := range t.active {
		out = append(out, work)
	}
	return out
}

// TotalActive returns the number of occupied slots.
func (t *Tracker) TotalActive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// ActiveForProject returns the number of slots held by one project.
func (t *Tracker) ActiveForProject(project string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byProject[project]
}

// HasCapacity reports whether a slot for the project could be acquired
// right now. Advisory only; TryAcquire remains the authoritative check.
func (t *Tracker) HasCapacity(project string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active) < t.maxTotal && t.byProject[project] < t.maxPerProject
}
