package core

import (
	"fmt"
	"time"
)

// WorkflowState represents the current state of a dispatched workflow.
type WorkflowState string

const (
	// WorkflowStateRunning means a step is executing (or about to).
	WorkflowStateRunning WorkflowState = "running"
	// WorkflowStateAwaitingAnswer means the workflow is suspended on a
	// human question and holds no concurrency slot.
	WorkflowStateAwaitingAnswer WorkflowState = "awaiting_answer"
	WorkflowStateDone           WorkflowState = "done"
	WorkflowStateBlocked        WorkflowState = "blocked"
)

// Terminal reports whether no further steps may be started.
func (s WorkflowState) Terminal() bool {
	return s == WorkflowStateDone || s == WorkflowStateBlocked
}

// Handoff terminal markers. Any other NextAgent value must name a known
// agent; otherwise the handoff is a protocol violation.
const (
	HandoffDone    = "DONE"
	HandoffBlocked = "BLOCKED"
)

// Handoff is the structured result an agent emits at the end of a step.
// It drives the state machine's transition decision.
type Handoff struct {
	NextAgent string `json:"next_agent"`
	PRNumber  int    `json:"pr_number,omitempty"`
	CIStatus  string `json:"ci_status,omitempty"` // pending|passed|failed
	Context   string `json:"context,omitempty"`
}

// Validate checks the handoff against the set of known agent names.
func (h Handoff) Validate(known map[string]bool) error {
	switch h.NextAgent {
	case "":
		return ErrProtocol("HANDOFF_MISSING_NEXT", "handoff has no next_agent")
	case HandoffDone, HandoffBlocked:
		return nil
	}
	if !known[h.NextAgent] {
		return ErrProtocol("HANDOFF_UNKNOWN_AGENT",
			fmt.Sprintf("handoff names unknown agent %q", h.NextAgent))
	}
	switch h.CIStatus {
	case "", "pending", "passed", "failed":
	default:
		return ErrProtocol("HANDOFF_BAD_CI_STATUS",
			fmt.Sprintf("handoff carries invalid ci_status %q", h.CIStatus))
	}
	return nil
}

// Step is one agent invocation within a workflow. Append-only once
// completed; workflows never rewind to a prior step.
type Step struct {
	ID          string     `json:"id"`
	Agent       string     `json:"agent"`
	SessionID   string     `json:"session_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CostUSD     float64    `json:"cost_usd"`
	Turns       int        `json:"turns,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
}

// Completed reports whether the step has finished.
func (s *Step) Completed() bool {
	return s.CompletedAt != nil
}

// Complete marks the step finished with the given outcome and cost.
// A completed step is never overwritten.
func (s *Step) Complete(outcome string, costUSD float64, turns int) error {
	if s.Completed() {
		return ErrState("STEP_ALREADY_COMPLETED",
			fmt.Sprintf("step %s already completed with outcome %q", s.ID, s.Outcome))
	}
	now := time.Now()
	s.CompletedAt = &now
	s.Outcome = outcome
	s.CostUSD = costUSD
	s.Turns = turns
	return nil
}

// Workflow is the runtime aggregate created when a work item is admitted.
// It owns an ordered sequence of steps and is archived on reaching a
// terminal state. The goroutine driving the workflow is its sole owner;
// no other code mutates it.
type Workflow struct {
	EpicID           string        `json:"epic_id"`
	SourceWorkItemID string        `json:"source_work_item_id"`
	Project          string        `json:"project"`
	State            WorkflowState `json:"state"`
	CurrentAgent     string        `json:"current_agent,omitempty"`
	Steps            []*Step       `json:"steps"`
	WorktreePath     string        `json:"worktree_path,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	Outcome          string        `json:"outcome,omitempty"`
}

// NewWorkflow creates a workflow in Running state for the given entry agent.
func NewWorkflow(epicID string, item WorkItem, firstAgent string) *Workflow {
	return &Workflow{
		EpicID:           epicID,
		SourceWorkItemID: item.ID,
		Project:          item.Project,
		State:            WorkflowStateRunning,
		CurrentAgent:     firstAgent,
		CreatedAt:        time.Now(),
	}
}

// BeginStep appends a new step for the given agent and returns it.
func (w *Workflow) BeginStep(stepID, agent string) (*Step, error) {
	if w.State.Terminal() {
		return nil, ErrState("WORKFLOW_TERMINAL",
			fmt.Sprintf("workflow %s is %s, no further steps", w.EpicID, w.State))
	}
	if cur := w.CurrentStep(); cur != nil && !cur.Completed() {
		return nil, ErrState("STEP_IN_FLIGHT",
			fmt.Sprintf("workflow %s already has step %s running", w.EpicID, cur.ID))
	}
	step := &Step{ID: stepID, Agent: agent, StartedAt: time.Now()}
	w.Steps = append(w.Steps, step)
	w.State = WorkflowStateRunning
	w.CurrentAgent = agent
	return step, nil
}

// CurrentStep returns the most recently started step, or nil.
func (w *Workflow) CurrentStep() *Step {
	if len(w.Steps) == 0 {
		return nil
	}
	return w.Steps[len(w.Steps)-1]
}

// Suspend transitions the workflow to AwaitingAnswer.
func (w *Workflow) Suspend() error {
	if w.State != WorkflowStateRunning {
		return ErrState("INVALID_SUSPEND",
			fmt.Sprintf("cannot suspend workflow in %s state", w.State))
	}
	w.State = WorkflowStateAwaitingAnswer
	return nil
}

// Resume transitions the workflow from AwaitingAnswer back to Running.
func (w *Workflow) Resume() error {
	if w.State != WorkflowStateAwaitingAnswer {
		return ErrState("INVALID_RESUME",
			fmt.Sprintf("cannot resume workflow in %s state", w.State))
	}
	w.State = WorkflowStateRunning
	return nil
}

// Finish moves the workflow to a terminal state.
func (w *Workflow) Finish(state WorkflowState, outcome string) error {
	if !state.Terminal() {
		return ErrState("INVALID_FINISH", fmt.Sprintf("%s is not terminal", state))
	}
	if w.State.Terminal() {
		return ErrState("WORKFLOW_TERMINAL",
			fmt.Sprintf("workflow %s already %s", w.EpicID, w.State))
	}
	w.State = state
	w.Outcome = outcome
	w.CurrentAgent = ""
	now := time.Now()
	w.CompletedAt = &now
	return nil
}

// TotalCost is the sum of all step costs.
func (w *Workflow) TotalCost() float64 {
	var total float64
	for _, s := range w.Steps {
		total += s.CostUSD
	}
	return total
}

// Duration returns elapsed time since creation, capped at completion.
func (w *Workflow) Duration() time.Duration {
	end := time.Now()
	if w.CompletedAt != nil {
		end = *w.CompletedAt
	}
	return end.Sub(w.CreatedAt)
}
