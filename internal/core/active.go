package core

import "time"

// ActiveWork is the live view of one occupied concurrency slot. It is a
// snapshot, never persisted; dashboards poll it through the dispatcher's
// status surface.
type ActiveWork struct {
	WorkItem     WorkItem  `json:"work_item"`
	EpicID       string    `json:"epic_id"`
	StepID       string    `json:"step_id"`
	SessionID    string    `json:"session_id,omitempty"`
	WorktreePath string    `json:"worktree_path,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	Agent        string    `json:"agent"`
	CostSoFar    float64   `json:"cost_so_far"`
}

// DispatcherStatus is the status surface exposed to presentation layers.
type DispatcherStatus struct {
	Active               []ActiveWork `json:"active"`
	PendingQuestionCount int          `json:"pending_question_count"`
	Paused               bool         `json:"paused"`
	PauseReason          string       `json:"pause_reason,omitempty"`
	PausedAt             time.Time    `json:"paused_at,omitzero"`
	StartedAt            time.Time    `json:"started_at"`
	TodayCost            float64      `json:"today_cost"`
}
