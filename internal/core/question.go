package core

import "time"

// Question is a single question posed to a human, optionally with
// selectable options. The answer is always free text.
type Question struct {
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// PendingQuestion exists only while a workflow is suspended in
// AwaitingAnswer. It is resolved and removed by an external answer that
// carries the originating ID.
type PendingQuestion struct {
	ID         string     `json:"id"`
	Project    string     `json:"project"`
	WorkItemID string     `json:"work_item_id"`
	StepID     string     `json:"step_id"`
	EpicID     string     `json:"epic_id"`
	SessionID  string     `json:"session_id"`
	Worktree   string     `json:"worktree,omitempty"`
	Context    string     `json:"context,omitempty"`
	Questions  []Question `json:"questions"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Age returns how long the question has been waiting.
func (q *PendingQuestion) Age() time.Duration {
	return time.Since(q.CreatedAt)
}
