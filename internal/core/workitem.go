package core

import "time"

// Priority orders work items for admission. Lower is more urgent.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
	PriorityBacklog  Priority = 4
)

// Valid reports whether the priority is within the supported range.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBacklog
}

// WorkItemStatus mirrors the status field of the external work-item store.
type WorkItemStatus string

const (
	WorkItemStatusReady      WorkItemStatus = "ready"
	WorkItemStatusInProgress WorkItemStatus = "in_progress"
	WorkItemStatusBlocked    WorkItemStatus = "blocked"
	WorkItemStatusClosed     WorkItemStatus = "closed"
)

// Project is the static configuration of one source-code project the
// dispatcher works against. Immutable for the process lifetime.
type Project struct {
	Name       string `json:"name"`
	RepoPath   string `json:"repo_path"`
	BaseBranch string `json:"base_branch"`
	AgentsPath string `json:"agents_path"`
	BeadsMode  string `json:"beads_mode"`
}

// WorkItem is a bead: one unit of trackable work owned by the external
// work-item store. The dispatcher only reads it and reflects status
// transitions back.
type WorkItem struct {
	ID           string         `json:"id"`
	Project      string         `json:"project"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Priority     Priority       `json:"priority"`
	Type         string         `json:"type,omitempty"`
	Status       WorkItemStatus `json:"status"`
	Labels       []string       `json:"labels,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	CreatedAt    time.Time      `json:"created_at,omitempty"`
}

