package core

import (
	"context"
	"time"
)

// =============================================================================
// WorkItemStore Port
// =============================================================================

// WorkItemStore is the external issue tracker holding beads. The dispatcher
// only reads ready items and reflects status transitions back.
type WorkItemStore interface {
	// ListReady returns items with status ready for the given project.
	ListReady(ctx context.Context, project string) ([]WorkItem, error)

	// MarkInProgress records that a workflow was admitted for the item.
	MarkInProgress(ctx context.Context, id string) error

	// MarkClosed records the terminal outcome ("done" or "blocked").
	MarkClosed(ctx context.Context, id, outcome string) error
}

// =============================================================================
// Notifier Port
// =============================================================================

// Notifier delivers human-facing notifications. Every call is
// fire-and-forget: a failing notifier must never propagate into workflow
// state.
type Notifier interface {
	NotifyQuestion(ctx context.Context, q PendingQuestion) error
	NotifyProgress(ctx context.Context, work ActiveWork, message string) error
	NotifyComplete(ctx context.Context, work ActiveWork, outcome string) error
	NotifyError(ctx context.Context, work ActiveWork, err error) error
	NotifyRateLimit(ctx context.Context, err error) error
}

// =============================================================================
// MetricsStore Port
// =============================================================================

// WorkflowRecord is the read-side projection of one workflow's metrics.
type WorkflowRecord struct {
	ID             string     `json:"id"`
	Project        string     `json:"project"`
	SourceWorkItem string     `json:"source_work_item"`
	Status         string     `json:"status"`
	CostUSD        float64    `json:"cost_usd"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// StepRecord is the read-side projection of one step's metrics.
type StepRecord struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	Agent       string     `json:"agent"`
	CostUSD     float64    `json:"cost_usd"`
	Outcome     string     `json:"outcome,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CostRollup aggregates cost and counts for one grouping key
// (project or agent).
type CostRollup struct {
	Key     string  `json:"key"`
	Count   int     `json:"count"`
	CostUSD float64 `json:"cost_usd"`
}

// MetricsStore records workflow and step lifecycle events and serves
// aggregations derived purely from that event stream. Calls from the
// dispatcher are best-effort: failures are logged and swallowed.
type MetricsStore interface {
	RecordWorkflowStart(ctx context.Context, id, project, sourceWorkItem string) error

	// RecordWorkflowComplete finalizes a workflow. When explicitCost is
	// nil the cost defaults to the sum of recorded step costs.
	RecordWorkflowComplete(ctx context.Context, id, status string, explicitCost *float64) error

	RecordStepStart(ctx context.Context, stepID, workflowID, agent string) error

	// RecordStepComplete is upsert-safe: recording the same completed
	// step id twice never doubles the reported cost.
	RecordStepComplete(ctx context.Context, stepID string, costUSD float64, outcome string) error

	GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error)
	GetWorkflowSteps(ctx context.Context, id string) ([]StepRecord, error)
	GetRunningWorkflows(ctx context.Context) ([]WorkflowRecord, error)
	GetTotalCost(ctx context.Context, since time.Time) (float64, error)
	GetProjectRollups(ctx context.Context) ([]CostRollup, error)
	GetAgentRollups(ctx context.Context) ([]CostRollup, error)
}
