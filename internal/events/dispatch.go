package events

// Event type constants for dispatcher events.
const (
	TypeWorkflowStarted   = "workflow_started"
	TypeWorkflowCompleted = "workflow_completed"
	TypeStepStarted       = "step_started"
	TypeStepCompleted     = "step_completed"
	TypeQuestionAsked     = "question_asked"
	TypeQuestionAnswered  = "question_answered"
	TypeSlotReleased      = "slot_released"
	TypeDispatcherPaused  = "dispatcher_paused"
	TypeDispatcherResumed = "dispatcher_resumed"
	TypeRateLimited       = "rate_limited"
	TypeAgentOutput       = "agent_output"
)

// WorkflowStartedEvent is emitted when a work item is admitted and its
// workflow begins.
type WorkflowStartedEvent struct {
	BaseEvent
	Project    string `json:"project"`
	WorkItemID string `json:"work_item_id"`
	Agent      string `json:"agent"`
}

// NewWorkflowStartedEvent creates a new workflow started event.
func NewWorkflowStartedEvent(epicID, project, workItemID, agent string) WorkflowStartedEvent {
	return WorkflowStartedEvent{
		BaseEvent:  NewBaseEvent(TypeWorkflowStarted, epicID),
		Project:    project,
		WorkItemID: workItemID,
		Agent:      agent,
	}
}

// WorkflowCompletedEvent is emitted when a workflow reaches a terminal
// outcome. This should only be emitted ONCE per workflow.
type WorkflowCompletedEvent struct {
	BaseEvent
	Project   string  `json:"project"`
	Outcome   string  `json:"outcome"` // done | blocked
	TotalCost float64 `json:"total_cost"`
}

// NewWorkflowCompletedEvent creates a new workflow completed event.
func NewWorkflowCompletedEvent(epicID, project, outcome string, totalCost float64) WorkflowCompletedEvent {
	return WorkflowCompletedEvent{
		BaseEvent: NewBaseEvent(TypeWorkflowCompleted, epicID),
		Project:   project,
		Outcome:   outcome,
		TotalCost: totalCost,
	}
}

// StepStartedEvent is emitted when an agent invocation begins.
type StepStartedEvent struct {
	BaseEvent
	StepID string `json:"step_id"`
	Agent  string `json:"agent"`
}

// NewStepStartedEvent creates a new step started event.
func NewStepStartedEvent(epicID, stepID, agent string) StepStartedEvent {
	return StepStartedEvent{
		BaseEvent: NewBaseEvent(TypeStepStarted, epicID),
		StepID:    stepID,
		Agent:     agent,
	}
}

// StepCompletedEvent is emitted when an agent invocation finishes.
type StepCompletedEvent struct {
	BaseEvent
	StepID  string  `json:"step_id"`
	Agent   string  `json:"agent"`
	Outcome string  `json:"outcome"`
	CostUSD float64 `json:"cost_usd"`
	Turns   int     `json:"turns"`
}

// NewStepCompletedEvent creates a new step completed event.
func NewStepCompletedEvent(epicID, stepID, agent, outcome string, costUSD float64, turns int) StepCompletedEvent {
	return StepCompletedEvent{
		BaseEvent: NewBaseEvent(TypeStepCompleted, epicID),
		StepID:    stepID,
		Agent:     agent,
		Outcome:   outcome,
		CostUSD:   costUSD,
		Turns:     turns,
	}
}

// QuestionAskedEvent is emitted when a workflow suspends on a human question.
type QuestionAskedEvent struct {
	BaseEvent
	QuestionID string `json:"question_id"`
	Project    string `json:"project"`
}

// NewQuestionAskedEvent creates a new question asked event.
func NewQuestionAskedEvent(epicID, questionID, project string) QuestionAskedEvent {
	return QuestionAskedEvent{
		BaseEvent:  NewBaseEvent(TypeQuestionAsked, epicID),
		QuestionID: questionID,
		Project:    project,
	}
}

// QuestionAnsweredEvent is emitted when a pending question is resolved.
type QuestionAnsweredEvent struct {
	BaseEvent
	QuestionID string `json:"question_id"`
}

// NewQuestionAnsweredEvent creates a new question answered event.
func NewQuestionAnsweredEvent(epicID, questionID string) QuestionAnsweredEvent {
	return QuestionAnsweredEvent{
		BaseEvent:  NewBaseEvent(TypeQuestionAnswered, epicID),
		QuestionID: questionID,
	}
}

// SlotReleasedEvent is emitted whenever a concurrency slot frees up.
// The scheduler subscribes to it to trigger an immediate admission tick.
// This is a PRIORITY event - never dropped.
type SlotReleasedEvent struct {
	BaseEvent
	Project string `json:"project"`
	StepID  string `json:"step_id"`
}

// NewSlotReleasedEvent creates a new slot released event.
func NewSlotReleasedEvent(epicID, project, stepID string) SlotReleasedEvent {
	return SlotReleasedEvent{
		BaseEvent: NewBaseEvent(TypeSlotReleased, epicID),
		Project:   project,
		StepID:    stepID,
	}
}

// DispatcherPausedEvent is emitted when admission of new workflows stops.
type DispatcherPausedEvent struct {
	BaseEvent
	Reason string `json:"reason"` // manual | rate_limit
}

// NewDispatcherPausedEvent creates a new dispatcher paused event.
func NewDispatcherPausedEvent(reason string) DispatcherPausedEvent {
	return DispatcherPausedEvent{
		BaseEvent: NewBaseEvent(TypeDispatcherPaused, ""),
		Reason:    reason,
	}
}

// DispatcherResumedEvent is emitted when admission restarts.
type DispatcherResumedEvent struct {
	BaseEvent
}

// NewDispatcherResumedEvent creates a new dispatcher resumed event.
func NewDispatcherResumedEvent() DispatcherResumedEvent {
	return DispatcherResumedEvent{
		BaseEvent: NewBaseEvent(TypeDispatcherResumed, ""),
	}
}

// RateLimitedEvent is emitted when a runner reports a provider rate limit.
type RateLimitedEvent struct {
	BaseEvent
	Message string `json:"message"`
}

// NewRateLimitedEvent creates a new rate limited event.
func NewRateLimitedEvent(epicID, message string) RateLimitedEvent {
	return RateLimitedEvent{
		BaseEvent: NewBaseEvent(TypeRateLimited, epicID),
		Message:   message,
	}
}

// AgentOutputEvent carries a chunk of streamed agent output for live
// observers such as the SSE endpoint.
type AgentOutputEvent struct {
	BaseEvent
	StepID string `json:"step_id"`
	Text   string `json:"text"`
}

// NewAgentOutputEvent creates a new agent output event.
func NewAgentOutputEvent(epicID, stepID, text string) AgentOutputEvent {
	return AgentOutputEvent{
		BaseEvent: NewBaseEvent(TypeAgentOutput, epicID),
		StepID:    stepID,
		Text:      text,
	}
}
