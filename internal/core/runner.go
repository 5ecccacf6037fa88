package core

import (
	"context"
	"time"
)

// StreamEventKind identifies the kind of a streamed runner event.
type StreamEventKind string

const (
	StreamEventOutput  StreamEventKind = "output"
	StreamEventToolUse StreamEventKind = "tool_use"
)

// StreamEvent is a push-style notification from a running agent process.
// Each step has exactly one subscriber, so the sink is invoked
// synchronously from the goroutine driving that step.
type StreamEvent struct {
	Kind StreamEventKind
	Text string
	Tool string
}

// OutputSink receives stream events for one step.
type OutputSink func(StreamEvent)

// RunOptions configures one agent invocation.
type RunOptions struct {
	Prompt   string
	WorkDir  string
	Model    string
	MaxTurns int
	Timeout  time.Duration
	Sink     OutputSink

	// Attribution for diagnostics. Not interpreted by runners.
	Agent  string
	EpicID string
}

// QuestionRequest is emitted by an agent that needs a human answer before
// it can continue. The dispatcher turns it into a PendingQuestion and
// suspends the workflow.
type QuestionRequest struct {
	Context   string   `json:"context,omitempty"`
	Questions []string `json:"questions"`
	Options   []string `json:"options,omitempty"`
}

// RunResult is the outcome of one agent invocation.
//
// Success must never be true when the underlying transcript carries an
// error marker, regardless of any enclosing "process exited 0" or
// "result: success" envelope.
type RunResult struct {
	SessionID       string
	Output          string
	CostUSD         float64
	Turns           int
	Duration        time.Duration
	Success         bool
	Error           string
	IsAuthError     bool
	IsRateLimited   bool
	PendingQuestion *QuestionRequest
}

// AgentRunner launches and resumes agent invocations. Implementations are
// interchangeable; the dispatcher selects one at startup via configuration
// and never inspects which variant is active.
type AgentRunner interface {
	// Run executes a prompt in the given working directory and blocks
	// until the agent finishes, asks a question, or fails.
	Run(ctx context.Context, opts RunOptions) (*RunResult, error)

	// ResumeWithAnswer reattaches to an existing agent session (same
	// working tree, same conversation history) and feeds it an answer.
	ResumeWithAnswer(ctx context.Context, sessionID, answer string, opts RunOptions) (*RunResult, error)

	// Abort best-effort terminates every in-flight invocation owned by
	// this runner. Used only on forced shutdown.
	Abort()
}
