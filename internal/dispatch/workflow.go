package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hugo-lorenzo-mato/beadflow/internal/config"
	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	"github.com/hugo-lorenzo-mato/beadflow/internal/events"
	"github.com/hugo-lorenzo-mato/beadflow/internal/git"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// WorktreeManager isolates one project's worktree operations.
// *git.Worktrees is the production implementation.
type WorktreeManager interface {
	Create(ctx context.Context, epicID string) (*git.Worktree, error)
	Remove(ctx context.Context, epicID string, force bool) error
	ListManaged(ctx context.Context) ([]git.Worktree, error)
	Prune(ctx context.Context) error
	PathFor(epicID string) string
}

// QuestionRegistry is the engine's view of the pending-question store.
// *Questions is the production implementation.
type QuestionRegistry interface {
	Add(q core.PendingQuestion) error
}

// Suspended is a workflow parked in AwaitingAnswer. It holds no
// concurrency slot; the dispatcher re-admits it when the answer arrives.
type Suspended struct {
	Workflow   *core.Workflow
	Item       core.WorkItem
	QuestionID string
	SessionID  string
}

// Engine drives one workflow through its agent chain to a terminal
// state. Each workflow is driven by exactly one goroutine; the engine
// itself holds no per-workflow state.
type Engine struct {
	runner    core.AgentRunner
	pipeline  *config.Pipeline
	tracker   *Tracker
	guard     *Guard
	questions QuestionRegistry
	metrics   core.MetricsStore
	notifier  core.Notifier
	store     core.WorkItemStore
	bus       *events.Bus
	worktrees map[string]WorktreeManager
	logger    *logging.Logger

	runnerCfg config.RunnerConfig

	// suspend parks a workflow awaiting a human answer; unsuspend rolls
	// a park back when registering its question fails.
	suspend   func(*Suspended)
	unsuspend func(questionID string)
	// unbind frees the work item binding once the workflow ends.
	unbind func(itemID string)

	retryBackoff time.Duration
	pausePoll    time.Duration
}

// EngineDeps wires the engine's collaborators.
type EngineDeps struct {
	Runner    core.AgentRunner
	Pipeline  *config.Pipeline
	Tracker   *Tracker
	Guard     *Guard
	Questions QuestionRegistry
	Metrics   core.MetricsStore
	Notifier  core.Notifier
	Store     core.WorkItemStore
	Bus       *events.Bus
	Worktrees map[string]WorktreeManager
	Logger    *logging.Logger
	RunnerCfg config.RunnerConfig
	Suspend   func(*Suspended)
	Unsuspend func(questionID string)
	Unbind    func(itemID string)
}

// NewEngine creates a workflow engine.
func NewEngine(deps EngineDeps) *Engine {
	return &Engine{
		runner:       deps.Runner,
		pipeline:     deps.Pipeline,
		tracker:      deps.Tracker,
		guard:        deps.Guard,
		questions:    deps.Questions,
		metrics:      deps.Metrics,
		notifier:     deps.Notifier,
		store:        deps.Store,
		bus:          deps.Bus,
		worktrees:    deps.Worktrees,
		logger:       deps.Logger,
		runnerCfg:    deps.RunnerCfg,
		suspend:      deps.Suspend,
		unsuspend:    deps.Unsuspend,
		unbind:       deps.Unbind,
		retryBackoff: 5 * time.Second,
		pausePoll:    time.Second,
	}
}

// execution is the mutable driving state of one workflow goroutine.
type execution struct {
	workflow *core.Workflow
	item     core.WorkItem
	stepID   string

	// Handoff context threaded into the next step's prompt.
	handoffContext string

	// Set when the first step resumes a suspended session.
	resumeSession string
	resumeAnswer  string
}

// Drive runs the workflow to a terminal state or a suspension. The slot
// for firstStepID must already be held by the caller; Drive releases it
// on every exit path.
func (e *Engine) Drive(ctx context.Context, wf *core.Workflow, item core.WorkItem, firstStepID string) {
	e.drive(ctx, &execution{workflow: wf, item: item, stepID: firstStepID})
}

// Resume continues a suspended workflow with a human answer. The slot
// for stepID must already be held.
func (e *Engine) Resume(ctx context.Context, s *Suspended, answer, stepID string) {
	if err := s.Workflow.Resume(); err != nil {
		e.logger.Error("resume rejected", "epic_id", s.Workflow.EpicID, "error", err)
		e.releaseSlot(stepID, s.Workflow.EpicID, s.Item.Project)
		return
	}
	e.drive(ctx, &execution{
		workflow:      s.Workflow,
		item:          s.Item,
		stepID:        stepID,
		resumeSession: s.SessionID,
		resumeAnswer:  answer,
	})
}

func (e *Engine) drive(ctx context.Context, ex *execution) {
	wf := ex.workflow
	log := e.logger.WithProject(ex.item.Project).WithEpic(wf.EpicID)

	for wf.State == core.WorkflowStateRunning {
		step, err := wf.BeginStep(ex.stepID, wf.CurrentAgent)
		if err != nil {
			log.Error("beginning step failed", "error", err)
			e.finish(ctx, ex, core.WorkflowStateBlocked, "internal_error")
			return
		}

		e.recordStepStart(ctx, step, wf)
		e.bus.Publish(events.NewStepStartedEvent(wf.EpicID, step.ID, step.Agent))
		log.Info("step started", "step_id", step.ID, "agent", step.Agent)

		result, runErr := e.invoke(ctx, ex, step)

		switch outcome := e.classify(ctx, ex, step, result, runErr); outcome {
		case stepAdvance:
			// classify already rebound the slot and set ex.stepID.
		case stepSuspended, stepTerminal, stepInterrupted:
			return
		}
	}
}

// stepOutcome is the drive loop's control-flow decision after one step.
type stepOutcome int

const (
	stepAdvance stepOutcome = iota
	stepSuspended
	stepTerminal
	stepInterrupted
)

// invoke performs one agent invocation, retrying rate-limit pauses and
// one transient failure. It returns a result, or an error that classify
// treats as fatal.
func (e *Engine) invoke(ctx context.Context, ex *execution, step *core.Step) (*core.RunResult, error) {
	retried := false
	for {
		result, err := e.invokeOnce(ctx, ex, step)

		// Provider throttling pauses the whole dispatcher. The step is
		// not failed; it waits for an explicit resume and goes again.
		if isRateLimit(result, err) {
			e.guard.OnRateLimit(ctx, ex.workflow.EpicID, rateLimitError(result, err))
			if !e.waitWhilePaused(ctx) {
				return nil, core.ErrState("CANCELLED", "workflow cancelled while paused")
			}
			continue
		}

		// Transient failures are retried once with backoff.
		if err != nil && core.IsCategory(err, core.ErrCatTransient) && !retried {
			retried = true
			e.logger.Warn("transient runner failure, retrying step",
				"epic_id", ex.workflow.EpicID, "step_id", step.ID, "error", err)
			select {
			case <-time.After(e.retryBackoff):
			case <-ctx.Done():
				return nil, core.ErrState("CANCELLED", "workflow cancelled during retry backoff")
			}
			continue
		}

		// The resume fields stay armed across the retry paths above: a
		// rate-limited or transient resume must reattach to the same
		// session with the same answer, never fall back to a fresh run.
		ex.resumeSession, ex.resumeAnswer = "", ""
		return result, err
	}
}

func (e *Engine) invokeOnce(ctx context.Context, ex *execution, step *core.Step) (*core.RunResult, error) {
	stage, ok := e.pipeline.Stage(step.Agent)
	if !ok {
		return nil, core.ErrProtocol("UNKNOWN_AGENT",
			fmt.Sprintf("pipeline defines no agent %q", step.Agent))
	}

	opts := core.RunOptions{
		WorkDir:  ex.workflow.WorktreePath,
		Model:    stage.Model,
		MaxTurns: stage.MaxTurns,
		Timeout:  e.runnerCfg.Timeout,
		Sink:     e.sink(ex.workflow, step),
		Agent:    step.Agent,
		EpicID:   ex.workflow.EpicID,
	}
	if opts.Model == "" {
		opts.Model = e.runnerCfg.Model
	}
	if opts.MaxTurns == 0 {
		opts.MaxTurns = e.runnerCfg.MaxTurns
	}

	if ex.resumeSession != "" {
		result, err := e.runner.ResumeWithAnswer(ctx, ex.resumeSession, ex.resumeAnswer, opts)
		if result != nil {
			e.recordSession(step, result.SessionID)
		}
		return result, err
	}

	opts.Prompt = buildPrompt(stage, ex.item, ex.handoffContext)
	result, err := e.runner.Run(ctx, opts)
	if result != nil {
		e.recordSession(step, result.SessionID)
	}
	return result, err
}

// classify turns one step's result into a state-machine transition.
func (e *Engine) classify(ctx context.Context, ex *execution, step *core.Step, result *core.RunResult, runErr error) stepOutcome {
	wf := ex.workflow

	if runErr != nil {
		if core.IsCategory(runErr, core.ErrCatState) {
			// Forced stop or context cancellation. The workflow is left
			// interrupted; startup recovery reconciles its worktree.
			e.completeStep(ctx, wf.EpicID, step, "interrupted", 0, 0)
			e.releaseSlot(step.ID, wf.EpicID, ex.item.Project)
			e.logger.Warn("workflow interrupted", "epic_id", wf.EpicID, "step_id", step.ID)
			return stepInterrupted
		}
		if core.IsCategory(runErr, core.ErrCatAuth) {
			return e.fail(ctx, ex, step, "auth_failed", runErr, 0, 0)
		}
		return e.fail(ctx, ex, step, "runner_failed", runErr, 0, 0)
	}

	cost, turns := result.CostUSD, result.Turns

	if result.IsAuthError {
		return e.fail(ctx, ex, step, "auth_failed",
			core.ErrAuth(firstNonEmpty(result.Error, "authentication failure reported in transcript")),
			cost, turns)
	}
	if !result.Success {
		return e.fail(ctx, ex, step, "agent_failed",
			core.ErrExecution(core.CodeRunnerCrashed,
				firstNonEmpty(result.Error, "agent reported failure")),
			cost, turns)
	}

	if result.PendingQuestion != nil {
		e.completeStep(ctx, wf.EpicID, step, "question", cost, turns)
		return e.suspendOnQuestion(ctx, ex, step, result)
	}

	handoff, err := ParseHandoff(result.Output, e.pipeline.KnownAgents())
	if err != nil {
		e.completeStep(ctx, wf.EpicID, step, "protocol_violation", cost, turns)
		e.logger.Error("handoff protocol violation",
			"epic_id", wf.EpicID, "step_id", step.ID, "error", err)
		e.finish(ctx, ex, core.WorkflowStateBlocked, "protocol_violation")
		return stepTerminal
	}

	ex.handoffContext = handoff.Context

	switch handoff.NextAgent {
	case core.HandoffDone:
		e.completeStep(ctx, wf.EpicID, step, "done", cost, turns)
		e.finish(ctx, ex, core.WorkflowStateDone, "done")
		return stepTerminal
	case core.HandoffBlocked:
		e.completeStep(ctx, wf.EpicID, step, "blocked", cost, turns)
		e.finish(ctx, ex, core.WorkflowStateBlocked, "blocked")
		return stepTerminal
	}

	// Advance to the next agent. The slot is rebound, never released,
	// so the workflow cannot lose its capacity between steps.
	e.completeStep(ctx, wf.EpicID, step, "handoff:"+handoff.NextAgent, cost, turns)
	nextStepID := uuid.NewString()
	next := e.activeWork(wf, ex.item, nextStepID, handoff.NextAgent)
	if err := e.tracker.Rebind(step.ID, next); err != nil {
		e.logger.Error("slot rebind failed", "epic_id", wf.EpicID, "error", err)
		e.finish(ctx, ex, core.WorkflowStateBlocked, "internal_error")
		return stepTerminal
	}
	wf.CurrentAgent = handoff.NextAgent
	ex.stepID = nextStepID
	e.notifyProgress(ctx, wf, ex.item, "handing off to "+handoff.NextAgent)
	return stepAdvance
}

// fail handles a fatal step failure: auth errors are never retried, and
// anything else reaching here has exhausted its retry.
func (e *Engine) fail(ctx context.Context, ex *execution, step *core.Step, outcome string, cause error, cost float64, turns int) stepOutcome {
	wf := ex.workflow
	e.completeStep(ctx, wf.EpicID, step, outcome, cost, turns)
	e.logger.Error("step failed",
		"epic_id", wf.EpicID, "step_id", step.ID, "agent", step.Agent, "error", cause)
	if err := e.notifier.NotifyError(ctx, e.activeWork(wf, ex.item, step.ID, step.Agent), cause); err != nil {
		e.logger.Warn("error notification failed", "error", err)
	}
	e.finish(ctx, ex, core.WorkflowStateBlocked, outcome)
	return stepTerminal
}

// suspendOnQuestion parks the workflow and frees its slot. The workflow
// consumes no capacity while a human considers the question.
func (e *Engine) suspendOnQuestion(ctx context.Context, ex *execution, step *core.Step, result *core.RunResult) stepOutcome {
	wf := ex.workflow

	if err := wf.Suspend(); err != nil {
		e.logger.Error("suspend failed", "epic_id", wf.EpicID, "error", err)
		e.finish(ctx, ex, core.WorkflowStateBlocked, "internal_error")
		return stepTerminal
	}

	q := core.PendingQuestion{
		ID:         uuid.NewString(),
		Project:    ex.item.Project,
		WorkItemID: ex.item.ID,
		StepID:     step.ID,
		EpicID:     wf.EpicID,
		SessionID:  result.SessionID,
		Worktree:   wf.WorktreePath,
		Context:    result.PendingQuestion.Context,
		CreatedAt:  time.Now(),
	}
	for _, text := range result.PendingQuestion.Questions {
		q.Questions = append(q.Questions, core.Question{
			Text:    text,
			Options: result.PendingQuestion.Options,
		})
	}

	// The workflow parks first: by the time the question is registered
	// and answerable, the suspended entry must already exist.
	e.suspend(&Suspended{
		Workflow:   wf,
		Item:       ex.item,
		QuestionID: q.ID,
		SessionID:  result.SessionID,
	})

	if err := e.questions.Add(q); err != nil {
		if e.unsuspend != nil {
			e.unsuspend(q.ID)
		}
		e.logger.Error("registering question failed", "epic_id", wf.EpicID, "error", err)
		e.finish(ctx, ex, core.WorkflowStateBlocked, "internal_error")
		return stepTerminal
	}

	e.releaseSlot(step.ID, wf.EpicID, ex.item.Project)
	e.bus.Publish(events.NewQuestionAskedEvent(wf.EpicID, q.ID, q.Project))
	if err := e.notifier.NotifyQuestion(ctx, q); err != nil {
		e.logger.Warn("question notification failed", "error", err)
	}
	e.logger.Info("workflow awaiting answer",
		"epic_id", wf.EpicID, "question_id", q.ID, "questions", len(q.Questions))
	return stepSuspended
}

// finish moves the workflow to a terminal state and settles every
// collaborator: work item status, metrics, notification, slot release
// and worktree cleanup.
func (e *Engine) finish(ctx context.Context, ex *execution, state core.WorkflowState, outcome string) {
	wf := ex.workflow

	if err := wf.Finish(state, outcome); err != nil {
		e.logger.Error("finishing workflow failed", "epic_id", wf.EpicID, "error", err)
	}

	if err := e.store.MarkClosed(ctx, ex.item.ID, string(state)); err != nil {
		e.logger.Warn("updating work item failed", "work_item", ex.item.ID, "error", err)
	}
	e.recordWorkflowComplete(ctx, wf, state)

	work := e.activeWork(wf, ex.item, ex.stepID, "")
	if err := e.notifier.NotifyComplete(ctx, work, outcome); err != nil {
		e.logger.Warn("completion notification failed", "error", err)
	}
	e.bus.Publish(events.NewWorkflowCompletedEvent(wf.EpicID, wf.Project, outcome, wf.TotalCost()))
	e.logger.Info("workflow finished",
		"epic_id", wf.EpicID, "state", string(state), "cost_usd", wf.TotalCost(),
		"steps", len(wf.Steps), "duration", wf.Duration())

	e.releaseSlot(ex.stepID, wf.EpicID, ex.item.Project)
	if e.unbind != nil {
		e.unbind(ex.item.ID)
	}

	// Successful workflows leave nothing behind. Blocked ones keep their
	// worktree so a human can inspect the partial work.
	if state == core.WorkflowStateDone {
		e.removeWorktree(ctx, wf)
	}
}

func (e *Engine) releaseSlot(stepID, epicID, project string) {
	if _, ok := e.tracker.Release(stepID); ok {
		e.bus.PublishPriority(events.NewSlotReleasedEvent(epicID, project, stepID))
	}
}

func (e *Engine) removeWorktree(ctx context.Context, wf *core.Workflow) {
	mgr, ok := e.worktrees[wf.Project]
	if !ok {
		return
	}
	if err := mgr.Remove(ctx, wf.EpicID, true); err != nil {
		e.logger.Warn("worktree cleanup failed", "epic_id", wf.EpicID, "error", err)
	}
}

func (e *Engine) sink(wf *core.Workflow, step *core.Step) core.OutputSink {
	return func(ev core.StreamEvent) {
		if ev.Kind == core.StreamEventOutput && ev.Text != "" {
			e.bus.Publish(events.NewAgentOutputEvent(wf.EpicID, step.ID, ev.Text))
		}
	}
}

func (e *Engine) activeWork(wf *core.Workflow, item core.WorkItem, stepID, agent string) core.ActiveWork {
	return core.ActiveWork{
		WorkItem:     item,
		EpicID:       wf.EpicID,
		StepID:       stepID,
		WorktreePath: wf.WorktreePath,
		StartedAt:    time.Now(),
		Agent:        agent,
		CostSoFar:    wf.TotalCost(),
	}
}

func (e *Engine) recordSession(step *core.Step, sessionID string) {
	if sessionID == "" {
		return
	}
	step.SessionID = sessionID
	e.tracker.SetSession(step.ID, sessionID)
}

func (e *Engine) completeStep(ctx context.Context, epicID string, step *core.Step, outcome string, cost float64, turns int) {
	if err := step.Complete(outcome, cost, turns); err != nil {
		e.logger.Warn("completing step failed", "step_id", step.ID, "error", err)
		return
	}
	if err := e.metrics.RecordStepComplete(ctx, step.ID, cost, outcome); err != nil {
		e.logger.Warn("recording step completion failed", "step_id", step.ID, "error", err)
	}
	e.bus.Publish(events.NewStepCompletedEvent(epicID, step.ID, step.Agent, outcome, cost, turns))
}

func (e *Engine) recordStepStart(ctx context.Context, step *core.Step, wf *core.Workflow) {
	if err := e.metrics.RecordStepStart(ctx, step.ID, wf.EpicID, step.Agent); err != nil {
		e.logger.Warn("recording step start failed", "step_id", step.ID, "error", err)
	}
}

func (e *Engine) recordWorkflowComplete(ctx context.Context, wf *core.Workflow, state core.WorkflowState) {
	if err := e.metrics.RecordWorkflowComplete(ctx, wf.EpicID, string(state), nil); err != nil {
		e.logger.Warn("recording workflow completion failed", "epic_id", wf.EpicID, "error", err)
	}
}

func (e *Engine) notifyProgress(ctx context.Context, wf *core.Workflow, item core.WorkItem, message string) {
	if err := e.notifier.NotifyProgress(ctx, e.activeWork(wf, item, "", wf.CurrentAgent), message); err != nil {
		e.logger.Warn("progress notification failed", "error", err)
	}
}

// waitWhilePaused blocks until the guard resumes or ctx is cancelled.
func (e *Engine) waitWhilePaused(ctx context.Context) bool {
	ticker := time.NewTicker(e.pausePoll)
	defer ticker.Stop()
	for e.guard.Paused() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return ctx.Err() == nil
}

func isRateLimit(result *core.RunResult, err error) bool {
	if result != nil && result.IsRateLimited {
		return true
	}
	return err != nil && core.IsCategory(err, core.ErrCatRateLimit)
}

func rateLimitError(result *core.RunResult, err error) error {
	if err != nil && core.IsCategory(err, core.ErrCatRateLimit) {
		return err
	}
	if result != nil && result.Error != "" {
		return core.ErrRateLimit(result.Error)
	}
	return core.ErrRateLimit("provider rate limit reported in transcript")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// buildPrompt composes the step prompt from the stage's template, the
// work item and the previous step's handoff context.
func buildPrompt(stage config.AgentStage, item core.WorkItem, handoffContext string) string {
	var b strings.Builder
	b.WriteString(stage.Prompt)
	b.WriteString("\n\n## Work item\n")
	fmt.Fprintf(&b, "ID: %s\nTitle: %s\n", item.ID, item.Title)
	if item.Description != "" {
		b.WriteString("\n")
		b.WriteString(item.Description)
		b.WriteString("\n")
	}
	if handoffContext != "" {
		b.WriteString("\n## Context from previous step\n")
		b.WriteString(handoffContext)
		b.WriteString("\n")
	}
	b.WriteString("\n## Handoff\n")
	b.WriteString(`When finished, emit a fenced json block: {"next_agent": "<agent>" | "DONE" | "BLOCKED", "context": "..."}`)
	b.WriteString("\n")
	return b.String()
}

// ParseHandoff extracts the final handoff block from an agent's output.
// Agents emit it as a fenced json block or a bare JSON object; the last
// one in the output wins.
func ParseHandoff(output string, known map[string]bool) (core.Handoff, error) {
	var handoff core.Handoff
	found := false
	for _, candidate := range jsonBlocks(output) {
		var h core.Handoff
		if err := json.Unmarshal([]byte(candidate), &h); err != nil {
			continue
		}
		if h.NextAgent == "" {
			continue
		}
		handoff = h
		found = true
	}
	if !found {
		return core.Handoff{}, core.ErrProtocol("HANDOFF_MISSING",
			"agent output carries no handoff block")
	}
	if err := handoff.Validate(known); err != nil {
		return core.Handoff{}, err
	}
	return handoff, nil
}

// jsonBlocks returns candidate JSON objects from agent output: the
// contents of ```json fences plus any bare top-level object.
func jsonBlocks(output string) []string {
	var blocks []string
	rest := output
	for {
		start := strings.Index(rest, "```json")
		if start < 0 {
			break
		}
		rest = rest[start+len("```json"):]
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		blocks = append(blocks, strings.TrimSpace(rest[:end]))
		rest = rest[end+3:]
	}
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		blocks = append(blocks, trimmed)
	}
	return blocks
}
