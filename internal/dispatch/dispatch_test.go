package dispatch

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/beadflow/internal/config"
	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	"github.com/hugo-lorenzo-mato/beadflow/internal/events"
	"github.com/hugo-lorenzo-mato/beadflow/internal/git"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// Shared fakes for the dispatch package tests.

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Format: "json", Output: &bytes.Buffer{}})
}

func testPipeline(t *testing.T) *config.Pipeline {
	t.Helper()
	p := &config.Pipeline{
		Entry: "implementation",
		Agents: []config.AgentStage{
			{Name: "implementation", Prompt: "Implement the work item."},
			{Name: "quality_review", Prompt: "Review the changes."},
			{Name: "release", Prompt: "Prepare the release."},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("test pipeline invalid: %v", err)
	}
	return p
}

func workItem(id, project string, priority core.Priority) core.WorkItem {
	return core.WorkItem{
		ID:       id,
		Project:  project,
		Title:    "work " + id,
		Priority: priority,
		Status:   core.WorkItemStatusReady,
	}
}

// runnerReply is one scripted answer from the fake runner.
type runnerReply struct {
	result *core.RunResult
	err    error
	// gate, when set, blocks the call until the channel is closed.
	gate chan struct{}
}

type resumeCall struct {
	sessionID string
	answer    string
}

// scriptedRunner pops one reply per invocation, in order.
type scriptedRunner struct {
	mu      sync.Mutex
	replies []runnerReply
	runs    []core.RunOptions
	resumes []resumeCall
	aborted bool
}

func (r *scriptedRunner) pop(t string) runnerReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return runnerReply{err: core.ErrState("NO_REPLY", "scripted runner exhausted on "+t)}
	}
	reply := r.replies[0]
	r.replies = r.replies[1:]
	return reply
}

func (r *scriptedRunner) Run(ctx context.Context, opts core.RunOptions) (*core.RunResult, error) {
	r.mu.Lock()
	r.runs = append(r.runs, opts)
	r.mu.Unlock()
	reply := r.pop("run")
	if reply.gate != nil {
		select {
		case <-reply.gate:
		case <-ctx.Done():
			return nil, core.ErrState("CANCELLED", "run cancelled")
		}
	}
	return reply.result, reply.err
}

func (r *scriptedRunner) ResumeWithAnswer(ctx context.Context, sessionID, answer string, opts core.RunOptions) (*core.RunResult, error) {
	r.mu.Lock()
	r.resumes = append(r.resumes, resumeCall{sessionID: sessionID, answer: answer})
	r.mu.Unlock()
	reply := r.pop("resume")
	if reply.gate != nil {
		select {
		case <-reply.gate:
		case <-ctx.Done():
			return nil, core.ErrState("CANCELLED", "resume cancelled")
		}
	}
	return reply.result, reply.err
}

func (r *scriptedRunner) Abort() {
	r.mu.Lock()
	r.aborted = true
	r.mu.Unlock()
}

func (r *scriptedRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func successResult(output string) *core.RunResult {
	return &core.RunResult{SessionID: "sess-1", Output: output, Success: true, CostUSD: 0.05, Turns: 3}
}

func handoffOutput(next string) string {
	return "work done\n```json\n{\"next_agent\": \"" + next + "\", \"context\": \"from " + next + " handoff\"}\n```\n"
}

// fakeStore is an in-memory work item store.
type fakeStore struct {
	mu         sync.Mutex
	ready      map[string][]core.WorkItem
	inProgress []string
	closed     map[string]string
	listCalls  map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ready:     make(map[string][]core.WorkItem),
		closed:    make(map[string]string),
		listCalls: make(map[string]int),
	}
}

func (s *fakeStore) add(items ...core.WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.ready[item.Project] = append(s.ready[item.Project], item)
	}
}

func (s *fakeStore) ListReady(ctx context.Context, project string) ([]core.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls[project]++
	out := make([]core.WorkItem, len(s.ready[project]))
	copy(out, s.ready[project])
	return out, nil
}

func (s *fakeStore) listCount(project string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls[project]
}

func (s *fakeStore) MarkInProgress(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inProgress = append(s.inProgress, id)
	return nil
}

func (s *fakeStore) MarkClosed(ctx context.Context, id, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[id] = outcome
	return nil
}

func (s *fakeStore) closedOutcome(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed[id]
}

// fakeMetrics records lifecycle calls in memory.
type fakeMetrics struct {
	mu                 sync.Mutex
	workflowStarts     []string
	workflowCompletes  map[string]string
	stepStarts         []string
	stepCompletes      map[string]string
	totalCost          float64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{workflowCompletes: make(map[string]string), stepCompletes: make(map[string]string)}
}

func (m *fakeMetrics) RecordWorkflowStart(ctx context.Context, id, project, sourceWorkItem string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflowStarts = append(m.workflowStarts, id)
	return nil
}

func (m *fakeMetrics) RecordWorkflowComplete(ctx context.Context, id, status string, explicitCost *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflowCompletes[id] = status
	return nil
}

func (m *fakeMetrics) RecordStepStart(ctx context.Context, stepID, workflowID, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepStarts = append(m.stepStarts, stepID)
	return nil
}

func (m *fakeMetrics) RecordStepComplete(ctx context.Context, stepID string, costUSD float64, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepCompletes[stepID] = outcome
	m.totalCost += costUSD
	return nil
}

func (m *fakeMetrics) GetWorkflow(ctx context.Context, id string) (*core.WorkflowRecord, error) {
	return nil, core.ErrNotFound("workflow", id)
}

func (m *fakeMetrics) GetWorkflowSteps(ctx context.Context, id string) ([]core.StepRecord, error) {
	return nil, nil
}

func (m *fakeMetrics) GetRunningWorkflows(ctx context.Context) ([]core.WorkflowRecord, error) {
	return nil, nil
}

func (m *fakeMetrics) GetTotalCost(ctx context.Context, since time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCost, nil
}

func (m *fakeMetrics) GetProjectRollups(ctx context.Context) ([]core.CostRollup, error) {
	return nil, nil
}

func (m *fakeMetrics) GetAgentRollups(ctx context.Context) ([]core.CostRollup, error) {
	return nil, nil
}

func (m *fakeMetrics) workflowStatus(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workflowCompletes[id]
}

// fakeNotifier counts notifications.
type fakeNotifier struct {
	mu         sync.Mutex
	questions  int
	progress   int
	completes  int
	errors     int
	rateLimits int
}

func (n *fakeNotifier) NotifyQuestion(ctx context.Context, q core.PendingQuestion) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.questions++
	return nil
}

func (n *fakeNotifier) NotifyProgress(ctx context.Context, work core.ActiveWork, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress++
	return nil
}

func (n *fakeNotifier) NotifyComplete(ctx context.Context, work core.ActiveWork, outcome string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completes++
	return nil
}

func (n *fakeNotifier) NotifyError(ctx context.Context, work core.ActiveWork, err error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors++
	return nil
}

func (n *fakeNotifier) NotifyRateLimit(ctx context.Context, err error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rateLimits++
	return nil
}

func (n *fakeNotifier) rateLimitCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rateLimits
}

// fakeWorktrees hands out fake paths without touching git.
type fakeWorktrees struct {
	mu      sync.Mutex
	created []string
	removed []string
	managed []git.Worktree
	pruned  int
}

func (w *fakeWorktrees) Create(ctx context.Context, epicID string) (*git.Worktree, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.created = append(w.created, epicID)
	return &git.Worktree{Path: "/tmp/worktrees/" + epicID, Branch: "beadflow/" + epicID}, nil
}

func (w *fakeWorktrees) Remove(ctx context.Context, epicID string, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, epicID)
	return nil
}

func (w *fakeWorktrees) ListManaged(ctx context.Context) ([]git.Worktree, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.managed, nil
}

func (w *fakeWorktrees) Prune(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruned++
	return nil
}

func (w *fakeWorktrees) PathFor(epicID string) string {
	return "/tmp/worktrees/" + epicID
}

func (w *fakeWorktrees) removedEpics() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.removed))
	copy(out, w.removed)
	return out
}

// harness bundles a fully wired engine plus its fakes for tests.
type harness struct {
	engine    *Engine
	tracker   *Tracker
	guard     *Guard
	questions *Questions
	runner    *scriptedRunner
	store     *fakeStore
	metrics   *fakeMetrics
	notifier  *fakeNotifier
	worktrees *fakeWorktrees
	bus       *events.Bus

	mu        sync.Mutex
	suspended []*Suspended
	unbound   []string
}

func newHarness(t *testing.T, maxTotal, maxPerProject int) *harness {
	t.Helper()

	logger := testLogger()
	questions, err := NewQuestions(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewQuestions() error = %v", err)
	}

	h := &harness{
		tracker:   NewTracker(maxTotal, maxPerProject),
		questions: questions,
		runner:    &scriptedRunner{},
		store:     newFakeStore(),
		metrics:   newFakeMetrics(),
		notifier:  &fakeNotifier{},
		worktrees: &fakeWorktrees{},
		bus:       events.New(64),
	}
	t.Cleanup(h.bus.Close)

	h.guard = NewGuard(h.bus, h.notifier, logger)
	h.engine = NewEngine(EngineDeps{
		Runner:    h.runner,
		Pipeline:  testPipeline(t),
		Tracker:   h.tracker,
		Guard:     h.guard,
		Questions: questions,
		Metrics:   h.metrics,
		Notifier:  h.notifier,
		Store:     h.store,
		Bus:       h.bus,
		Worktrees: map[string]WorktreeManager{"api": h.worktrees},
		Logger:    logger,
		RunnerCfg: config.RunnerConfig{Model: "claude-sonnet-4-20250514", MaxTurns: 40, Timeout: time.Minute},
		Suspend:   h.park,
		Unsuspend: h.unpark,
		Unbind:    h.unbind,
	})
	h.engine.retryBackoff = time.Millisecond
	h.engine.pausePoll = 5 * time.Millisecond
	return h
}

func (h *harness) park(s *Suspended) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.suspended = append(h.suspended, s)
}

func (h *harness) unpark(questionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.suspended[:0]
	for _, s := range h.suspended {
		if s.QuestionID != questionID {
			kept = append(kept, s)
		}
	}
	h.suspended = kept
}

func (h *harness) unbind(itemID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unbound = append(h.unbound, itemID)
}

func (h *harness) suspendedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.suspended)
}

// admitted acquires a slot the way the scheduler would and returns the
// workflow ready to be driven.
func (h *harness) admitted(t *testing.T, item core.WorkItem, stepID string) *core.Workflow {
	t.Helper()
	wf := core.NewWorkflow(item.ID, item, "implementation")
	wf.WorktreePath = "/tmp/worktrees/" + item.ID
	err := h.tracker.TryAcquire(core.ActiveWork{
		WorkItem: item, EpicID: wf.EpicID, StepID: stepID,
		StartedAt: time.Now(), Agent: "implementation",
	})
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	return wf
}
