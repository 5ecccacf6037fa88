package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	"github.com/hugo-lorenzo-mato/beadflow/internal/events"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// resumeEntry is a suspended workflow whose answer has arrived. Resumes
// are drained before any new admission so question-to-resume latency
// stays bounded.
type resumeEntry struct {
	suspended *Suspended
	answer    string
}

// candidate is one ready work item considered for admission this tick.
type candidate struct {
	item core.WorkItem
	// position preserves the store's insertion order within a project.
	position int
}

// Scheduler admits ready work items into workflows, respecting the
// concurrency caps and the paused flag. Ticks fire on a timer and on
// every slot release.
type Scheduler struct {
	store     core.WorkItemStore
	tracker   *Tracker
	guard     *Guard
	engine    *Engine
	metrics   core.MetricsStore
	bus       *events.Bus
	worktrees map[string]WorktreeManager
	projects  []core.Project
	entry     string
	interval  time.Duration
	logger    *logging.Logger

	mu          sync.Mutex
	resumeQueue []resumeEntry
	bound       map[string]bool // work item ids owned by a live workflow
	rrOffset    int             // round-robin start index over projects

	running sync.WaitGroup
}

// SchedulerDeps wires the scheduler's collaborators.
type SchedulerDeps struct {
	Store     core.WorkItemStore
	Tracker   *Tracker
	Guard     *Guard
	Engine    *Engine
	Metrics   core.MetricsStore
	Bus       *events.Bus
	Worktrees map[string]WorktreeManager
	Projects  []core.Project
	Entry     string
	Interval  time.Duration
	Logger    *logging.Logger
}

// NewScheduler creates an admission scheduler.
func NewScheduler(deps SchedulerDeps) *Scheduler {
	interval := deps.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		store:     deps.Store,
		tracker:   deps.Tracker,
		guard:     deps.Guard,
		engine:    deps.Engine,
		metrics:   deps.Metrics,
		bus:       deps.Bus,
		worktrees: deps.Worktrees,
		projects:  deps.Projects,
		entry:     deps.Entry,
		interval:  interval,
		logger:    deps.Logger,
		bound:     make(map[string]bool),
	}
}

// Run ticks on a timer and on every slot-release event until ctx is
// cancelled, then waits for all workflow goroutines to stop.
func (s *Scheduler) Run(ctx context.Context) error {
	releases := s.bus.SubscribePriority()
	defer s.bus.Unsubscribe(releases)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return s.drainAndWait(releases)
		case <-ticker.C:
			s.Tick(ctx)
		case ev, ok := <-releases:
			if !ok {
				s.running.Wait()
				return nil
			}
			if ev.EventType() == events.TypeSlotReleased {
				s.Tick(ctx)
			}
		}
	}
}

// drainAndWait keeps consuming release events while the workflow
// goroutines finish. Each of them publishes a blocking slot-release
// event on its way out; without a reader, enough of them would fill the
// priority channel and the wait could never end.
func (s *Scheduler) drainAndWait(releases <-chan events.Event) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			return nil
		case <-releases:
		}
	}
}

// Wait blocks until every workflow goroutine started by this scheduler
// has returned.
func (s *Scheduler) Wait() {
	s.running.Wait()
}

// EnqueueResume queues an answered workflow for re-admission ahead of
// all new work.
func (s *Scheduler) EnqueueResume(suspended *Suspended, answer string) {
	s.mu.Lock()
	s.resumeQueue = append(s.resumeQueue, resumeEntry{suspended: suspended, answer: answer})
	s.mu.Unlock()
}

// Tick performs one admission pass. No-op while paused.
func (s *Scheduler) Tick(ctx context.Context) {
	if ctx.Err() != nil || s.guard.Paused() {
		return
	}

	// Resumed workflows compete under the same caps but go first.
	if !s.admitResumes(ctx) {
		return
	}

	for _, cand := range s.candidates(ctx) {
		if err := s.admit(ctx, cand.item); err != nil {
			if core.IsCategory(err, core.ErrCatCapacity) {
				return
			}
			s.logger.Warn("admission failed",
				"work_item", cand.item.ID, "error", err)
		}
	}
}

// admitResumes drains the resume queue. Returns false when capacity ran
// out, in which case no new admission may proceed either.
func (s *Scheduler) admitResumes(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if len(s.resumeQueue) == 0 {
			s.mu.Unlock()
			return true
		}
		entry := s.resumeQueue[0]
		s.resumeQueue = s.resumeQueue[1:]
		s.mu.Unlock()

		stepID := uuid.NewString()
		wf := entry.suspended.Workflow
		work := core.ActiveWork{
			WorkItem:     entry.suspended.Item,
			EpicID:       wf.EpicID,
			StepID:       stepID,
			SessionID:    entry.suspended.SessionID,
			WorktreePath: wf.WorktreePath,
			StartedAt:    time.Now(),
			Agent:        wf.CurrentAgent,
		}
		if err := s.tracker.TryAcquire(work); err != nil {
			// Put it back at the head; it keeps priority next tick.
			s.mu.Lock()
			s.resumeQueue = append([]resumeEntry{entry}, s.resumeQueue...)
			s.mu.Unlock()
			return false
		}

		s.logger.Info("resuming workflow",
			"epic_id", wf.EpicID, "question_id", entry.suspended.QuestionID)
		s.bus.Publish(events.NewQuestionAnsweredEvent(wf.EpicID, entry.suspended.QuestionID))

		s.spawn(ctx, entry.suspended.Item.ID, func(runCtx context.Context) {
			s.engine.Resume(runCtx, entry.suspended, entry.answer, stepID)
		})
	}
}

// candidates collects ready items across all projects, ordered by
// priority ascending with insertion order preserved, interleaving
// projects round-robin within each priority so no project starves.
func (s *Scheduler) candidates(ctx context.Context) []candidate {
	s.mu.Lock()
	offset := s.rrOffset
	s.rrOffset++
	s.mu.Unlock()

	perProject := make([][]candidate, 0, len(s.projects))
	for i := range s.projects {
		project := s.projects[(offset+i)%len(s.projects)]
		// Nothing can be admitted for a project at its cap; skip the
		// store round-trip.
		if !s.tracker.HasCapacity(project.Name) {
			continue
		}
		items, err := s.store.ListReady(ctx, project.Name)
		if err != nil {
			s.logger.Warn("listing ready items failed",
				"project", project.Name, "error", err)
			continue
		}
		var cands []candidate
		for pos, item := range items {
			if s.isBound(item.ID) {
				continue
			}
			cands = append(cands, candidate{item: item, position: pos})
		}
		if len(cands) > 0 {
			perProject = append(perProject, cands)
		}
	}

	// Round-robin merge: repeatedly take each project's best remaining
	// candidate, then keep the whole set ordered by priority.
	var merged []candidate
	for len(perProject) > 0 {
		next := perProject[:0]
		for _, cands := range perProject {
			merged = append(merged, cands[0])
			if rest := cands[1:]; len(rest) > 0 {
				next = append(next, rest)
			}
		}
		perProject = next
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].item.Priority < merged[j].item.Priority
	})
	return merged
}

// admit starts a workflow for one ready item: slot, worktree, workflow,
// first step.
func (s *Scheduler) admit(ctx context.Context, item core.WorkItem) error {
	epicID := item.ID
	stepID := uuid.NewString()

	work := core.ActiveWork{
		WorkItem:  item,
		EpicID:    epicID,
		StepID:    stepID,
		StartedAt: time.Now(),
		Agent:     s.entry,
	}
	if err := s.tracker.TryAcquire(work); err != nil {
		return err
	}

	mgr, ok := s.worktrees[item.Project]
	if !ok {
		s.tracker.Release(stepID)
		return core.ErrValidation("UNKNOWN_PROJECT",
			"no worktree manager for project "+item.Project)
	}
	wt, err := mgr.Create(ctx, epicID)
	if err != nil {
		s.tracker.Release(stepID)
		return err
	}

	if err := s.store.MarkInProgress(ctx, item.ID); err != nil {
		s.logger.Warn("marking item in progress failed",
			"work_item", item.ID, "error", err)
	}

	wf := core.NewWorkflow(epicID, item, s.entry)
	wf.WorktreePath = wt.Path
	s.tracker.SetWorktree(stepID, wt.Path)

	if err := s.metrics.RecordWorkflowStart(ctx, epicID, item.Project, item.ID); err != nil {
		s.logger.Warn("recording workflow start failed", "epic_id", epicID, "error", err)
	}
	s.bus.Publish(events.NewWorkflowStartedEvent(epicID, item.Project, item.ID, s.entry))
	s.logger.Info("workflow admitted",
		"epic_id", epicID, "project", item.Project,
		"priority", int(item.Priority), "agent", s.entry)

	s.spawn(ctx, item.ID, func(runCtx context.Context) {
		s.engine.Drive(runCtx, wf, item, stepID)
	})
	return nil
}

// spawn runs one workflow goroutine, keeping the item bound for its
// lifetime so later ticks never double-admit it.
func (s *Scheduler) spawn(ctx context.Context, itemID string, run func(context.Context)) {
	s.mu.Lock()
	s.bound[itemID] = true
	s.mu.Unlock()

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		run(ctx)
	}()
}

// Unbind releases an item id once its workflow reached a terminal state.
// Suspended workflows stay bound: their item must not be re-admitted
// while an answer is pending.
func (s *Scheduler) Unbind(itemID string) {
	s.mu.Lock()
	delete(s.bound, itemID)
	s.mu.Unlock()
}

func (s *Scheduler) isBound(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound[itemID]
}
