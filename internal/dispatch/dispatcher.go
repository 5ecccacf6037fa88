package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/beadflow/internal/config"
	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	"github.com/hugo-lorenzo-mato/beadflow/internal/events"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// Dispatcher is the facade over the dispatcher core. It owns the
// scheduler loop, the answer watcher and the suspended-workflow registry,
// and exposes the status and control surface.
type Dispatcher struct {
	cfg       config.DispatcherConfig
	scheduler *Scheduler
	engine    *Engine
	tracker   *Tracker
	guard     *Guard
	questions *Questions
	metrics   core.MetricsStore
	runner    core.AgentRunner
	bus       *events.Bus
	recovery  *Recovery
	logger    *logging.Logger

	mu        sync.Mutex
	suspended map[string]*Suspended // keyed by question id
	startedAt time.Time
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// Deps wires the dispatcher's collaborators. Every field is required
// except Worktrees entries for projects without work.
type Deps struct {
	Config    config.Config
	Pipeline  *config.Pipeline
	Store     core.WorkItemStore
	Runner    core.AgentRunner
	Metrics   core.MetricsStore
	Notifier  core.Notifier
	Bus       *events.Bus
	Worktrees map[string]WorktreeManager
	Projects  []core.Project
	Logger    *logging.Logger
}

// New assembles the dispatcher core from its collaborators.
func New(deps Deps) (*Dispatcher, error) {
	dcfg := deps.Config.Dispatcher

	questions, err := NewQuestions(dcfg.QuestionsDir, deps.Logger)
	if err != nil {
		return nil, err
	}

	tracker := NewTracker(dcfg.MaxTotal, dcfg.MaxPerProject)
	guard := NewGuard(deps.Bus, deps.Notifier, deps.Logger)

	d := &Dispatcher{
		cfg:       dcfg,
		tracker:   tracker,
		guard:     guard,
		questions: questions,
		metrics:   deps.Metrics,
		runner:    deps.Runner,
		bus:       deps.Bus,
		logger:    deps.Logger,
		suspended: make(map[string]*Suspended),
	}

	engine := NewEngine(EngineDeps{
		Runner:    deps.Runner,
		Pipeline:  deps.Pipeline,
		Tracker:   tracker,
		Guard:     guard,
		Questions: questions,
		Metrics:   deps.Metrics,
		Notifier:  deps.Notifier,
		Store:     deps.Store,
		Bus:       deps.Bus,
		Worktrees: deps.Worktrees,
		Logger:    deps.Logger,
		RunnerCfg: deps.Config.Runner,
		Suspend:   d.park,
		Unsuspend: d.unpark,
		Unbind:    func(itemID string) { d.scheduler.Unbind(itemID) },
	})

	d.engine = engine
	d.scheduler = NewScheduler(SchedulerDeps{
		Store:     deps.Store,
		Tracker:   tracker,
		Guard:     guard,
		Engine:    engine,
		Metrics:   deps.Metrics,
		Bus:       deps.Bus,
		Worktrees: deps.Worktrees,
		Projects:  deps.Projects,
		Entry:     deps.Pipeline.Entry,
		Interval:  dcfg.TickInterval,
		Logger:    deps.Logger,
	})
	d.recovery = NewRecovery(deps.Worktrees, questions, deps.Logger)
	return d, nil
}

// Start runs startup recovery, then the scheduler loop and the answer
// watcher. It returns once both have started; Stop shuts them down.
func (d *Dispatcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	d.mu.Lock()
	d.cancel = cancel
	d.group = group
	d.startedAt = time.Now()
	d.mu.Unlock()

	d.recovery.Run(ctx)

	watcher, err := NewAnswerWatcher(d.cfg.AnswersDir, d.AnswerQuestion, d.logger)
	if err != nil {
		cancel()
		return err
	}

	group.Go(func() error { return d.scheduler.Run(groupCtx) })
	group.Go(func() error { return watcher.Run(groupCtx) })

	d.logger.Info("dispatcher started",
		"max_total", d.cfg.MaxTotal,
		"max_per_project", d.cfg.MaxPerProject,
		"tick_interval", d.cfg.TickInterval)
	return nil
}

// Stop shuts the dispatcher down. A graceful stop lets in-flight steps
// finish; a forced stop aborts every running agent process and releases
// all slots immediately, leaving affected workflows interrupted.
func (d *Dispatcher) Stop(force bool) error {
	d.mu.Lock()
	cancel, group := d.cancel, d.group
	d.mu.Unlock()
	if cancel == nil {
		return core.ErrState("NOT_STARTED", "dispatcher was never started")
	}

	if force {
		d.logger.Warn("forced stop, aborting all agent processes")
		d.runner.Abort()
		for _, work := range d.tracker.Snapshot() {
			d.tracker.Release(work.StepID)
		}
	} else {
		d.logger.Info("stopping, waiting for in-flight steps")
	}

	cancel()
	err := group.Wait()
	d.scheduler.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}

// Pause halts admission of new workflows. In-flight steps continue.
func (d *Dispatcher) Pause() {
	d.guard.Pause(PauseReasonManual)
}

// Resume re-enables admission and triggers an immediate tick.
func (d *Dispatcher) Resume() {
	d.guard.Resume()
	d.mu.Lock()
	started := d.cancel != nil
	d.mu.Unlock()
	if started {
		d.scheduler.Tick(context.Background())
	}
}

// ActiveSlots reports how many concurrency slots are currently held.
func (d *Dispatcher) ActiveSlots() int {
	return d.tracker.TotalActive()
}

// GetStatus returns the live status surface.
func (d *Dispatcher) GetStatus(ctx context.Context) core.DispatcherStatus {
	d.mu.Lock()
	startedAt := d.startedAt
	d.mu.Unlock()

	todayCost, err := d.metrics.GetTotalCost(ctx, midnight(time.Now()))
	if err != nil {
		d.logger.Warn("reading today's cost failed", "error", err)
	}

	status := core.DispatcherStatus{
		Active:               d.tracker.Snapshot(),
		PendingQuestionCount: d.questions.Count(),
		StartedAt:            startedAt,
		TodayCost:            todayCost,
	}
	if reason, since, paused := d.guard.PausedSince(); paused {
		status.Paused = true
		status.PauseReason = reason
		status.PausedAt = since
	}
	return status
}

// PendingQuestions returns the questions waiting for a human.
func (d *Dispatcher) PendingQuestions() []core.PendingQuestion {
	return d.questions.List()
}

// AnswerQuestion resolves a pending question and queues its workflow for
// resumption. The resumed workflow competes for capacity like any other
// candidate but ahead of brand-new admissions.
func (d *Dispatcher) AnswerQuestion(questionID, answer string) error {
	if answer == "" {
		return core.ErrValidation("EMPTY_ANSWER", "answer must not be empty")
	}

	question, err := d.questions.Resolve(questionID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	suspended, ok := d.suspended[questionID]
	delete(d.suspended, questionID)
	d.mu.Unlock()
	if !ok {
		return core.ErrNotFound("suspended workflow", question.EpicID)
	}

	d.logger.Info("question answered",
		"question_id", questionID, "epic_id", question.EpicID)
	d.scheduler.EnqueueResume(suspended, answer)
	d.scheduler.Tick(context.Background())
	return nil
}

// park registers a suspended workflow under its question id.
func (d *Dispatcher) park(s *Suspended) {
	d.mu.Lock()
	d.suspended[s.QuestionID] = s
	d.mu.Unlock()
}

// unpark removes a parked workflow whose question never became pending.
func (d *Dispatcher) unpark(questionID string) {
	d.mu.Lock()
	delete(d.suspended, questionID)
	d.mu.Unlock()
}

func midnight(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
