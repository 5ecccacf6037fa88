package metrics

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_WorkflowLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RecordWorkflowStart(ctx, "wf-1", "api", "api-42"); err != nil {
		t.Fatalf("RecordWorkflowStart() error = %v", err)
	}

	rec, err := store.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow() error = %v", err)
	}
	if rec.Project != "api" || rec.SourceWorkItem != "api-42" {
		t.Errorf("workflow = %+v, want project api, source api-42", rec)
	}
	if rec.Status != "running" {
		t.Errorf("Status = %q, want running", rec.Status)
	}
	if rec.CompletedAt != nil {
		t.Error("CompletedAt should be nil for a running workflow")
	}

	cost := 1.25
	if err := store.RecordWorkflowComplete(ctx, "wf-1", "done", &cost); err != nil {
		t.Fatalf("RecordWorkflowComplete() error = %v", err)
	}

	rec, err = store.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow() error = %v", err)
	}
	if rec.Status != "done" || rec.CostUSD != 1.25 {
		t.Errorf("workflow = %+v, want status done, cost 1.25", rec)
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt should be set after completion")
	}
}

func TestSQLiteStore_WorkflowCompleteDefaultsToStepCosts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RecordWorkflowStart(ctx, "wf-1", "api", "api-42"); err != nil {
		t.Fatalf("RecordWorkflowStart() error = %v", err)
	}
	if err := store.RecordStepStart(ctx, "step-1", "wf-1", "implementation"); err != nil {
		t.Fatalf("RecordStepStart() error = %v", err)
	}
	if err := store.RecordStepComplete(ctx, "step-1", 0.05, "continue"); err != nil {
		t.Fatalf("RecordStepComplete() error = %v", err)
	}
	if err := store.RecordStepStart(ctx, "step-2", "wf-1", "quality_review"); err != nil {
		t.Fatalf("RecordStepStart() error = %v", err)
	}
	if err := store.RecordStepComplete(ctx, "step-2", 0.03, "done"); err != nil {
		t.Fatalf("RecordStepComplete() error = %v", err)
	}

	if err := store.RecordWorkflowComplete(ctx, "wf-1", "done", nil); err != nil {
		t.Fatalf("RecordWorkflowComplete() error = %v", err)
	}

	rec, err := store.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow() error = %v", err)
	}
	if rec.CostUSD < 0.079 || rec.CostUSD > 0.081 {
		t.Errorf("CostUSD = %v, want ~0.08", rec.CostUSD)
	}
}

func TestSQLiteStore_RecordStepCompleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RecordWorkflowStart(ctx, "wf-1", "api", "api-42"); err != nil {
		t.Fatalf("RecordWorkflowStart() error = %v", err)
	}
	if err := store.RecordStepStart(ctx, "step-1", "wf-1", "implementation"); err != nil {
		t.Fatalf("RecordStepStart() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := store.RecordStepComplete(ctx, "step-1", 0.10, "done"); err != nil {
			t.Fatalf("RecordStepComplete() call %d error = %v", i+1, err)
		}
	}

	total, err := store.GetTotalCost(ctx, time.Time{})
	if err != nil {
		t.Fatalf("GetTotalCost() error = %v", err)
	}
	if total != 0.10 {
		t.Errorf("GetTotalCost() = %v, want 0.10 (double-record must not double cost)", total)
	}
}

func TestSQLiteStore_NotFoundErrors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetWorkflow(ctx, "missing"); !isNotFound(err) {
		t.Errorf("GetWorkflow(missing) error = %v, want not-found", err)
	}
	if err := store.RecordWorkflowComplete(ctx, "missing", "done", nil); !isNotFound(err) {
		t.Errorf("RecordWorkflowComplete(missing) error = %v, want not-found", err)
	}
	if err := store.RecordStepComplete(ctx, "missing", 0.01, "done"); !isNotFound(err) {
		t.Errorf("RecordStepComplete(missing) error = %v, want not-found", err)
	}
}

func isNotFound(err error) bool {
	var derr *core.DomainError
	return errors.As(err, &derr) && derr.Category == core.ErrCatNotFound
}

func TestSQLiteStore_WorkflowSteps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RecordWorkflowStart(ctx, "wf-1", "api", "api-42"); err != nil {
		t.Fatalf("RecordWorkflowStart() error = %v", err)
	}
	if err := store.RecordStepStart(ctx, "step-1", "wf-1", "implementation"); err != nil {
		t.Fatalf("RecordStepStart() error = %v", err)
	}
	if err := store.RecordStepComplete(ctx, "step-1", 0.05, "continue"); err != nil {
		t.Fatalf("RecordStepComplete() error = %v", err)
	}
	if err := store.RecordStepStart(ctx, "step-2", "wf-1", "quality_review"); err != nil {
		t.Fatalf("RecordStepStart() error = %v", err)
	}

	steps, err := store.GetWorkflowSteps(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflowSteps() error = %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("len(steps) = %d, want 2", len(steps))
	}
	if steps[0].Agent != "implementation" || steps[0].Outcome != "continue" {
		t.Errorf("steps[0] = %+v, want implementation/continue", steps[0])
	}
	if steps[0].CompletedAt == nil {
		t.Error("steps[0].CompletedAt should be set")
	}
	if steps[1].CompletedAt != nil {
		t.Error("steps[1].CompletedAt should be nil while running")
	}
}

func TestSQLiteStore_RunningWorkflows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"wf-1", "wf-2", "wf-3"} {
		if err := store.RecordWorkflowStart(ctx, id, "api", id); err != nil {
			t.Fatalf("RecordWorkflowStart(%s) error = %v", id, err)
		}
	}
	if err := store.RecordWorkflowComplete(ctx, "wf-2", "blocked", nil); err != nil {
		t.Fatalf("RecordWorkflowComplete() error = %v", err)
	}

	running, err := store.GetRunningWorkflows(ctx)
	if err != nil {
		t.Fatalf("GetRunningWorkflows() error = %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("len(running) = %d, want 2", len(running))
	}
	for _, rec := range running {
		if rec.ID == "wf-2" {
			t.Error("completed workflow wf-2 reported as running")
		}
	}
}

func TestSQLiteStore_TotalCostSince(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RecordWorkflowStart(ctx, "wf-1", "api", "api-42"); err != nil {
		t.Fatalf("RecordWorkflowStart() error = %v", err)
	}
	if err := store.RecordStepStart(ctx, "step-1", "wf-1", "implementation"); err != nil {
		t.Fatalf("RecordStepStart() error = %v", err)
	}
	if err := store.RecordStepComplete(ctx, "step-1", 0.25, "done"); err != nil {
		t.Fatalf("RecordStepComplete() error = %v", err)
	}

	total, err := store.GetTotalCost(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetTotalCost() error = %v", err)
	}
	if total != 0.25 {
		t.Errorf("GetTotalCost(last hour) = %v, want 0.25", total)
	}

	total, err = store.GetTotalCost(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetTotalCost() error = %v", err)
	}
	if total != 0 {
		t.Errorf("GetTotalCost(future) = %v, want 0", total)
	}
}

func TestSQLiteStore_Rollups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := []struct {
		wf, project string
		cost        float64
	}{
		{"wf-1", "api", 0.10},
		{"wf-2", "api", 0.20},
		{"wf-3", "web", 0.50},
	}
	for _, s := range seed {
		if err := store.RecordWorkflowStart(ctx, s.wf, s.project, s.wf); err != nil {
			t.Fatalf("RecordWorkflowStart(%s) error = %v", s.wf, err)
		}
		stepID := s.wf + "-step"
		if err := store.RecordStepStart(ctx, stepID, s.wf, "implementation"); err != nil {
			t.Fatalf("RecordStepStart() error = %v", err)
		}
		if err := store.RecordStepComplete(ctx, stepID, s.cost, "done"); err != nil {
			t.Fatalf("RecordStepComplete() error = %v", err)
		}
		if err := store.RecordWorkflowComplete(ctx, s.wf, "done", nil); err != nil {
			t.Fatalf("RecordWorkflowComplete() error = %v", err)
		}
	}

	projects, err := store.GetProjectRollups(ctx)
	if err != nil {
		t.Fatalf("GetProjectRollups() error = %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("len(projects) = %d, want 2", len(projects))
	}
	if projects[0].Key != "api" || projects[0].Count != 2 {
		t.Errorf("projects[0] = %+v, want api with count 2", projects[0])
	}
	if projects[0].CostUSD < 0.299 || projects[0].CostUSD > 0.301 {
		t.Errorf("api cost = %v, want ~0.30", projects[0].CostUSD)
	}

	agents, err := store.GetAgentRollups(ctx)
	if err != nil {
		t.Fatalf("GetAgentRollups() error = %v", err)
	}
	if len(agents) != 1 || agents[0].Key != "implementation" || agents[0].Count != 3 {
		t.Errorf("agents = %+v, want one implementation rollup with count 3", agents)
	}
}
