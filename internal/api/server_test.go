package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	"github.com/hugo-lorenzo-mato/beadflow/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/beadflow/internal/events"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// fakeController records control calls and serves canned state.
type fakeController struct {
	mu        sync.Mutex
	paused    bool
	questions []core.PendingQuestion
	answers   map[string]string
}

func newFakeController() *fakeController {
	return &fakeController{answers: make(map[string]string)}
}

func (c *fakeController) GetStatus(ctx context.Context) core.DispatcherStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return core.DispatcherStatus{
		Paused:               c.paused,
		PendingQuestionCount: len(c.questions),
		StartedAt:            time.Now(),
		TodayCost:            1.25,
	}
}

func (c *fakeController) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

func (c *fakeController) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

func (c *fakeController) PendingQuestions() []core.PendingQuestion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.questions
}

func (c *fakeController) AnswerQuestion(questionID, answer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.questions {
		if q.ID == questionID {
			c.answers[questionID] = answer
			return nil
		}
	}
	return core.ErrNotFound("question", questionID)
}

// fakeMetrics serves canned read-side records.
type fakeMetrics struct {
	workflows map[string]*core.WorkflowRecord
}

func (m *fakeMetrics) RecordWorkflowStart(context.Context, string, string, string) error { return nil }
func (m *fakeMetrics) RecordWorkflowComplete(context.Context, string, string, *float64) error {
	return nil
}
func (m *fakeMetrics) RecordStepStart(context.Context, string, string, string) error   { return nil }
func (m *fakeMetrics) RecordStepComplete(context.Context, string, float64, string) error { return nil }

func (m *fakeMetrics) GetWorkflow(ctx context.Context, id string) (*core.WorkflowRecord, error) {
	if wf, ok := m.workflows[id]; ok {
		return wf, nil
	}
	return nil, core.ErrNotFound("workflow", id)
}

func (m *fakeMetrics) GetWorkflowSteps(ctx context.Context, id string) ([]core.StepRecord, error) {
	return []core.StepRecord{{ID: "step-1", WorkflowID: id, Agent: "implementation"}}, nil
}

func (m *fakeMetrics) GetRunningWorkflows(ctx context.Context) ([]core.WorkflowRecord, error) {
	var out []core.WorkflowRecord
	for _, wf := range m.workflows {
		if wf.Status == "running" {
			out = append(out, *wf)
		}
	}
	return out, nil
}

func (m *fakeMetrics) GetTotalCost(ctx context.Context, since time.Time) (float64, error) {
	return 1.25, nil
}

func (m *fakeMetrics) GetProjectRollups(ctx context.Context) ([]core.CostRollup, error) {
	return []core.CostRollup{{Key: "api", Count: 3, CostUSD: 0.42}}, nil
}

func (m *fakeMetrics) GetAgentRollups(ctx context.Context) ([]core.CostRollup, error) {
	return []core.CostRollup{{Key: "implementation", Count: 5, CostUSD: 0.99}}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeController, *events.Bus) {
	t.Helper()
	bus := events.New(16)
	t.Cleanup(bus.Close)

	ctrl := newFakeController()
	metrics := &fakeMetrics{workflows: map[string]*core.WorkflowRecord{
		"api-1": {ID: "api-1", Project: "api", Status: "running"},
	}}
	logger := logging.New(logging.Config{Level: "error", Format: "json", Output: &bytes.Buffer{}})
	return NewServer(ctrl, metrics, bus, logger), ctrl, bus
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestServer_Status(t *testing.T) {
	s, ctrl, _ := newTestServer(t)
	ctrl.Pause()

	rec := doRequest(t, s, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var status core.DispatcherStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if !status.Paused {
		t.Error("status should report paused")
	}
	if status.TodayCost != 1.25 {
		t.Errorf("TodayCost = %v, want 1.25", status.TodayCost)
	}
}

func TestServer_PauseResume(t *testing.T) {
	s, ctrl, _ := newTestServer(t)

	if rec := doRequest(t, s, http.MethodPost, "/api/v1/pause", ""); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d, want 200", rec.Code)
	}
	if !ctrl.paused {
		t.Error("controller should be paused")
	}

	if rec := doRequest(t, s, http.MethodPost, "/api/v1/resume", ""); rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", rec.Code)
	}
	if ctrl.paused {
		t.Error("controller should be resumed")
	}
}

func TestServer_AnswerQuestion(t *testing.T) {
	s, ctrl, _ := newTestServer(t)
	ctrl.questions = []core.PendingQuestion{{ID: "q-1", Project: "api"}}

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"answers pending question", "/api/v1/questions/q-1/answer", `{"answer": "use oauth"}`, http.StatusOK},
		{"unknown question", "/api/v1/questions/nope/answer", `{"answer": "x"}`, http.StatusNotFound},
		{"empty answer", "/api/v1/questions/q-1/answer", `{"answer": ""}`, http.StatusBadRequest},
		{"malformed body", "/api/v1/questions/q-1/answer", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	if ctrl.answers["q-1"] != "use oauth" {
		t.Errorf("recorded answer = %q, want use oauth", ctrl.answers["q-1"])
	}
}

func TestServer_ListQuestions(t *testing.T) {
	s, ctrl, _ := newTestServer(t)
	ctrl.questions = []core.PendingQuestion{{ID: "q-1"}, {ID: "q-2"}}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/questions/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var qs []core.PendingQuestion
	if err := json.Unmarshal(rec.Body.Bytes(), &qs); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(qs) != 2 {
		t.Errorf("questions = %d, want 2", len(qs))
	}
}

func TestServer_Workflows(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/workflows/api-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/api/v1/workflows/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing workflow status = %d, want 404", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/api/v1/workflows/api-1/steps", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("steps status = %d, want 200", rec.Code)
	}
}

func TestServer_CostRollups(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/costs/projects", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("project costs status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"api"`) {
		t.Errorf("project rollup missing from body: %s", rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/costs/agents", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("agent costs status = %d, want 200", rec.Code)
	}
}

func TestServer_SSEStreamsEvents(t *testing.T) {
	s, _, bus := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Handler().ServeHTTP(rec, req)
	}()

	// Give the handler time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(events.NewWorkflowStartedEvent("api-1", "api", "api-1", "implementation"))
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Errorf("missing connected event in body:\n%s", body)
	}
	if !strings.Contains(body, "event: "+events.TypeWorkflowStarted) {
		t.Errorf("missing workflow started event in body:\n%s", body)
	}
}

func TestServer_SystemMetrics(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/system", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var metrics diagnostics.SystemMetrics
	if err := json.Unmarshal(rec.Body.Bytes(), &metrics); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if metrics.MemTotalMB <= 0 {
		t.Errorf("MemTotalMB = %f, want > 0", metrics.MemTotalMB)
	}
}
