package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// Questions tracks pending human questions. Each question is mirrored to
// a JSON file so operators can inspect the queue and so stale entries are
// visible across restarts.
type Questions struct {
	mu      sync.Mutex
	pending map[string]core.PendingQuestion
	dir     string
	logger  *logging.Logger
}

// NewQuestions creates the pending-question registry backed by dir.
func NewQuestions(dir string, logger *logging.Logger) (*Questions, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating questions directory: %w", err)
	}
	return &Questions{
		pending: make(map[string]core.PendingQuestion),
		dir:     dir,
		logger:  logger,
	}, nil
}

// Add registers a pending question and persists it.
func (q *Questions) Add(question core.PendingQuestion) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.pending[question.ID]; exists {
		return core.ErrState("QUESTION_EXISTS",
			fmt.Sprintf("question %s already pending", question.ID))
	}
	if err := q.persist(question); err != nil {
		return err
	}
	q.pending[question.ID] = question
	return nil
}

// Get returns one pending question.
func (q *Questions) Get(id string) (core.PendingQuestion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	question, ok := q.pending[id]
	if !ok {
		return core.PendingQuestion{}, core.ErrNotFound("question", id)
	}
	return question, nil
}

// Resolve removes a pending question, its file included, and returns it.
func (q *Questions) Resolve(id string) (core.PendingQuestion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	question, ok := q.pending[id]
	if !ok {
		return core.PendingQuestion{}, core.ErrNotFound("question", id)
	}
	delete(q.pending, id)
	if err := os.Remove(q.path(id)); err != nil && !os.IsNotExist(err) {
		q.logger.Warn("removing question file failed", "question_id", id, "error", err)
	}
	return question, nil
}

// List returns pending questions ordered oldest first.
func (q *Questions) List() []core.PendingQuestion {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]core.PendingQuestion, 0, len(q.pending))
	for _, question := range q.pending {
		out = append(out, question)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of pending questions.
func (q *Questions) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ClearStale deletes question files left over from a previous process.
// The sessions they reference cannot be resumed after a restart, so the
// files are only noise. Returns the number removed.
func (q *Questions) ClearStale() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		q.logger.Warn("reading questions directory failed", "error", err)
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		if _, live := q.pending[id]; live {
			continue
		}
		if err := os.Remove(filepath.Join(q.dir, entry.Name())); err != nil {
			q.logger.Warn("removing stale question file failed", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed
}

func (q *Questions) persist(question core.PendingQuestion) error {
	data, err := json.MarshalIndent(question, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding question %s: %w", question.ID, err)
	}
	if err := renameio.WriteFile(q.path(question.ID), data, 0o640); err != nil {
		return fmt.Errorf("writing question %s: %w", question.ID, err)
	}
	return nil
}

func (q *Questions) path(id string) string {
	return filepath.Join(q.dir, id+".json")
}
