package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hugo-lorenzo-mato/beadflow/internal/fsutil"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// answerFile is the on-disk answer format: a JSON file dropped into the
// answers directory by a human or an external tool.
type answerFile struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// AnswerFunc resolves one answered question.
type AnswerFunc func(questionID, answer string) error

// AnswerWatcher watches the answers directory and feeds answer files to
// the dispatcher. Consumed files are deleted; malformed files are left in
// place and logged so the operator can fix them.
type AnswerWatcher struct {
	dir    string
	handle AnswerFunc
	logger *logging.Logger
}

// NewAnswerWatcher creates a watcher over dir.
func NewAnswerWatcher(dir string, handle AnswerFunc, logger *logging.Logger) (*AnswerWatcher, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating answers directory: %w", err)
	}
	return &AnswerWatcher{dir: dir, handle: handle, logger: logger}, nil
}

// Run blocks until ctx is cancelled, consuming answer files as they
// appear. Files already present at startup are consumed first.
func (w *AnswerWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching answers directory: %w", err)
	}

	w.sweep()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			// Writers may still be flushing when the event fires.
			time.Sleep(50 * time.Millisecond)
			w.consume(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("answer watcher error", "error", err)
		}
	}
}

// sweep consumes any answer files already sitting in the directory.
func (w *AnswerWatcher) sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("reading answers directory failed", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.consume(filepath.Join(w.dir, entry.Name()))
	}
}

func (w *AnswerWatcher) consume(path string) {
	// Watcher events carry externally chosen names; the scoped read
	// keeps them inside the answers directory.
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("reading answer file failed", "file", path, "error", err)
		}
		return
	}

	var af answerFile
	if err := json.Unmarshal(data, &af); err != nil {
		w.logger.Warn("malformed answer file", "file", path, "error", err)
		return
	}
	if af.QuestionID == "" || af.Answer == "" {
		w.logger.Warn("answer file missing question_id or answer", "file", path)
		return
	}

	if err := w.handle(af.QuestionID, af.Answer); err != nil {
		w.logger.Warn("handling answer failed",
			"question_id", af.QuestionID, "error", err)
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("removing consumed answer file failed", "file", path, "error", err)
	}
}
