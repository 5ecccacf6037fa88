package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type answerRecorder struct {
	mu      sync.Mutex
	answers map[string]string
}

func newAnswerRecorder() *answerRecorder {
	return &answerRecorder{answers: make(map[string]string)}
}

func (r *answerRecorder) handle(questionID, answer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers[questionID] = answer
	return nil
}

func (r *answerRecorder) get(questionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answers[questionID]
}

func TestAnswerWatcher_ConsumesDroppedFile(t *testing.T) {
	dir := t.TempDir()
	rec := newAnswerRecorder()

	w, err := NewAnswerWatcher(dir, rec.handle, testLogger())
	if err != nil {
		t.Fatalf("NewAnswerWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	path := filepath.Join(dir, "a1.json")
	if err := os.WriteFile(path, []byte(`{"question_id": "q-1", "answer": "use oauth"}`), 0o640); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return rec.get("q-1") == "use oauth" })
	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	})

	cancel()
	<-done
}

func TestAnswerWatcher_ConsumesPreexistingFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a1.json"),
		[]byte(`{"question_id": "q-early", "answer": "yes"}`), 0o640); err != nil {
		t.Fatal(err)
	}

	rec := newAnswerRecorder()
	w, err := NewAnswerWatcher(dir, rec.handle, testLogger())
	if err != nil {
		t.Fatalf("NewAnswerWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool { return rec.get("q-early") == "yes" })
	cancel()
	<-done
}

func TestAnswerWatcher_MalformedFileLeftInPlace(t *testing.T) {
	dir := t.TempDir()
	rec := newAnswerRecorder()
	w, err := NewAnswerWatcher(dir, rec.handle, testLogger())
	if err != nil {
		t.Fatalf("NewAnswerWatcher() error = %v", err)
	}

	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("not json at all"), 0o640); err != nil {
		t.Fatal(err)
	}
	w.sweep()

	if _, err := os.Stat(path); err != nil {
		t.Error("malformed answer file should stay for the operator to fix")
	}
	if len(rec.answers) != 0 {
		t.Error("malformed file must not produce an answer")
	}
}

func TestAnswerWatcher_MissingFieldsIgnored(t *testing.T) {
	dir := t.TempDir()
	rec := newAnswerRecorder()
	w, err := NewAnswerWatcher(dir, rec.handle, testLogger())
	if err != nil {
		t.Fatalf("NewAnswerWatcher() error = %v", err)
	}

	path := filepath.Join(dir, "partial.json")
	if err := os.WriteFile(path, []byte(`{"question_id": "q-1"}`), 0o640); err != nil {
		t.Fatal(err)
	}
	w.sweep()

	if rec.get("q-1") != "" {
		t.Error("answer without text must not be delivered")
	}
}
