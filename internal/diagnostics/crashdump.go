package diagnostics

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/beadflow/internal/fsutil"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// CrashDump is everything captured when the dispatcher panics: process
// identity, the panic itself, resource history, and which agent step and
// subprocess were in flight.
type CrashDump struct {
	Timestamp time.Time `json:"timestamp"`
	ProcessID int       `json:"process_id"`
	GoVersion string    `json:"go_version"`
	GOOS      string    `json:"goos"`
	GOARCH    string    `json:"goarch"`

	PanicValue string `json:"panic_value"`
	StackTrace string `json:"stack_trace,omitempty"`

	ResourceState   ResourceSnapshot   `json:"resource_state"`
	ResourceHistory []ResourceSnapshot `json:"resource_history,omitempty"`

	Agent       string   `json:"agent,omitempty"`
	EpicID      string   `json:"epic_id,omitempty"`
	CommandPath string   `json:"command_path,omitempty"`
	CommandArgs []string `json:"command_args,omitempty"`
	WorkDir     string   `json:"work_dir,omitempty"`

	RedactedEnv map[string]string `json:"redacted_env,omitempty"`
}

// AgentCommand identifies the agent subprocess in flight when a panic
// hits, so the dump names the exact invocation.
type AgentCommand struct {
	Path    string
	Args    []string
	WorkDir string
	Started time.Time
}

// CrashDumpWriter persists crash dumps as JSON files, keeping at most
// maxFiles of them.
type CrashDumpWriter struct {
	dir          string
	maxFiles     int
	includeStack bool
	includeEnv   bool
	logger       *logging.Logger
	monitor      *ResourceMonitor
	sanitizer    *logging.Sanitizer

	mu      sync.Mutex
	agent   string
	epicID  string
	command *AgentCommand
}

// NewCrashDumpWriter creates a crash dump writer rooted at dir.
func NewCrashDumpWriter(dir string, maxFiles int, includeStack, includeEnv bool, logger *logging.Logger, monitor *ResourceMonitor) *CrashDumpWriter {
	if maxFiles <= 0 {
		maxFiles = 10
	}
	if dir == "" {
		dir = ".beadflow/crashdumps"
	}
	return &CrashDumpWriter{
		dir:          dir,
		maxFiles:     maxFiles,
		includeStack: includeStack,
		includeEnv:   includeEnv,
		logger:       logger,
		monitor:      monitor,
		sanitizer:    logging.NewSanitizer(),
	}
}

// SetContext records the agent step in flight.
func (w *CrashDumpWriter) SetContext(agent, epicID string) {
	w.mu.Lock()
	w.agent, w.epicID = agent, epicID
	w.mu.Unlock()
}

// SetCommand records the agent subprocess in flight, or clears it with
// nil.
func (w *CrashDumpWriter) SetCommand(cmd *AgentCommand) {
	w.mu.Lock()
	w.command = cmd
	w.mu.Unlock()
}

// WriteCrashDump captures the current state and writes it to a new dump
// file, returning its path.
func (w *CrashDumpWriter) WriteCrashDump(panicValue any) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dump := CrashDump{
		Timestamp:  time.Now().UTC(),
		ProcessID:  os.Getpid(),
		GoVersion:  runtime.Version(),
		GOOS:       runtime.GOOS,
		GOARCH:     runtime.GOARCH,
		PanicValue: fmt.Sprintf("%v", panicValue),
		Agent:      w.agent,
		EpicID:     w.epicID,
	}
	if w.includeStack {
		dump.StackTrace = string(debug.Stack())
	}
	if w.monitor != nil {
		dump.ResourceState = w.monitor.Snapshot()
		dump.ResourceHistory = w.monitor.History()
	}
	if w.command != nil {
		dump.CommandPath = w.command.Path
		dump.CommandArgs = w.command.Args
		dump.WorkDir = w.command.WorkDir
	}
	if w.includeEnv {
		dump.RedactedEnv = w.redactedEnv()
	}

	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return "", fmt.Errorf("creating crash dump dir: %w", err)
	}

	// Nanoseconds keep names unique and lexicographically chronological.
	name := fmt.Sprintf("crash-%s.json", dump.Timestamp.Format("20060102-150405.000000000"))
	path := filepath.Join(w.dir, name)

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling crash dump: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing crash dump: %w", err)
	}

	w.trimOldDumps()
	return path, nil
}

// RecoverAndReturn converts a panic into an error after writing a dump.
// Usage: defer w.RecoverAndReturn(&err)
func (w *CrashDumpWriter) RecoverAndReturn(errPtr *error) {
	r := recover()
	if r == nil {
		return
	}
	path, dumpErr := w.WriteCrashDump(r)
	if dumpErr != nil {
		w.logger.Error("writing crash dump failed", "error", dumpErr, "panic", r)
	} else {
		w.logger.Error("crash dump written after panic", "path", path, "panic", r)
	}
	*errPtr = fmt.Errorf("agent invocation panicked: %v (dump: %s)", r, path)
}

// trimOldDumps removes the oldest dumps beyond maxFiles. Dump names sort
// chronologically, so no stat calls are needed.
func (w *CrashDumpWriter) trimOldDumps() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "crash-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for len(names) > w.maxFiles {
		path := filepath.Join(w.dir, names[0])
		if err := os.Remove(path); err != nil {
			w.logger.Warn("removing old crash dump failed", "path", path, "error", err)
		}
		names = names[1:]
	}
}

// redactedEnv copies the environment with secret-looking variables
// blanked by name and every value passed through the log sanitizer.
func (w *CrashDumpWriter) redactedEnv() map[string]string {
	secretKeys := []string{
		"TOKEN", "KEY", "SECRET", "PASSWORD", "CREDENTIAL", "AUTH", "PRIVATE",
	}

	out := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(key)
		redacted := false
		for _, marker := range secretKeys {
			if strings.Contains(upper, marker) {
				redacted = true
				break
			}
		}
		if redacted {
			out[key] = "[REDACTED]"
		} else {
			out[key] = w.sanitizer.Sanitize(value)
		}
	}
	return out
}

// ErrNoCrashDumps reports a dump directory with nothing in it.
var ErrNoCrashDumps = errors.New("no crash dumps")

// LoadLatestCrashDump reads the newest dump in dir.
func LoadLatestCrashDump(dir string) (*CrashDump, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading crash dump dir: %w", err)
	}

	var newest string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "crash-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		if name > newest {
			newest = name
		}
	}
	if newest == "" {
		return nil, fmt.Errorf("%w in %s", ErrNoCrashDumps, dir)
	}

	data, err := fsutil.ReadFileScoped(filepath.Join(dir, newest))
	if err != nil {
		return nil, fmt.Errorf("reading crash dump: %w", err)
	}

	var dump CrashDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("parsing crash dump %s: %w", newest, err)
	}
	return &dump, nil
}
