package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/beadflow/internal/config"
	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	"github.com/hugo-lorenzo-mato/beadflow/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// Subprocess runs agent steps through a claude-style CLI in
// stream-json mode. Sessions are resumed with the CLI's --resume flag,
// so conversation history and working tree stay attached.
type Subprocess struct {
	path     string
	model    string
	maxTurns int
	timeout  time.Duration
	safeExec *diagnostics.SafeExecutor
	logger   *logging.Logger

	mu     sync.Mutex
	active map[*exec.Cmd]struct{}
}

// NewSubprocess creates a subprocess runner from configuration.
func NewSubprocess(cfg config.RunnerConfig, safeExec *diagnostics.SafeExecutor, logger *logging.Logger) *Subprocess {
	path := cfg.Path
	if path == "" {
		path = "claude"
	}
	return &Subprocess{
		path:     path,
		model:    cfg.Model,
		maxTurns: cfg.MaxTurns,
		timeout:  cfg.Timeout,
		safeExec: safeExec,
		logger:   logger.With("runner", "subprocess"),
		active:   make(map[*exec.Cmd]struct{}),
	}
}

// Run executes a prompt as a fresh agent session.
func (r *Subprocess) Run(ctx context.Context, opts core.RunOptions) (*core.RunResult, error) {
	return r.invoke(ctx, nil, opts)
}

// ResumeWithAnswer reattaches to an existing session and feeds it an answer.
func (r *Subprocess) ResumeWithAnswer(ctx context.Context, sessionID, answer string, opts core.RunOptions) (*core.RunResult, error) {
	if sessionID == "" {
		return nil, core.ErrValidation("NO_SESSION", "resume requires a session id")
	}
	opts.Prompt = answer
	return r.invoke(ctx, []string{"--resume", sessionID}, opts)
}

// Abort kills every in-flight agent process group. Best effort; used only
// on forced shutdown.
func (r *Subprocess) Abort() {
	r.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(r.active))
	for cmd := range r.active {
		cmds = append(cmds, cmd)
	}
	r.mu.Unlock()

	for _, cmd := range cmds {
		killProcessGroup(cmd)
	}
}

func (r *Subprocess) invoke(ctx context.Context, extraArgs []string, opts core.RunOptions) (*core.RunResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = r.timeout
	}
	if timeout == 0 {
		timeout = 3 * time.Hour
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if r.safeExec != nil {
		r.safeExec.SetExecutionContext(opts.Agent, opts.EpicID)
		preflight := r.safeExec.RunPreflight()
		if !preflight.OK {
			return nil, core.ErrTransient(core.CodePreflightFailed,
				fmt.Sprintf("preflight check failed: %v", preflight.Errors))
		}
		for _, w := range preflight.Warnings {
			r.logger.Warn("preflight warning before agent start", "warning", w)
		}
	}

	if r.safeExec == nil {
		return r.launch(ctx, extraArgs, opts, timeout)
	}

	// Execute keeps the in-flight agent counters honest and converts a
	// panic anywhere in the launch path into an error with a crash dump.
	var result *core.RunResult
	err := r.safeExec.Execute(func() error {
		var launchErr error
		result, launchErr = r.launch(ctx, extraArgs, opts, timeout)
		return launchErr
	})
	return result, err
}

// launch starts one agent process and consumes its transcript.
func (r *Subprocess) launch(ctx context.Context, extraArgs []string, opts core.RunOptions, timeout time.Duration) (*core.RunResult, error) {
	args := r.buildArgs(extraArgs, opts)

	// #nosec G204 -- binary path comes from validated config
	cmd := exec.CommandContext(ctx, r.path, args...)
	configureProcAttr(cmd)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Stdin = strings.NewReader(opts.Prompt)
	cmd.Env = append(os.Environ(), "BEADFLOW_MANAGED=true")

	if r.safeExec != nil {
		r.safeExec.TrackCommand(r.path, args, cmd.Dir)
		defer r.safeExec.ClearCommand()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	r.logger.Info("runner: starting agent process",
		"path", r.path,
		"work_dir", cmd.Dir,
		"prompt_length", len(opts.Prompt),
		"timeout", timeout,
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		return nil, core.ErrTransient(core.CodeRunnerCrashed, "starting agent process").WithCause(err)
	}
	r.track(cmd)
	defer r.untrack(cmd)

	tr := NewTranscript()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		for _, ev := range tr.ConsumeLine(scanner.Text()) {
			if opts.Sink != nil {
				opts.Sink(ev)
			}
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Keep draining so the process can exit instead of blocking on
		// a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, core.ErrTimeout(fmt.Sprintf("agent timed out after %v", timeout))
	}
	if ctx.Err() == context.Canceled {
		return nil, core.ErrState("CANCELLED", "agent invocation cancelled")
	}
	if scanErr != nil {
		// A truncated transcript cannot be classified; the success
		// envelope may be in the part that was lost.
		return nil, core.ErrTransient(core.CodeRunnerCrashed, "reading agent output").WithCause(scanErr)
	}

	result := tr.Result(duration)

	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			return nil, core.ErrTransient(core.CodeRunnerCrashed, "agent process failed").WithCause(waitErr)
		}
		r.logger.Error("runner: agent process exited non-zero",
			"exit_code", exitErr.ExitCode(),
			"duration", duration,
			"stderr", truncate(stderr.String(), 2000),
		)
		// Transcript markers take precedence; otherwise classify stderr.
		if !result.IsAuthError && !result.IsRateLimited && result.Error == "" {
			return nil, classifyStderr(stderr.String(), exitErr.ExitCode())
		}
		result.Success = false
		if result.Error == "" {
			result.Error = fmt.Sprintf("agent exited with code %d", exitErr.ExitCode())
		}
		return result, nil
	}

	r.logger.Info("runner: agent process completed",
		"session_id", result.SessionID,
		"success", result.Success,
		"cost_usd", result.CostUSD,
		"turns", result.Turns,
		"duration", duration,
	)
	return result, nil
}

// buildArgs constructs CLI arguments for one invocation.
func (r *Subprocess) buildArgs(extraArgs []string, opts core.RunOptions) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	}

	model := opts.Model
	if model == "" {
		model = r.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	maxTurns := opts.MaxTurns
	if maxTurns == 0 {
		maxTurns = r.maxTurns
	}
	if maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(maxTurns))
	}

	return append(args, extraArgs...)
}

func (r *Subprocess) track(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[cmd] = struct{}{}
}

func (r *Subprocess) untrack(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, cmd)
}

// classifyStderr converts a non-zero exit without transcript markers into
// a domain error.
func classifyStderr(stderr string, exitCode int) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = fmt.Sprintf("agent exited with code %d", exitCode)
	}
	lower := strings.ToLower(msg)

	switch {
	case containsAny(lower, []string{"rate limit", "too many requests", "429", "quota"}):
		return core.ErrRateLimit(msg)
	case containsAny(lower, []string{"unauthorized", "authentication", "api key", "invalid token"}):
		return core.ErrAuth(msg)
	default:
		return core.ErrTransient(core.CodeRunnerCrashed, msg)
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... [truncated]"
}

var _ core.AgentRunner = (*Subprocess)(nil)
