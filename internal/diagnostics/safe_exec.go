package diagnostics

import (
	"fmt"
	"time"
)

// PreflightResult is the outcome of the pre-launch health check.
type PreflightResult struct {
	OK       bool
	Warnings []string
	Errors   []string
	Snapshot ResourceSnapshot
}

// SafeExecutor gates agent subprocess launches on host health and wraps
// them with panic recovery and crash dump attribution.
type SafeExecutor struct {
	monitor          *ResourceMonitor
	dumps            *CrashDumpWriter
	preflightEnabled bool
	minFreeFDPercent int
}

// NewSafeExecutor creates a safe executor. Any collaborator may be nil;
// the corresponding behavior is skipped.
func NewSafeExecutor(monitor *ResourceMonitor, dumps *CrashDumpWriter, preflightEnabled bool, minFreeFDPercent int) *SafeExecutor {
	return &SafeExecutor{
		monitor:          monitor,
		dumps:            dumps,
		preflightEnabled: preflightEnabled,
		minFreeFDPercent: minFreeFDPercent,
	}
}

// SetExecutionContext records which agent step is in flight so a crash
// dump can attribute the panic.
func (e *SafeExecutor) SetExecutionContext(agent, epicID string) {
	if e.dumps != nil {
		e.dumps.SetContext(agent, epicID)
	}
}

// TrackCommand records the agent process about to be launched. Cleared
// with ClearCommand once it exits.
func (e *SafeExecutor) TrackCommand(path string, args []string, workDir string) {
	if e.dumps != nil {
		e.dumps.SetCommand(&AgentCommand{
			Path: path, Args: args, WorkDir: workDir, Started: time.Now(),
		})
	}
}

// ClearCommand drops the recorded agent process.
func (e *SafeExecutor) ClearCommand() {
	if e.dumps != nil {
		e.dumps.SetCommand(nil)
	}
}

// RunPreflight checks host health before launching another agent. A
// failed check means the launch should not happen at all: starting an
// agent with no descriptors to spare kills it mid-transcript instead.
func (e *SafeExecutor) RunPreflight() PreflightResult {
	result := PreflightResult{OK: true}
	if !e.preflightEnabled || e.monitor == nil {
		return result
	}
	result.Snapshot = e.monitor.Snapshot()

	freeFD := 100.0 - result.Snapshot.FDUsagePercent
	switch {
	case e.minFreeFDPercent > 0 && freeFD < float64(e.minFreeFDPercent):
		result.OK = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("insufficient free file descriptors: %.1f%% free, need %d%%",
				freeFD, e.minFreeFDPercent))
	case e.minFreeFDPercent > 0 && freeFD < float64(e.minFreeFDPercent)*1.5:
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("file descriptors running low: %.1f%% free", freeFD))
	}

	if trend := e.monitor.Trend(); !trend.Healthy {
		result.Warnings = append(result.Warnings, trend.Warnings...)
	}
	return result
}

// Execute runs one agent invocation with the active-agent counters
// maintained and any panic converted into an error via a crash dump.
func (e *SafeExecutor) Execute(fn func() error) (err error) {
	if e.monitor != nil {
		e.monitor.AgentStarted()
		defer e.monitor.AgentFinished()
	}
	if e.dumps != nil {
		defer e.dumps.RecoverAndReturn(&err)
	}
	return fn()
}
