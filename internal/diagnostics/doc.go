// Package diagnostics watches the health of the long-running dispatcher
// process and preserves evidence when it fails.
//
//   - ResourceMonitor samples file descriptors, goroutines, heap and the
//     dispatcher's own counters (agents in flight, slots held) on a
//     timer, keeping a bounded history for trend analysis.
//
//   - CrashDumpWriter turns a panic into a JSON dump naming the agent
//     step and subprocess that were running, with secrets redacted.
//
//   - SafeExecutor gates agent launches on a preflight health check and
//     wraps each invocation with counter upkeep and panic recovery.
//
//   - SystemMetricsCollector samples host-wide CPU, memory, disk and
//     load figures for the status API.
package diagnostics
