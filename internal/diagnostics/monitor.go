package diagnostics

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// ResourceSnapshot is one reading of the dispatcher process. Agent
// subprocesses inherit pipes and worktree handles from this process, so
// a leak on either side shows up in these numbers first.
type ResourceSnapshot struct {
	Timestamp      time.Time     `json:"timestamp"`
	OpenFDs        int           `json:"open_fds"`
	MaxFDs         int           `json:"max_fds"`
	FDUsagePercent float64       `json:"fd_usage_percent"`
	Goroutines     int           `json:"goroutines"`
	HeapAllocMB    float64       `json:"heap_alloc_mb"`
	HeapInUseMB    float64       `json:"heap_in_use_mb"`
	GCPauseNS      uint64        `json:"gc_pause_ns"`
	NumGC          uint32        `json:"num_gc"`
	Uptime         time.Duration `json:"uptime"`

	// Dispatcher counters: agent subprocesses launched since boot,
	// currently running, and concurrency slots currently held.
	AgentsStarted int64 `json:"agents_started"`
	AgentsActive  int   `json:"agents_active"`
	ActiveSlots   int   `json:"active_slots"`
}

// ResourceTrend extrapolates growth over the retained snapshot window.
type ResourceTrend struct {
	FDsPerHour        float64
	GoroutinesPerHour float64
	HeapMBPerHour     float64
	Healthy           bool
	Warnings          []string
}

// HealthWarning flags one crossed threshold.
type HealthWarning struct {
	Level   string // "warning" or "critical"
	Kind    string // "fd", "goroutine" or "heap"
	Message string
	Value   float64
	Limit   float64
}

// MonitorConfig bounds the periodic resource check. Zero thresholds
// disable the corresponding check.
type MonitorConfig struct {
	Interval           time.Duration
	FDThresholdPercent int
	GoroutineThreshold int
	HeapThresholdMB    int
	HistorySize        int
}

// ResourceMonitor samples the dispatcher process on a timer and keeps a
// bounded history for trend analysis and crash dumps. The dispatcher
// runs for days at a time; a slow FD or goroutine leak that a short
// process never notices will eventually starve agent launches.
type ResourceMonitor struct {
	cfg    MonitorConfig
	logger *logging.Logger

	mu      sync.RWMutex
	history []ResourceSnapshot

	agentsStarted atomic.Int64
	agentsActive  atomic.Int32
	slotCounter   atomic.Value // func() int

	stop    chan struct{}
	stopped atomic.Bool
	started time.Time
}

// NewResourceMonitor creates a monitor. Sampling starts with Start.
func NewResourceMonitor(cfg MonitorConfig, logger *logging.Logger) *ResourceMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 120 // an hour at the default interval
	}
	return &ResourceMonitor{
		cfg:     cfg,
		logger:  logger,
		history: make([]ResourceSnapshot, 0, cfg.HistorySize),
		stop:    make(chan struct{}),
		started: time.Now(),
	}
}

// SetSlotCounter installs the dispatcher's active-slot reading. It is
// sampled on every snapshot.
func (m *ResourceMonitor) SetSlotCounter(fn func() int) {
	m.slotCounter.Store(fn)
}

// AgentStarted records an agent subprocess launch.
func (m *ResourceMonitor) AgentStarted() {
	m.agentsStarted.Add(1)
	m.agentsActive.Add(1)
}

// AgentFinished records an agent subprocess exit.
func (m *ResourceMonitor) AgentFinished() {
	m.agentsActive.Add(-1)
}

// Start samples on the configured interval until ctx ends or Stop is
// called, logging a warning for every crossed threshold.
func (m *ResourceMonitor) Start(ctx context.Context) {
	go func() {
		m.record(m.Snapshot())

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.record(m.Snapshot())
				for _, w := range m.Health() {
					m.logger.Warn("resource threshold crossed",
						"kind", w.Kind, "level", w.Level,
						"value", w.Value, "limit", w.Limit,
						"message", w.Message)
				}
			}
		}
	}()
}

// Stop ends the sampling loop. Idempotent.
func (m *ResourceMonitor) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stop)
	}
}

// Snapshot reads the process state right now.
func (m *ResourceMonitor) Snapshot() ResourceSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	open, limit := CountFDs()
	pct := 0.0
	if limit > 0 {
		pct = float64(open) / float64(limit) * 100
	}

	slots := 0
	if fn, ok := m.slotCounter.Load().(func() int); ok && fn != nil {
		slots = fn()
	}

	return ResourceSnapshot{
		Timestamp:      time.Now(),
		OpenFDs:        open,
		MaxFDs:         limit,
		FDUsagePercent: pct,
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocMB:    float64(ms.HeapAlloc) / 1024 / 1024,
		HeapInUseMB:    float64(ms.HeapInuse) / 1024 / 1024,
		GCPauseNS:      ms.PauseNs[(ms.NumGC+255)%256],
		NumGC:          ms.NumGC,
		Uptime:         time.Since(m.started),
		AgentsStarted:  m.agentsStarted.Load(),
		AgentsActive:   int(m.agentsActive.Load()),
		ActiveSlots:    slots,
	}
}

func (m *ResourceMonitor) record(s ResourceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, s)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
}

// History returns a copy of the retained snapshots, oldest first.
func (m *ResourceMonitor) History() []ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ResourceSnapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Latest returns the most recent snapshot, if any was recorded.
func (m *ResourceMonitor) Latest() (ResourceSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return ResourceSnapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// Trend compares the oldest and newest retained snapshots. Windows
// shorter than about half a minute carry no signal and read as healthy.
func (m *ResourceMonitor) Trend() ResourceTrend {
	history := m.History()
	if len(history) < 2 {
		return ResourceTrend{Healthy: true}
	}

	first, last := history[0], history[len(history)-1]
	hours := last.Timestamp.Sub(first.Timestamp).Hours()
	if hours < 0.01 {
		return ResourceTrend{Healthy: true}
	}

	trend := ResourceTrend{
		FDsPerHour:        float64(last.OpenFDs-first.OpenFDs) / hours,
		GoroutinesPerHour: float64(last.Goroutines-first.Goroutines) / hours,
		HeapMBPerHour:     (last.HeapAllocMB - first.HeapAllocMB) / hours,
		Healthy:           true,
	}

	if trend.FDsPerHour > 10 {
		trend.Healthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("fd count growing at %.1f/hour", trend.FDsPerHour))
	}
	if trend.GoroutinesPerHour > 100 {
		trend.Healthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("goroutines growing at %.1f/hour", trend.GoroutinesPerHour))
	}
	if trend.HeapMBPerHour > 100 {
		trend.Healthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("heap growing at %.1f MB/hour", trend.HeapMBPerHour))
	}
	return trend
}

// Health checks the newest snapshot against the configured thresholds.
func (m *ResourceMonitor) Health() []HealthWarning {
	snap, ok := m.Latest()
	if !ok {
		snap = m.Snapshot()
	}

	var warnings []HealthWarning

	if limit := m.cfg.FDThresholdPercent; limit > 0 && snap.FDUsagePercent > float64(limit) {
		level := "warning"
		if snap.FDUsagePercent > 90 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level: level,
			Kind:  "fd",
			Message: fmt.Sprintf("fd usage at %.1f%%, threshold %d%%",
				snap.FDUsagePercent, limit),
			Value: snap.FDUsagePercent,
			Limit: float64(limit),
		})
	}

	if limit := m.cfg.GoroutineThreshold; limit > 0 && snap.Goroutines > limit {
		level := "warning"
		if snap.Goroutines > limit*2 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level: level,
			Kind:  "goroutine",
			Message: fmt.Sprintf("%d goroutines, threshold %d",
				snap.Goroutines, limit),
			Value: float64(snap.Goroutines),
			Limit: float64(limit),
		})
	}

	if limit := m.cfg.HeapThresholdMB; limit > 0 && snap.HeapAllocMB > float64(limit) {
		level := "warning"
		if snap.HeapAllocMB > float64(limit)*1.5 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level: level,
			Kind:  "heap",
			Message: fmt.Sprintf("heap at %.1f MB, threshold %d MB",
				snap.HeapAllocMB, limit),
			Value: snap.HeapAllocMB,
			Limit: float64(limit),
		})
	}

	return warnings
}
