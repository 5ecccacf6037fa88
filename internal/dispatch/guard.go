package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	"github.com/hugo-lorenzo-mato/beadflow/internal/events"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// Pause reasons carried on dispatcher pause events.
const (
	PauseReasonManual    = "manual"
	PauseReasonRateLimit = "rate_limit"
)

// Guard holds the dispatcher-wide paused flag. A provider rate limit
// flips it on; in-flight steps keep running while new admissions stop
// until an explicit resume. Provider limits are account-wide, so the
// pause is global rather than per project.
type Guard struct {
	mu       sync.Mutex
	paused   bool
	reason   string
	pausedAt time.Time

	bus      *events.Bus
	notifier core.Notifier
	logger   *logging.Logger
}

// NewGuard creates a rate-limit guard.
func NewGuard(bus *events.Bus, notifier core.Notifier, logger *logging.Logger) *Guard {
	return &Guard{bus: bus, notifier: notifier, logger: logger}
}

// Paused reports whether admission is currently halted.
func (g *Guard) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// PausedSince returns the pause reason and start time, or false when not
// paused.
func (g *Guard) PausedSince() (string, time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason, g.pausedAt, g.paused
}

// Pause halts admission with the given reason. Idempotent.
func (g *Guard) Pause(reason string) {
	g.mu.Lock()
	if g.paused {
		g.mu.Unlock()
		return
	}
	g.paused = true
	g.reason = reason
	g.pausedAt = time.Now()
	g.mu.Unlock()

	g.logger.Warn("dispatcher paused", "reason", reason)
	g.bus.Publish(events.NewDispatcherPausedEvent(reason))
}

// Resume re-enables admission. Idempotent.
func (g *Guard) Resume() {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return
	}
	pausedFor := time.Since(g.pausedAt)
	g.paused = false
	g.reason = ""
	g.mu.Unlock()

	g.logger.Info("dispatcher resumed", "paused_for", pausedFor)
	g.bus.Publish(events.NewDispatcherResumedEvent())
}

// OnRateLimit handles a provider throttling signal detected on a step.
// The step itself is not failed; the whole dispatcher pauses instead.
func (g *Guard) OnRateLimit(ctx context.Context, epicID string, err error) {
	g.logger.Warn("provider rate limit detected", "epic_id", epicID, "error", err)
	g.bus.Publish(events.NewRateLimitedEvent(epicID, err.Error()))
	g.Pause(PauseReasonRateLimit)
	if nerr := g.notifier.NotifyRateLimit(ctx, err); nerr != nil {
		g.logger.Warn("rate limit notification failed", "error", nerr)
	}
}
