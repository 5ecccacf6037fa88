// Package notify delivers human-facing notifications about workflow
// progress, questions and failures. Delivery is fire-and-forget.
package notify

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// Console writes notifications to the structured log.
type Console struct {
	logger *logging.Logger
}

// NewConsole creates a console notifier.
func NewConsole(logger *logging.Logger) *Console {
	return &Console{logger: logger}
}

func (c *Console) NotifyQuestion(ctx context.Context, q core.PendingQuestion) error {
	c.logger.Info("agent question pending",
		"question_id", q.ID,
		"project", q.Project,
		"work_item", q.WorkItemID,
		"epic_id", q.EpicID,
		"questions", len(q.Questions),
	)
	return nil
}

func (c *Console) NotifyProgress(ctx context.Context, work core.ActiveWork, message string) error {
	c.logger.Info("workflow progress",
		"project", work.WorkItem.Project,
		"work_item", work.WorkItem.ID,
		"epic_id", work.EpicID,
		"agent", work.Agent,
		"message", message,
	)
	return nil
}

func (c *Console) NotifyComplete(ctx context.Context, work core.ActiveWork, outcome string) error {
	c.logger.Info("workflow complete",
		"project", work.WorkItem.Project,
		"work_item", work.WorkItem.ID,
		"epic_id", work.EpicID,
		"outcome", outcome,
		"cost_usd", work.CostSoFar,
	)
	return nil
}

func (c *Console) NotifyError(ctx context.Context, work core.ActiveWork, err error) error {
	c.logger.Error("workflow failed",
		"project", work.WorkItem.Project,
		"work_item", work.WorkItem.ID,
		"epic_id", work.EpicID,
		"agent", work.Agent,
		"error", err,
	)
	return nil
}

func (c *Console) NotifyRateLimit(ctx context.Context, err error) error {
	c.logger.Warn("dispatcher paused on provider rate limit", "error", err)
	return nil
}

var _ core.Notifier = (*Console)(nil)

// Multi fans a notification out to several notifiers. A panicking or
// failing notifier never blocks the others.
type Multi struct {
	notifiers []core.Notifier
	logger    *logging.Logger
}

// NewMulti creates a fan-out notifier.
func NewMulti(logger *logging.Logger, notifiers ...core.Notifier) *Multi {
	return &Multi{notifiers: notifiers, logger: logger}
}

func (m *Multi) NotifyQuestion(ctx context.Context, q core.PendingQuestion) error {
	m.each(func(n core.Notifier) error { return n.NotifyQuestion(ctx, q) })
	return nil
}

func (m *Multi) NotifyProgress(ctx context.Context, work core.ActiveWork, message string) error {
	m.each(func(n core.Notifier) error { return n.NotifyProgress(ctx, work, message) })
	return nil
}

func (m *Multi) NotifyComplete(ctx context.Context, work core.ActiveWork, outcome string) error {
	m.each(func(n core.Notifier) error { return n.NotifyComplete(ctx, work, outcome) })
	return nil
}

func (m *Multi) NotifyError(ctx context.Context, work core.ActiveWork, err error) error {
	m.each(func(n core.Notifier) error { return n.NotifyError(ctx, work, err) })
	return nil
}

func (m *Multi) NotifyRateLimit(ctx context.Context, err error) error {
	m.each(func(n core.Notifier) error { return n.NotifyRateLimit(ctx, err) })
	return nil
}

func (m *Multi) each(fn func(core.Notifier) error) {
	for _, n := range m.notifiers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("notifier panicked", "panic", fmt.Sprint(r))
				}
			}()
			if err := fn(n); err != nil {
				m.logger.Warn("notifier failed", "error", err)
			}
		}()
	}
}

var _ core.Notifier = (*Multi)(nil)
