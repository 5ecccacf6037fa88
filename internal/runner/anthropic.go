package runner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/hugo-lorenzo-mato/beadflow/internal/config"
	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// Hosted runs agent steps against the Anthropic Messages API directly,
// without a CLI in between. Session state is the conversation history,
// kept in memory keyed by session id.
type Hosted struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	logger    *logging.Logger

	mu       sync.Mutex
	sessions map[string][]anthropic.Message
	cancels  map[string]context.CancelFunc
}

// NewHosted creates a hosted-API runner from configuration. The API key
// comes from the ANTHROPIC_API_KEY environment variable.
func NewHosted(cfg config.RunnerConfig, apiKey string, logger *logging.Logger) *Hosted {
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Hosted{
		client:    anthropic.NewClient(apiKey),
		model:     model,
		maxTokens: 8192,
		logger:    logger.With("runner", "anthropic"),
		sessions:  make(map[string][]anthropic.Message),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Run executes a prompt as a fresh session.
func (h *Hosted) Run(ctx context.Context, opts core.RunOptions) (*core.RunResult, error) {
	sessionID := uuid.NewString()
	messages := []anthropic.Message{{
		Role:    anthropic.RoleUser,
		Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(opts.Prompt)},
	}}
	return h.complete(ctx, sessionID, messages, opts)
}

// ResumeWithAnswer appends the answer to the stored conversation and
// continues the session.
func (h *Hosted) ResumeWithAnswer(ctx context.Context, sessionID, answer string, opts core.RunOptions) (*core.RunResult, error) {
	h.mu.Lock()
	history, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return nil, core.ErrNotFound("session", sessionID)
	}

	messages := append(history, anthropic.Message{
		Role:    anthropic.RoleUser,
		Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(answer)},
	})
	return h.complete(ctx, sessionID, messages, opts)
}

// Abort cancels every in-flight API call.
func (h *Hosted) Abort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cancel := range h.cancels {
		cancel()
	}
}

func (h *Hosted) complete(ctx context.Context, sessionID string, messages []anthropic.Message, opts core.RunOptions) (*core.RunResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h.mu.Lock()
	h.cancels[sessionID] = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.cancels, sessionID)
		h.mu.Unlock()
	}()

	model := opts.Model
	if model == "" {
		model = h.model
	}

	start := time.Now()
	resp, err := h.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: h.maxTokens,
	})
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, core.ErrTimeout("api call timed out")
		}
		return h.classifyAPIError(sessionID, err, duration)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			text.WriteString(*block.Text)
		}
	}
	output := text.String()

	if opts.Sink != nil && output != "" {
		opts.Sink(core.StreamEvent{Kind: core.StreamEventOutput, Text: output})
	}

	h.mu.Lock()
	h.sessions[sessionID] = append(messages, anthropic.Message{
		Role:    anthropic.RoleAssistant,
		Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(output)},
	})
	h.mu.Unlock()

	result := &core.RunResult{
		SessionID: sessionID,
		Output:    output,
		CostUSD:   estimateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Turns:     len(messages)/2 + 1,
		Duration:  duration,
		Success:   true,
	}

	// The model can report a provider-side failure inline; an error marker
	// in the response text still fails the run.
	if marker := findErrorMarker(output); marker != "" {
		result.Success = false
		result.Error = "error marker in response: " + marker
		result.IsAuthError = isAuthMarker(marker)
		result.IsRateLimited = isRateMarker(marker)
		return result, nil
	}

	result.PendingQuestion = extractQuestion(output)

	h.logger.Info("runner: api call completed",
		"session_id", sessionID,
		"cost_usd", result.CostUSD,
		"duration", duration,
	)
	return result, nil
}

// classifyAPIError maps SDK errors onto the runner result contract:
// auth and rate-limit failures come back as classified results, anything
// else is a transient infrastructure error.
func (h *Hosted) classifyAPIError(sessionID string, err error, duration time.Duration) (*core.RunResult, error) {
	msg := err.Error()
	lower := strings.ToLower(msg)

	result := &core.RunResult{
		SessionID: sessionID,
		Duration:  duration,
		Success:   false,
		Error:     msg,
	}

	switch {
	case containsAny(lower, []string{"401", "403", "authentication", "invalid x-api-key", "api key"}):
		result.IsAuthError = true
		return result, nil
	case containsAny(lower, []string{"429", "rate limit", "too many requests", "overloaded"}):
		result.IsRateLimited = true
		return result, nil
	default:
		return nil, core.ErrTransient(core.CodeRunnerCrashed, "api call failed").WithCause(err)
	}
}

// estimateCost approximates spend from token usage.
// Sonnet pricing: $3/MTok in, $15/MTok out.
func estimateCost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1_000_000*3 + float64(tokensOut)/1_000_000*15
}

func findErrorMarker(text string) string {
	lower := strings.ToLower(text)
	for _, m := range authMarkers {
		if strings.Contains(lower, m) {
			return m
		}
	}
	for _, m := range rateMarkers {
		if strings.Contains(lower, m) {
			return m
		}
	}
	return ""
}

func isAuthMarker(marker string) bool {
	for _, m := range authMarkers {
		if m == marker {
			return true
		}
	}
	return false
}

func isRateMarker(marker string) bool {
	for _, m := range rateMarkers {
		if m == marker {
			return true
		}
	}
	return false
}

var _ core.AgentRunner = (*Hosted)(nil)
