// Package runner provides the subprocess and hosted-API agent runner
// variants behind the core.AgentRunner contract.
package runner

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
)

// authMarkers are provider error markers that indicate an authentication
// failure. Matching is done against every raw transcript line, so a marker
// buried in an assistant message still fails the run.
var authMarkers = []string{
	"authentication_failed",
	"authentication_error",
	"invalid_api_key",
	"permission_error",
	"oauth token has expired",
}

// rateMarkers indicate provider throttling.
var rateMarkers = []string{
	"rate_limit_error",
	"rate_limit_exceeded",
	"too many requests",
	"overloaded_error",
}

// streamLine is one line of stream-json output. Real format from
// `claude --print --output-format stream-json --verbose`:
//
//	{"type":"system","subtype":"init","session_id":"..."}
//	{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{...}}]}}
//	{"type":"assistant","message":{"content":[{"type":"text","text":"..."}]}}
//	{"type":"result","subtype":"success","result":"...","total_cost_usd":0.05,"num_turns":12,"session_id":"..."}
type streamLine struct {
	Type       string         `json:"type"`
	Subtype    string         `json:"subtype"`
	SessionID  string         `json:"session_id,omitempty"`
	Message    *streamMessage `json:"message,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	CostUSD    float64        `json:"total_cost_usd,omitempty"`
	NumTurns   int            `json:"num_turns,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

type streamMessage struct {
	Content []streamContent `json:"content"`
}

type streamContent struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
}

// Transcript consumes stream-json lines from an agent invocation and
// classifies the outcome. An error marker anywhere in the stream forces
// the final result to failure, even when a "result"/"success" envelope
// is also present.
type Transcript struct {
	sessionID  string
	output     strings.Builder
	resultText string
	costUSD    float64
	turns      int

	sawResult   bool
	sawSuccess  bool
	sawError    bool
	authError   bool
	rateLimited bool
	errMessage  string
}

// NewTranscript creates an empty transcript accumulator.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// ConsumeLine parses one line of agent output and returns stream events
// for the step's sink. Non-JSON lines are ignored but still scanned for
// error markers.
func (t *Transcript) ConsumeLine(line string) []core.StreamEvent {
	t.scanMarkers(line)

	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil
	}

	var ev streamLine
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil
	}

	if ev.SessionID != "" {
		t.sessionID = ev.SessionID
	}

	var events []core.StreamEvent

	switch ev.Type {
	case "assistant":
		if ev.Message != nil {
			for _, c := range ev.Message.Content {
				switch c.Type {
				case "text":
					if c.Text != "" {
						t.output.WriteString(c.Text)
						t.output.WriteString("\n")
						events = append(events, core.StreamEvent{
							Kind: core.StreamEventOutput,
							Text: c.Text,
						})
					}
				case "tool_use":
					events = append(events, core.StreamEvent{
						Kind: core.StreamEventToolUse,
						Tool: c.Name,
					})
				}
			}
		}

	case "result":
		t.sawResult = true
		if ev.CostUSD > 0 {
			t.costUSD = ev.CostUSD
		}
		if ev.NumTurns > 0 {
			t.turns = ev.NumTurns
		}
		if ev.Result != "" {
			t.resultText = ev.Result
		}
		switch {
		case ev.IsError || ev.Subtype == "error" || strings.HasPrefix(ev.Subtype, "error_"):
			t.recordError(firstNonEmpty(ev.Error, ev.Result, "agent reported an error result"))
		case ev.Subtype == "success":
			t.sawSuccess = true
		}

	case "error":
		t.recordError(firstNonEmpty(ev.Error, "agent reported an error"))
	}

	return events
}

// scanMarkers checks a raw line for provider error markers.
func (t *Transcript) scanMarkers(line string) {
	lower := strings.ToLower(line)
	for _, m := range authMarkers {
		if strings.Contains(lower, m) {
			t.authError = true
			t.recordError("authentication error marker in transcript: " + m)
			return
		}
	}
	for _, m := range rateMarkers {
		if strings.Contains(lower, m) {
			t.rateLimited = true
			t.recordError("rate limit marker in transcript: " + m)
			return
		}
	}
}

func (t *Transcript) recordError(msg string) {
	t.sawError = true
	if t.errMessage == "" {
		t.errMessage = msg
	}
}

// SessionID returns the session id reported by the agent, if any.
func (t *Transcript) SessionID() string {
	return t.sessionID
}

// Result finalizes the transcript into a RunResult. Success requires a
// success envelope AND the absence of any error marker.
func (t *Transcript) Result(duration time.Duration) *core.RunResult {
	output := t.resultText
	if output == "" {
		output = t.output.String()
	}

	res := &core.RunResult{
		SessionID:     t.sessionID,
		Output:        output,
		CostUSD:       t.costUSD,
		Turns:         t.turns,
		Duration:      duration,
		Success:       t.sawSuccess && !t.sawError,
		Error:         t.errMessage,
		IsAuthError:   t.authError,
		IsRateLimited: t.rateLimited,
	}

	if res.Success {
		res.PendingQuestion = extractQuestion(output)
	}
	return res
}

// questionPayload is the structured block an agent emits when it needs a
// human answer before it can continue.
type questionPayload struct {
	Context   string   `json:"context"`
	Questions []string `json:"questions"`
	Options   []string `json:"options"`
}

// extractQuestion looks for a fenced JSON block carrying a "questions"
// array in the agent's final output.
func extractQuestion(output string) *core.QuestionRequest {
	for _, block := range fencedJSONBlocks(output) {
		if !strings.Contains(block, `"questions"`) {
			continue
		}
		var q questionPayload
		if err := json.Unmarshal([]byte(block), &q); err != nil {
			continue
		}
		if len(q.Questions) == 0 {
			continue
		}
		return &core.QuestionRequest{
			Context:   q.Context,
			Questions: q.Questions,
			Options:   q.Options,
		}
	}
	return nil
}

// fencedJSONBlocks returns the contents of ```json fenced blocks, plus the
// whole output when it is itself a bare JSON object.
func fencedJSONBlocks(output string) []string {
	var blocks []string

	rest := output
	for {
		start := strings.Index(rest, "```json")
		if start < 0 {
			break
		}
		rest = rest[start+len("```json"):]
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		blocks = append(blocks, strings.TrimSpace(rest[:end]))
		rest = rest[end+3:]
	}

	if trimmed := strings.TrimSpace(output); strings.HasPrefix(trimmed, "{") {
		blocks = append(blocks, trimmed)
	}
	return blocks
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
