package runner

import (
	"strings"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
)

func consume(t *testing.T, tr *Transcript, transcript string) []core.StreamEvent {
	t.Helper()
	var events []core.StreamEvent
	for _, line := range strings.Split(transcript, "\n") {
		events = append(events, tr.ConsumeLine(line)...)
	}
	return events
}

func TestTranscript_SuccessfulRun(t *testing.T) {
	transcript := `{"type":"system","subtype":"init","session_id":"sess-42"}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]}}
{"type":"assistant","message":{"content":[{"type":"text","text":"Implemented the fix."}]}}
{"type":"result","subtype":"success","result":"Implemented the fix.","total_cost_usd":0.05,"num_turns":12,"session_id":"sess-42"}`

	tr := NewTranscript()
	events := consume(t, tr, transcript)

	res := tr.Result(3 * time.Second)
	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.SessionID != "sess-42" {
		t.Errorf("SessionID = %q", res.SessionID)
	}
	if res.CostUSD != 0.05 {
		t.Errorf("CostUSD = %v", res.CostUSD)
	}
	if res.Turns != 12 {
		t.Errorf("Turns = %v", res.Turns)
	}
	if res.Output != "Implemented the fix." {
		t.Errorf("Output = %q", res.Output)
	}

	var sawTool, sawText bool
	for _, ev := range events {
		switch ev.Kind {
		case core.StreamEventToolUse:
			sawTool = ev.Tool == "Bash"
		case core.StreamEventOutput:
			sawText = true
		}
	}
	if !sawTool || !sawText {
		t.Errorf("events missing (tool=%v text=%v): %+v", sawTool, sawText, events)
	}
}

// An error marker anywhere in the stream must fail the run, even when a
// result/success envelope is also present.
func TestTranscript_ErrorMarkerOverridesSuccessEnvelope(t *testing.T) {
	transcript := `{"type":"result","subtype":"success","result":"done","session_id":"sess-1"}
{"type":"assistant","message":{"content":[{"type":"text","text":"authentication_failed: credentials rejected"}]}}`

	tr := NewTranscript()
	consume(t, tr, transcript)

	res := tr.Result(time.Second)
	if res.Success {
		t.Fatal("Success = true despite authentication_failed marker in transcript")
	}
	if !res.IsAuthError {
		t.Error("IsAuthError = false, want true")
	}
}

func TestTranscript_MarkerBeforeSuccessEnvelope(t *testing.T) {
	transcript := `{"type":"assistant","message":{"content":[{"type":"text","text":"invalid_api_key"}]}}
{"type":"result","subtype":"success","result":"done","session_id":"sess-1"}`

	tr := NewTranscript()
	consume(t, tr, transcript)

	res := tr.Result(time.Second)
	if res.Success || !res.IsAuthError {
		t.Errorf("Success = %v, IsAuthError = %v; want false, true", res.Success, res.IsAuthError)
	}
}

func TestTranscript_RateLimitMarker(t *testing.T) {
	transcript := `{"type":"error","error":"rate_limit_error: please slow down"}
{"type":"result","subtype":"success","result":"done"}`

	tr := NewTranscript()
	consume(t, tr, transcript)

	res := tr.Result(time.Second)
	if res.Success {
		t.Error("Success = true despite rate limit marker")
	}
	if !res.IsRateLimited {
		t.Error("IsRateLimited = false, want true")
	}
	if res.IsAuthError {
		t.Error("IsAuthError = true for a rate limit")
	}
}

func TestTranscript_ErrorResultEnvelope(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"subtype error", `{"type":"result","subtype":"error","error":"tool crashed"}`},
		{"subtype error_max_turns", `{"type":"result","subtype":"error_max_turns"}`},
		{"is_error flag", `{"type":"result","subtype":"success","is_error":true,"error":"late failure"}`},
		{"bare error line", `{"type":"error","error":"stream aborted"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTranscript()
			tr.ConsumeLine(tt.line)
			res := tr.Result(time.Second)
			if res.Success {
				t.Errorf("Success = true for %q", tt.line)
			}
			if res.IsAuthError || res.IsRateLimited {
				t.Errorf("plain error misclassified: auth=%v rate=%v", res.IsAuthError, res.IsRateLimited)
			}
		})
	}
}

func TestTranscript_NoResultEnvelopeIsNotSuccess(t *testing.T) {
	tr := NewTranscript()
	tr.ConsumeLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"working..."}]}}`)

	if res := tr.Result(time.Second); res.Success {
		t.Error("Success = true without a result envelope")
	}
}

func TestTranscript_IgnoresGarbage(t *testing.T) {
	tr := NewTranscript()
	for _, line := range []string{"", "plain text progress", "{not json", "   "} {
		if events := tr.ConsumeLine(line); len(events) != 0 {
			t.Errorf("ConsumeLine(%q) produced events %+v", line, events)
		}
	}
	tr.ConsumeLine(`{"type":"result","subtype":"success","result":"ok"}`)
	if res := tr.Result(time.Second); !res.Success {
		t.Errorf("garbage lines poisoned the run: %q", res.Error)
	}
}

func TestTranscript_PendingQuestion(t *testing.T) {
	output := "I need clarification before continuing.\n" +
		"```json\n" +
		`{"context":"schema migration","questions":["Drop the legacy column?"],"options":["yes","no"]}` +
		"\n```"

	tr := NewTranscript()
	tr.ConsumeLine(`{"type":"result","subtype":"success","result":` + jsonString(output) + `,"session_id":"sess-9"}`)

	res := tr.Result(time.Second)
	if !res.Success {
		t.Fatalf("Success = false: %q", res.Error)
	}
	q := res.PendingQuestion
	if q == nil {
		t.Fatal("PendingQuestion = nil")
	}
	if q.Context != "schema migration" {
		t.Errorf("Context = %q", q.Context)
	}
	if len(q.Questions) != 1 || q.Questions[0] != "Drop the legacy column?" {
		t.Errorf("Questions = %v", q.Questions)
	}
	if len(q.Options) != 2 {
		t.Errorf("Options = %v", q.Options)
	}
}

func TestExtractQuestion(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"no question", "All done, handing off.", false},
		{"fenced question", "```json\n{\"questions\":[\"Which port?\"]}\n```", true},
		{"bare json object", `{"questions":["Which port?"]}`, true},
		{"empty questions array", "```json\n{\"questions\":[]}\n```", false},
		{"questions key in prose", `the "questions" remain open`, false},
		{"malformed block", "```json\n{\"questions\":[\n```", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractQuestion(tt.output)
			if (got != nil) != tt.want {
				t.Errorf("extractQuestion(%q) = %+v, want present=%v", tt.output, got, tt.want)
			}
		})
	}
}

func jsonString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
