package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const samplePipeline = `
entry: implementation
agents:
  - name: implementation
    prompt_file: implementation.md
    max_turns: 80
  - name: quality_review
    prompt_file: review.md
    max_turns: 40
  - name: release
    prompt_file: release.md
    max_turns: 20
    model: claude-sonnet-4-20250514
`

func TestParsePipeline(t *testing.T) {
	p, err := ParsePipeline([]byte(samplePipeline))
	if err != nil {
		t.Fatalf("ParsePipeline: %v", err)
	}

	if p.Entry != "implementation" {
		t.Errorf("entry = %q", p.Entry)
	}
	if len(p.Agents) != 3 {
		t.Fatalf("agents = %d, want 3", len(p.Agents))
	}

	stage, ok := p.Stage("quality_review")
	if !ok {
		t.Fatal("Stage(quality_review) not found")
	}
	if stage.MaxTurns != 40 {
		t.Errorf("quality_review max_turns = %d, want 40", stage.MaxTurns)
	}

	known := p.KnownAgents()
	for _, name := range []string{"implementation", "quality_review", "release"} {
		if !known[name] {
			t.Errorf("KnownAgents missing %s", name)
		}
	}
	if _, ok := p.Stage("unknown"); ok {
		t.Error("Stage(unknown) should not resolve")
	}
}

func TestParsePipeline_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			"no agents",
			"entry: implementation\nagents: []",
			"at least one agent",
		},
		{
			"missing entry",
			"agents:\n  - name: implementation",
			"entry agent required",
		},
		{
			"entry not defined",
			"entry: planner\nagents:\n  - name: implementation",
			"not defined",
		},
		{
			"duplicate agent",
			"entry: a\nagents:\n  - name: a\n  - name: a",
			"duplicate agent",
		},
		{
			"nameless agent",
			"entry: a\nagents:\n  - name: a\n  - max_turns: 5",
			"name required",
		},
		{
			"negative turns",
			"entry: a\nagents:\n  - name: a\n    max_turns: -1",
			"must be non-negative",
		},
		{
			"malformed yaml",
			"agents: [unclosed",
			"parsing pipeline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePipeline([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestResolvePrompts(t *testing.T) {
	agents := t.TempDir()
	for name, body := range map[string]string{
		"implementation.md": "You implement work items.",
		"review.md":         "You review pull requests.",
		"release.md":        "You merge approved pull requests.",
	} {
		if err := os.WriteFile(filepath.Join(agents, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	p, err := ParsePipeline([]byte(samplePipeline))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.ResolvePrompts(agents); err != nil {
		t.Fatalf("ResolvePrompts: %v", err)
	}

	stage, _ := p.Stage("quality_review")
	if stage.Prompt != "You review pull requests." {
		t.Errorf("prompt = %q", stage.Prompt)
	}
}

func TestResolvePrompts_MissingFile(t *testing.T) {
	p, err := ParsePipeline([]byte(samplePipeline))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.ResolvePrompts(t.TempDir()); err == nil {
		t.Error("expected error for missing prompt file")
	}
}

func TestResolvePrompts_InlinePromptKept(t *testing.T) {
	p := &Pipeline{
		Entry:  "implementation",
		Agents: []AgentStage{{Name: "implementation", Prompt: "inline text"}},
	}
	if err := p.ResolvePrompts(t.TempDir()); err != nil {
		t.Fatalf("ResolvePrompts: %v", err)
	}
	if p.Agents[0].Prompt != "inline text" {
		t.Errorf("prompt = %q", p.Agents[0].Prompt)
	}
}

func TestLoadPipeline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "default.yaml")
	if err := os.WriteFile(path, []byte(samplePipeline), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPipeline(path)
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if p.Entry != "implementation" {
		t.Errorf("entry = %q", p.Entry)
	}

	if _, err := LoadPipeline(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
