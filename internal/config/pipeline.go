package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/beadflow/internal/fsutil"
)

// Pipeline defines a project's agent chain: which agent handles a freshly
// admitted work item, and which agents are valid handoff targets.
type Pipeline struct {
	Entry  string       `yaml:"entry"`
	Agents []AgentStage `yaml:"agents"`
}

// AgentStage configures a single agent within a pipeline.
type AgentStage struct {
	Name       string `yaml:"name"`
	Prompt     string `yaml:"prompt"`      // inline prompt template
	PromptFile string `yaml:"prompt_file"` // or a template file, relative to agents_path
	Model      string `yaml:"model"`       // optional per-stage model override
	MaxTurns   int    `yaml:"max_turns"`
}

// LoadPipeline reads and validates a pipeline definition file.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline %s: %w", path, err)
	}
	return ParsePipeline(data)
}

// ParsePipeline parses a pipeline definition from YAML.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the pipeline for structural errors.
func (p *Pipeline) Validate() error {
	if len(p.Agents) == 0 {
		return fmt.Errorf("pipeline: at least one agent required")
	}

	seen := make(map[string]bool, len(p.Agents))
	for i, a := range p.Agents {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return fmt.Errorf("pipeline: agents[%d]: name required", i)
		}
		if seen[name] {
			return fmt.Errorf("pipeline: duplicate agent %q", name)
		}
		seen[name] = true
		if a.MaxTurns < 0 {
			return fmt.Errorf("pipeline: agent %q: max_turns must be non-negative", name)
		}
	}

	if p.Entry == "" {
		return fmt.Errorf("pipeline: entry agent required")
	}
	if !seen[p.Entry] {
		return fmt.Errorf("pipeline: entry agent %q not defined", p.Entry)
	}
	return nil
}

// ResolvePrompts loads each stage's prompt_file into its Prompt field.
// Inline prompts are left as they are; a stage with both keeps the file
// contents.
func (p *Pipeline) ResolvePrompts(agentsPath string) error {
	for i, a := range p.Agents {
		if a.PromptFile == "" {
			continue
		}
		data, err := fsutil.ReadFileScoped(filepath.Join(agentsPath, a.PromptFile))
		if err != nil {
			return fmt.Errorf("pipeline: agent %q: reading prompt file: %w", a.Name, err)
		}
		p.Agents[i].Prompt = string(data)
	}
	return nil
}

// Stage returns the stage configuration for the named agent.
func (p *Pipeline) Stage(name string) (AgentStage, bool) {
	for _, a := range p.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentStage{}, false
}

// KnownAgents returns the set of agent names defined in the pipeline,
// in the shape Handoff validation expects.
func (p *Pipeline) KnownAgents() map[string]bool {
	known := make(map[string]bool, len(p.Agents))
	for _, a := range p.Agents {
		known[a.Name] = true
	}
	return known
}
