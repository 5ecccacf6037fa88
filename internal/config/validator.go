package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateDispatcher(&cfg.Dispatcher)
	v.validateRunner(&cfg.Runner)
	v.validateProjects(cfg.Projects)
	v.validateAPI(&cfg.API)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateDispatcher(cfg *DispatcherConfig) {
	if cfg.MaxTotal <= 0 {
		v.addError("dispatcher.max_total", cfg.MaxTotal, "must be positive")
	}
	if cfg.MaxPerProject <= 0 {
		v.addError("dispatcher.max_per_project", cfg.MaxPerProject, "must be positive")
	}
	if cfg.MaxPerProject > cfg.MaxTotal {
		v.addError("dispatcher.max_per_project", cfg.MaxPerProject, "must not exceed dispatcher.max_total")
	}
	if cfg.TickInterval <= 0 {
		v.addError("dispatcher.tick_interval", cfg.TickInterval, "must be positive")
	}
	if cfg.WorktreesDir == "" {
		v.addError("dispatcher.worktrees_dir", cfg.WorktreesDir, "directory required")
	}
	if cfg.AnswersDir == "" {
		v.addError("dispatcher.answers_dir", cfg.AnswersDir, "directory required")
	}
	if cfg.QuestionsDir == "" {
		v.addError("dispatcher.questions_dir", cfg.QuestionsDir, "directory required")
	}
}

func (v *Validator) validateRunner(cfg *RunnerConfig) {
	validTypes := map[string]bool{
		"subprocess": true, "anthropic": true,
	}
	if !validTypes[cfg.Type] {
		v.addError("runner.type", cfg.Type, "must be one of: subprocess, anthropic")
	}
	if cfg.Type == "subprocess" && cfg.Path == "" {
		v.addError("runner.path", cfg.Path, "path required for subprocess runner")
	}
	if cfg.MaxTurns < 0 {
		v.addError("runner.max_turns", cfg.MaxTurns, "must be non-negative")
	}
	if cfg.Timeout <= 0 {
		v.addError("runner.timeout", cfg.Timeout, "must be positive")
	}
}

func (v *Validator) validateProjects(projects []ProjectConfig) {
	if len(projects) == 0 {
		v.addError("projects", nil, "at least one project required")
		return
	}

	seen := make(map[string]bool, len(projects))
	for i, p := range projects {
		prefix := fmt.Sprintf("projects[%d]", i)
		if p.Name == "" {
			v.addError(prefix+".name", p.Name, "name required")
		} else if seen[p.Name] {
			v.addError(prefix+".name", p.Name, "duplicate project name")
		}
		seen[p.Name] = true

		if p.Repo == "" {
			v.addError(prefix+".repo", p.Repo, "repository path required")
		}
		if p.BaseBranch == "" {
			v.addError(prefix+".base_branch", p.BaseBranch, "base branch required")
		}
		if p.Pipeline == "" {
			v.addError(prefix+".pipeline", p.Pipeline, "pipeline file required")
		}
		if p.BeadsMode != "" && p.BeadsMode != "cli" && p.BeadsMode != "none" {
			v.addError(prefix+".beads_mode", p.BeadsMode, "must be one of: cli, none")
		}
	}
}

func (v *Validator) validateAPI(cfg *APIConfig) {
	if cfg.Enabled && cfg.Addr == "" {
		v.addError("api.addr", cfg.Addr, "listen address required when api is enabled")
	}
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
