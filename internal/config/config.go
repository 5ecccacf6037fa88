package config

import "time"

// Config holds all process-wide configuration. It is loaded once at
// startup and immutable afterwards; changing it requires a restart.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Projects   []ProjectConfig  `mapstructure:"projects"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	API        APIConfig        `mapstructure:"api"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DispatcherConfig configures admission and concurrency behavior.
type DispatcherConfig struct {
	MaxTotal      int           `mapstructure:"max_total"`
	MaxPerProject int           `mapstructure:"max_per_project"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	WorktreesDir  string        `mapstructure:"worktrees_dir"`
	AnswersDir    string        `mapstructure:"answers_dir"`
	QuestionsDir  string        `mapstructure:"questions_dir"`
}

// RunnerConfig selects and configures the agent runner variant.
type RunnerConfig struct {
	Type     string        `mapstructure:"type"` // subprocess | anthropic
	Path     string        `mapstructure:"path"` // CLI binary for subprocess
	Model    string        `mapstructure:"model"`
	MaxTurns int           `mapstructure:"max_turns"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ProjectConfig describes one managed project.
type ProjectConfig struct {
	Name       string `mapstructure:"name"`
	Repo       string `mapstructure:"repo"`
	BaseBranch string `mapstructure:"base_branch"`
	AgentsPath string `mapstructure:"agents_path"`
	BeadsMode  string `mapstructure:"beads_mode"` // cli | none
	Pipeline   string `mapstructure:"pipeline"`   // path to pipeline YAML
}

// NotifyConfig configures notification channels.
type NotifyConfig struct {
	Console bool `mapstructure:"console"`
}

// MetricsConfig configures the metrics store.
type MetricsConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// APIConfig configures the HTTP status surface.
type APIConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}
