package runner

import (
	"os"

	"github.com/hugo-lorenzo-mato/beadflow/internal/config"
	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	"github.com/hugo-lorenzo-mato/beadflow/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// New builds the configured runner variant. The dispatcher never inspects
// which variant it got back.
func New(cfg config.RunnerConfig, safeExec *diagnostics.SafeExecutor, logger *logging.Logger) (core.AgentRunner, error) {
	switch cfg.Type {
	case "subprocess":
		return NewSubprocess(cfg, safeExec, logger), nil
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, core.ErrValidation("NO_API_KEY", "ANTHROPIC_API_KEY is required for the anthropic runner")
		}
		return NewHosted(cfg, apiKey, logger), nil
	default:
		return nil, core.ErrValidation("UNKNOWN_RUNNER", "unknown runner type: "+cfg.Type)
	}
}
