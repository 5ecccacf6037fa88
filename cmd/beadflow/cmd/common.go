package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/beadflow/internal/config"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// crashDumpDir is where the run command writes crash dumps and the
// crashes command reads them, relative to the working directory.
const crashDumpDir = ".beadflow/crashdumps"

// loadConfig loads and validates the dispatcher configuration, honoring
// the --config flag.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:  logLevel,
		Format: logFormat,
		Output: os.Stderr,
	})
}

// resolveAPIAddr picks the API address for client commands: the
// --api-addr flag wins, then the configured api.addr. Client commands
// skip full validation so they work without a complete projects block.
func resolveAPIAddr() (string, error) {
	if apiAddr != "" {
		return apiAddr, nil
	}
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return "", err
	}
	if cfg.API.Addr == "" {
		return "", fmt.Errorf("no API address configured; pass --api-addr or set api.addr")
	}
	return cfg.API.Addr, nil
}
