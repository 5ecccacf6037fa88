package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	apiAddr   string

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "beadflow",
	Short: "Autonomous coding-agent dispatcher for beads backlogs",
	Long: `beadflow drains ready work items from per-project beads backlogs and
drives each one through a bounded chain of coding agents in an isolated
git worktree. Concurrency is capped globally and per project, agent
questions suspend the workflow until a human answers, and provider rate
limits pause all admissions until resumed.

Run 'beadflow run' to start the dispatcher. The other commands talk to
a running dispatcher over its local HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .beadflow.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api-addr", "",
		"address of a running dispatcher's API (default: api.addr from config)")

	// Bind flags to viper (errors are nil when flag exists)
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}
