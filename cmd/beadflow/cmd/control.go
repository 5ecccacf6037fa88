package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause admissions on a running dispatcher",
	Long: `Pause the dispatcher: no new work items are admitted and no suspended
workflows are resumed. Agent steps already in flight run to completion.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, err := resolveAPIAddr()
		if err != nil {
			return err
		}
		if err := newAPIClient(addr).post("/api/v1/pause", nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Dispatcher paused")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused dispatcher",
	Long: `Resume admissions. This is also how the dispatcher recovers after a
provider rate limit: it stays paused until explicitly resumed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, err := resolveAPIAddr()
		if err != nil {
			return err
		}
		if err := newAPIClient(addr).post("/api/v1/resume", nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Dispatcher resumed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}
