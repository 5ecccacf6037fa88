package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dispatcher status",
	Long: `Show what a running dispatcher is working on: active agent steps,
pending questions, pause state and today's spend.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr, err := resolveAPIAddr()
	if err != nil {
		return err
	}

	var status core.DispatcherStatus
	if err := newAPIClient(addr).get("/api/v1/status", &status); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	state := "running"
	if status.Paused {
		state = "paused"
		if status.PauseReason != "" {
			state = "paused [" + status.PauseReason + "]"
		}
	}
	fmt.Fprintf(out, "Dispatcher: %s (up %s)\n", state,
		time.Since(status.StartedAt).Round(time.Second))
	fmt.Fprintf(out, "Today's cost: $%.2f\n", status.TodayCost)
	fmt.Fprintf(out, "Pending questions: %d\n", status.PendingQuestionCount)

	if len(status.Active) == 0 {
		fmt.Fprintln(out, "No active work")
		return nil
	}

	fmt.Fprintf(out, "Active (%d):\n", len(status.Active))
	for _, w := range status.Active {
		fmt.Fprintf(out, "  %-12s %-10s %-18s $%.2f  %s  %s\n",
			w.EpicID, w.WorkItem.Project, w.Agent, w.CostSoFar,
			time.Since(w.StartedAt).Round(time.Second),
			w.WorkItem.Title)
	}
	return nil
}
