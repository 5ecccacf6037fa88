package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/beadflow/internal/diagnostics"
)

var crashesCmd = &cobra.Command{
	Use:   "crashes",
	Short: "Show the most recent crash dump",
	Long: `Show the most recent crash dump written by a dispatcher running in
this directory: the panic, the agent step it hit, and the resource
state at the time.`,
	RunE: runCrashes,
}

func init() {
	rootCmd.AddCommand(crashesCmd)
}

func runCrashes(cmd *cobra.Command, _ []string) error {
	dump, err := diagnostics.LoadLatestCrashDump(crashDumpDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, diagnostics.ErrNoCrashDumps) {
			fmt.Fprintln(cmd.OutOrStdout(), "No crash dumps recorded")
			return nil
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Crashed: %s (pid %d, %s %s/%s)\n",
		dump.Timestamp.Format("2006-01-02 15:04:05 MST"),
		dump.ProcessID, dump.GoVersion, dump.GOOS, dump.GOARCH)
	fmt.Fprintf(out, "Panic: %s\n", dump.PanicValue)
	if dump.Agent != "" {
		fmt.Fprintf(out, "Step: %s on %s\n", dump.Agent, dump.EpicID)
	}
	if dump.CommandPath != "" {
		fmt.Fprintf(out, "Command: %s (in %s)\n", dump.CommandPath, dump.WorkDir)
	}
	fmt.Fprintf(out, "Resources: %d fds, %d goroutines, %.1f MB heap, %d agents active\n",
		dump.ResourceState.OpenFDs, dump.ResourceState.Goroutines,
		dump.ResourceState.HeapAllocMB, dump.ResourceState.AgentsActive)
	if dump.StackTrace != "" {
		fmt.Fprintf(out, "\n%s\n", dump.StackTrace)
	}
	return nil
}
