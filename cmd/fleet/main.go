package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetworks/fleet/internal/cmd"
	"github.com/fleetworks/fleet/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "fleet",
		Short:   "fleet - task execution orchestration for coding-agent workers",
		Version: version.String(),
		Long: `fleet coordinates a fleet of autonomous coding-agent workers against a
shared task store: workers execute tasks under lease-based mutual
exclusion, the monitor watches pipeline health, and the phase
orchestrator sequences backlog items through spec, impl, test, and
review.`,
	}

	rootCmd.AddCommand(cmd.WorkerCmd())
	rootCmd.AddCommand(cmd.MonitorCmd())
	rootCmd.AddCommand(cmd.PhasesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
