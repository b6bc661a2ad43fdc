package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fleetworks/fleet/internal/monitor"
	"github.com/fleetworks/fleet/internal/version"
)

// MonitorCmd builds the monitor subcommand.
func MonitorCmd() *cobra.Command {
	var (
		once        bool
		interval    int
		autoFix     bool
		autoRecover bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the pipeline monitor",
		Long: `Evaluates detection rules against the fleet's aggregate state each
cycle and writes a ranked issue list plus a four-layer status report.
--auto-fix creates heal tasks for actionable conditions; --auto-recover
force-fails orphaned and decision-expired tasks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.close()

			if interval > 0 {
				rt.cfg.Monitor.IntervalSeconds = interval
			}

			if err := rt.client.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("task store unreachable: %w", err)
			}

			m := monitor.New(rt.client, rt.cfg.Monitor, version.Revision(), monitor.Options{
				AutoFix:     autoFix,
				AutoRecover: autoRecover,
			}, rt.logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if once {
				report, err := m.RunCycle(ctx)
				if err != nil {
					return err
				}
				printReport(report)
				return nil
			}
			err = m.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle, print the report, and exit")
	cmd.Flags().IntVar(&interval, "interval", 0, "seconds between cycles")
	cmd.Flags().BoolVar(&autoFix, "auto-fix", false, "create heal tasks for actionable conditions")
	cmd.Flags().BoolVar(&autoRecover, "auto-recover", false, "force-fail orphaned and decision-expired tasks")
	return cmd
}

func printReport(report *monitor.Report) {
	header := color.New(color.Bold)
	header.Printf("fleet status @ %s\n", report.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Println(report.Render())

	for _, layer := range report.Layers() {
		if layer.Status == monitor.LayerBlocked {
			color.Red("blocked: %s — %s", layer.Name, layer.Summary)
		}
	}
	if len(report.Resolved) > 0 {
		color.Green("%d condition(s) resolved since last cycle", len(report.Resolved))
	}
}
