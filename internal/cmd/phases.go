package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetworks/fleet/internal/phases"
)

// PhasesCmd builds the phase orchestrator subcommand.
func PhasesCmd() *cobra.Command {
	var (
		once       bool
		interval   int
		budget     time.Duration
		maxItems   int
		parallel   bool
		resetState bool
		backlog    string
	)

	cmd := &cobra.Command{
		Use:   "phases",
		Short: "Run the phase orchestrator",
		Long: `Walks backlog items through spec, impl, test, and review tasks.
Failures loop back to impl up to the iteration bound; review advances only
when the test suite passes and the review verdict is positive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.close()

			if interval > 0 {
				rt.cfg.Phases.IntervalSeconds = interval
			}
			if cmd.Flags().Changed("parallel") {
				rt.cfg.Phases.Parallel = parallel
			}

			if resetState {
				if err := os.Remove(rt.cfg.Phases.StatePath); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("resetting orchestrator state: %w", err)
				}
			}

			items, err := phases.LoadBacklog(backlog)
			if err != nil {
				return fmt.Errorf("loading backlog: %w", err)
			}
			if maxItems > 0 && maxItems < len(items) {
				items = items[:maxItems]
			}
			if len(items) == 0 {
				return fmt.Errorf("backlog %s contains no items", backlog)
			}

			if err := rt.client.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("task store unreachable: %w", err)
			}

			o, err := phases.New(rt.client, rt.cfg.Phases, items, rt.logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if budget > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, budget)
				defer cancel()
			}

			if once {
				_, err := o.Tick(ctx)
				return err
			}
			err = o.Run(ctx)
			if ctx.Err() != nil {
				// Budget expiry and signals are clean shutdowns; state is
				// persisted, the next run resumes where this one stopped.
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	cmd.Flags().IntVar(&interval, "interval", 0, "seconds between ticks")
	cmd.Flags().DurationVar(&budget, "budget", 0, "stop cleanly after this much wall-clock time")
	cmd.Flags().IntVar(&maxItems, "max-items", 0, "process at most this many backlog items")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "run multiple items' phases concurrently")
	cmd.Flags().BoolVar(&resetState, "reset-state", false, "discard persisted orchestrator state before starting")
	cmd.Flags().StringVar(&backlog, "backlog", "backlog.yaml", "YAML file listing backlog items")
	return cmd
}
