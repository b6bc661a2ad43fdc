package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetworks/fleet/internal/cache"
	"github.com/fleetworks/fleet/internal/executor"
	"github.com/fleetworks/fleet/internal/lease"
	"github.com/fleetworks/fleet/internal/worker"
)

// WorkerCmd builds the worker subcommand.
func WorkerCmd() *cobra.Command {
	var (
		once         bool
		pollInterval int
		poolSize     int
		repoPath     string
		workerID     string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the task execution worker",
		Long: `Polls the task store for pending tasks and executes them under
lease-based mutual exclusion. Multiple workers may run against the same
store when the durable lease backend is configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.close()

			if pollInterval > 0 {
				rt.cfg.Worker.PollIntervalSeconds = pollInterval
			}
			if cmd.Flags().Changed("pool-size") {
				rt.cfg.Worker.PoolSize = poolSize
			}
			if repoPath != "" {
				rt.cfg.Worker.RepoPath = repoPath
			}
			if workerID != "" {
				rt.cfg.Worker.ID = workerID
			}

			coord, err := newCoordinator(rt)
			if err != nil {
				return err
			}
			defer coord.Close()

			id := rt.workerID()
			logger := rt.logger.WithWorker(id)

			tel := rt.newTelemetry()
			guard := executor.NewGuard(rt.cfg.Budget, tel, cache.SystemClock{}, logger)
			pr := executor.NewGHCLI(rt.cfg.Worker.RepoPath)
			engine := executor.New(rt.cfg, rt.client, tel, coord, guard, pr, id, logger)

			w := worker.New(rt.cfg, rt.client, engine, nil, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if once {
				return w.RunOnce(ctx)
			}
			err = w.Run(ctx)
			if ctx.Err() != nil {
				// Cancellation is a clean shutdown, not a failure.
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single poll cycle and exit")
	cmd.Flags().IntVar(&pollInterval, "poll-interval", 0, "seconds between pending-task polls")
	cmd.Flags().IntVar(&poolSize, "pool-size", 0, "max concurrent task executions (0 = unlimited)")
	cmd.Flags().StringVar(&repoPath, "repo", "", "working copy path for PR-mode tasks")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker identity (default hostname-pid)")
	return cmd
}

// newCoordinator selects the lease backend. sqlite is the durable,
// multi-worker backend; local is single-process only.
func newCoordinator(rt *runtime) (lease.Coordinator, error) {
	switch rt.cfg.Lease.Backend {
	case "sqlite":
		return lease.NewSQLiteCoordinator(rt.cfg.Lease.SQLitePath, rt.logger)
	case "local":
		return lease.NewLocalCoordinator(rt.cfg.Lease.LocalPath, rt.logger)
	default:
		return nil, fmt.Errorf("unknown lease backend %q", rt.cfg.Lease.Backend)
	}
}
