// Package worker implements the worker process: a poll loop that lists
// pending tasks and hands each to the execution engine under a bounded
// concurrency limit. PR-mode tasks share one working copy and are
// serialized; everything else runs concurrently up to the pool size.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetworks/fleet/internal/config"
	"github.com/fleetworks/fleet/internal/executor"
	"github.com/fleetworks/fleet/internal/logging"
	"github.com/fleetworks/fleet/internal/retry"
	"github.com/fleetworks/fleet/internal/store"
)

const pollPageSize = 50

// Worker polls for pending tasks and executes them.
type Worker struct {
	cfg          *config.Config
	client       *store.Client
	engine       *executor.Engine
	continuation *retry.Continuation
	logger       *logging.Logger

	sem  *dynamicSemaphore
	prMu sync.Mutex
	wg   sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a worker. continuation may be nil.
func New(cfg *config.Config, client *store.Client, engine *executor.Engine, continuation *retry.Continuation, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Worker{
		cfg:          cfg,
		client:       client,
		engine:       engine,
		continuation: continuation,
		logger:       logger.WithComponent("worker"),
		sem:          newDynamicSemaphore(cfg.Worker.PoolSize),
		inFlight:     make(map[string]bool),
	}
}

// SetPoolSize adjusts execution concurrency at runtime.
func (w *Worker) SetPoolSize(n int) { w.sem.SetLimit(n) }

// Run polls until the context is cancelled, then waits for in-flight tasks
// to finish. It fails fast if the task store is unreachable at startup.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.client.Ping(ctx); err != nil {
		return fmt.Errorf("task store unreachable: %w", err)
	}
	w.logger.Info("worker started",
		"pool_size", w.cfg.Worker.PoolSize,
		"poll_interval", w.cfg.Worker.PollInterval())

	ticker := time.NewTicker(w.cfg.Worker.PollInterval())
	defer ticker.Stop()

	for {
		w.pollOnce(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping, waiting for in-flight tasks")
			w.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single poll cycle and waits for the dispatched tasks
// to finish. Used by the CLI's run-once mode.
func (w *Worker) RunOnce(ctx context.Context) error {
	if err := w.client.Ping(ctx); err != nil {
		return fmt.Errorf("task store unreachable: %w", err)
	}
	w.pollOnce(ctx)
	w.wg.Wait()
	return nil
}

// pollOnce lists pending tasks and dispatches any not already in flight.
// A failed list is logged and retried on the next tick.
func (w *Worker) pollOnce(ctx context.Context) {
	list, err := w.client.ListTasks(ctx, store.StatusPending, pollPageSize, 0)
	if err != nil {
		w.logger.Warn("listing pending tasks failed", "error", err)
		return
	}

	dispatched := 0
	for i := range list.Items {
		if w.dispatch(ctx, &list.Items[i]) {
			dispatched++
		}
	}
	if dispatched > 0 {
		w.logger.Debug("dispatched tasks", "count", dispatched, "pending", list.Total)
	}
}

// dispatch starts one task's execution in a goroutine. Returns false when
// the task is already being worked on here; cross-worker duplication is the
// lease coordinator's job, not ours.
func (w *Worker) dispatch(ctx context.Context, task *store.Task) bool {
	w.mu.Lock()
	if w.inFlight[task.ID] {
		w.mu.Unlock()
		return false
	}
	w.inFlight[task.ID] = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inFlight, task.ID)
			w.mu.Unlock()
		}()
		w.execute(ctx, task)
	}()
	return true
}

// execute runs one task under the concurrency limit, containing panics so
// a misbehaving execution cannot kill the poll loop.
func (w *Worker) execute(ctx context.Context, task *store.Task) {
	if err := w.sem.Acquire(ctx); err != nil {
		return
	}
	defer w.sem.Release()

	// PR-mode tasks mutate the shared working copy; one at a time.
	if task.PRMode() {
		w.prMu.Lock()
		defer w.prMu.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic during task execution", "task_id", task.ID, "panic", r)
		}
	}()

	res, err := w.engine.Run(ctx, task.ID)
	if err != nil {
		w.logger.Error("task execution errored", "task_id", task.ID, "error", err)
		return
	}
	if res.Skipped {
		w.logger.Debug("task skipped, owned elsewhere", "task_id", task.ID)
		return
	}

	w.logger.Info("task finished",
		"task_id", task.ID, "status", res.Status, "class", res.Class,
		"requeued", res.Requeued, "duration", res.Duration.Round(time.Second))

	if w.continuation != nil && res.Status.Terminal() && !res.Requeued {
		w.continuation.MaybeSchedule(ctx)
	}
}
