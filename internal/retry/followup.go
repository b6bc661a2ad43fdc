package retry

import (
	"context"

	"github.com/fleetworks/fleet/internal/logging"
	"github.com/fleetworks/fleet/internal/store"
)

// BacklogSource derives follow-up work from ranked backlog signals that
// live outside the orchestration core (idea inventory, ROI analytics).
type BacklogSource interface {
	// NextDirection returns the highest-ranked direction not yet scheduled,
	// or "" when the backlog offers nothing.
	NextDirection(ctx context.Context) (direction string, taskType store.TaskType, err error)
}

// Continuation keeps the fleet busy: when a task fully finalizes and the
// open-task queue is empty, it derives the next piece of work and enqueues
// it.
type Continuation struct {
	client *store.Client
	source BacklogSource
	logger *logging.Logger
}

// NewContinuation creates a continuation. A nil source disables it.
func NewContinuation(client *store.Client, source BacklogSource, logger *logging.Logger) *Continuation {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Continuation{client: client, source: source, logger: logger.WithComponent("continuation")}
}

// MaybeSchedule checks whether the open queue is empty and, if so, creates
// a follow-up task from the backlog. Returns the created task, or nil when
// nothing was scheduled. All failures are logged and swallowed: keeping the
// queue topped up is opportunistic, never load-bearing.
func (c *Continuation) MaybeSchedule(ctx context.Context) *store.Task {
	if c.source == nil {
		return nil
	}

	for _, status := range []store.Status{store.StatusPending, store.StatusRunning} {
		list, err := c.client.ListTasks(ctx, status, 1, 0)
		if err != nil {
			c.logger.Warn("queue check failed", "status", status, "error", err)
			return nil
		}
		if list.Total > 0 {
			return nil
		}
	}

	direction, taskType, err := c.source.NextDirection(ctx)
	if err != nil {
		c.logger.Warn("backlog source failed", "error", err)
		return nil
	}
	if direction == "" {
		return nil
	}

	task, err := c.client.CreateTask(ctx, direction, taskType, nil)
	if err != nil {
		c.logger.Warn("failed to schedule follow-up task", "error", err)
		return nil
	}
	c.logger.Info("scheduled follow-up task from backlog", "task_id", task.ID, "task_type", taskType)
	return task
}
