package executor

import (
	"context"
	"time"

	"github.com/fleetworks/fleet/internal/cache"
	"github.com/fleetworks/fleet/internal/config"
	"github.com/fleetworks/fleet/internal/errors"
	"github.com/fleetworks/fleet/internal/logging"
	"github.com/fleetworks/fleet/internal/store"
)

// UsageProvider reports spend inside the rolling usage window.
// *store.TelemetryClient satisfies it.
type UsageProvider interface {
	UsageWindow(ctx context.Context, window time.Duration) (*store.UsageSummary, error)
}

// Guard enforces the paid-provider policy gates around execution.
//
// Pre-execution: a task routed to a metered backend is blocked outright
// when policy disallows paid backends (unless the task carries an explicit
// override), and blocked with a distinct class when the rolling usage
// window's budget is already spent. Post-execution: a technically
// successful run whose measured cost exceeds the task's ceiling is
// converted to a cost_overrun failure.
type Guard struct {
	cfg    config.BudgetConfig
	usage  UsageProvider
	window *cache.Cache[float64]
	logger *logging.Logger
}

// NewGuard creates a guard. The usage cache keeps window summaries for one
// minute so a busy worker does not hammer the telemetry API on every task.
func NewGuard(cfg config.BudgetConfig, usage UsageProvider, clock cache.Clock, logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Guard{
		cfg:    cfg,
		usage:  usage,
		window: cache.New[float64](time.Minute, clock),
		logger: logger.WithComponent("guard"),
	}
}

// PreCheck runs before any process is spawned. A non-empty failure class
// means the task is blocked and must not execute.
func (g *Guard) PreCheck(ctx context.Context, task *store.Task) errors.FailureClass {
	if !task.Executor().Metered() {
		return errors.ClassNone
	}
	if task.CtxBool(store.CtxAllowPaidOverride) {
		return errors.ClassNone
	}
	if !g.cfg.AllowPaid {
		g.logger.Info("blocking paid provider by policy", "task_id", task.ID, "executor", task.Executor())
		return errors.ClassPaidBlocked
	}
	if g.cfg.WindowBudgetUSD > 0 && g.usage != nil {
		spent, err := g.window.GetOrCompute("window_spend", func() (float64, error) {
			window := time.Duration(g.cfg.WindowHours) * time.Hour
			summary, err := g.usage.UsageWindow(ctx, window)
			if err != nil {
				return 0, err
			}
			return summary.TotalUSD, nil
		})
		if err != nil {
			// Telemetry being down never blocks execution on its own.
			g.logger.Warn("usage window lookup failed, allowing task", "task_id", task.ID, "error", err)
			return errors.ClassNone
		}
		if spent >= g.cfg.WindowBudgetUSD {
			g.logger.Info("blocking task: usage window budget exhausted",
				"task_id", task.ID, "spent_usd", spent, "budget_usd", g.cfg.WindowBudgetUSD)
			return errors.ClassWindowBudget
		}
	}
	return errors.ClassNone
}

// PostCheck runs on a technically successful attempt. It returns
// ClassCostOverrun when the measured cost exceeds the task's ceiling.
func (g *Guard) PostCheck(task *store.Task, costUSD float64) errors.FailureClass {
	if g.cfg.TaskCostCeilingUSD <= 0 {
		return errors.ClassNone
	}
	if costUSD > g.cfg.TaskCostCeilingUSD {
		g.logger.Warn("run succeeded but exceeded cost ceiling",
			"task_id", task.ID, "cost_usd", costUSD, "ceiling_usd", g.cfg.TaskCostCeilingUSD)
		return errors.ClassCostOverrun
	}
	return errors.ClassNone
}

// hourlyRateUSD estimates spend per wall-clock hour by executor backend.
// These are coarse operational estimates used when the backend reports no
// exact figure.
var hourlyRateUSD = map[store.ExecutorKind]float64{
	store.ExecutorClaude:   6.0,
	store.ExecutorCursor:   4.0,
	store.ExecutorCodex:    4.0,
	store.ExecutorAider:    3.0,
	store.ExecutorOpenClaw: 0.0,
	store.ExecutorUnknown:  0.0,
}

// estimateCost converts an attempt's duration into a cost estimate.
func estimateCost(kind store.ExecutorKind, d time.Duration) float64 {
	return hourlyRateUSD[kind] * d.Hours()
}
