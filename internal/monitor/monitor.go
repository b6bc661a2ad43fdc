package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetworks/fleet/internal/config"
	"github.com/fleetworks/fleet/internal/logging"
	"github.com/fleetworks/fleet/internal/store"
)

const listPageSize = 200

// Options selects the monitor's active modes. With both disabled the
// monitor only observes and reports.
type Options struct {
	// AutoFix creates deduplicated heal tasks for actionable conditions.
	AutoFix bool
	// AutoRecover force-fails orphans and expired needs_decision tasks.
	AutoRecover bool
}

// Monitor runs detection cycles against the task store.
type Monitor struct {
	client   *store.Client
	cfg      config.MonitorConfig
	opts     Options
	revision string
	logger   *logging.Logger

	now func() time.Time
}

// New creates a monitor. revision identifies the currently deployed build
// and drives the stale_version rule.
func New(client *store.Client, cfg config.MonitorConfig, revision string, opts Options, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Monitor{
		client:   client,
		cfg:      cfg,
		opts:     opts,
		revision: revision,
		logger:   logger.WithComponent("monitor"),
		now:      time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (m *Monitor) SetNowFunc(now func() time.Time) { m.now = now }

// Run executes cycles until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	interval := time.Duration(m.cfg.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.RunCycle(ctx); err != nil {
			m.logger.Error("monitor cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle performs one full detection cycle: snapshot, evaluate, act,
// persist. It always returns a report, even when the store is unreachable.
func (m *Monitor) RunCycle(ctx context.Context) (*Report, error) {
	snap := m.snapshot(ctx)
	prev := loadPreviousIssues(m.cfg.ArtifactDir)

	issues := m.evaluate(snap)
	resolved := diffResolved(prev, issues, snap.Now)
	for _, issue := range resolved {
		m.logger.Info("issue resolved", "condition", issue.Condition, "opened_at", issue.CreatedAt)
	}

	if snap.StoreReachable {
		if m.opts.AutoRecover {
			m.recover(ctx, snap)
		}
		if m.opts.AutoFix {
			m.heal(ctx, snap, issues)
		}
	}

	report := buildReport(snap, issues, resolved)
	if err := persistArtifacts(m.cfg.ArtifactDir, report); err != nil {
		return report, fmt.Errorf("persisting monitor artifacts: %w", err)
	}
	if snap.StoreReachable {
		m.recordRevision()
	}

	m.logger.Info("monitor cycle complete",
		"issues", len(issues), "resolved", len(resolved),
		"pending", len(snap.Pending), "running", len(snap.Running))
	return report, nil
}

// snapshot reads the aggregate state one cycle evaluates. A store failure
// marks the snapshot unreachable rather than aborting the cycle: an
// unreachable store is itself a reportable condition.
func (m *Monitor) snapshot(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Now:              m.now(),
		DeployedRevision: m.revision,
		RecordedRevision: m.loadRecordedRevision(),
		StoreReachable:   true,
	}

	var err error
	if snap.Pending, err = m.listAll(ctx, store.StatusPending); err != nil {
		m.logger.Warn("listing pending tasks failed", "error", err)
		snap.StoreReachable = false
		return snap
	}
	if snap.Running, err = m.listAll(ctx, store.StatusRunning); err != nil {
		m.logger.Warn("listing running tasks failed", "error", err)
		snap.StoreReachable = false
		return snap
	}
	if snap.NeedsDecision, err = m.listAll(ctx, store.StatusNeedsDecision); err != nil {
		m.logger.Warn("listing needs_decision tasks failed", "error", err)
		snap.StoreReachable = false
		return snap
	}

	snap.Recent, err = m.recentFinalized(ctx)
	if err != nil {
		m.logger.Warn("listing finalized tasks failed", "error", err)
		snap.StoreReachable = false
	}
	return snap
}

func (m *Monitor) listAll(ctx context.Context, status store.Status) ([]store.Task, error) {
	list, err := m.client.ListTasks(ctx, status, listPageSize, 0)
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// recentFinalized merges the newest completed and failed tasks into one
// list ordered newest first, trimmed to the success-rate sample size.
func (m *Monitor) recentFinalized(ctx context.Context) ([]store.Task, error) {
	sample := m.cfg.SuccessRateMinSample
	if sample < 20 {
		sample = 20
	}

	var recent []store.Task
	for _, status := range []store.Status{store.StatusCompleted, store.StatusFailed} {
		list, err := m.client.ListTasks(ctx, status, sample, 0)
		if err != nil {
			return nil, err
		}
		recent = append(recent, list.Items...)
	}
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].UpdatedAt.After(recent[j].UpdatedAt)
	})
	if len(recent) > sample {
		recent = recent[:sample]
	}
	return recent, nil
}

// evaluate runs every rule and stamps the resulting issues.
func (m *Monitor) evaluate(snap *Snapshot) []Issue {
	var issues []Issue
	if !snap.StoreReachable {
		// Rules need a consistent snapshot; without one the report's
		// execution layer carries the unreachable signal.
		return issues
	}
	for _, r := range rules {
		issue := r(snap, m.cfg)
		if issue == nil {
			continue
		}
		issue.ID = uuid.NewString()
		issue.Priority = priorityFor(issue.Severity)
		issue.CreatedAt = snap.Now
		issues = append(issues, *issue)
		m.logger.Warn("issue detected", "condition", issue.Condition,
			"severity", issue.Severity, "message", issue.Message)
	}
	sortIssues(issues)
	return issues
}

// recover force-fails tasks stuck beyond their recovery thresholds. Both
// paths patch through the store API so lease closure follows the normal
// terminal-status flow on the owning worker, or frees the task for a fresh
// claim once its lease expires.
func (m *Monitor) recover(ctx context.Context, snap *Snapshot) {
	orphanLimit := time.Duration(m.cfg.OrphanRunningSeconds) * time.Second
	for _, t := range snap.Running {
		if t.RunningFor(snap.Now) <= orphanLimit {
			continue
		}
		m.forceFail(ctx, t.ID, fmt.Sprintf("force-failed by monitor: no update for over %s", orphanLimit))
	}

	if m.cfg.DecisionTimeoutSeconds <= 0 {
		return
	}
	decisionLimit := time.Duration(m.cfg.DecisionTimeoutSeconds) * time.Second
	for _, t := range snap.NeedsDecision {
		if snap.Now.Sub(t.UpdatedAt) <= decisionLimit {
			continue
		}
		m.forceFail(ctx, t.ID, fmt.Sprintf("force-failed by monitor: decision not made within %s", decisionLimit))
	}
}

func (m *Monitor) forceFail(ctx context.Context, taskID, reason string) {
	_, err := m.client.UpdateTask(ctx, taskID, store.Patch{
		Status: store.StatusPtr(store.StatusFailed),
		Output: store.StringPtr(reason),
	})
	if err != nil {
		m.logger.Error("force-fail failed", "task_id", taskID, "error", err)
		return
	}
	m.logger.Info("task force-failed", "task_id", taskID, "reason", reason)
}

// healable conditions get a triage task created for them.
var healable = map[string]bool{
	CondNoTaskRunning:    true,
	CondRepeatedFailures: true,
	CondLowSuccessRate:   true,
}

// heal creates one heal task per detected healable condition. Creation is
// suppressed entirely while any task awaits a decision, and deduplicated
// against open heal tasks carrying the same condition tag.
func (m *Monitor) heal(ctx context.Context, snap *Snapshot, issues []Issue) {
	if len(snap.NeedsDecision) > 0 {
		m.logger.Debug("heal suppressed: tasks awaiting decision", "count", len(snap.NeedsDecision))
		return
	}

	open := make(map[string]bool)
	for _, t := range append(snap.Pending, snap.Running...) {
		if t.TaskType == store.TypeHeal {
			open[t.Ctx(store.CtxHealCondition)] = true
		}
	}

	for _, issue := range issues {
		if !healable[issue.Condition] || open[issue.Condition] {
			continue
		}
		direction := healDirection(issue)
		task, err := m.client.CreateTask(ctx, direction, store.TypeHeal, map[string]string{
			store.CtxHealCondition: issue.Condition,
		})
		if err != nil {
			m.logger.Error("heal task creation failed", "condition", issue.Condition, "error", err)
			continue
		}
		open[issue.Condition] = true
		m.logger.Info("heal task created", "task_id", task.ID, "condition", issue.Condition)
	}
}

func healDirection(issue Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Investigate and remediate a %s condition in the fleet pipeline.\n\n", issue.Condition)
	fmt.Fprintf(&b, "Observed: %s\n", issue.Message)
	if issue.SuggestedAction != "" {
		fmt.Fprintf(&b, "Suggested starting point: %s\n", issue.SuggestedAction)
	}
	return b.String()
}

func (m *Monitor) loadRecordedRevision() string {
	if m.cfg.ArtifactDir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(m.cfg.ArtifactDir, revisionFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (m *Monitor) recordRevision() {
	if m.cfg.ArtifactDir == "" || m.revision == "" {
		return
	}
	path := filepath.Join(m.cfg.ArtifactDir, revisionFile)
	if err := os.WriteFile(path, []byte(m.revision+"\n"), 0644); err != nil {
		m.logger.Warn("recording revision failed", "error", err)
	}
}
