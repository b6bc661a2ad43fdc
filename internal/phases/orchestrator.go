// Package phases implements the phase orchestrator: it walks backlog items
// through spec, impl, test, and review tasks, looping failures back to impl
// with an iteration bound, and advancing past review only when the test
// suite passes and the review verdict is positive. It only creates and
// polls tasks; workers do the actual execution.
package phases

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetworks/fleet/internal/config"
	"github.com/fleetworks/fleet/internal/logging"
	"github.com/fleetworks/fleet/internal/store"
)

// foldedFailureLimit caps how much prior failure output is carried into a
// rework task's instructions.
const foldedFailureLimit = 2000

// Backlog supplies the ordered items to orchestrate.
type Backlog interface {
	Len() int
	Item(i int) string
}

// SliceBacklog adapts a string slice.
type SliceBacklog []string

func (b SliceBacklog) Len() int          { return len(b) }
func (b SliceBacklog) Item(i int) string { return b[i] }

// LoadBacklog reads a YAML list of backlog item descriptions.
func LoadBacklog(path string) (SliceBacklog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []string
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parsing backlog %s: %w", path, err)
	}
	return items, nil
}

// Orchestrator drives the phase state machine.
type Orchestrator struct {
	client  *store.Client
	cfg     config.PhasesConfig
	backlog Backlog
	state   *State
	logger  *logging.Logger

	verdict  VerdictFunc
	runTests func(ctx context.Context) error
	now      func() time.Time
}

// New creates an orchestrator, restoring any persisted state.
func New(client *store.Client, cfg config.PhasesConfig, backlog Backlog, logger *logging.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	state, err := loadState(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading orchestrator state: %w", err)
	}
	o := &Orchestrator{
		client:  client,
		cfg:     cfg,
		backlog: backlog,
		state:   state,
		logger:  logger.WithComponent("phases"),
		verdict: DefaultVerdict,
		now:     time.Now,
	}
	o.runTests = o.defaultTestRun
	return o, nil
}

// SetVerdict installs a custom review verdict evaluator.
func (o *Orchestrator) SetVerdict(v VerdictFunc) { o.verdict = v }

// SetTestRunner overrides the review-gate test run, for tests.
func (o *Orchestrator) SetTestRunner(run func(ctx context.Context) error) { o.runTests = run }

// SetNowFunc overrides the clock for tests.
func (o *Orchestrator) SetNowFunc(now func() time.Time) { o.now = now }

// State exposes the current position, for status output.
func (o *Orchestrator) State() *State { return o.state }

// Run ticks until the context is cancelled or the backlog is exhausted.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := time.Duration(o.cfg.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := o.Tick(ctx)
		if err != nil {
			o.logger.Error("orchestrator tick failed", "error", err)
		}
		if done {
			o.logger.Info("backlog exhausted, orchestrator stopping")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick advances the state machine by one poll cycle. It returns done=true
// once every backlog item has finished.
func (o *Orchestrator) Tick(ctx context.Context) (done bool, err error) {
	paused, err := o.checkDecisionPause(ctx)
	if err != nil {
		return false, err
	}
	if paused {
		return false, saveState(o.cfg.StatePath, o.state)
	}

	if o.cfg.Parallel {
		err = o.parallelTick(ctx)
		done = len(o.state.InFlight) == 0 && o.state.NextBacklogIdx >= o.backlog.Len()
	} else {
		err = o.serialTick(ctx)
		done = o.state.Current == nil && o.state.NextBacklogIdx >= o.backlog.Len()
	}
	if err != nil {
		return false, err
	}
	return done, saveState(o.cfg.StatePath, o.state)
}

// checkDecisionPause pauses the whole orchestrator while any task awaits a
// decision. An optional timeout lets it skip past a stuck decision.
func (o *Orchestrator) checkDecisionPause(ctx context.Context) (bool, error) {
	list, err := o.client.ListTasks(ctx, store.StatusNeedsDecision, 1, 0)
	if err != nil {
		return false, err
	}
	if list.Total == 0 {
		o.state.PausedSince = nil
		return false, nil
	}

	now := o.now()
	if o.state.PausedSince == nil {
		o.state.PausedSince = &now
		o.logger.Info("pausing: task(s) awaiting decision", "count", list.Total)
		return true, nil
	}

	skip := time.Duration(o.cfg.DecisionSkipSeconds) * time.Second
	if skip > 0 && now.Sub(*o.state.PausedSince) >= skip {
		o.logger.Warn("decision pause exceeded skip timeout, resuming",
			"paused_for", now.Sub(*o.state.PausedSince).Round(time.Second))
		o.state.PausedSince = nil
		return false, nil
	}
	return true, nil
}

func (o *Orchestrator) serialTick(ctx context.Context) error {
	if o.state.Current == nil {
		return o.startNextItem(ctx)
	}

	item := o.state.Current
	task, err := o.client.GetTask(ctx, item.TaskID)
	if err != nil {
		return fmt.Errorf("polling %s task %s: %w", item.Phase, item.TaskID, err)
	}

	finished, err := o.step(ctx, item, task)
	if err != nil {
		return err
	}
	if finished {
		o.state.Current = nil
	}
	return nil
}

func (o *Orchestrator) parallelTick(ctx context.Context) error {
	var remaining []ItemState
	for _, item := range o.state.InFlight {
		task, err := o.client.GetTask(ctx, item.TaskID)
		if err != nil {
			return fmt.Errorf("polling %s task %s: %w", item.Phase, item.TaskID, err)
		}
		finished, err := o.step(ctx, &item, task)
		if err != nil {
			return err
		}
		if !finished {
			remaining = append(remaining, item)
		}
	}
	o.state.InFlight = remaining

	return o.topUpSpecBuffer(ctx)
}

// topUpSpecBuffer keeps a small buffer of pre-created spec tasks in flight
// so the pipeline never starves while slow phases run.
func (o *Orchestrator) topUpSpecBuffer(ctx context.Context) error {
	buffer := o.cfg.SpecBuffer
	if buffer < 1 {
		buffer = 1
	}
	specs := 0
	for _, item := range o.state.InFlight {
		if item.Phase == PhaseSpec {
			specs++
		}
	}

	for specs < buffer && o.state.NextBacklogIdx < o.backlog.Len() {
		idx := o.state.NextBacklogIdx
		item, err := o.beginItem(ctx, idx)
		if err != nil {
			return err
		}
		o.state.NextBacklogIdx++
		o.state.InFlight = append(o.state.InFlight, *item)
		specs++
	}
	return nil
}

func (o *Orchestrator) startNextItem(ctx context.Context) error {
	if o.state.NextBacklogIdx >= o.backlog.Len() {
		return nil
	}
	idx := o.state.NextBacklogIdx
	item, err := o.beginItem(ctx, idx)
	if err != nil {
		return err
	}
	o.state.NextBacklogIdx++
	o.state.Current = item
	return nil
}

func (o *Orchestrator) beginItem(ctx context.Context, idx int) (*ItemState, error) {
	direction := o.phaseDirection(PhaseSpec, idx, 0, "")
	task, err := o.client.CreateTask(ctx, direction, store.TypeSpec, nil)
	if err != nil {
		return nil, fmt.Errorf("creating spec task for item %d: %w", idx, err)
	}
	o.logger.Info("backlog item started", "item", idx, "task_id", task.ID)
	return &ItemState{BacklogIndex: idx, Phase: PhaseSpec, TaskID: task.ID}, nil
}

// step reacts to the current task's status. It returns finished=true when
// the item leaves the pipeline, by completing review or by force-advance.
func (o *Orchestrator) step(ctx context.Context, item *ItemState, task *store.Task) (finished bool, err error) {
	switch task.Status {
	case store.StatusPending, store.StatusRunning:
		return false, nil
	case store.StatusNeedsDecision:
		item.Blocked = true
		return false, nil
	case store.StatusFailed:
		item.Blocked = false
		return o.rework(ctx, item, task.Output)
	case store.StatusCompleted:
		item.Blocked = false
		return o.advance(ctx, item, task)
	default:
		return false, fmt.Errorf("task %s: unexpected status %q", task.ID, task.Status)
	}
}

// advance moves a completed phase forward. Review is the gate: the test
// suite must pass and the verdict must be positive, otherwise the item
// re-enters the impl loop.
func (o *Orchestrator) advance(ctx context.Context, item *ItemState, task *store.Task) (bool, error) {
	if item.Phase == PhaseReview {
		if err := o.runTests(ctx); err != nil {
			o.logger.Info("review gate: test run failed", "item", item.BacklogIndex, "error", err)
			return o.rework(ctx, item, fmt.Sprintf("automated test run failed: %v", err))
		}
		if !o.verdict(task.Output) {
			o.logger.Info("review gate: negative verdict", "item", item.BacklogIndex)
			return o.rework(ctx, item, "review verdict was negative:\n"+task.Output)
		}
		o.logger.Info("backlog item completed", "item", item.BacklogIndex, "iterations", item.Iteration)
		return true, nil
	}

	next := nextPhase(item.Phase)
	direction := o.phaseDirection(next, item.BacklogIndex, item.Iteration, "")
	created, err := o.client.CreateTask(ctx, direction, taskTypeFor(next), nil)
	if err != nil {
		return false, fmt.Errorf("creating %s task for item %d: %w", next, item.BacklogIndex, err)
	}
	item.Phase = next
	item.TaskID = created.ID
	o.logger.Info("phase advanced", "item", item.BacklogIndex, "phase", next, "task_id", created.ID)
	return false, nil
}

// rework sends an item back to impl with the prior failure folded into the
// new task's instructions. Past the iteration bound it force-advances so
// one unfixable item cannot stall the whole backlog.
func (o *Orchestrator) rework(ctx context.Context, item *ItemState, failureOutput string) (bool, error) {
	if item.Iteration+1 > o.cfg.MaxIterations {
		o.logger.Warn("iteration bound reached, force-advancing item",
			"item", item.BacklogIndex, "iterations", item.Iteration)
		return true, nil
	}

	item.Iteration++
	direction := o.phaseDirection(PhaseImpl, item.BacklogIndex, item.Iteration, failureOutput)
	created, err := o.client.CreateTask(ctx, direction, store.TypeImpl, nil)
	if err != nil {
		return false, fmt.Errorf("creating rework task for item %d: %w", item.BacklogIndex, err)
	}
	item.Phase = PhaseImpl
	item.TaskID = created.ID
	o.logger.Info("item returned to impl", "item", item.BacklogIndex,
		"iteration", item.Iteration, "task_id", created.ID)
	return false, nil
}

func taskTypeFor(p Phase) store.TaskType {
	switch p {
	case PhaseSpec:
		return store.TypeSpec
	case PhaseImpl:
		return store.TypeImpl
	case PhaseTest:
		return store.TypeTest
	default:
		return store.TypeReview
	}
}

func (o *Orchestrator) phaseDirection(phase Phase, idx, iteration int, priorFailure string) string {
	item := o.backlog.Item(idx)
	var b strings.Builder
	switch phase {
	case PhaseSpec:
		fmt.Fprintf(&b, "Write a concise implementation spec for the following backlog item:\n\n%s\n", item)
	case PhaseImpl:
		fmt.Fprintf(&b, "Implement the following backlog item according to its spec:\n\n%s\n", item)
	case PhaseTest:
		fmt.Fprintf(&b, "Write and run tests covering the implementation of:\n\n%s\n", item)
	case PhaseReview:
		fmt.Fprintf(&b, "Review the implementation of the following backlog item. "+
			"End your review with PASS or FAIL and your reasoning:\n\n%s\n", item)
	}
	if iteration > 0 {
		fmt.Fprintf(&b, "\nThis is rework iteration %d of at most %d.\n", iteration, o.cfg.MaxIterations)
	}
	if priorFailure != "" {
		if len(priorFailure) > foldedFailureLimit {
			priorFailure = priorFailure[:foldedFailureLimit] + "\n[truncated]"
		}
		fmt.Fprintf(&b, "\nThe previous attempt did not pass. Its output:\n%s\n", priorFailure)
	}
	return b.String()
}

func (o *Orchestrator) defaultTestRun(ctx context.Context) error {
	if o.cfg.TestCommand == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", o.cfg.TestCommand)
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := string(out)
		if len(tail) > 1024 {
			tail = tail[len(tail)-1024:]
		}
		return fmt.Errorf("%s: %w\n%s", o.cfg.TestCommand, err, tail)
	}
	return nil
}
