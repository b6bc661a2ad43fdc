// Package executor implements the execution engine: it runs exactly one
// task to a terminal state, safely, with recoverable partial progress.
//
// An attempt claims the task's lease, optimistically transitions the task
// to running, then supervises the agent subprocess. The supervision loop is
// cooperative, waking on fixed intervals to heartbeat the lease, poll for
// control signals, scan output for quota exhaustion, and (in PR mode)
// checkpoint partial progress. Whatever happens inside an attempt is
// converted to a classified result at the attempt boundary; nothing
// propagates far enough to take down the worker's poll loop.
package executor

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fleetworks/fleet/internal/config"
	"github.com/fleetworks/fleet/internal/errors"
	"github.com/fleetworks/fleet/internal/lease"
	"github.com/fleetworks/fleet/internal/logging"
	"github.com/fleetworks/fleet/internal/retry"
	"github.com/fleetworks/fleet/internal/store"
	"github.com/fleetworks/fleet/internal/vcs"
)

// Output capture limits: keep the first 256 KiB and a rolling 8 KiB tail.
const (
	outputHeadMax = 256 << 10
	outputTailMax = 8 << 10
)

// Result is the outcome of running a task through the engine.
type Result struct {
	TaskID   string
	RunID    string
	Status   store.Status
	Class    errors.FailureClass
	Output   string
	Skipped  bool // another worker owns the task; not an error
	Requeued bool // re-queued pending with resume metadata
	PRURL    string
	Duration time.Duration
	CostUSD  float64
}

// Engine runs tasks. One Engine serves one worker process.
type Engine struct {
	cfg      *config.Config
	client   *store.Client
	tel      *store.TelemetryClient
	coord    lease.Coordinator
	guard    *Guard
	policy   retry.Policy
	history  *retry.Manager
	pr       PRClient
	logger   *logging.Logger
	workerID string

	// newVCS builds a version-control client for a working copy. Swapped
	// for a fake factory in tests.
	newVCS func(repoPath string) vcs.Client

	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// New creates an engine.
func New(cfg *config.Config, client *store.Client, tel *store.TelemetryClient, coord lease.Coordinator, guard *Guard, pr PRClient, workerID string, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Engine{
		cfg:      cfg,
		client:   client,
		tel:      tel,
		coord:    coord,
		guard:    guard,
		policy:   retry.Policy{MaxRetries: cfg.Exec.MaxRetries, Cooldown: time.Duration(cfg.Exec.RetryCooldownSeconds) * time.Second},
		history:  retry.NewManager(),
		pr:       pr,
		logger:   logger.WithComponent("executor").WithWorker(workerID),
		workerID: workerID,
		newVCS:   func(repoPath string) vcs.Client { return vcs.NewGit(repoPath) },
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// SetVCSFactory overrides working-copy client construction, for tests.
func (e *Engine) SetVCSFactory(f func(repoPath string) vcs.Client) { e.newVCS = f }

// History exposes per-task attempt history for diagnostics.
func (e *Engine) History() *retry.Manager { return e.history }

// Run executes the task, consulting the retry policy after each terminal
// attempt. Skipped and re-queued attempts are returned as-is: a skip means
// another worker owns the task, and a re-queue means the pending task will
// be picked up again through the normal poll loop.
func (e *Engine) Run(ctx context.Context, taskID string) (*Result, error) {
	e.history.GetOrCreateState(taskID, e.policy.MaxRetries)
	for depth := 0; ; depth++ {
		res, err := e.executeAttempt(ctx, taskID)
		if err != nil || res.Skipped || res.Requeued {
			return res, err
		}

		e.history.RecordAttempt(taskID, res.Status == store.StatusCompleted)
		if res.Class != errors.ClassNone {
			e.history.SetLastError(taskID, string(res.Class))
		}

		decision := e.policy.Decide(res.Class, depth)
		if !decision.Retry {
			return res, nil
		}

		e.logger.Info("retrying task per policy",
			"task_id", taskID, "class", res.Class, "depth", depth+1, "cooldown", decision.Cooldown)
		if decision.Cooldown > 0 {
			e.sleep(ctx, decision.Cooldown)
		}
		if ctx.Err() != nil {
			return res, nil
		}
	}
}

// executeAttempt runs one attempt to a terminal state.
func (e *Engine) executeAttempt(ctx context.Context, taskID string) (*Result, error) {
	task, err := e.client.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := e.logger.WithTask(task.ID).WithRun(runID)
	res := &Result{TaskID: task.ID, RunID: runID}

	// Empty direction is an immediate, non-retryable failure: there is
	// nothing meaningful to hand the agent.
	if task.Direction == "" {
		res.Status, res.Class = store.StatusFailed, errors.ClassValidation
		res.Output = "validation failure: task has no direction"
		e.finalizeTask(ctx, task.ID, runID, res, false)
		return res, nil
	}

	// PR mode prepares the working copy before claiming, so a branch
	// failure never burns a lease.
	var (
		branch string
		vc     vcs.Client
	)
	if task.PRMode() {
		vc = e.newVCS(e.cfg.Worker.RepoPath)
		branch, err = e.prepareBranch(ctx, vc, task)
		if err != nil {
			log.Error("branch setup failed", "error", err)
			res.Status, res.Class = store.StatusFailed, errors.ClassBranchSetup
			res.Output = fmt.Sprintf("branch setup failed: %v", err)
			e.finalizeTask(ctx, task.ID, runID, res, false)
			return res, nil
		}
	}

	attempt := resumeAttempts(task) + 1
	claim, err := e.coord.Claim(ctx, lease.ClaimParams{
		TaskID:       task.ID,
		RunID:        runID,
		WorkerID:     e.workerID,
		LeaseSeconds: e.cfg.Worker.LeaseSeconds,
		Attempt:      attempt,
		Branch:       branch,
		RepoPath:     e.cfg.Worker.RepoPath,
	})
	if err != nil {
		// Durable backend errors propagate so the caller can skip the task
		// rather than risk double execution.
		return nil, err
	}
	if !claim.Claimed {
		log.Debug("task owned elsewhere, skipping",
			"owner_run", claim.Owner.RunID, "owner_worker", claim.Owner.WorkerID)
		res.Skipped = true
		return res, nil
	}

	// Optimistic transition to running. A conflict means the task was
	// claimed through a separate path; treat as skipped, not failed.
	if _, err := e.client.MarkRunning(ctx, task.ID, e.workerID); err != nil {
		if errors.IsConflict(err) {
			log.Debug("store reports concurrent claim, skipping")
			e.closeLease(ctx, task.ID, runID, lease.StatusCancelled, "")
			res.Skipped = true
			return res, nil
		}
		e.closeLease(ctx, task.ID, runID, lease.StatusCancelled, "")
		return nil, err
	}

	// Policy gates fire before any process is spawned.
	if class := e.guard.PreCheck(ctx, task); class != errors.ClassNone {
		res.Status, res.Class = store.StatusFailed, class
		res.Output = "blocked: " + string(class)
		e.recordAttempt(ctx, task, res)
		e.finalizeTask(ctx, task.ID, runID, res, true)
		return res, nil
	}

	sup := e.supervise(ctx, task, runID, branch, vc)
	res.Duration = sup.duration
	res.Output = sup.buf.Output()
	res.Status, res.Class = classify(sup.exitCode, sup.signalled, res.Output, sup.cause, e.cfg.Exec.MinOutputChars)
	res.CostUSD = estimateCost(task.Executor(), sup.duration)

	log.Info("attempt finished",
		"status", res.Status, "class", res.Class, "exit_code", sup.exitCode,
		"duration", sup.duration.Round(time.Second), "cost_usd", fmt.Sprintf("%.4f", res.CostUSD))

	// Post-hoc budget breach converts an otherwise-successful run.
	if res.Status == store.StatusCompleted {
		if class := e.guard.PostCheck(task, res.CostUSD); class != errors.ClassNone {
			res.Status, res.Class = store.StatusFailed, class
		}
	}

	e.recordAttempt(ctx, task, res)

	if task.PRMode() {
		e.finishPRMode(ctx, task, runID, branch, vc, sup, res)
		return res, nil
	}

	e.finalizeTask(ctx, task.ID, runID, res, true)
	return res, nil
}

// supervisionOutcome carries everything the supervision loop learned.
type supervisionOutcome struct {
	exitCode      int
	signalled     bool
	cause         stopCause
	buf           *tailBuffer
	duration      time.Duration
	checkpointSHA string
}

// supervise spawns the task's command and babysits it: hard wall-clock
// timeout, lease heartbeats with progress patches, control polls for
// abort/diagnostics, usage-marker scans, and periodic PR-mode checkpoints.
func (e *Engine) supervise(ctx context.Context, task *store.Task, runID, branch string, vc vcs.Client) supervisionOutcome {
	log := e.logger.WithTask(task.ID).WithRun(runID)
	out := supervisionOutcome{buf: newTailBuffer(outputHeadMax, outputTailMax)}
	timeout := e.cfg.Exec.TimeoutFor(string(task.TaskType))

	cmd := exec.Command("sh", "-c", task.Command)
	cmd.Dir = e.cfg.Worker.RepoPath
	cmd.Stdout = out.buf
	cmd.Stderr = out.buf
	// Own process group so termination reaches the agent's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	started := e.now()
	if err := cmd.Start(); err != nil {
		log.Error("failed to spawn command", "error", err)
		fmt.Fprintf(out.buf, "failed to start command: %v", err)
		out.exitCode = -1
		return out
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	heartbeat := time.NewTicker(e.cfg.Worker.Heartbeat())
	defer heartbeat.Stop()
	control := time.NewTicker(e.cfg.Worker.ControlPoll())
	defer control.Stop()
	var checkpoint <-chan time.Time
	if task.PRMode() {
		t := time.NewTicker(e.cfg.Worker.CheckpointEvery())
		defer t.Stop()
		checkpoint = t.C
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	poller := newControlPoller(e.client, task.ID, e.cfg.Worker.RepoPath, log)

	waitErr := func() error {
		for {
			select {
			case err := <-done:
				return err

			case <-heartbeat.C:
				e.heartbeat(ctx, task, runID, started, timeout, out.buf)

			case <-control.C:
				if poller.poll(ctx) {
					out.cause.aborted = true
					return e.terminate(cmd, done, log)
				}
				if hasUsageMarker(out.buf.Tail(outputTailMax)) {
					log.Warn("usage limit marker detected, stopping early")
					out.cause.usageLimit = true
					return e.terminate(cmd, done, log)
				}

			case <-checkpoint:
				if sha, err := e.checkpoint(ctx, vc, task.ID, runID, branch); err != nil {
					log.Warn("periodic checkpoint failed", "error", err)
				} else if sha != "" {
					out.checkpointSHA = sha
				}

			case <-deadline.C:
				log.Warn("wall-clock timeout reached", "timeout", timeout)
				out.cause.timedOut = true
				return e.terminate(cmd, done, log)

			case <-ctx.Done():
				out.cause.aborted = true
				return e.terminate(cmd, done, log)
			}
		}
	}()

	out.duration = e.now().Sub(started)
	out.exitCode, out.signalled = exitStatus(waitErr)
	return out
}

// heartbeat refreshes the lease and patches the task's progress fields with
// a recent output tail. Both calls are best-effort here; a missed beat is
// recovered by the next one, and the lease itself is what matters.
func (e *Engine) heartbeat(ctx context.Context, task *store.Task, runID string, started time.Time, timeout time.Duration, buf *tailBuffer) {
	log := e.logger.WithTask(task.ID).WithRun(runID)

	if err := e.coord.Heartbeat(ctx, task.ID, runID, e.workerID, e.cfg.Worker.LeaseSeconds); err != nil {
		log.Warn("lease heartbeat failed", "error", err)
	}

	elapsed := e.now().Sub(started)
	pct := int(float64(elapsed) / float64(timeout) * 100)
	if pct > 95 {
		pct = 95
	}
	tail := buf.Tail(e.cfg.Worker.OutputTailChars)
	if _, err := e.client.UpdateTask(ctx, task.ID, store.Patch{
		ProgressPct: store.IntPtr(pct),
		CurrentStep: store.StringPtr(tail),
	}); err != nil {
		log.Warn("progress patch failed", "error", err)
	}
}

// terminate stops the subprocess: SIGTERM to the process group, then
// SIGKILL if it has not exited within the grace period.
func (e *Engine) terminate(cmd *exec.Cmd, done <-chan error, log *logging.Logger) error {
	if cmd.Process == nil {
		return <-done
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case err := <-done:
		return err
	case <-time.After(e.cfg.Exec.KillGrace()):
		log.Warn("process ignored SIGTERM, sending SIGKILL")
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return <-done
	}
}

// recordAttempt emits runtime telemetry for every attempt and a friction
// event for every non-success. Recording failures are logged and otherwise
// ignored: telemetry never affects a task's outcome.
func (e *Engine) recordAttempt(ctx context.Context, task *store.Task, res *Result) {
	if e.tel == nil {
		return
	}
	log := e.logger.WithTask(task.ID)

	statusCode := 200
	if res.Status != store.StatusCompleted {
		statusCode = 500
	}
	err := e.tel.RecordEvent(ctx, store.RuntimeEvent{
		Source:     "fleet-worker",
		Endpoint:   string(task.TaskType),
		Method:     string(task.Executor()),
		StatusCode: statusCode,
		RuntimeMs:  res.Duration.Milliseconds(),
		Metadata: map[string]string{
			"task_id":  task.ID,
			"run_id":   res.RunID,
			"class":    string(res.Class),
			"cost_usd": fmt.Sprintf("%.4f", res.CostUSD),
		},
	})
	if err != nil {
		log.Debug("telemetry record failed (ignored)", "error", err)
	}

	if res.Status == store.StatusCompleted {
		return
	}
	// Friction cost scales with wasted wall-clock time.
	err = e.tel.AppendFriction(ctx, store.FrictionEvent{
		Stage:              string(task.TaskType),
		BlockType:          string(res.Class),
		Severity:           frictionSeverity(res.Class),
		EnergyLossEstimate: res.Duration.Hours(),
		Status:             "open",
		Notes:              fmt.Sprintf("task %s run %s failed: %s", task.ID, res.RunID, res.Class),
	})
	if err != nil {
		log.Debug("friction record failed (ignored)", "error", err)
	}
}

func frictionSeverity(class errors.FailureClass) string {
	switch class {
	case errors.ClassUsageLimit, errors.ClassCostOverrun, errors.ClassWindowBudget:
		return "high"
	case errors.ClassTimeout, errors.ClassKilled:
		return "medium"
	default:
		return "low"
	}
}

// finalizeTask writes the attempt's terminal status to the task store and
// closes the lease. closeLeaseToo is false when no lease was ever claimed.
func (e *Engine) finalizeTask(ctx context.Context, taskID, runID string, res *Result, closeLeaseToo bool) {
	log := e.logger.WithTask(taskID).WithRun(runID)

	if _, err := e.client.UpdateTask(ctx, taskID, store.Patch{
		Status:      store.StatusPtr(res.Status),
		Output:      store.StringPtr(res.Output),
		ProgressPct: store.IntPtr(100),
	}); err != nil {
		log.Error("failed to finalize task in store", "status", res.Status, "error", err)
	}
	if closeLeaseToo {
		e.closeLease(ctx, taskID, runID, leaseStatusFor(res.Status), string(res.Class))
	}
}

// closeLease drives the RunState terminal, which also forces the lease
// expiry to now.
func (e *Engine) closeLease(ctx context.Context, taskID, runID, status, failureClass string) {
	patch := lease.UpdatePatch{Status: lease.StringPtr(status)}
	if failureClass != "" {
		patch.FailureClass = lease.StringPtr(failureClass)
	}
	if _, err := e.coord.Update(ctx, taskID, runID, e.workerID, patch, 0, true); err != nil {
		e.logger.WithTask(taskID).Warn("failed to close lease", "error", err)
	}
}

func leaseStatusFor(s store.Status) string {
	switch s {
	case store.StatusCompleted:
		return lease.StatusCompleted
	case store.StatusNeedsDecision:
		return lease.StatusNeedsDecision
	default:
		return lease.StatusFailed
	}
}

// exitStatus extracts the exit code and whether the process died from a
// signal.
func exitStatus(err error) (code int, signalled bool) {
	if err == nil {
		return 0, false
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, true
		}
		return exitErr.ExitCode(), false
	}
	return -1, false
}

// sleepCtx sleeps, waking early on context cancellation.
func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
