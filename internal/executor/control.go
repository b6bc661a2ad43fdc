package executor

import (
	"context"
	"os/exec"
	"time"

	"github.com/fleetworks/fleet/internal/logging"
	"github.com/fleetworks/fleet/internal/store"
)

// diagTimeout bounds an injected diagnostic command so a bad diagnostic
// cannot stall the supervision loop.
const diagTimeout = 30 * time.Second

// controlPoller checks the task's context for externally-set control
// signals on each control tick: an abort request, or an injected diagnostic
// command to run alongside the main task without terminating it.
type controlPoller struct {
	client   *store.Client
	taskID   string
	workDir  string
	logger   *logging.Logger
	lastDiag string
}

func newControlPoller(client *store.Client, taskID, workDir string, logger *logging.Logger) *controlPoller {
	return &controlPoller{
		client:  client,
		taskID:  taskID,
		workDir: workDir,
		logger:  logger,
	}
}

// poll fetches the task and processes control signals. It returns true when
// an abort was requested. Store errors are logged and swallowed; a flaky
// store must not kill a healthy run, and the next tick retries anyway.
func (c *controlPoller) poll(ctx context.Context) (abort bool) {
	task, err := c.client.GetTask(ctx, c.taskID)
	if err != nil {
		c.logger.Warn("control poll failed", "error", err)
		return false
	}

	if task.CtxBool(store.CtxAbortRequested) {
		c.logger.Info("abort requested via task context")
		return true
	}

	if diag := task.Ctx(store.CtxDiagCommand); diag != "" && diag != c.lastDiag {
		c.lastDiag = diag
		c.runDiagnostic(ctx, diag)
	}
	return false
}

// runDiagnostic executes one injected command and reports its output back
// through the task's context. The main task keeps running throughout.
func (c *controlPoller) runDiagnostic(ctx context.Context, command string) {
	c.logger.Info("running injected diagnostic", "command", command)

	dctx, cancel := context.WithTimeout(ctx, diagTimeout)
	defer cancel()

	cmd := exec.CommandContext(dctx, "sh", "-c", command)
	cmd.Dir = c.workDir
	out, err := cmd.CombinedOutput()

	result := string(out)
	if err != nil {
		result += "\n[diagnostic error: " + err.Error() + "]"
	}
	if len(result) > 4096 {
		result = result[:4096]
	}

	if _, err := c.client.UpdateTask(ctx, c.taskID, store.Patch{
		Context: map[string]string{store.CtxDiagResult: result},
	}); err != nil {
		c.logger.Warn("failed to report diagnostic result", "error", err)
	}
}
