package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fleetworks/fleet/internal/lease"
	"github.com/fleetworks/fleet/internal/store"
	"github.com/fleetworks/fleet/internal/vcs"
)

// branchFor derives the deterministic branch name for a task. The same
// task always maps to the same branch, which is what makes resume work:
// a later attempt finds the earlier attempt's pushed checkpoints.
func branchFor(prefix, taskID string) string {
	id := strings.ToLower(taskID)
	if len(id) > 24 {
		id = id[:24]
	}
	return prefix + "/" + id
}

// resumeAttempts reads the task's resume counter, zero when absent.
func resumeAttempts(task *store.Task) int {
	n, err := strconv.Atoi(task.Ctx(store.CtxResumeAttempts))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// prepareBranch resolves the task's branch and readies the working copy.
// If the remote already has the branch (a prior attempt checkpointed), it
// is checked out so the new attempt resumes on top of the partial work.
// Otherwise the branch is created from the configured base.
func (e *Engine) prepareBranch(ctx context.Context, vc vcs.Client, task *store.Task) (string, error) {
	branch := branchFor(e.cfg.PR.BranchPrefix, task.ID)
	if resume := task.Ctx(store.CtxResumeBranch); resume != "" {
		branch = resume
	}

	if err := vc.Fetch(ctx); err != nil {
		return "", err
	}

	exists, err := vc.RemoteBranchExists(ctx, branch)
	if err != nil {
		return "", err
	}
	if exists {
		if err := vc.CheckoutBranch(ctx, branch); err != nil {
			return "", err
		}
		return branch, nil
	}
	if err := vc.CreateBranch(ctx, branch, e.cfg.PR.BaseBranch); err != nil {
		return "", err
	}
	return branch, nil
}

// checkpoint commits and pushes any working-copy changes to the task's
// branch, then records the checkpoint SHA on the RunState. Returns the SHA,
// or "" when there was nothing to commit.
func (e *Engine) checkpoint(ctx context.Context, vc vcs.Client, taskID, runID, branch string) (string, error) {
	if vc == nil {
		return "", nil
	}

	dirty, err := vc.HasChanges(ctx)
	if err != nil {
		return "", err
	}
	if dirty {
		if err := vc.AddAll(ctx); err != nil {
			return "", err
		}
		committed, err := vc.Commit(ctx, fmt.Sprintf("checkpoint: task %s partial progress", taskID))
		if err != nil {
			return "", err
		}
		if !committed {
			return "", nil
		}
	}

	if err := vc.Push(ctx, branch); err != nil {
		return "", err
	}
	sha, err := vc.HeadSHA(ctx)
	if err != nil {
		return "", err
	}

	if _, err := e.coord.Update(ctx, taskID, runID, e.workerID, lease.UpdatePatch{
		CheckpointSHA: lease.StringPtr(sha),
		HeadSHA:       lease.StringPtr(sha),
	}, 0, true); err != nil {
		e.logger.WithTask(taskID).Warn("failed to record checkpoint sha on lease", "error", err)
	}
	return sha, nil
}

// finishPRMode completes a PR-mode attempt: delivery on success, and
// checkpoint-then-resume (or fail) on failure.
func (e *Engine) finishPRMode(ctx context.Context, task *store.Task, runID, branch string, vc vcs.Client, sup supervisionOutcome, res *Result) {
	log := e.logger.WithTask(task.ID).WithRun(runID)

	if res.Status == store.StatusCompleted {
		delivery := e.deliver(ctx, task, branch, vc)
		res.PRURL = delivery.url
		if delivery.err != nil {
			log.Error("pr delivery failed", "reason", delivery.reason, "error", delivery.err)
			res.Output += fmt.Sprintf("\n\npr delivery failed (%s): %v", delivery.reason, delivery.err)
			// Work is committed and pushed; a human can take it from here.
			res.Status = store.StatusNeedsDecision
		}
		e.finalizeTask(ctx, task.ID, runID, res, true)
		return
	}

	// Failure path: salvage partial progress first.
	sha, cpErr := e.checkpoint(ctx, vc, task.ID, runID, branch)
	if cpErr != nil {
		log.Warn("post-failure checkpoint failed", "error", cpErr)
	}
	if sha == "" {
		sha = sup.checkpointSHA
	}

	attempts := resumeAttempts(task)
	if sha != "" && res.Class.IsResumable() && attempts < e.cfg.Exec.MaxResumeAttempts {
		e.requeueForResume(ctx, task, runID, branch, sha, attempts, res)
		return
	}

	if res.Class.IsResumable() && attempts >= e.cfg.Exec.MaxResumeAttempts {
		// Resume budget exhausted with partial work on the branch; needs a
		// human call rather than silent permanent failure.
		res.Output += fmt.Sprintf("\n\nresume attempts exhausted (%d); partial work on branch %s", attempts, branch)
	}
	e.finalizeTask(ctx, task.ID, runID, res, true)
}

// requeueForResume puts the task back in the pending queue with resume
// metadata so the next attempt continues from the checkpoint instead of
// starting over.
func (e *Engine) requeueForResume(ctx context.Context, task *store.Task, runID, branch, sha string, attempts int, res *Result) {
	log := e.logger.WithTask(task.ID).WithRun(runID)

	if _, err := e.client.UpdateTask(ctx, task.ID, store.Patch{
		Status: store.StatusPtr(store.StatusPending),
		Output: store.StringPtr(res.Output),
		Context: map[string]string{
			store.CtxResumeReady:    "true",
			store.CtxResumeBranch:   branch,
			store.CtxResumeSHA:      sha,
			store.CtxResumeAttempts: strconv.Itoa(attempts + 1),
		},
	}); err != nil {
		log.Error("failed to re-queue task for resume", "error", err)
		e.finalizeTask(ctx, task.ID, runID, res, true)
		return
	}

	log.Info("task re-queued for resume",
		"class", res.Class, "checkpoint_sha", sha, "resume_attempts", attempts+1)
	res.Requeued = true
	res.Status = store.StatusPending

	// The run itself is over; close its lease with the failure recorded and
	// the resume intent on next_action.
	if _, err := e.coord.Update(ctx, task.ID, runID, e.workerID, lease.UpdatePatch{
		Status:        lease.StringPtr(lease.StatusFailed),
		FailureClass:  lease.StringPtr(string(res.Class)),
		NextAction:    lease.StringPtr("resume"),
		CheckpointSHA: lease.StringPtr(sha),
	}, 0, true); err != nil {
		log.Warn("failed to close lease after resume re-queue", "error", err)
	}
}
