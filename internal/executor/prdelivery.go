package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fleetworks/fleet/internal/store"
	"github.com/fleetworks/fleet/internal/vcs"
)

// ChecksState summarizes a branch's remote check status.
type ChecksState string

const (
	ChecksPending ChecksState = "pending"
	ChecksPassing ChecksState = "passing"
	ChecksFailing ChecksState = "failing"
)

// PRClient is the pull-request surface of the code host.
type PRClient interface {
	// FindOpenPR returns the URL of an existing open PR for the branch.
	FindOpenPR(ctx context.Context, branch string) (url string, found bool, err error)

	// CreatePR opens a PR from branch into base.
	CreatePR(ctx context.Context, branch, base, title, body string) (url string, err error)

	// Checks reports the branch's remote check status.
	Checks(ctx context.Context, branch string) (ChecksState, error)

	// Merge merges the PR for the branch.
	Merge(ctx context.Context, branch string) error
}

// Delivery failure reasons, one per protocol step.
const (
	reasonBranchPush = "branch_setup_failed"
	reasonValidation = "validation_failed"
	reasonChecks     = "checks_failed"
	reasonMerge      = "merge_failed"
	reasonPostMerge  = "post_merge_validation_failed"
)

// deliveryOutcome reports how the PR delivery protocol ended. A nil err
// means the change is delivered (PR open, or merged when auto-merge is on).
type deliveryOutcome struct {
	url    string
	reason string
	err    error
}

// deliver runs the PR delivery sub-protocol for a completed PR-mode run:
// commit and push outstanding changes, find or create the PR (never a
// duplicate), optionally gate on a local validation command, poll remote
// checks a bounded number of times, and optionally auto-merge with a
// post-merge validation step.
func (e *Engine) deliver(ctx context.Context, task *store.Task, branch string, vc vcs.Client) deliveryOutcome {
	log := e.logger.WithTask(task.ID)

	// Everything the agent produced must be on the remote branch first.
	if _, err := e.checkpointWorkingCopy(ctx, vc, task.ID, branch); err != nil {
		return deliveryOutcome{reason: reasonBranchPush, err: err}
	}

	url, found, err := e.pr.FindOpenPR(ctx, branch)
	if err != nil {
		return deliveryOutcome{reason: reasonBranchPush, err: err}
	}
	if !found {
		title := prTitle(task)
		body := prBody(task, branch)
		url, err = e.pr.CreatePR(ctx, branch, e.cfg.PR.BaseBranch, title, body)
		if err != nil {
			return deliveryOutcome{reason: reasonBranchPush, err: err}
		}
		log.Info("pull request created", "url", url)
	} else {
		log.Info("reusing existing open pull request", "url", url)
	}

	// Local validation gate runs before any remote check is trusted.
	if e.cfg.PR.ValidationCommand != "" {
		if err := e.runGate(ctx, e.cfg.PR.ValidationCommand); err != nil {
			return deliveryOutcome{url: url, reason: reasonValidation, err: err}
		}
	}

	state, err := e.pollChecks(ctx, branch)
	if err != nil {
		return deliveryOutcome{url: url, reason: reasonChecks, err: err}
	}
	if state != ChecksPassing {
		return deliveryOutcome{url: url, reason: reasonChecks,
			err: fmt.Errorf("checks did not pass within %d polls (last state: %s)", e.cfg.PR.CheckPollAttempts, state)}
	}

	if !e.cfg.PR.AutoMerge {
		return deliveryOutcome{url: url}
	}

	if err := e.pr.Merge(ctx, branch); err != nil {
		return deliveryOutcome{url: url, reason: reasonMerge, err: err}
	}
	log.Info("pull request merged", "url", url)

	if e.cfg.PR.PostMergeCommand != "" {
		if err := e.runGate(ctx, e.cfg.PR.PostMergeCommand); err != nil {
			return deliveryOutcome{url: url, reason: reasonPostMerge, err: err}
		}
	}
	return deliveryOutcome{url: url}
}

// checkpointWorkingCopy commits and pushes outstanding changes without
// touching the lease (the run may already be closing).
func (e *Engine) checkpointWorkingCopy(ctx context.Context, vc vcs.Client, taskID, branch string) (string, error) {
	dirty, err := vc.HasChanges(ctx)
	if err != nil {
		return "", err
	}
	if dirty {
		if err := vc.AddAll(ctx); err != nil {
			return "", err
		}
		if _, err := vc.Commit(ctx, fmt.Sprintf("task %s: final changes", taskID)); err != nil {
			return "", err
		}
	}
	if err := vc.Push(ctx, branch); err != nil {
		return "", err
	}
	return vc.HeadSHA(ctx)
}

// pollChecks waits for the remote checks to settle, polling a bounded
// number of times with a fixed delay.
func (e *Engine) pollChecks(ctx context.Context, branch string) (ChecksState, error) {
	delay := time.Duration(e.cfg.PR.CheckPollDelaySeconds) * time.Second
	state := ChecksPending
	for attempt := 0; attempt < e.cfg.PR.CheckPollAttempts; attempt++ {
		if attempt > 0 {
			e.sleep(ctx, delay)
			if ctx.Err() != nil {
				return state, ctx.Err()
			}
		}
		var err error
		state, err = e.pr.Checks(ctx, branch)
		if err != nil {
			return state, err
		}
		if state != ChecksPending {
			return state, nil
		}
	}
	return state, nil
}

// runGate runs a validation command, failing on non-zero exit.
func (e *Engine) runGate(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.cfg.Worker.RepoPath
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %s", err, strings.TrimSpace(out.String()))
	}
	return nil
}

// prTitle builds the deterministic PR title for a task.
func prTitle(task *store.Task) string {
	direction := strings.TrimSpace(task.Direction)
	if len(direction) > 60 {
		direction = direction[:60] + "..."
	}
	return fmt.Sprintf("[%s] %s", task.TaskType, direction)
}

// prBody builds the deterministic PR body for a task.
func prBody(task *store.Task, branch string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Automated change for task %s.\n\n", task.ID)
	fmt.Fprintf(&sb, "Type: %s\nBranch: %s\n\n", task.TaskType, branch)
	fmt.Fprintf(&sb, "Direction:\n%s\n", strings.TrimSpace(task.Direction))
	return sb.String()
}

// GHCLI implements PRClient by shelling out to the gh CLI.
type GHCLI struct {
	// RepoPath is the working copy gh commands run in.
	RepoPath string
}

// NewGHCLI creates a gh-backed PR client.
func NewGHCLI(repoPath string) *GHCLI {
	return &GHCLI{RepoPath: repoPath}
}

func (g *GHCLI) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = g.RepoPath
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gh %s: %s: %w", args[0], strings.TrimSpace(out.String()), err)
	}
	return strings.TrimSpace(out.String()), nil
}

// FindOpenPR implements PRClient.
func (g *GHCLI) FindOpenPR(ctx context.Context, branch string) (string, bool, error) {
	out, err := g.run(ctx, "pr", "list", "--head", branch, "--state", "open", "--json", "url", "--jq", ".[0].url")
	if err != nil {
		return "", false, err
	}
	if out == "" || out == "null" {
		return "", false, nil
	}
	return out, true, nil
}

// CreatePR implements PRClient.
func (g *GHCLI) CreatePR(ctx context.Context, branch, base, title, body string) (string, error) {
	return g.run(ctx, "pr", "create", "--head", branch, "--base", base, "--title", title, "--body", body)
}

// Checks implements PRClient.
func (g *GHCLI) Checks(ctx context.Context, branch string) (ChecksState, error) {
	out, err := g.run(ctx, "pr", "checks", branch)
	if err != nil {
		// gh exits non-zero while checks are failing or still running; the
		// output distinguishes the two.
		lower := strings.ToLower(out + err.Error())
		if strings.Contains(lower, "pending") || strings.Contains(lower, "in progress") {
			return ChecksPending, nil
		}
		if strings.Contains(lower, "fail") {
			return ChecksFailing, nil
		}
		return ChecksFailing, err
	}
	return ChecksPassing, nil
}

// Merge implements PRClient.
func (g *GHCLI) Merge(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "pr", "merge", branch, "--squash", "--delete-branch=false")
	return err
}
