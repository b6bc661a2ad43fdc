// Package store provides the task store data model and HTTP API clients.
// The task store itself is an external service; this package only reads
// and patches tasks through its API, never persisting anything locally.
package store

import (
	"strings"
	"time"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusNeedsDecision Status = "needs_decision"
)

// Terminal reports whether the status ends execution of the task.
// needs_decision is terminal-for-now: execution resumes only after a human
// or higher-authority decision.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNeedsDecision:
		return true
	default:
		return false
	}
}

// TaskType categorizes work items.
type TaskType string

const (
	TypeSpec   TaskType = "spec"
	TypeImpl   TaskType = "impl"
	TypeTest   TaskType = "test"
	TypeReview TaskType = "review"
	TypeHeal   TaskType = "heal"
)

// ExecutorKind tags which coding-agent backend a task's command invokes.
// It is attached at task creation so the execution hot path never has to
// sniff the command string.
type ExecutorKind string

const (
	ExecutorCursor   ExecutorKind = "cursor"
	ExecutorCodex    ExecutorKind = "codex"
	ExecutorClaude   ExecutorKind = "claude"
	ExecutorOpenClaw ExecutorKind = "openclaw"
	ExecutorAider    ExecutorKind = "aider"
	ExecutorUnknown  ExecutorKind = "unknown"
)

// Metered reports whether the executor routes to a paid, metered backend.
func (k ExecutorKind) Metered() bool {
	switch k {
	case ExecutorCursor, ExecutorCodex, ExecutorClaude, ExecutorAider:
		return true
	default:
		return false
	}
}

// ParseExecutorKind normalizes a stored executor tag.
func ParseExecutorKind(s string) ExecutorKind {
	switch ExecutorKind(strings.ToLower(strings.TrimSpace(s))) {
	case ExecutorCursor:
		return ExecutorCursor
	case ExecutorCodex:
		return ExecutorCodex
	case ExecutorClaude:
		return ExecutorClaude
	case ExecutorOpenClaw:
		return ExecutorOpenClaw
	case ExecutorAider:
		return ExecutorAider
	default:
		return ExecutorUnknown
	}
}

// Context keys the orchestration core reads or writes on a task.
// The context map is open; these are the keys with defined meaning.
const (
	// CtxPRMode marks a task whose delivery must be a reviewable code change.
	CtxPRMode = "pr_mode"
	// CtxExecutor carries the ExecutorKind tag set at creation.
	CtxExecutor = "executor"
	// CtxAbortRequested, when "true", asks the supervising worker to stop.
	CtxAbortRequested = "abort_requested"
	// CtxDiagCommand injects a diagnostic command to run alongside the task.
	CtxDiagCommand = "diag_command"
	// CtxDiagResult receives the injected diagnostic's output.
	CtxDiagResult = "diag_result"
	// CtxResumeReady marks a re-queued task as carrying resume state.
	CtxResumeReady = "resume_ready"
	// CtxResumeBranch is the branch holding checkpointed partial progress.
	CtxResumeBranch = "resume_branch"
	// CtxResumeSHA is the checkpoint commit to resume from.
	CtxResumeSHA = "resume_checkpoint_sha"
	// CtxResumeAttempts counts resume re-queues for this task.
	CtxResumeAttempts = "resume_attempts"
	// CtxAllowPaidOverride, when "true", bypasses the paid-provider gate.
	CtxAllowPaidOverride = "allow_paid_override"
	// CtxHealCondition tags a heal task with the monitor condition it fixes.
	CtxHealCondition = "heal_condition"
)

// Task is a work item owned by the external task store.
type Task struct {
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	TaskType    TaskType          `json:"task_type"`
	Direction   string            `json:"direction"`
	Command     string            `json:"command"`
	Model       string            `json:"model,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	WorkerID    string            `json:"worker_id,omitempty"`
	Output      string            `json:"output,omitempty"`
	ProgressPct int               `json:"progress_pct"`
	CurrentStep string            `json:"current_step,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// CtxBool reads a context key as a boolean flag.
func (t *Task) CtxBool(key string) bool {
	return strings.EqualFold(t.Context[key], "true")
}

// Ctx reads a context key, returning "" when unset.
func (t *Task) Ctx(key string) string {
	return t.Context[key]
}

// PRMode reports whether the task's delivery must be a reviewable code
// change. This is an explicit flag; it is never inferred from the command.
func (t *Task) PRMode() bool {
	return t.CtxBool(CtxPRMode)
}

// Executor returns the tagged backend kind for this task.
func (t *Task) Executor() ExecutorKind {
	return ParseExecutorKind(t.Ctx(CtxExecutor))
}

// PendingWait returns how long the task has been waiting, relative to now.
func (t *Task) PendingWait(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// RunningFor returns how long ago the task was last updated, used as a
// proxy for running duration when the store does not expose a started_at.
func (t *Task) RunningFor(now time.Time) time.Duration {
	return now.Sub(t.UpdatedAt)
}

// Patch is a partial task update. Nil fields are left untouched by the
// store; Context entries are merged into the existing map, not replaced.
type Patch struct {
	Status      *Status           `json:"status,omitempty"`
	Output      *string           `json:"output,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	WorkerID    *string           `json:"worker_id,omitempty"`
	ProgressPct *int              `json:"progress_pct,omitempty"`
	CurrentStep *string           `json:"current_step,omitempty"`
}

// StatusPtr is a convenience for building patches.
func StatusPtr(s Status) *Status { return &s }

// StringPtr is a convenience for building patches.
func StringPtr(s string) *string { return &s }

// IntPtr is a convenience for building patches.
func IntPtr(i int) *int { return &i }
