// Package errors provides centralized error definitions and error handling
// utilities for the fleet codebase. It defines the execution-failure
// taxonomy, lease contention errors, task store errors, and classification
// helpers that the retry and resume logic depend on.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - ExecError: a task execution attempt that ended badly, carrying its
//     failure class
//   - LeaseError: lease contention or lease backend failures
//   - StoreError: task store API failures, carrying the HTTP status
//   - GitError: version-control operations (branch, commit, push)
//
// # Classification
//
// Failure classes decide what happens next:
//   - IsRetryable: the attempt may be re-run from scratch per retry policy
//   - IsResumable: partial progress can be checkpointed and the task
//     re-queued with resume metadata
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Errorf wraps fmt.Errorf so callers need only this package.
func Errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// FailureClass identifies why an execution attempt did not succeed.
// Exactly one class is assigned per failed attempt.
type FailureClass string

const (
	// ClassNone means the attempt succeeded.
	ClassNone FailureClass = ""
	// ClassAborted means an external abort request stopped the run.
	ClassAborted FailureClass = "aborted_by_user"
	// ClassUsageLimit means the agent backend reported quota exhaustion.
	ClassUsageLimit FailureClass = "usage_limit"
	// ClassTimeout means the wall-clock ceiling was reached.
	ClassTimeout FailureClass = "timeout"
	// ClassKilled means the process died from a signal.
	ClassKilled FailureClass = "killed"
	// ClassCommandFailed means the command exited non-zero (or exited zero
	// with suspiciously little output).
	ClassCommandFailed FailureClass = "command_failed"
	// ClassCostOverrun means a technically-successful run exceeded its cost
	// ceiling and was converted to a failure.
	ClassCostOverrun FailureClass = "cost_overrun"
	// ClassValidation means the task itself was malformed (empty direction).
	ClassValidation FailureClass = "validation_failure"
	// ClassPaidBlocked means policy disallows the task's paid backend.
	ClassPaidBlocked FailureClass = "paid_provider_blocked"
	// ClassWindowBudget means the rolling usage-window budget is exhausted.
	ClassWindowBudget FailureClass = "paid_provider_window_budget_exceeded"
	// ClassBranchSetup means the PR-mode working copy could not be prepared.
	ClassBranchSetup FailureClass = "branch_setup_failed"
)

// Lease-related sentinel errors
var (
	// ErrLeaseOwnedByOther indicates another worker holds an active lease.
	ErrLeaseOwnedByOther = New("lease owned by other worker")
	// ErrNotLeaseOwner indicates an update from a non-owning run was rejected.
	ErrNotLeaseOwner = New("caller is not the lease owner")
	// ErrRunStateNotFound indicates no RunState exists for the task.
	ErrRunStateNotFound = New("run state not found")
)

// Task store sentinel errors
var (
	// ErrTaskNotFound indicates the task store has no such task.
	ErrTaskNotFound = New("task not found")
	// ErrTaskConflict indicates a concurrent update was rejected by the store.
	ErrTaskConflict = New("task update conflict")
	// ErrStoreUnreachable indicates the task store API could not be reached.
	ErrStoreUnreachable = New("task store unreachable")
)

// Execution sentinel errors
var (
	// ErrTaskSkipped indicates another worker already owns the task.
	// This is not a failure; the worker simply moves on.
	ErrTaskSkipped = New("task skipped: claimed elsewhere")
	// ErrAbortRequested indicates an external abort signal was observed.
	ErrAbortRequested = New("abort requested")
	// ErrBranchSetup indicates the PR-mode working copy could not be prepared.
	ErrBranchSetup = New("branch setup failed")
)

// ExecError describes a failed execution attempt.
type ExecError struct {
	TaskID  string
	Class   FailureClass
	Message string
	Err     error
}

// NewExecError creates an ExecError with the given failure class.
func NewExecError(taskID string, class FailureClass, message string, err error) *ExecError {
	return &ExecError{TaskID: taskID, Class: class, Message: message, Err: err}
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exec %s [%s]: %s: %v", e.TaskID, e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("exec %s [%s]: %s", e.TaskID, e.Class, e.Message)
}

func (e *ExecError) Unwrap() error { return e.Err }

// LeaseError describes a lease operation that was rejected or failed.
type LeaseError struct {
	TaskID        string
	Detail        string
	OwnerRunID    string
	OwnerWorkerID string
	Err           error
}

// NewLeaseError creates a LeaseError.
func NewLeaseError(taskID, detail string, err error) *LeaseError {
	return &LeaseError{TaskID: taskID, Detail: detail, Err: err}
}

func (e *LeaseError) Error() string {
	if e.OwnerWorkerID != "" {
		return fmt.Sprintf("lease %s: %s (owner run=%s worker=%s)", e.TaskID, e.Detail, e.OwnerRunID, e.OwnerWorkerID)
	}
	if e.Err != nil {
		return fmt.Sprintf("lease %s: %s: %v", e.TaskID, e.Detail, e.Err)
	}
	return fmt.Sprintf("lease %s: %s", e.TaskID, e.Detail)
}

func (e *LeaseError) Unwrap() error { return e.Err }

// StoreError describes a task store API failure.
type StoreError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

// NewStoreError creates a StoreError for the given operation.
func NewStoreError(op string, statusCode int, body string) *StoreError {
	return &StoreError{Op: op, StatusCode: statusCode, Body: body}
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

func (e *StoreError) Unwrap() error { return e.Err }

// GitError describes a version-control operation failure.
type GitError struct {
	Op     string
	Branch string
	Err    error
}

// NewGitError creates a GitError for the given operation.
func NewGitError(op, branch string, err error) *GitError {
	return &GitError{Op: op, Branch: branch, Err: err}
}

func (e *GitError) Error() string {
	if e.Branch != "" {
		return fmt.Sprintf("git %s (branch %s): %v", e.Op, e.Branch, e.Err)
	}
	return fmt.Sprintf("git %s: %v", e.Op, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// IsRetryable reports whether an attempt with this failure class may be
// re-run from scratch by the retry policy.
func (c FailureClass) IsRetryable() bool {
	switch c {
	case ClassCommandFailed, ClassTimeout, ClassKilled:
		return true
	default:
		return false
	}
}

// IsResumable reports whether a PR-mode attempt with this failure class
// should be checkpointed and re-queued with resume metadata instead of
// being marked permanently failed.
func (c FailureClass) IsResumable() bool {
	return c == ClassUsageLimit || c == ClassTimeout
}

// IsBlocked reports whether this class represents a policy gate that fired
// before any process was spawned.
func (c FailureClass) IsBlocked() bool {
	return c == ClassPaidBlocked || c == ClassWindowBudget
}

// IsSkip reports whether err means the task is owned elsewhere and should
// simply be skipped by this worker, with no failure recorded.
func IsSkip(err error) bool {
	return Is(err, ErrTaskSkipped) || Is(err, ErrLeaseOwnedByOther)
}

// IsConflict reports whether err is a rejected concurrent task store update.
func IsConflict(err error) bool {
	if Is(err, ErrTaskConflict) {
		return true
	}
	var se *StoreError
	return As(err, &se) && se.StatusCode == 409
}

// IsNotFound reports whether err means the task does not exist.
func IsNotFound(err error) bool {
	if Is(err, ErrTaskNotFound) {
		return true
	}
	var se *StoreError
	return As(err, &se) && se.StatusCode == 404
}
