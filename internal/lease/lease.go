// Package lease implements the lease-based ownership coordinator that
// prevents two workers from executing the same task.
//
// A lease is a time-bounded ownership grant over a task_id. Ownership of an
// active RunState is the (run_id, worker_id) pair; claims and updates from a
// different pair are rejected while the lease is live. The coordinator is
// the sole mutual-exclusion mechanism in the system: it guarantees at most
// one active owner per task_id at any instant, and nothing more.
//
// Two backends exist. SQLiteCoordinator stores RunStates in a shared
// database file and is the deployment-grade backend. LocalCoordinator keeps
// state behind an in-process mutex with a JSON spill file; its correctness
// guarantee is scoped to a single process and it must not be used when
// workers run as separate OS processes.
package lease

import (
	"context"
	"time"
)

// Lease durations are clamped to this range on every claim and refresh.
const (
	MinLeaseSeconds = 15
	MaxLeaseSeconds = 3600
)

// Detail strings returned in claim/update result envelopes.
const (
	DetailClaimedNew       = "claimed_new"
	DetailClaimedRefresh   = "claimed_refresh"
	DetailOwnedByOther     = "lease_owned_by_other_worker"
	DetailOwnerMismatch    = "owner_mismatch"
	DetailUpdated          = "updated"
	DetailRunStateNotFound = "run_state_not_found"
)

// Status values a RunState moves through.
const (
	StatusRunning       = "running"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusCancelled     = "cancelled"
	StatusNeedsDecision = "needs_decision"
)

// TerminalStatus reports whether a RunState status ends the run. The
// instant a run goes terminal its lease is closed (expiry forced to now).
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusNeedsDecision:
		return true
	default:
		return false
	}
}

// RunState is the durable ownership record for one execution attempt.
type RunState struct {
	TaskID          string            `json:"task_id"`
	RunID           string            `json:"run_id"`
	WorkerID        string            `json:"worker_id"`
	Status          string            `json:"status"`
	Attempt         int               `json:"attempt"`
	Branch          string            `json:"branch,omitempty"`
	RepoPath        string            `json:"repo_path,omitempty"`
	HeadSHA         string            `json:"head_sha,omitempty"`
	CheckpointSHA   string            `json:"checkpoint_sha,omitempty"`
	FailureClass    string            `json:"failure_class,omitempty"`
	NextAction      string            `json:"next_action,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	LeaseExpiresAt  time.Time         `json:"lease_expires_at"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
	StartedAt       time.Time         `json:"started_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// Active reports whether this RunState currently owns the task: the lease
// has not expired and the status is non-terminal.
func (r *RunState) Active(now time.Time) bool {
	return now.Before(r.LeaseExpiresAt) && !TerminalStatus(r.Status)
}

// OwnedBy reports whether the (run_id, worker_id) pair owns this record.
func (r *RunState) OwnedBy(runID, workerID string) bool {
	return r.RunID == runID && r.WorkerID == workerID
}

// ClaimParams are the inputs to Claim.
type ClaimParams struct {
	TaskID       string
	RunID        string
	WorkerID     string
	LeaseSeconds int
	Attempt      int
	Branch       string
	RepoPath     string
	Metadata     map[string]string
}

// ClaimResult is the claim envelope. When Claimed is false, Owner carries
// the current holder's record so the caller can report who has it.
type ClaimResult struct {
	Claimed bool
	Detail  string
	State   *RunState
	Owner   *RunState
}

// UpdatePatch is a partial RunState update. Nil fields are untouched;
// Metadata entries are merged.
type UpdatePatch struct {
	Status        *string
	Branch        *string
	HeadSHA       *string
	CheckpointSHA *string
	FailureClass  *string
	NextAction    *string
	Metadata      map[string]string
}

// UpdateResult is the update envelope. OK false with DetailOwnerMismatch
// means the caller is not the active owner and nothing was mutated.
type UpdateResult struct {
	OK     bool
	Detail string
	State  *RunState
}

// Coordinator is the lease wire contract exposed to every worker.
type Coordinator interface {
	// Claim attempts to take ownership of a task. If no active RunState
	// exists, or the active one is already owned by the caller, the record
	// is created or refreshed and Claimed is true. An active record with a
	// different owner yields Claimed=false and no mutation.
	Claim(ctx context.Context, p ClaimParams) (ClaimResult, error)

	// Update merges a patch into the caller's RunState, refreshing
	// last_heartbeat_at and, when leaseSeconds > 0, the lease itself.
	// With requireOwner set, a non-owning caller gets an owner-mismatch
	// result and nothing is mutated. A terminal patched status closes the
	// lease and stamps completed_at if unset.
	Update(ctx context.Context, taskID, runID, workerID string, patch UpdatePatch, leaseSeconds int, requireOwner bool) (UpdateResult, error)

	// Heartbeat is Update with status held at running and no other changes.
	Heartbeat(ctx context.Context, taskID, runID, workerID string, leaseSeconds int) error

	// Get returns the RunState for a task, or errors.ErrRunStateNotFound.
	Get(ctx context.Context, taskID string) (*RunState, error)

	// Close releases backend resources.
	Close() error
}

// ClampLease bounds a requested lease duration to [MinLeaseSeconds,
// MaxLeaseSeconds].
func ClampLease(seconds int) int {
	if seconds < MinLeaseSeconds {
		return MinLeaseSeconds
	}
	if seconds > MaxLeaseSeconds {
		return MaxLeaseSeconds
	}
	return seconds
}

// StringPtr is a convenience for building patches.
func StringPtr(s string) *string { return &s }

// applyPatch merges a patch into a RunState in place. Shared by backends.
func applyPatch(r *RunState, patch UpdatePatch, now time.Time, leaseSeconds int) {
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	if patch.Branch != nil {
		r.Branch = *patch.Branch
	}
	if patch.HeadSHA != nil {
		r.HeadSHA = *patch.HeadSHA
	}
	if patch.CheckpointSHA != nil {
		r.CheckpointSHA = *patch.CheckpointSHA
	}
	if patch.FailureClass != nil {
		r.FailureClass = *patch.FailureClass
	}
	if patch.NextAction != nil {
		r.NextAction = *patch.NextAction
	}
	if len(patch.Metadata) > 0 {
		if r.Metadata == nil {
			r.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			r.Metadata[k] = v
		}
	}

	r.LastHeartbeatAt = now
	r.UpdatedAt = now
	if leaseSeconds > 0 {
		r.LeaseExpiresAt = now.Add(time.Duration(ClampLease(leaseSeconds)) * time.Second)
	}

	// Terminal status closes the lease immediately so the task is free for
	// whatever comes next.
	if TerminalStatus(r.Status) {
		r.LeaseExpiresAt = now
		if r.CompletedAt == nil {
			t := now
			r.CompletedAt = &t
		}
	}
}
