package lease

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetworks/fleet/internal/errors"
	"github.com/fleetworks/fleet/internal/logging"
)

// LocalCoordinator is the single-process lease backend: a mutex-guarded map
// with a JSON spill file so state survives a restart of the same process
// tree. It is intended for standalone and dev deployments only; it provides
// no cross-process exclusion and must not be used when workers run on
// separate machines or as separate OS processes.
//
// Persistence is best-effort. A failed save is logged and ignored rather
// than propagated, so a full disk cannot block execution.
type LocalCoordinator struct {
	mu     sync.Mutex
	path   string
	states map[string]*RunState
	now    func() time.Time
	logger *logging.Logger
}

// NewLocalCoordinator creates a local coordinator persisting to path.
// Existing state at path is loaded; a corrupt file is discarded with a
// warning rather than failing startup.
func NewLocalCoordinator(path string, logger *logging.Logger) (*LocalCoordinator, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	c := &LocalCoordinator{
		path:   path,
		states: make(map[string]*RunState),
		now:    time.Now,
		logger: logger.WithComponent("lease"),
	}

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		c.load()
	}
	return c, nil
}

// SetNowFunc overrides the clock. Tests use this to control lease expiry.
func (c *LocalCoordinator) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Claim implements Coordinator.
func (c *LocalCoordinator) Claim(_ context.Context, p ClaimParams) (ClaimResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	existing, ok := c.states[p.TaskID]
	if ok && existing.Active(now) && !existing.OwnedBy(p.RunID, p.WorkerID) {
		owner := *existing
		return ClaimResult{Claimed: false, Detail: DetailOwnedByOther, Owner: &owner}, nil
	}

	detail := DetailClaimedNew
	state := &RunState{
		TaskID:    p.TaskID,
		RunID:     p.RunID,
		WorkerID:  p.WorkerID,
		Status:    StatusRunning,
		Attempt:   p.Attempt,
		Branch:    p.Branch,
		RepoPath:  p.RepoPath,
		Metadata:  cloneMeta(p.Metadata),
		StartedAt: now,
	}
	if ok && existing.OwnedBy(p.RunID, p.WorkerID) && existing.Active(now) {
		// Idempotent re-claim: keep the original start and refresh the lease.
		detail = DetailClaimedRefresh
		state.StartedAt = existing.StartedAt
		state.Attempt = existing.Attempt
		state.HeadSHA = existing.HeadSHA
		state.CheckpointSHA = existing.CheckpointSHA
		if state.Branch == "" {
			state.Branch = existing.Branch
		}
		for k, v := range existing.Metadata {
			if state.Metadata == nil {
				state.Metadata = make(map[string]string)
			}
			if _, set := state.Metadata[k]; !set {
				state.Metadata[k] = v
			}
		}
	}

	lease := time.Duration(ClampLease(p.LeaseSeconds)) * time.Second
	state.LeaseExpiresAt = now.Add(lease)
	state.LastHeartbeatAt = now
	state.UpdatedAt = now

	c.states[p.TaskID] = state
	c.save()

	out := *state
	return ClaimResult{Claimed: true, Detail: detail, State: &out}, nil
}

// Update implements Coordinator.
func (c *LocalCoordinator) Update(_ context.Context, taskID, runID, workerID string, patch UpdatePatch, leaseSeconds int, requireOwner bool) (UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[taskID]
	if !ok {
		return UpdateResult{OK: false, Detail: DetailRunStateNotFound}, errors.ErrRunStateNotFound
	}

	now := c.now()
	if requireOwner && state.Active(now) && !state.OwnedBy(runID, workerID) {
		snapshot := *state
		return UpdateResult{OK: false, Detail: DetailOwnerMismatch, State: &snapshot}, nil
	}

	applyPatch(state, patch, now, leaseSeconds)
	c.save()

	snapshot := *state
	return UpdateResult{OK: true, Detail: DetailUpdated, State: &snapshot}, nil
}

// Heartbeat implements Coordinator.
func (c *LocalCoordinator) Heartbeat(ctx context.Context, taskID, runID, workerID string, leaseSeconds int) error {
	res, err := c.Update(ctx, taskID, runID, workerID, UpdatePatch{Status: StringPtr(StatusRunning)}, leaseSeconds, true)
	if err != nil {
		return err
	}
	if !res.OK {
		return errors.ErrNotLeaseOwner
	}
	return nil
}

// Get implements Coordinator.
func (c *LocalCoordinator) Get(_ context.Context, taskID string) (*RunState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[taskID]
	if !ok {
		return nil, errors.ErrRunStateNotFound
	}
	snapshot := *state
	return &snapshot, nil
}

// Close implements Coordinator.
func (c *LocalCoordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.save()
	return nil
}

// load reads the spill file. Caller holds the lock or is the constructor.
func (c *LocalCoordinator) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("failed to read lease state file", "path", c.path, "error", err)
		}
		return
	}
	var states map[string]*RunState
	if err := json.Unmarshal(data, &states); err != nil {
		c.logger.Warn("discarding corrupt lease state file", "path", c.path, "error", err)
		return
	}
	c.states = states
}

// save writes the spill file best-effort. Caller holds the lock.
func (c *LocalCoordinator) save() {
	if c.path == "" {
		return
	}
	data, err := json.MarshalIndent(c.states, "", "  ")
	if err != nil {
		c.logger.Warn("failed to encode lease state", "error", err)
		return
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		c.logger.Warn("failed to write lease state file", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		c.logger.Warn("failed to replace lease state file", "path", c.path, "error", err)
	}
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
