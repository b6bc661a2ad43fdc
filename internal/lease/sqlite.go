package lease

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fleetworks/fleet/internal/errors"
	"github.com/fleetworks/fleet/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS run_states (
	task_id           TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL,
	worker_id         TEXT NOT NULL,
	status            TEXT NOT NULL,
	attempt           INTEGER NOT NULL DEFAULT 0,
	branch            TEXT NOT NULL DEFAULT '',
	repo_path         TEXT NOT NULL DEFAULT '',
	head_sha          TEXT NOT NULL DEFAULT '',
	checkpoint_sha    TEXT NOT NULL DEFAULT '',
	failure_class     TEXT NOT NULL DEFAULT '',
	next_action       TEXT NOT NULL DEFAULT '',
	metadata          TEXT NOT NULL DEFAULT '{}',
	lease_expires_at  TIMESTAMP NOT NULL,
	last_heartbeat_at TIMESTAMP NOT NULL,
	started_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL,
	completed_at      TIMESTAMP
);
`

// SQLiteCoordinator is the durable lease backend: RunStates live in a
// shared SQLite database file so every worker process with access to the
// file observes the same ownership records. Claims run inside immediate
// transactions, which serializes competing claims through SQLite's write
// lock.
//
// Unlike the local backend, connectivity errors here propagate to the
// caller so it can decide whether to skip the task.
type SQLiteCoordinator struct {
	db     *sql.DB
	now    func() time.Time
	logger *logging.Logger
}

// NewSQLiteCoordinator opens (creating if needed) the shared database file.
func NewSQLiteCoordinator(path string, logger *logging.Logger) (*SQLiteCoordinator, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lease directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open lease database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize lease schema: %w", err)
	}

	return &SQLiteCoordinator{
		db:     db,
		now:    time.Now,
		logger: logger.WithComponent("lease"),
	}, nil
}

// SetNowFunc overrides the clock. Tests use this to control lease expiry.
func (c *SQLiteCoordinator) SetNowFunc(now func() time.Time) {
	c.now = now
}

// Claim implements Coordinator.
func (c *SQLiteCoordinator) Claim(ctx context.Context, p ClaimParams) (ClaimResult, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return ClaimResult{}, errors.NewLeaseError(p.TaskID, "begin claim transaction", err)
	}
	defer tx.Rollback()

	now := c.now()
	existing, err := scanRunState(tx.QueryRowContext(ctx, selectByTask, p.TaskID))
	if err != nil && !errors.Is(err, errors.ErrRunStateNotFound) {
		return ClaimResult{}, errors.NewLeaseError(p.TaskID, "read run state", err)
	}

	if existing != nil && existing.Active(now) && !existing.OwnedBy(p.RunID, p.WorkerID) {
		return ClaimResult{Claimed: false, Detail: DetailOwnedByOther, Owner: existing}, nil
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
	if existing != nil && existing.OwnedBy(p.RunID, p.WorkerID) && existing.Active(now) {
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

	if err := upsertRunState(ctx, tx, state); err != nil {
		return ClaimResult{}, errors.NewLeaseError(p.TaskID, "write run state", err)
	}
	if err := tx.Commit(); err != nil {
		return ClaimResult{}, errors.NewLeaseError(p.TaskID, "commit claim", err)
	}

	return ClaimResult{Claimed: true, Detail: detail, State: state}, nil
}

// Update implements Coordinator.
func (c *SQLiteCoordinator) Update(ctx context.Context, taskID, runID, workerID string, patch UpdatePatch, leaseSeconds int, requireOwner bool) (UpdateResult, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return UpdateResult{}, errors.NewLeaseError(taskID, "begin update transaction", err)
	}
	defer tx.Rollback()

	state, err := scanRunState(tx.QueryRowContext(ctx, selectByTask, taskID))
	if err != nil {
		if errors.Is(err, errors.ErrRunStateNotFound) {
			return UpdateResult{OK: false, Detail: DetailRunStateNotFound}, err
		}
		return UpdateResult{}, errors.NewLeaseError(taskID, "read run state", err)
	}

	now := c.now()
	if requireOwner && state.Active(now) && !state.OwnedBy(runID, workerID) {
		return UpdateResult{OK: false, Detail: DetailOwnerMismatch, State: state}, nil
	}

	applyPatch(state, patch, now, leaseSeconds)

	if err := upsertRunState(ctx, tx, state); err != nil {
		return UpdateResult{}, errors.NewLeaseError(taskID, "write run state", err)
	}
	if err := tx.Commit(); err != nil {
		return UpdateResult{}, errors.NewLeaseError(taskID, "commit update", err)
	}

	return UpdateResult{OK: true, Detail: DetailUpdated, State: state}, nil
}

// Heartbeat implements Coordinator.
func (c *SQLiteCoordinator) Heartbeat(ctx context.Context, taskID, runID, workerID string, leaseSeconds int) error {
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
func (c *SQLiteCoordinator) Get(ctx context.Context, taskID string) (*RunState, error) {
	return scanRunState(c.db.QueryRowContext(ctx, selectByTask, taskID))
}

// Close implements Coordinator.
func (c *SQLiteCoordinator) Close() error {
	return c.db.Close()
}

const selectByTask = `
SELECT task_id, run_id, worker_id, status, attempt, branch, repo_path,
       head_sha, checkpoint_sha, failure_class, next_action, metadata,
       lease_expires_at, last_heartbeat_at, started_at, updated_at, completed_at
FROM run_states WHERE task_id = ?`

const upsertStmt = `
INSERT INTO run_states (
	task_id, run_id, worker_id, status, attempt, branch, repo_path,
	head_sha, checkpoint_sha, failure_class, next_action, metadata,
	lease_expires_at, last_heartbeat_at, started_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	run_id = excluded.run_id,
	worker_id = excluded.worker_id,
	status = excluded.status,
	attempt = excluded.attempt,
	branch = excluded.branch,
	repo_path = excluded.repo_path,
	head_sha = excluded.head_sha,
	checkpoint_sha = excluded.checkpoint_sha,
	failure_class = excluded.failure_class,
	next_action = excluded.next_action,
	metadata = excluded.metadata,
	lease_expires_at = excluded.lease_expires_at,
	last_heartbeat_at = excluded.last_heartbeat_at,
	started_at = excluded.started_at,
	updated_at = excluded.updated_at,
	completed_at = excluded.completed_at`

func upsertRunState(ctx context.Context, tx *sql.Tx, r *RunState) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return err
	}
	var completedAt sql.NullTime
	if r.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *r.CompletedAt, Valid: true}
	}
	_, err = tx.ExecContext(ctx, upsertStmt,
		r.TaskID, r.RunID, r.WorkerID, r.Status, r.Attempt, r.Branch, r.RepoPath,
		r.HeadSHA, r.CheckpointSHA, r.FailureClass, r.NextAction, string(meta),
		r.LeaseExpiresAt, r.LastHeartbeatAt, r.StartedAt, r.UpdatedAt, completedAt,
	)
	return err
}

// scanRunState reads one row into a RunState.
func scanRunState(row *sql.Row) (*RunState, error) {
	var (
		r           RunState
		meta        string
		completedAt sql.NullTime
	)
	err := row.Scan(
		&r.TaskID, &r.RunID, &r.WorkerID, &r.Status, &r.Attempt, &r.Branch, &r.RepoPath,
		&r.HeadSHA, &r.CheckpointSHA, &r.FailureClass, &r.NextAction, &meta,
		&r.LeaseExpiresAt, &r.LastHeartbeatAt, &r.StartedAt, &r.UpdatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrRunStateNotFound
		}
		return nil, err
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for task %s: %w", r.TaskID, err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}
