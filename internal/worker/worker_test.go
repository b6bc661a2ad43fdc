package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fleetworks/fleet/internal/cache"
	"github.com/fleetworks/fleet/internal/config"
	"github.com/fleetworks/fleet/internal/executor"
	"github.com/fleetworks/fleet/internal/lease"
	"github.com/fleetworks/fleet/internal/store"
	"github.com/fleetworks/fleet/internal/testutil"
	"github.com/fleetworks/fleet/internal/vcs"
)

type stubPR struct{}

func (stubPR) FindOpenPR(context.Context, string) (string, bool, error) { return "", false, nil }
func (stubPR) CreatePR(context.Context, string, string, string, string) (string, error) {
	return "https://example.test/pr/1", nil
}
func (stubPR) Checks(context.Context, string) (executor.ChecksState, error) {
	return executor.ChecksPassing, nil
}
func (stubPR) Merge(context.Context, string) error { return nil }

func newTestWorker(t *testing.T, srv *testutil.StoreServer) *Worker {
	t.Helper()

	coord, err := lease.NewLocalCoordinator("", nil)
	if err != nil {
		t.Fatalf("NewLocalCoordinator: %v", err)
	}
	t.Cleanup(func() { coord.Close() })

	cfg := config.Default()
	cfg.Worker.PoolSize = 4
	cfg.Worker.RepoPath = t.TempDir()
	cfg.Exec.MaxRetries = 0
	cfg.Exec.RetryCooldownSeconds = 0
	cfg.Exec.TimeoutsByType = nil
	cfg.PR.CheckPollAttempts = 1
	cfg.PR.CheckPollDelaySeconds = 0

	client := srv.Client()
	tel := store.NewTelemetryClient(client)
	guard := executor.NewGuard(cfg.Budget, tel, cache.SystemClock{}, nil)
	engine := executor.New(cfg, client, tel, coord, guard, stubPR{}, "w1", nil)
	engine.SetVCSFactory(func(string) vcs.Client { return vcs.NewFake("main") })

	return New(cfg, client, engine, nil, nil)
}

func TestRunOnceExecutesPendingTasks(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()

	first := srv.AddTask(store.Task{
		Direction: "do the first thing",
		TaskType:  store.TypeImpl,
		Command:   "echo the first task produced this output",
	})
	second := srv.AddTask(store.Task{
		Direction: "do the second thing",
		TaskType:  store.TypeTest,
		Command:   "echo the second task produced this output",
	})

	w := newTestWorker(t, srv)
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	for _, id := range []string{first.ID, second.ID} {
		if got := srv.Task(id).Status; got != store.StatusCompleted {
			t.Errorf("task %s status = %s, want completed", id, got)
		}
	}
	if got := len(srv.TasksByStatus(store.StatusPending)); got != 0 {
		t.Errorf("%d tasks still pending", got)
	}
}

func TestRunOnceFailsFastWhenStoreUnreachable(t *testing.T) {
	srv := testutil.NewStoreServer()
	w := newTestWorker(t, srv)
	srv.Close()

	if err := w.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() succeeded against a dead store")
	}
}

func TestDispatchSkipsTaskAlreadyInFlight(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()
	w := newTestWorker(t, srv)

	task := &store.Task{ID: "busy-task"}
	w.mu.Lock()
	w.inFlight[task.ID] = true
	w.mu.Unlock()

	if w.dispatch(context.Background(), task) {
		t.Error("dispatch re-started a task already in flight")
	}
}

func TestPRModeTasksRunOneAtATime(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()

	marker := filepath.Join(t.TempDir(), "order.log")
	for i := 0; i < 2; i++ {
		srv.AddTask(store.Task{
			Direction: fmt.Sprintf("pr change %d", i),
			TaskType:  store.TypeImpl,
			Context:   map[string]string{store.CtxPRMode: "true"},
			Command: fmt.Sprintf(
				"echo start-%d >> %s; sleep 0.2; echo end-%d >> %s; echo produced enough agent output",
				i, marker, i, marker),
		})
	}

	w := newTestWorker(t, srv)
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("marker file: %v", err)
	}
	lines := strings.Fields(string(data))
	if len(lines) != 4 {
		t.Fatalf("marker lines = %v, want 4 entries", lines)
	}
	// Serialized execution means each start is immediately followed by its
	// own end; interleaving would pair a start with the other task's marker.
	for i := 0; i < 4; i += 2 {
		start := strings.TrimPrefix(lines[i], "start-")
		end := strings.TrimPrefix(lines[i+1], "end-")
		if start != end {
			t.Fatalf("interleaved execution: %v", lines)
		}
	}
}
