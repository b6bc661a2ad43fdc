package phases

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fleetworks/fleet/internal/config"
	"github.com/fleetworks/fleet/internal/store"
	"github.com/fleetworks/fleet/internal/testutil"
)

func testConfig(t *testing.T) config.PhasesConfig {
	t.Helper()
	cfg := config.Default().Phases
	cfg.StatePath = filepath.Join(t.TempDir(), "phases.json")
	cfg.TestCommand = "" // review gate test run passes unless overridden
	return cfg
}

func newTestOrchestrator(t *testing.T, srv *testutil.StoreServer, cfg config.PhasesConfig, backlog Backlog) *Orchestrator {
	t.Helper()
	o, err := New(srv.Client(), cfg, backlog, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

// finishTask marks a stored task terminal with the given output, as a
// worker would.
func finishTask(srv *testutil.StoreServer, id string, status store.Status, output string) {
	task := srv.Task(id)
	task.Status = status
	task.Output = output
	srv.AddTask(*task)
}

func tick(t *testing.T, o *Orchestrator) bool {
	t.Helper()
	done, err := o.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	return done
}

func TestSerialItemWalksAllPhases(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()

	o := newTestOrchestrator(t, srv, testConfig(t), SliceBacklog{"add a widget"})

	wantPhases := []struct {
		phase    Phase
		taskType store.TaskType
	}{
		{PhaseSpec, store.TypeSpec},
		{PhaseImpl, store.TypeImpl},
		{PhaseTest, store.TypeTest},
		{PhaseReview, store.TypeReview},
	}

	for i, want := range wantPhases {
		if done := tick(t, o); done {
			t.Fatalf("done before phase %s", want.phase)
		}
		item := o.State().Current
		if item == nil || item.Phase != want.phase {
			t.Fatalf("step %d: current = %+v, want phase %s", i, item, want.phase)
		}
		task := srv.Task(item.TaskID)
		if task.TaskType != want.taskType {
			t.Errorf("phase %s created task type %s", want.phase, task.TaskType)
		}
		finishTask(srv, item.TaskID, store.StatusCompleted, "detailed phase output here\nPASS")
	}

	if done := tick(t, o); !done {
		t.Fatal("orchestrator not done after review passed")
	}
	if o.State().Current != nil {
		t.Error("current item not cleared after completion")
	}
}

func TestFailedPhaseLoopsBackToImpl(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()

	o := newTestOrchestrator(t, srv, testConfig(t), SliceBacklog{"fix the flake"})
	tick(t, o) // spec created

	specID := o.State().Current.TaskID
	finishTask(srv, specID, store.StatusCompleted, "spec output\nready to implement")
	tick(t, o) // impl created

	implID := o.State().Current.TaskID
	finishTask(srv, implID, store.StatusFailed, "compile error: undefined symbol")
	tick(t, o) // rework impl created

	item := o.State().Current
	if item.Phase != PhaseImpl || item.Iteration != 1 {
		t.Fatalf("after failure: phase=%s iteration=%d, want impl/1", item.Phase, item.Iteration)
	}
	rework := srv.Task(item.TaskID)
	if rework.ID == implID {
		t.Fatal("no new task created for the rework")
	}
	if !strings.Contains(rework.Direction, "compile error: undefined symbol") {
		t.Error("prior failure output not folded into the rework direction")
	}
	if !strings.Contains(rework.Direction, "rework iteration 1") {
		t.Error("iteration note missing from rework direction")
	}
}

func TestFoldedFailureOutputTruncated(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()

	o := newTestOrchestrator(t, srv, testConfig(t), SliceBacklog{"noisy item"})
	tick(t, o)
	finishTask(srv, o.State().Current.TaskID, store.StatusCompleted, "spec done, proceed")
	tick(t, o)

	finishTask(srv, o.State().Current.TaskID, store.StatusFailed, strings.Repeat("x", 10000))
	tick(t, o)

	rework := srv.Task(o.State().Current.TaskID)
	if len(rework.Direction) > foldedFailureLimit+500 {
		t.Errorf("rework direction is %d chars; folded output not truncated", len(rework.Direction))
	}
	if !strings.Contains(rework.Direction, "[truncated]") {
		t.Error("truncation marker missing")
	}
}

func TestReviewGateRequiresPassingTests(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()

	o := newTestOrchestrator(t, srv, testConfig(t), SliceBacklog{"gated item"})
	o.SetTestRunner(func(context.Context) error { return fmt.Errorf("2 tests failing") })

	for _, phase := range []Phase{PhaseSpec, PhaseImpl, PhaseTest, PhaseReview} {
		tick(t, o)
		if got := o.State().Current.Phase; got != phase {
			t.Fatalf("phase = %s, want %s", got, phase)
		}
		finishTask(srv, o.State().Current.TaskID, store.StatusCompleted, "work output is long enough\nPASS")
	}

	// Review completed with a positive verdict, but the test run failed: the
	// item must re-enter the impl loop instead of finishing.
	if done := tick(t, o); done {
		t.Fatal("item finished despite failing tests")
	}
	item := o.State().Current
	if item.Phase != PhaseImpl || item.Iteration != 1 {
		t.Fatalf("after gate failure: phase=%s iteration=%d, want impl/1", item.Phase, item.Iteration)
	}
	if !strings.Contains(srv.Task(item.TaskID).Direction, "automated test run failed") {
		t.Error("test failure not folded into the rework direction")
	}
}

func TestReviewGateRequiresPositiveVerdict(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()

	o := newTestOrchestrator(t, srv, testConfig(t), SliceBacklog{"reviewed item"})

	for range []int{0, 1, 2, 3} {
		tick(t, o)
		finishTask(srv, o.State().Current.TaskID, store.StatusCompleted, "phase output\nall good so far")
	}
	// The last finishTask above gave the review task an inconclusive output.
	if done := tick(t, o); done {
		t.Fatal("item finished on an inconclusive review")
	}
	if got := o.State().Current.Phase; got != PhaseImpl {
		t.Fatalf("phase = %s, want impl rework", got)
	}
}

func TestForceAdvancePastIterationBound(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()

	cfg := testConfig(t)
	cfg.MaxIterations = 1
	o := newTestOrchestrator(t, srv, cfg, SliceBacklog{"unfixable item"})

	tick(t, o)
	finishTask(srv, o.State().Current.TaskID, store.StatusCompleted, "spec complete, handing off")
	tick(t, o)

	finishTask(srv, o.State().Current.TaskID, store.StatusFailed, "first failure")
	tick(t, o) // iteration 1, still under the bound

	finishTask(srv, o.State().Current.TaskID, store.StatusFailed, "second failure")
	if done := tick(t, o); !done {
		t.Fatal("item not force-advanced past the iteration bound")
	}
}

func TestDecisionPauseAndAutoSkip(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()

	blocked := srv.AddTask(store.Task{
		Status:    store.StatusNeedsDecision,
		Direction: "stuck delivery",
	})

	cfg := testConfig(t)
	cfg.DecisionSkipSeconds = 300
	o := newTestOrchestrator(t, srv, cfg, SliceBacklog{"waiting item"})

	base := time.Now()
	o.SetNowFunc(func() time.Time { return base })

	if done := tick(t, o); done {
		t.Fatal("done while paused")
	}
	if o.State().PausedSince == nil {
		t.Fatal("pause not recorded")
	}
	if o.State().Current != nil {
		t.Fatal("task created while paused")
	}

	// Still inside the skip window: stays paused.
	o.SetNowFunc(func() time.Time { return base.Add(2 * time.Minute) })
	tick(t, o)
	if o.State().Current != nil {
		t.Fatal("resumed before the skip timeout")
	}

	// Past the window: the orchestrator skips the stuck decision and moves on.
	o.SetNowFunc(func() time.Time { return base.Add(6 * time.Minute) })
	tick(t, o)
	if o.State().PausedSince != nil {
		t.Error("pause not cleared after skip")
	}
	if o.State().Current == nil {
		t.Fatal("no task started after skipping the decision")
	}
	if got := srv.Task(blocked.ID).Status; got != store.StatusNeedsDecision {
		t.Errorf("blocked task status = %s; the skip must not touch it", got)
	}
}

func TestParallelKeepsSpecBufferFull(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Parallel = true
	cfg.SpecBuffer = 2
	o := newTestOrchestrator(t, srv, cfg, SliceBacklog{"one", "two", "three"})

	tick(t, o)
	if got := len(o.State().InFlight); got != 2 {
		t.Fatalf("in flight = %d, want 2 buffered specs", got)
	}
	for _, item := range o.State().InFlight {
		if item.Phase != PhaseSpec {
			t.Errorf("buffered item in phase %s", item.Phase)
		}
	}

	// One spec finishes: its item advances to impl and the buffer refills
	// from the backlog.
	finishTask(srv, o.State().InFlight[0].TaskID, store.StatusCompleted, "spec written, proceed")
	tick(t, o)

	var specs, impls int
	for _, item := range o.State().InFlight {
		switch item.Phase {
		case PhaseSpec:
			specs++
		case PhaseImpl:
			impls++
		}
	}
	if specs != 2 || impls != 1 {
		t.Errorf("in flight = %d specs, %d impls; want 2 and 1", specs, impls)
	}
	if o.State().NextBacklogIdx != 3 {
		t.Errorf("backlog cursor = %d, want 3", o.State().NextBacklogIdx)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()

	cfg := testConfig(t)
	o := newTestOrchestrator(t, srv, cfg, SliceBacklog{"persisted item", "later item"})
	tick(t, o)
	taskID := o.State().Current.TaskID

	restarted := newTestOrchestrator(t, srv, cfg, SliceBacklog{"persisted item", "later item"})
	state := restarted.State()
	if state.Current == nil || state.Current.TaskID != taskID {
		t.Fatalf("restarted state = %+v, want current task %s", state.Current, taskID)
	}
	if state.NextBacklogIdx != 1 {
		t.Errorf("backlog cursor = %d, want 1", state.NextBacklogIdx)
	}
}

func TestCorruptStateRefusesToStart(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()

	cfg := testConfig(t)
	if err := os.WriteFile(cfg.StatePath, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(srv.Client(), cfg, SliceBacklog{"item"}, nil); err == nil {
		t.Fatal("New() accepted a corrupt state file")
	}
}

func TestLoadBacklog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backlog.yaml")
	content := "- add retries to the fetcher\n- paginate the list endpoint\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	backlog, err := LoadBacklog(path)
	if err != nil {
		t.Fatalf("LoadBacklog() error = %v", err)
	}
	if backlog.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", backlog.Len())
	}
	if got := backlog.Item(1); got != "paginate the list endpoint" {
		t.Errorf("Item(1) = %q", got)
	}

	if _, err := LoadBacklog(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing backlog file should error")
	}
}
