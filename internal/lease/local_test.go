package lease

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.json")
	clock := newFakeClock()

	first, err := NewLocalCoordinator(path, nil)
	if err != nil {
		t.Fatalf("NewLocalCoordinator: %v", err)
	}
	first.SetNowFunc(clock.Now)

	if _, err := first.Claim(context.Background(), claimParams("t1", "run-a", "w1")); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := NewLocalCoordinator(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	second.SetNowFunc(clock.Now)

	state, err := second.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if state.RunID != "run-a" || state.WorkerID != "w1" {
		t.Errorf("restored owner = (%s, %s), want (run-a, w1)", state.RunID, state.WorkerID)
	}
	if !state.Active(clock.Now()) {
		t.Error("restored lease should still be active")
	}
}

func TestLocalCorruptStateFileDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	coord, err := NewLocalCoordinator(path, nil)
	if err != nil {
		t.Fatalf("corrupt state file failed startup: %v", err)
	}
	defer coord.Close()

	// Fresh state: claims work as if nothing was persisted.
	res, err := coord.Claim(context.Background(), claimParams("t1", "run-a", "w1"))
	if err != nil || !res.Claimed {
		t.Fatalf("claim after corrupt discard = (%v, %v)", res.Claimed, err)
	}
}
