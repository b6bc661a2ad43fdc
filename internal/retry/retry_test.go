package retry

import (
	"context"
	"testing"
	"time"

	"github.com/fleetworks/fleet/internal/errors"
	"github.com/fleetworks/fleet/internal/store"
	"github.com/fleetworks/fleet/internal/testutil"
)

func TestPolicyDecide(t *testing.T) {
	p := Policy{MaxRetries: 2, Cooldown: 30 * time.Second}

	tests := []struct {
		name  string
		class errors.FailureClass
		depth int
		want  bool
	}{
		{"success never retries", errors.ClassNone, 0, false},
		{"command failure retries", errors.ClassCommandFailed, 0, true},
		{"timeout retries", errors.ClassTimeout, 0, true},
		{"killed retries", errors.ClassKilled, 1, true},
		{"depth at limit stops", errors.ClassCommandFailed, 2, false},
		{"depth past limit stops", errors.ClassCommandFailed, 5, false},
		{"abort never retries", errors.ClassAborted, 0, false},
		{"usage limit goes through resume, not retry", errors.ClassUsageLimit, 0, false},
		{"validation never retries", errors.ClassValidation, 0, false},
		{"paid block never retries", errors.ClassPaidBlocked, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.class, tt.depth)
			if d.Retry != tt.want {
				t.Errorf("Decide(%s, %d).Retry = %v, want %v", tt.class, tt.depth, d.Retry, tt.want)
			}
			if d.Retry && d.Cooldown != p.Cooldown {
				t.Errorf("Cooldown = %v, want %v", d.Cooldown, p.Cooldown)
			}
		})
	}
}

func TestManagerTracksAttempts(t *testing.T) {
	m := NewManager()
	m.GetOrCreateState("t1", 2)

	m.RecordAttempt("t1", false)
	m.RecordAttempt("t1", false)
	m.SetLastError("t1", "command_failed")

	state := m.GetState("t1")
	if state.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", state.RetryCount)
	}
	if state.LastError != "command_failed" {
		t.Errorf("LastError = %q", state.LastError)
	}

	failed := m.FailedTasks()
	if len(failed) != 1 || failed[0] != "t1" {
		t.Errorf("FailedTasks() = %v, want [t1]", failed)
	}

	// A later success clears the task from the failed set.
	m.RecordAttempt("t1", true)
	if got := m.FailedTasks(); len(got) != 0 {
		t.Errorf("FailedTasks() after success = %v, want empty", got)
	}
}

type staticBacklog struct {
	direction string
	taskType  store.TaskType
}

func (b staticBacklog) NextDirection(context.Context) (string, store.TaskType, error) {
	return b.direction, b.taskType, nil
}

func TestContinuationSchedulesWhenQueueEmpty(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()

	c := NewContinuation(srv.Client(), staticBacklog{"improve docs", store.TypeImpl}, nil)
	task := c.MaybeSchedule(context.Background())
	if task == nil {
		t.Fatal("nothing scheduled on an empty queue")
	}
	if task.Direction != "improve docs" || task.TaskType != store.TypeImpl {
		t.Errorf("scheduled (%q, %s)", task.Direction, task.TaskType)
	}
}

func TestContinuationIdleWhileWorkRemains(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()
	srv.AddTask(store.Task{Direction: "open work", TaskType: store.TypeImpl})

	c := NewContinuation(srv.Client(), staticBacklog{"more work", store.TypeImpl}, nil)
	if task := c.MaybeSchedule(context.Background()); task != nil {
		t.Fatalf("scheduled %s while pending work exists", task.ID)
	}
}

func TestContinuationDisabledWithoutSource(t *testing.T) {
	srv := testutil.NewStoreServer()
	defer srv.Close()

	c := NewContinuation(srv.Client(), nil, nil)
	if task := c.MaybeSchedule(context.Background()); task != nil {
		t.Fatal("nil source must disable continuation")
	}
}
