// Package retry decides what happens after a terminal execution attempt:
// whether the engine re-runs the task, and what follow-up work the fleet
// derives once the queue drains. It also tracks per-task attempt history
// for debugging and for the monitor's failure-rate rules.
package retry

import (
	"time"

	"github.com/fleetworks/fleet/internal/errors"
)

// Policy is the retry decision function consulted by the execution engine
// after each terminal attempt.
type Policy struct {
	// MaxRetries bounds re-runs per task; depth counts completed attempts.
	MaxRetries int
	// Cooldown is the pause before a policy-driven re-run.
	Cooldown time.Duration
}

// Decision is the policy's answer for one attempt.
type Decision struct {
	Retry    bool
	Cooldown time.Duration
}

// Decide returns whether an attempt at the given depth should be re-run.
// Only retry-eligible failure classes qualify; resumable classes go through
// the checkpoint/re-queue path instead and successes stand as final.
func (p Policy) Decide(class errors.FailureClass, depth int) Decision {
	if class == errors.ClassNone {
		return Decision{}
	}
	if depth >= p.MaxRetries {
		return Decision{}
	}
	if !class.IsRetryable() {
		return Decision{}
	}
	return Decision{Retry: true, Cooldown: p.Cooldown}
}
