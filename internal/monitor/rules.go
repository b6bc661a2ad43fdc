package monitor

import (
	"fmt"
	"time"

	"github.com/fleetworks/fleet/internal/config"
	"github.com/fleetworks/fleet/internal/store"
)

// Snapshot is the aggregate state one monitor cycle evaluates. All rules
// read the same snapshot so a cycle is internally consistent.
type Snapshot struct {
	Now              time.Time
	Pending          []store.Task
	Running          []store.Task
	NeedsDecision    []store.Task
	Recent           []store.Task // recently finalized, newest first
	DeployedRevision string
	RecordedRevision string // revision at last successful check; "" first cycle
	StoreReachable   bool
}

// SuccessRate returns the completed ratio over the recent sample.
func (s *Snapshot) SuccessRate() (rate float64, sample int) {
	for _, t := range s.Recent {
		switch t.Status {
		case store.StatusCompleted, store.StatusFailed:
			sample++
		}
	}
	if sample == 0 {
		return 1, 0
	}
	completed := 0
	for _, t := range s.Recent {
		if t.Status == store.StatusCompleted {
			completed++
		}
	}
	return float64(completed) / float64(sample), sample
}

// ConsecutiveFailures counts failures at the head of the recent list.
func (s *Snapshot) ConsecutiveFailures() int {
	n := 0
	for _, t := range s.Recent {
		switch t.Status {
		case store.StatusFailed:
			n++
		case store.StatusCompleted:
			return n
		}
	}
	return n
}

// MaxPendingWait returns the longest pending wait in the snapshot.
func (s *Snapshot) MaxPendingWait() time.Duration {
	var max time.Duration
	for _, t := range s.Pending {
		if wait := t.PendingWait(s.Now); wait > max {
			max = wait
		}
	}
	return max
}

// rule evaluates one condition against a snapshot, returning zero or one
// issue.
type rule func(s *Snapshot, cfg config.MonitorConfig) *Issue

// rules in evaluation order. Order does not affect the ranked output; the
// issue list is sorted by severity afterwards.
var rules = []rule{
	ruleStaleVersion,
	ruleNoTaskRunning,
	ruleLowCoverage,
	ruleRepeatedFailures,
	ruleLowSuccessRate,
	ruleOrphanRunning,
	ruleNeedsDecision,
}

func ruleStaleVersion(s *Snapshot, _ config.MonitorConfig) *Issue {
	if s.RecordedRevision == "" || s.DeployedRevision == s.RecordedRevision {
		return nil
	}
	return &Issue{
		Condition: CondStaleVersion,
		Severity:  SeverityWarning,
		Message: fmt.Sprintf("deployed revision %s differs from last checked revision %s",
			s.DeployedRevision, s.RecordedRevision),
		SuggestedAction: "restart fleet processes to pick up the new revision",
	}
}

func ruleNoTaskRunning(s *Snapshot, cfg config.MonitorConfig) *Issue {
	if len(s.Pending) == 0 || len(s.Running) > 0 {
		return nil
	}
	wait := s.MaxPendingWait()
	threshold := time.Duration(cfg.NoTaskRunningSeconds) * time.Second
	if wait < threshold {
		return nil
	}

	severity := SeverityWarning
	stuck := time.Duration(cfg.StuckSeconds) * time.Second
	if wait >= stuck {
		severity = SeverityCritical
	}
	return &Issue{
		Condition: CondNoTaskRunning,
		Severity:  severity,
		Message: fmt.Sprintf("%d pending task(s), nothing running, longest wait %s",
			len(s.Pending), wait.Round(time.Second)),
		SuggestedAction: "check that worker processes are alive and polling; verify lease backend reachability",
	}
}

func ruleLowCoverage(s *Snapshot, cfg config.MonitorConfig) *Issue {
	if len(s.Pending) == 0 || len(s.Running) == 0 {
		return nil
	}
	if len(s.Running) >= cfg.MinConcurrentWhenPending {
		return nil
	}
	return &Issue{
		Condition: CondLowCoverage,
		Severity:  SeverityInfo,
		Message: fmt.Sprintf("%d task(s) running with %d pending; configured minimum parallelism is %d",
			len(s.Running), len(s.Pending), cfg.MinConcurrentWhenPending),
		SuggestedAction: "raise worker pool size or start more worker processes",
	}
}

func ruleRepeatedFailures(s *Snapshot, cfg config.MonitorConfig) *Issue {
	n := s.ConsecutiveFailures()
	if n < cfg.ConsecutiveFailures {
		return nil
	}
	return &Issue{
		Condition:       CondRepeatedFailures,
		Severity:        SeverityCritical,
		Message:         fmt.Sprintf("%d consecutive task failures", n),
		SuggestedAction: "inspect recent failure output; a heal task can triage the common cause",
	}
}

func ruleLowSuccessRate(s *Snapshot, cfg config.MonitorConfig) *Issue {
	rate, sample := s.SuccessRate()
	if sample < cfg.SuccessRateMinSample || rate >= cfg.SuccessRateFloor {
		return nil
	}
	return &Issue{
		Condition:       CondLowSuccessRate,
		Severity:        SeverityWarning,
		Message:         fmt.Sprintf("success rate %.0f%% over last %d tasks (floor %.0f%%)", rate*100, sample, cfg.SuccessRateFloor*100),
		SuggestedAction: "review failing task types; consider lowering concurrency or fixing the dominant failure class",
	}
}

func ruleOrphanRunning(s *Snapshot, cfg config.MonitorConfig) *Issue {
	limit := time.Duration(cfg.OrphanRunningSeconds) * time.Second
	for _, t := range s.Running {
		if s.Now.Sub(t.UpdatedAt) > limit {
			return &Issue{
				Condition: CondOrphanRunning,
				Severity:  SeverityCritical,
				Message: fmt.Sprintf("task %s has been running for over %s without an update",
					t.ID, limit),
				SuggestedAction: "force-fail the orphan so its lease frees and the task can be retried",
			}
		}
	}
	return nil
}

func ruleNeedsDecision(s *Snapshot, _ config.MonitorConfig) *Issue {
	if len(s.NeedsDecision) == 0 {
		return nil
	}
	return &Issue{
		Condition: CondNeedsDecision,
		Severity:  SeverityWarning,
		Message: fmt.Sprintf("%d task(s) awaiting a decision; no new tasks are created while blocked",
			len(s.NeedsDecision)),
		SuggestedAction: "resolve the pending decision(s) or let the decision timeout auto-fail them",
	}
}
