package monitor

import (
	"testing"
	"time"

	"github.com/fleetworks/fleet/internal/config"
	"github.com/fleetworks/fleet/internal/store"
)

func monitorCfg() config.MonitorConfig {
	return config.Default().Monitor
}

func pendingTask(id string, wait time.Duration, now time.Time) store.Task {
	return store.Task{ID: id, Status: store.StatusPending, CreatedAt: now.Add(-wait)}
}

func runningTask(id string, sinceUpdate time.Duration, now time.Time) store.Task {
	return store.Task{ID: id, Status: store.StatusRunning, UpdatedAt: now.Add(-sinceUpdate)}
}

func TestRuleNoTaskRunning(t *testing.T) {
	now := time.Now()
	cfg := monitorCfg()

	tests := []struct {
		name         string
		pending      []store.Task
		running      []store.Task
		wantFire     bool
		wantSeverity string
	}{
		{
			name:     "quiet fleet",
			wantFire: false,
		},
		{
			name:     "pending below threshold",
			pending:  []store.Task{pendingTask("p1", 60*time.Second, now)},
			wantFire: false,
		},
		{
			name:         "pending past threshold with nothing running",
			pending:      []store.Task{pendingTask("p1", 200*time.Second, now)},
			wantFire:     true,
			wantSeverity: SeverityWarning,
		},
		{
			name:         "pending past stuck threshold escalates",
			pending:      []store.Task{pendingTask("p1", 700*time.Second, now)},
			wantFire:     true,
			wantSeverity: SeverityCritical,
		},
		{
			// The rule must never fire while anything is running, no matter
			// how long the pending wait is.
			name:     "never fires while running",
			pending:  []store.Task{pendingTask("p1", time.Hour, now)},
			running:  []store.Task{runningTask("r1", time.Minute, now)},
			wantFire: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := &Snapshot{Now: now, Pending: tt.pending, Running: tt.running, StoreReachable: true}
			issue := ruleNoTaskRunning(snap, cfg)
			if (issue != nil) != tt.wantFire {
				t.Fatalf("fired = %v, want %v", issue != nil, tt.wantFire)
			}
			if issue != nil && issue.Severity != tt.wantSeverity {
				t.Errorf("severity = %s, want %s", issue.Severity, tt.wantSeverity)
			}
		})
	}
}

func TestRuleLowCoverage(t *testing.T) {
	now := time.Now()
	cfg := monitorCfg() // min_concurrent_when_pending = 2

	snap := &Snapshot{
		Now:     now,
		Pending: []store.Task{pendingTask("p1", time.Minute, now)},
		Running: []store.Task{runningTask("r1", time.Minute, now)},
	}
	if issue := ruleLowCoverage(snap, cfg); issue == nil {
		t.Fatal("one running with pending work should flag low coverage")
	}

	snap.Running = append(snap.Running, runningTask("r2", time.Minute, now))
	if issue := ruleLowCoverage(snap, cfg); issue != nil {
		t.Fatal("coverage at the minimum must not flag")
	}

	// No pending work means no coverage expectation at all.
	snap.Pending = nil
	snap.Running = snap.Running[:1]
	if issue := ruleLowCoverage(snap, cfg); issue != nil {
		t.Fatal("flagged with an empty queue")
	}
}

func TestRuleRepeatedFailures(t *testing.T) {
	cfg := monitorCfg() // consecutive_failures = 3
	now := time.Now()

	failed := func(id string) store.Task {
		return store.Task{ID: id, Status: store.StatusFailed, UpdatedAt: now}
	}
	completed := func(id string) store.Task {
		return store.Task{ID: id, Status: store.StatusCompleted, UpdatedAt: now}
	}

	snap := &Snapshot{Now: now, Recent: []store.Task{failed("f1"), failed("f2"), completed("c1"), failed("f3")}}
	if issue := ruleRepeatedFailures(snap, cfg); issue != nil {
		t.Fatal("a success inside the streak must reset the count")
	}

	snap.Recent = []store.Task{failed("f1"), failed("f2"), failed("f3"), completed("c1")}
	issue := ruleRepeatedFailures(snap, cfg)
	if issue == nil {
		t.Fatal("three consecutive failures should fire")
	}
	if issue.Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", issue.Severity)
	}
}

func TestRuleLowSuccessRate(t *testing.T) {
	cfg := monitorCfg() // floor 0.80, min sample 5
	now := time.Now()

	mix := func(completed, failed int) []store.Task {
		var out []store.Task
		for i := 0; i < completed; i++ {
			out = append(out, store.Task{Status: store.StatusCompleted, UpdatedAt: now})
		}
		for i := 0; i < failed; i++ {
			out = append(out, store.Task{Status: store.StatusFailed, UpdatedAt: now})
		}
		return out
	}

	if issue := ruleLowSuccessRate(&Snapshot{Now: now, Recent: mix(2, 2)}, cfg); issue != nil {
		t.Fatal("fired below the minimum sample size")
	}
	if issue := ruleLowSuccessRate(&Snapshot{Now: now, Recent: mix(3, 3)}, cfg); issue == nil {
		t.Fatal("50% over a full sample should fire")
	}
	if issue := ruleLowSuccessRate(&Snapshot{Now: now, Recent: mix(9, 1)}, cfg); issue != nil {
		t.Fatal("90% must not fire")
	}
}

func TestRuleOrphanRunning(t *testing.T) {
	cfg := monitorCfg() // orphan_running_seconds = 7200
	now := time.Now()

	snap := &Snapshot{Now: now, Running: []store.Task{runningTask("r1", time.Hour, now)}}
	if issue := ruleOrphanRunning(snap, cfg); issue != nil {
		t.Fatal("an hour of running is not an orphan")
	}

	snap.Running = []store.Task{runningTask("r1", 3*time.Hour, now)}
	issue := ruleOrphanRunning(snap, cfg)
	if issue == nil {
		t.Fatal("three hours without an update should fire")
	}
	if issue.Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", issue.Severity)
	}
}

func TestRuleStaleVersion(t *testing.T) {
	cfg := monitorCfg()

	snap := &Snapshot{DeployedRevision: "abc1234", RecordedRevision: "abc1234"}
	if issue := ruleStaleVersion(snap, cfg); issue != nil {
		t.Fatal("matching revisions must not fire")
	}

	snap.RecordedRevision = ""
	if issue := ruleStaleVersion(snap, cfg); issue != nil {
		t.Fatal("first cycle has no recorded revision and must not fire")
	}

	snap.RecordedRevision = "def5678"
	if issue := ruleStaleVersion(snap, cfg); issue == nil {
		t.Fatal("differing revisions should fire")
	}
}

func TestRuleNeedsDecision(t *testing.T) {
	cfg := monitorCfg()
	snap := &Snapshot{NeedsDecision: []store.Task{{ID: "d1", Status: store.StatusNeedsDecision}}}
	if issue := ruleNeedsDecision(snap, cfg); issue == nil {
		t.Fatal("blocked decision should fire")
	}
	if issue := ruleNeedsDecision(&Snapshot{}, cfg); issue != nil {
		t.Fatal("fired with no blocked tasks")
	}
}

func TestDiffResolved(t *testing.T) {
	now := time.Now()
	prev := []Issue{
		{ID: "1", Condition: CondNoTaskRunning},
		{ID: "2", Condition: CondOrphanRunning},
	}
	current := []Issue{{ID: "3", Condition: CondOrphanRunning}}

	resolved := diffResolved(prev, current, now)
	if len(resolved) != 1 {
		t.Fatalf("resolved = %d issues, want 1", len(resolved))
	}
	if resolved[0].Condition != CondNoTaskRunning {
		t.Errorf("resolved condition = %s", resolved[0].Condition)
	}
	if resolved[0].ResolvedAt == nil || !resolved[0].ResolvedAt.Equal(now) {
		t.Error("resolved_at not stamped")
	}
}

func TestSortIssuesBySeverity(t *testing.T) {
	issues := []Issue{
		{Condition: "b", Severity: SeverityInfo, Priority: priorityFor(SeverityInfo)},
		{Condition: "a", Severity: SeverityCritical, Priority: priorityFor(SeverityCritical)},
		{Condition: "c", Severity: SeverityWarning, Priority: priorityFor(SeverityWarning)},
	}
	sortIssues(issues)
	if issues[0].Severity != SeverityCritical || issues[2].Severity != SeverityInfo {
		t.Errorf("order = %s, %s, %s", issues[0].Severity, issues[1].Severity, issues[2].Severity)
	}
}
