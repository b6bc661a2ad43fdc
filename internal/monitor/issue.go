// Package monitor implements the pipeline monitor: each cycle it reads the
// fleet's aggregate state, evaluates independent detection rules, and
// produces a severity-ranked issue list plus a four-layer status report.
// In auto-fix and auto-recover modes it also acts on what it finds,
// creating heal tasks and force-failing orphans.
package monitor

import (
	"sort"
	"time"
)

// Condition tags, one per detection rule.
const (
	CondStaleVersion     = "stale_version"
	CondNoTaskRunning    = "no_task_running"
	CondLowCoverage      = "low_phase_coverage"
	CondRepeatedFailures = "repeated_failures"
	CondLowSuccessRate   = "low_success_rate"
	CondOrphanRunning    = "orphan_running"
	CondNeedsDecision    = "needs_decision_blocking"
)

// Severity levels, ordered.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// priorityFor derives a sort priority from severity; lower sorts first.
func priorityFor(severity string) int {
	switch severity {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

// Issue is one detected condition. The issue list is wholly replaced each
// cycle; ResolvedAt is only ever set on the previous cycle's records when
// their condition is no longer detected.
type Issue struct {
	ID              string     `json:"id"`
	Condition       string     `json:"condition"`
	Severity        string     `json:"severity"`
	Priority        int        `json:"priority"`
	Message         string     `json:"message"`
	SuggestedAction string     `json:"suggested_action"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// sortIssues orders by priority, then condition for stable output.
func sortIssues(issues []Issue) {
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Priority != issues[j].Priority {
			return issues[i].Priority < issues[j].Priority
		}
		return issues[i].Condition < issues[j].Condition
	})
}

// diffResolved returns the previous cycle's issues whose conditions are no
// longer present, stamped with resolvedAt. Used for effectiveness
// measurement.
func diffResolved(prev, current []Issue, resolvedAt time.Time) []Issue {
	active := make(map[string]bool, len(current))
	for _, issue := range current {
		active[issue.Condition] = true
	}

	var resolved []Issue
	for _, issue := range prev {
		if !active[issue.Condition] && issue.ResolvedAt == nil {
			t := resolvedAt
			issue.ResolvedAt = &t
			resolved = append(resolved, issue)
		}
	}
	return resolved
}
