package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

// Layer statuses.
const (
	LayerOK       = "ok"
	LayerDegraded = "degraded"
	LayerBlocked  = "blocked"
)

// Layer is one level of the hierarchical status report.
type Layer struct {
	Name    string `json:"name" yaml:"name"`
	Status  string `json:"status" yaml:"status"`
	Summary string `json:"summary" yaml:"summary"`
}

// Report is the twin machine/human status artifact produced every cycle:
// Goal (throughput/success proxy), Orchestration (worker liveness),
// Execution (API reachability), Attention (the issue list).
type Report struct {
	GeneratedAt   time.Time `json:"generated_at" yaml:"generated_at"`
	Goal          Layer     `json:"goal" yaml:"goal"`
	Orchestration Layer     `json:"orchestration" yaml:"orchestration"`
	Execution     Layer     `json:"execution" yaml:"execution"`
	Attention     Layer     `json:"attention" yaml:"attention"`
	Issues        []Issue   `json:"issues" yaml:"issues"`
	Resolved      []Issue   `json:"resolved_this_cycle,omitempty" yaml:"resolved_this_cycle,omitempty"`
}

// Layers returns the four layers in order.
func (r *Report) Layers() []Layer {
	return []Layer{r.Goal, r.Orchestration, r.Execution, r.Attention}
}

// buildReport derives the four layers from a snapshot and its issue list.
func buildReport(s *Snapshot, issues, resolved []Issue) *Report {
	r := &Report{GeneratedAt: s.Now, Issues: issues, Resolved: resolved}

	rate, sample := s.SuccessRate()
	r.Goal = Layer{Name: "goal", Status: LayerOK,
		Summary: fmt.Sprintf("success rate %.0f%% over last %d finalized tasks", rate*100, sample)}
	if sample > 0 && rate < 0.5 {
		r.Goal.Status = LayerDegraded
	}

	r.Orchestration = Layer{Name: "orchestration", Status: LayerOK,
		Summary: fmt.Sprintf("%d running, %d pending, %d awaiting decision",
			len(s.Running), len(s.Pending), len(s.NeedsDecision))}
	if len(s.Pending) > 0 && len(s.Running) == 0 {
		r.Orchestration.Status = LayerDegraded
	}
	if len(s.NeedsDecision) > 0 {
		r.Orchestration.Status = LayerBlocked
	}

	r.Execution = Layer{Name: "execution", Status: LayerOK, Summary: "task store reachable"}
	if !s.StoreReachable {
		r.Execution = Layer{Name: "execution", Status: LayerBlocked, Summary: "task store unreachable"}
	}

	r.Attention = Layer{Name: "attention", Status: LayerOK,
		Summary: fmt.Sprintf("%d open issue(s)", len(issues))}
	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			r.Attention.Status = LayerBlocked
			break
		}
		r.Attention.Status = LayerDegraded
	}

	return r
}

// Render returns the human digest of the report as a table.
func (r *Report) Render() string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Layer", "Status", "Summary"})
	for _, layer := range r.Layers() {
		t.AppendRow(table.Row{layer.Name, layer.Status, layer.Summary})
	}
	if len(r.Issues) > 0 {
		t.AppendSeparator()
		for _, issue := range r.Issues {
			t.AppendRow(table.Row{issue.Condition, issue.Severity, issue.Message})
		}
	}
	return t.Render()
}

// Artifact file names inside the monitor artifact directory.
const (
	issuesFile   = "issues.json"
	reportFile   = "report.json"
	reportHuman  = "report.yaml"
	resolvedFile = "resolved.json"
	revisionFile = "revision.txt"
)

// persistArtifacts replaces the issue list and both report twins, and
// appends resolved conditions to the effectiveness history.
func persistArtifacts(dir string, report *Report) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	if err := writeJSON(filepath.Join(dir, issuesFile), report.Issues); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, reportFile), report); err != nil {
		return err
	}

	human, err := yaml.Marshal(report)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, reportHuman), human, 0644); err != nil {
		return err
	}

	if len(report.Resolved) > 0 {
		if err := appendResolved(filepath.Join(dir, resolvedFile), report.Resolved); err != nil {
			return err
		}
	}
	return nil
}

// loadPreviousIssues reads the prior cycle's issue list; absent or corrupt
// files yield an empty list.
func loadPreviousIssues(dir string) []Issue {
	if dir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(dir, issuesFile))
	if err != nil {
		return nil
	}
	var issues []Issue
	if err := json.Unmarshal(data, &issues); err != nil {
		return nil
	}
	return issues
}

func appendResolved(path string, resolved []Issue) error {
	var history []Issue
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &history)
	}
	history = append(history, resolved...)
	return writeJSON(path, history)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
