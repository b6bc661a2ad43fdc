package phases

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Phase is one step of the per-item pipeline.
type Phase string

const (
	PhaseSpec   Phase = "spec"
	PhaseImpl   Phase = "impl"
	PhaseTest   Phase = "test"
	PhaseReview Phase = "review"
)

// nextPhase returns the successor phase, or "" past review.
func nextPhase(p Phase) Phase {
	switch p {
	case PhaseSpec:
		return PhaseImpl
	case PhaseImpl:
		return PhaseTest
	case PhaseTest:
		return PhaseReview
	default:
		return ""
	}
}

// ItemState tracks one backlog item's position in the pipeline.
type ItemState struct {
	BacklogIndex int    `json:"backlog_index"`
	Phase        Phase  `json:"phase"`
	TaskID       string `json:"task_id"`
	Iteration    int    `json:"iteration"`
	Blocked      bool   `json:"blocked"`
}

// State is the orchestrator's persisted position. Serial mode uses Current;
// parallel mode uses InFlight. Both share the backlog cursor.
type State struct {
	Current        *ItemState  `json:"current,omitempty"`
	InFlight       []ItemState `json:"in_flight,omitempty"`
	NextBacklogIdx int         `json:"next_backlog_idx"`
	PausedSince    *time.Time  `json:"paused_since,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// loadState reads persisted state; an absent file starts fresh, a corrupt
// file is an error since silently restarting from index zero would recreate
// finished work.
func loadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &State{}, nil
	}
	if err != nil {
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func saveState(path string, s *State) error {
	s.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
