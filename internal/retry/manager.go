package retry

import (
	"sync"
)

// TaskState tracks attempts for a task.
type TaskState struct {
	TaskID     string `json:"task_id"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	Succeeded  bool   `json:"succeeded,omitempty"`
}

// Manager tracks retry state per task within one worker process.
// It is thread-safe and can be used concurrently.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*TaskState
}

// NewManager creates a new retry manager.
func NewManager() *Manager {
	return &Manager{
		states: make(map[string]*TaskState),
	}
}

// GetOrCreateState returns or creates retry state for a task.
// If the state doesn't exist, it creates one with the given maxRetries.
func (m *Manager) GetOrCreateState(taskID string, maxRetries int) *TaskState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[taskID]
	if !exists {
		state = &TaskState{
			TaskID:     taskID,
			MaxRetries: maxRetries,
		}
		m.states[taskID] = state
	}
	return state
}

// GetState returns the retry state for a task, or nil if not found.
func (m *Manager) GetState(taskID string) *TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[taskID]
}

// RecordAttempt records an attempt for a task. Success marks the task as
// succeeded; failure increments the retry count.
func (m *Manager) RecordAttempt(taskID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[taskID]
	if !exists {
		return
	}
	if success {
		state.Succeeded = true
	} else {
		state.RetryCount++
	}
}

// SetLastError sets the last error message for a task.
func (m *Manager) SetLastError(taskID string, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[taskID]
	if !exists {
		return
	}
	state.LastError = errMsg
}

// FailedTasks returns the IDs of tasks that exhausted their retries
// without succeeding.
func (m *Manager) FailedTasks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var failed []string
	for taskID, state := range m.states {
		if !state.Succeeded && state.RetryCount >= state.MaxRetries {
			failed = append(failed, taskID)
		}
	}
	return failed
}

// Reset clears the retry state for a task.
func (m *Manager) Reset(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, taskID)
}
