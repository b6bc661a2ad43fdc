package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fleetworks/fleet/internal/store"
)

// StoreServer is an in-memory task store speaking the same HTTP API the
// real store does, for tests that exercise full request paths instead of
// mocking the client.
type StoreServer struct {
	mu     sync.Mutex
	tasks  map[string]*store.Task
	nextID int

	// RuntimeEvents and FrictionEvents collect everything posted to the
	// telemetry endpoints.
	RuntimeEvents  []store.RuntimeEvent
	FrictionEvents []store.FrictionEvent

	// Usage is returned from the usage-window endpoint.
	Usage store.UsageSummary

	// FailNext makes the next matching request return 500, keyed by
	// "METHOD /path" prefix.
	FailNext map[string]bool

	srv *httptest.Server
}

// NewStoreServer starts the fake store.
func NewStoreServer() *StoreServer {
	s := &StoreServer{
		tasks:    make(map[string]*store.Task),
		FailNext: make(map[string]bool),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Client returns a store client pointed at this server, with retries kept
// tight so failure-path tests stay fast.
func (s *StoreServer) Client() *store.Client {
	c := store.NewClient(s.srv.URL, "", 5*time.Second)
	c.MaxRetries = 0
	return c
}

// Close shuts the server down.
func (s *StoreServer) Close() { s.srv.Close() }

// URL returns the server base URL.
func (s *StoreServer) URL() string { return s.srv.URL }

// AddTask seeds a task, assigning an ID when empty, and returns it.
func (s *StoreServer) AddTask(t store.Task) *store.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		s.nextID++
		t.ID = fmt.Sprintf("task-%03d", s.nextID)
	}
	if t.Status == "" {
		t.Status = store.StatusPending
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	s.tasks[t.ID] = &t
	return &t
}

// Task returns a copy of a stored task.
func (s *StoreServer) Task(id string) *store.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		cp := *t
		return &cp
	}
	return nil
}

// TasksByStatus returns copies of tasks in the given status.
func (s *StoreServer) TasksByStatus(status store.Status) []store.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Task
	for _, t := range s.tasks {
		if status == "" || t.Status == status {
			out = append(out, *t)
		}
	}
	return out
}

func (s *StoreServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	key := r.Method + " " + r.URL.Path
	for prefix := range s.FailNext {
		if strings.HasPrefix(key, prefix) && s.FailNext[prefix] {
			delete(s.FailNext, prefix)
			s.mu.Unlock()
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
	}
	s.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/tasks":
		s.handleList(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/tasks":
		s.handleCreate(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/tasks/"):
		s.handleGet(w, r)
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/tasks/"):
		s.handlePatch(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/telemetry/events":
		s.handleTelemetry(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/friction/events":
		s.handleFriction(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/telemetry/usage":
		s.handleUsage(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *StoreServer) handleList(w http.ResponseWriter, r *http.Request) {
	status := store.Status(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	items := s.TasksByStatus(status)
	total := len(items)
	if len(items) > limit {
		items = items[:limit]
	}
	if items == nil {
		items = []store.Task{}
	}
	writeJSON(w, store.TaskList{Items: items, Total: total})
}

func (s *StoreServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Direction string            `json:"direction"`
		TaskType  store.TaskType    `json:"task_type"`
		Context   map[string]string `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	task := s.AddTask(store.Task{
		Direction: body.Direction,
		TaskType:  body.TaskType,
		Context:   body.Context,
		Status:    store.StatusPending,
	})
	writeJSON(w, task)
}

func (s *StoreServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	task := s.Task(id)
	if task == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, task)
}

func (s *StoreServer) handlePatch(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	var patch store.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}

	// The optimistic pending-to-running transition conflicts when the task
	// is already running under a different worker, mirroring the real store.
	if patch.Status != nil && *patch.Status == store.StatusRunning &&
		task.Status == store.StatusRunning && patch.WorkerID != nil &&
		task.WorkerID != "" && task.WorkerID != *patch.WorkerID {
		s.mu.Unlock()
		http.Error(w, "conflicting update", http.StatusConflict)
		return
	}

	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.Output != nil {
		task.Output = *patch.Output
	}
	if patch.WorkerID != nil {
		task.WorkerID = *patch.WorkerID
	}
	if patch.ProgressPct != nil {
		task.ProgressPct = *patch.ProgressPct
	}
	if patch.CurrentStep != nil {
		task.CurrentStep = *patch.CurrentStep
	}
	if len(patch.Context) > 0 {
		if task.Context == nil {
			task.Context = make(map[string]string)
		}
		for k, v := range patch.Context {
			task.Context[k] = v
		}
	}
	task.UpdatedAt = time.Now()
	cp := *task
	s.mu.Unlock()

	writeJSON(w, &cp)
}

func (s *StoreServer) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var ev store.RuntimeEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.RuntimeEvents = append(s.RuntimeEvents, ev)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *StoreServer) handleFriction(w http.ResponseWriter, r *http.Request) {
	var ev store.FrictionEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.FrictionEvents = append(s.FrictionEvents, ev)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *StoreServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	usage := s.Usage
	s.mu.Unlock()
	writeJSON(w, usage)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
