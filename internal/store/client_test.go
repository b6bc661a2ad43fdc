package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetworks/fleet/internal/errors"
)

func testClient(url string) *Client {
	c := NewClient(url, "", 2*time.Second)
	c.MaxRetries = 2
	c.RetryDelay = time.Millisecond
	return c
}

func TestGetTaskNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetTask(context.Background(), "absent")
	if !errors.IsNotFound(err) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestUpdateTaskConflictNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "conflicting update", http.StatusConflict)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).MarkRunning(context.Background(), "t1", "w1")
	if !errors.IsConflict(err) {
		t.Fatalf("err = %v, want ErrTaskConflict", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("conflict retried: %d calls, want 1", got)
	}
}

func TestTransientErrorsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporary outage", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"t1","status":"pending"}`))
	}))
	defer srv.Close()

	task, err := testClient(srv.URL).GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v after retries", err)
	}
	if task.ID != "t1" {
		t.Errorf("task = %+v", task)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestRetriesExhaust(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetTask(context.Background(), "t1")
	if err == nil {
		t.Fatal("GetTask() succeeded against a dead store")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want MaxRetries+1 = 3", got)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.RetryDelay = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.GetTask(ctx, "t1")
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not interrupt the retry delay")
	}
}

func TestAuthHeaderSent(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[],"total":0}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-key", time.Second)
	if _, err := c.ListTasks(context.Background(), StatusPending, 10, 0); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer secret-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestPingWrapsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := testClient(srv.URL)
	c.MaxRetries = 0
	err := c.Ping(context.Background())
	if !errors.Is(err, errors.ErrStoreUnreachable) {
		t.Fatalf("Ping() = %v, want ErrStoreUnreachable", err)
	}
}
