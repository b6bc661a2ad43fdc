package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fleetworks/fleet/internal/errors"
)

// Client is the task store HTTP API client.
//
// Transient connectivity errors and 5xx responses are retried a bounded
// number of times with a fixed delay. 404 and 409 are surfaced as
// ErrTaskNotFound and ErrTaskConflict respectively and never retried:
// a conflict means another writer won and retrying would double-apply.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	// MaxRetries and RetryDelay bound the fixed-backoff retry loop.
	MaxRetries int
	RetryDelay time.Duration
}

// NewClient creates a client with sane defaults.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
}

// TaskList wraps paginated list responses.
type TaskList struct {
	Items []Task `json:"items"`
	Total int    `json:"total"`
}

// GetTask fetches one task by ID.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns tasks filtered by status. An empty status lists all.
func (c *Client) ListTasks(ctx context.Context, status Status, limit, offset int) (*TaskList, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	q.Set("limit", fmt.Sprintf("%d", limit))
	if offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", offset))
	}

	var list TaskList
	if err := c.do(ctx, http.MethodGet, "/tasks?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// CreateTask creates a new pending task.
func (c *Client) CreateTask(ctx context.Context, direction string, taskType TaskType, taskCtx map[string]string) (*Task, error) {
	body := map[string]any{
		"direction": direction,
		"task_type": taskType,
	}
	if len(taskCtx) > 0 {
		body["context"] = taskCtx
	}

	var task Task
	if err := c.do(ctx, http.MethodPost, "/tasks", body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask applies a partial update. The store merges Context entries
// rather than replacing the map. A 409 from the store means a conflicting
// concurrent update and is returned as ErrTaskConflict.
func (c *Client) UpdateTask(ctx context.Context, id string, patch Patch) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(id), patch, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// MarkRunning attempts the optimistic pending-to-running transition for a
// freshly claimed task. A conflict means the task was claimed through a
// separate path and should be skipped.
func (c *Client) MarkRunning(ctx context.Context, id, workerID string) (*Task, error) {
	return c.UpdateTask(ctx, id, Patch{
		Status:   StatusPtr(StatusRunning),
		WorkerID: StringPtr(workerID),
	})
}

// Ping verifies the store is reachable. Used at process startup so an
// unreachable upstream fails fast with a non-zero exit.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListTasks(ctx, "", 1, 0)
	if err != nil && !errors.IsNotFound(err) {
		return errors.Join(errors.ErrStoreUnreachable, err)
	}
	return nil
}

// do performs one API call with bounded fixed-backoff retry.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	attempts := c.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.RetryDelay):
			}
		}

		err := c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		// Only transient failures are worth another attempt.
		if !isTransient(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &errors.StoreError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch resp.StatusCode {
		case http.StatusNotFound:
			return errors.ErrTaskNotFound
		case http.StatusConflict:
			return errors.ErrTaskConflict
		}
		return errors.NewStoreError(method+" "+path, resp.StatusCode, string(b))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// isTransient reports whether an error is worth retrying: network-level
// failures and 5xx responses. Not-found and conflict are definitive.
func isTransient(err error) bool {
	if errors.IsNotFound(err) || errors.IsConflict(err) {
		return false
	}
	var se *errors.StoreError
	if errors.As(err, &se) {
		return se.Err != nil || se.StatusCode >= 500
	}
	return false
}
