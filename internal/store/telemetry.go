package store

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// RuntimeEvent is one recorded execution attempt for the telemetry API.
type RuntimeEvent struct {
	Source     string            `json:"source"`
	Endpoint   string            `json:"endpoint"`
	Method     string            `json:"method"`
	StatusCode int               `json:"status_code"`
	RuntimeMs  int64             `json:"runtime_ms"`
	IdeaID     string            `json:"idea_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// FrictionEvent records wasted effort with an estimated cost, used to
// prioritize operational fixes.
type FrictionEvent struct {
	Stage              string  `json:"stage"`
	BlockType          string  `json:"block_type"`
	Severity           string  `json:"severity"`
	EnergyLossEstimate float64 `json:"energy_loss_estimate"`
	Status             string  `json:"status"`
	Notes              string  `json:"notes,omitempty"`
}

// TelemetryClient records runtime and friction events.
//
// Recording failures are by contract non-fatal to task outcomes: both
// methods return an error so the contract is visible and testable, but
// callers deliberately ignore it after logging.
type TelemetryClient struct {
	client *Client
}

// NewTelemetryClient wraps a store client for the telemetry endpoints.
func NewTelemetryClient(client *Client) *TelemetryClient {
	return &TelemetryClient{client: client}
}

// RecordEvent posts one runtime-telemetry event.
func (t *TelemetryClient) RecordEvent(ctx context.Context, ev RuntimeEvent) error {
	return t.client.do(ctx, http.MethodPost, "/telemetry/events", ev, nil)
}

// AppendFriction posts one friction event.
func (t *TelemetryClient) AppendFriction(ctx context.Context, ev FrictionEvent) error {
	return t.client.do(ctx, http.MethodPost, "/friction/events", ev, nil)
}

// UsageSummary reports spend inside the rolling usage window.
type UsageSummary struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	TotalUSD    float64   `json:"total_usd"`
	EventCount  int       `json:"event_count"`
}

// UsageWindow fetches the spend summary for the trailing window.
func (t *TelemetryClient) UsageWindow(ctx context.Context, window time.Duration) (*UsageSummary, error) {
	var summary UsageSummary
	path := "/telemetry/usage?window_seconds=" + strconv.Itoa(int(window.Seconds()))
	if err := t.client.do(ctx, http.MethodGet, path, nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}
