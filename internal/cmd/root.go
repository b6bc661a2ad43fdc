// Package cmd wires the fleet CLI: three long-running processes (worker,
// monitor, phases) sharing one configuration and one task store client.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fleetworks/fleet/internal/config"
	"github.com/fleetworks/fleet/internal/logging"
	"github.com/fleetworks/fleet/internal/store"
)

// runtime is the shared process plumbing every subcommand builds first.
type runtime struct {
	cfg    *config.Config
	logger *logging.Logger
	client *store.Client
}

func setup() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	client := store.NewClient(cfg.Store.BaseURL, cfg.Store.APIKey,
		time.Duration(cfg.Store.TimeoutSeconds)*time.Second)
	client.MaxRetries = cfg.Store.MaxRetries
	client.RetryDelay = time.Duration(cfg.Store.RetryDelayMs) * time.Millisecond

	return &runtime{cfg: cfg, logger: logger, client: client}, nil
}

func (r *runtime) close() {
	if r.logger != nil {
		_ = r.logger.Close()
	}
}

func (r *runtime) newTelemetry() *store.TelemetryClient {
	return store.NewTelemetryClient(r.client)
}

// workerID returns the configured worker identity, defaulting to
// hostname-pid.
func (r *runtime) workerID() string {
	if r.cfg.Worker.ID != "" {
		return r.cfg.Worker.ID
	}
	host, err := os.Hostname()
	if err != nil {
		host = "fleet"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
