package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Store.BaseURL = "http://localhost:8080"
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Validate() on defaults = %v", err)
	}
}

func TestValidateLeaseBounds(t *testing.T) {
	tests := []struct {
		name  string
		lease int
		ok    bool
	}{
		{"below minimum", 10, false},
		{"at minimum", MinLeaseSeconds, false}, // heartbeat 30 >= lease 15
		{"typical", 120, true},
		{"at maximum", MaxLeaseSeconds, true},
		{"above maximum", 4000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Worker.LeaseSeconds = tt.lease
			err := Validate(cfg)
			if (err == nil) != tt.ok {
				t.Errorf("Validate() with lease=%d: err = %v, want ok=%v", tt.lease, err, tt.ok)
			}
		})
	}
}

func TestValidateHeartbeatShorterThanLease(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.LeaseSeconds = 60
	cfg.Worker.HeartbeatSeconds = 60
	err := Validate(cfg)
	if err == nil {
		t.Fatal("heartbeat equal to lease accepted")
	}
	if !strings.Contains(err.Error(), "heartbeat_seconds") {
		t.Errorf("error does not name the field: %v", err)
	}
}

func TestValidateLeaseBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Lease.Backend = "redis"
	if err := Validate(cfg); err == nil {
		t.Fatal("unknown lease backend accepted")
	}

	cfg = validConfig()
	cfg.Lease.Backend = "sqlite"
	cfg.Lease.SQLitePath = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("sqlite backend without a path accepted")
	}

	cfg = validConfig()
	cfg.Lease.Backend = "local"
	cfg.Lease.LocalPath = "/tmp/fleet-leases.json"
	if err := Validate(cfg); err != nil {
		t.Fatalf("local backend rejected: %v", err)
	}
}

func TestValidateBranchPrefix(t *testing.T) {
	for prefix, ok := range map[string]bool{
		"task":      true,
		"fleet-pr":  true,
		"a_b-2":     true,
		"2task":     false,
		"task/sub":  false,
		"has space": false,
	} {
		cfg := validConfig()
		cfg.PR.BranchPrefix = prefix
		err := Validate(cfg)
		if (err == nil) != ok {
			t.Errorf("prefix %q: err = %v, want ok=%v", prefix, err, ok)
		}
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Store.BaseURL = ""
	cfg.Worker.LeaseSeconds = 1
	cfg.Lease.Backend = "bogus"
	cfg.Logging.Level = "LOUD"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("broken config accepted")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("error type = %T, want ValidationErrors", err)
	}
	if len(verrs) < 4 {
		t.Errorf("got %d errors, want every problem reported:\n%v", len(verrs), err)
	}

	fields := make(map[string]bool)
	for _, ve := range verrs {
		fields[ve.Field] = true
	}
	for _, want := range []string{"store.base_url", "worker.lease_seconds", "lease.backend", "logging.level"} {
		if !fields[want] {
			t.Errorf("missing error for %s", want)
		}
	}
}

func TestValidateMonitorThresholdOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.Monitor.NoTaskRunningSeconds = 600
	cfg.Monitor.StuckSeconds = 300
	if err := Validate(cfg); err == nil {
		t.Fatal("stuck threshold below no_task_running threshold accepted")
	}
}
