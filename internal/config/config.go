package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete fleet configuration
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Exec    ExecConfig    `mapstructure:"exec"`
	Budget  BudgetConfig  `mapstructure:"budget"`
	PR      PRConfig      `mapstructure:"pr"`
	Lease   LeaseConfig   `mapstructure:"lease"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Phases  PhasesConfig  `mapstructure:"phases"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// StoreConfig controls access to the task store API
type StoreConfig struct {
	// BaseURL is the root of the task store HTTP API
	BaseURL string `mapstructure:"base_url"`
	// APIKey is sent as a bearer token when non-empty
	APIKey string `mapstructure:"api_key"`
	// TimeoutSeconds is the per-request HTTP timeout
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// MaxRetries is how many times transient store errors are retried
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelayMs is the fixed backoff between store retries
	RetryDelayMs int `mapstructure:"retry_delay_ms"`
}

// WorkerConfig controls the worker poll loop
type WorkerConfig struct {
	// ID identifies this worker; defaults to hostname-pid when empty
	ID string `mapstructure:"id"`
	// PollIntervalSeconds is how often the worker lists pending tasks
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	// PoolSize bounds concurrent non-PR task executions (0 = unlimited)
	PoolSize int `mapstructure:"pool_size"`
	// RepoPath is the working copy used for PR-mode tasks
	RepoPath string `mapstructure:"repo_path"`
	// LeaseSeconds is the lease duration requested on claim
	LeaseSeconds int `mapstructure:"lease_seconds"`
	// HeartbeatSeconds is the lease refresh and progress-patch interval
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
	// ControlPollSeconds is how often abort/diagnostic signals are checked
	ControlPollSeconds int `mapstructure:"control_poll_seconds"`
	// CheckpointSeconds is the PR-mode partial-progress commit interval
	CheckpointSeconds int `mapstructure:"checkpoint_seconds"`
	// OutputTailChars is how much recent output to patch into current_step
	OutputTailChars int `mapstructure:"output_tail_chars"`
}

// ExecConfig controls subprocess execution limits
type ExecConfig struct {
	// DefaultTimeoutSeconds applies when no task-type timeout matches
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`
	// TimeoutsByType maps task_type to a wall-clock ceiling in seconds
	TimeoutsByType map[string]int `mapstructure:"timeouts_by_type"`
	// MinOutputChars below which an exit-0 run is treated as a capture failure
	MinOutputChars int `mapstructure:"min_output_chars"`
	// MaxResumeAttempts bounds usage-limit/timeout resume re-queues
	MaxResumeAttempts int `mapstructure:"max_resume_attempts"`
	// KillGraceSeconds is how long to wait after SIGTERM before SIGKILL
	KillGraceSeconds int `mapstructure:"kill_grace_seconds"`
	// MaxRetries is the retry policy's depth limit per task
	MaxRetries int `mapstructure:"max_retries"`
	// RetryCooldownSeconds is the pause before a policy-driven re-run
	RetryCooldownSeconds int `mapstructure:"retry_cooldown_seconds"`
}

// BudgetConfig controls the paid-provider policy gates
type BudgetConfig struct {
	// AllowPaid permits tasks routed to metered backends
	AllowPaid bool `mapstructure:"allow_paid"`
	// WindowBudgetUSD is the rolling usage-window spend ceiling (0 = unlimited)
	WindowBudgetUSD float64 `mapstructure:"window_budget_usd"`
	// WindowHours is the rolling window length
	WindowHours int `mapstructure:"window_hours"`
	// TaskCostCeilingUSD converts over-budget successes to cost_overrun (0 = unlimited)
	TaskCostCeilingUSD float64 `mapstructure:"task_cost_ceiling_usd"`
}

// PRConfig controls the PR delivery sub-protocol
type PRConfig struct {
	// BaseBranch is branched from when no remote task branch exists
	BaseBranch string `mapstructure:"base_branch"`
	// BranchPrefix prefixes deterministic task branch names
	BranchPrefix string `mapstructure:"branch_prefix"`
	// ValidationCommand is an optional local gate run before trusting remote checks
	ValidationCommand string `mapstructure:"validation_command"`
	// CheckPollAttempts bounds remote check-status polling
	CheckPollAttempts int `mapstructure:"check_poll_attempts"`
	// CheckPollDelaySeconds is the fixed delay between check polls
	CheckPollDelaySeconds int `mapstructure:"check_poll_delay_seconds"`
	// AutoMerge merges the PR once checks are green
	AutoMerge bool `mapstructure:"auto_merge"`
	// PostMergeCommand is an optional deployment validation run after merge
	PostMergeCommand string `mapstructure:"post_merge_command"`
}

// LeaseConfig selects and tunes the lease coordinator backend
type LeaseConfig struct {
	// Backend is "sqlite" (durable, shared) or "local" (single-process)
	Backend string `mapstructure:"backend"`
	// SQLitePath is the shared database file for the durable backend
	SQLitePath string `mapstructure:"sqlite_path"`
	// LocalPath is the JSON state file for the local backend
	LocalPath string `mapstructure:"local_path"`
}

// MonitorConfig tunes the pipeline monitor's detection rules.
// The numeric thresholds are operational tuning constants inherited from
// production use, not proven-optimal values.
type MonitorConfig struct {
	// IntervalSeconds is the monitor cycle period
	IntervalSeconds int `mapstructure:"interval_seconds"`
	// NoTaskRunningSeconds is the pending-wait threshold for no_task_running
	NoTaskRunningSeconds int `mapstructure:"no_task_running_seconds"`
	// StuckSeconds is the pending-wait beyond which auto-recover restarts
	StuckSeconds int `mapstructure:"stuck_seconds"`
	// OrphanRunningSeconds is the max running duration before force-fail
	OrphanRunningSeconds int `mapstructure:"orphan_running_seconds"`
	// MinConcurrentWhenPending is the low_phase_coverage parallelism floor
	MinConcurrentWhenPending int `mapstructure:"min_concurrent_when_pending"`
	// ConsecutiveFailures triggers repeated_failures at this count
	ConsecutiveFailures int `mapstructure:"consecutive_failures"`
	// SuccessRateFloor triggers low_success_rate below this ratio
	SuccessRateFloor float64 `mapstructure:"success_rate_floor"`
	// SuccessRateMinSample is the minimum sample before the floor applies
	SuccessRateMinSample int `mapstructure:"success_rate_min_sample"`
	// DecisionTimeoutSeconds auto-fails a blocking needs_decision task (0 = never)
	DecisionTimeoutSeconds int `mapstructure:"decision_timeout_seconds"`
	// ArtifactDir holds the persisted issue list and status report
	ArtifactDir string `mapstructure:"artifact_dir"`
}

// PhasesConfig tunes the phase orchestrator
type PhasesConfig struct {
	// IntervalSeconds is the orchestrator poll period
	IntervalSeconds int `mapstructure:"interval_seconds"`
	// MaxIterations bounds impl-test-review loops per backlog item
	MaxIterations int `mapstructure:"max_iterations"`
	// Parallel enables multiple items' phases in flight concurrently
	Parallel bool `mapstructure:"parallel"`
	// SpecBuffer is the count of pre-created spec tasks kept in parallel mode
	SpecBuffer int `mapstructure:"spec_buffer"`
	// StatePath is the persisted orchestrator state file
	StatePath string `mapstructure:"state_path"`
	// DecisionSkipSeconds auto-skips a needs_decision pause (0 = wait forever)
	DecisionSkipSeconds int `mapstructure:"decision_skip_seconds"`
	// TestCommand is the automated test run required before review advances
	TestCommand string `mapstructure:"test_command"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	// Dir receives fleet.log; empty logs to stderr
	Dir string `mapstructure:"dir"`
	// Level is DEBUG, INFO, WARN, or ERROR
	Level string `mapstructure:"level"`
}

// Duration helpers so callers never multiply by time.Second inline.

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

func (w WorkerConfig) Heartbeat() time.Duration {
	return time.Duration(w.HeartbeatSeconds) * time.Second
}

func (w WorkerConfig) ControlPoll() time.Duration {
	return time.Duration(w.ControlPollSeconds) * time.Second
}

func (w WorkerConfig) CheckpointEvery() time.Duration {
	return time.Duration(w.CheckpointSeconds) * time.Second
}

// TimeoutFor returns the wall-clock ceiling for a task type.
func (e ExecConfig) TimeoutFor(taskType string) time.Duration {
	if secs, ok := e.TimeoutsByType[taskType]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(e.DefaultTimeoutSeconds) * time.Second
}

// KillGrace returns the SIGTERM-to-SIGKILL grace period.
func (e ExecConfig) KillGrace() time.Duration {
	return time.Duration(e.KillGraceSeconds) * time.Second
}

// Load reads configuration from the config file and environment.
// Search order: $FLEET_CONFIG, ./fleet.yaml, ~/.fleet/fleet.yaml.
// Environment variables use the FLEET_ prefix with underscores,
// e.g. FLEET_WORKER_POOL_SIZE=4.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("fleet")
	v.SetConfigType("yaml")
	if path := os.Getenv("FLEET_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".fleet"))
		}
	}

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always unmarshal cleanly.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.base_url", "http://localhost:8787")
	v.SetDefault("store.api_key", "")
	v.SetDefault("store.timeout_seconds", 15)
	v.SetDefault("store.max_retries", 3)
	v.SetDefault("store.retry_delay_ms", 500)

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.poll_interval_seconds", 10)
	v.SetDefault("worker.pool_size", 2)
	v.SetDefault("worker.repo_path", ".")
	v.SetDefault("worker.lease_seconds", 120)
	v.SetDefault("worker.heartbeat_seconds", 30)
	v.SetDefault("worker.control_poll_seconds", 5)
	v.SetDefault("worker.checkpoint_seconds", 300)
	v.SetDefault("worker.output_tail_chars", 800)

	v.SetDefault("exec.default_timeout_seconds", 1800)
	v.SetDefault("exec.timeouts_by_type", map[string]int{
		"spec":   900,
		"impl":   3600,
		"test":   1800,
		"review": 900,
		"heal":   900,
	})
	v.SetDefault("exec.min_output_chars", 10)
	v.SetDefault("exec.max_resume_attempts", 3)
	v.SetDefault("exec.kill_grace_seconds", 10)
	v.SetDefault("exec.max_retries", 2)
	v.SetDefault("exec.retry_cooldown_seconds", 30)

	v.SetDefault("budget.allow_paid", false)
	v.SetDefault("budget.window_budget_usd", 0.0)
	v.SetDefault("budget.window_hours", 5)
	v.SetDefault("budget.task_cost_ceiling_usd", 0.0)

	v.SetDefault("pr.base_branch", "main")
	v.SetDefault("pr.branch_prefix", "task")
	v.SetDefault("pr.validation_command", "")
	v.SetDefault("pr.check_poll_attempts", 20)
	v.SetDefault("pr.check_poll_delay_seconds", 30)
	v.SetDefault("pr.auto_merge", false)
	v.SetDefault("pr.post_merge_command", "")

	v.SetDefault("lease.backend", "local")
	v.SetDefault("lease.sqlite_path", defaultStatePath("lease.db"))
	v.SetDefault("lease.local_path", defaultStatePath("lease.json"))

	v.SetDefault("monitor.interval_seconds", 60)
	v.SetDefault("monitor.no_task_running_seconds", 180)
	v.SetDefault("monitor.stuck_seconds", 600)
	v.SetDefault("monitor.orphan_running_seconds", 7200)
	v.SetDefault("monitor.min_concurrent_when_pending", 2)
	v.SetDefault("monitor.consecutive_failures", 3)
	v.SetDefault("monitor.success_rate_floor", 0.80)
	v.SetDefault("monitor.success_rate_min_sample", 5)
	v.SetDefault("monitor.decision_timeout_seconds", 0)
	v.SetDefault("monitor.artifact_dir", defaultStatePath("monitor"))

	v.SetDefault("phases.interval_seconds", 15)
	v.SetDefault("phases.max_iterations", 5)
	v.SetDefault("phases.parallel", false)
	v.SetDefault("phases.spec_buffer", 2)
	v.SetDefault("phases.state_path", defaultStatePath("phases.json"))
	v.SetDefault("phases.decision_skip_seconds", 0)
	v.SetDefault("phases.test_command", "")

	v.SetDefault("logging.dir", "")
	v.SetDefault("logging.level", "INFO")
}

// defaultStatePath places state files under ~/.fleet, falling back to the
// working directory when the home directory cannot be resolved.
func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".fleet", name)
}
