package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "worker.lease_seconds")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Lease durations are clamped to this range on claim; configuration outside
// it is rejected up front rather than silently clamped.
const (
	MinLeaseSeconds = 15
	MaxLeaseSeconds = 3600
)

// branchPrefixRegex validates branch prefix characters.
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidLeaseBackends returns the recognized lease backend names.
func ValidLeaseBackends() []string {
	return []string{"sqlite", "local"}
}

// Validate checks cfg for invalid values. Returns nil when the
// configuration is usable, or a ValidationErrors listing every problem.
func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateWorker(&cfg.Worker)...)
	errs = append(errs, validateExec(&cfg.Exec)...)
	errs = append(errs, validateBudget(&cfg.Budget)...)
	errs = append(errs, validatePR(&cfg.PR)...)
	errs = append(errs, validateLease(&cfg.Lease)...)
	errs = append(errs, validateMonitor(&cfg.Monitor)...)
	errs = append(errs, validatePhases(&cfg.Phases)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStore(c *StoreConfig) []ValidationError {
	var errs []ValidationError
	if c.BaseURL == "" {
		errs = append(errs, ValidationError{"store.base_url", c.BaseURL, "must not be empty"})
	}
	if c.TimeoutSeconds <= 0 {
		errs = append(errs, ValidationError{"store.timeout_seconds", c.TimeoutSeconds, "must be positive"})
	}
	if c.MaxRetries < 0 {
		errs = append(errs, ValidationError{"store.max_retries", c.MaxRetries, "must not be negative"})
	}
	if c.RetryDelayMs < 0 {
		errs = append(errs, ValidationError{"store.retry_delay_ms", c.RetryDelayMs, "must not be negative"})
	}
	return errs
}

func validateWorker(c *WorkerConfig) []ValidationError {
	var errs []ValidationError
	if c.PollIntervalSeconds <= 0 {
		errs = append(errs, ValidationError{"worker.poll_interval_seconds", c.PollIntervalSeconds, "must be positive"})
	}
	if c.PoolSize < 0 {
		errs = append(errs, ValidationError{"worker.pool_size", c.PoolSize, "must not be negative (0 = unlimited)"})
	}
	if c.LeaseSeconds < MinLeaseSeconds || c.LeaseSeconds > MaxLeaseSeconds {
		errs = append(errs, ValidationError{"worker.lease_seconds", c.LeaseSeconds,
			fmt.Sprintf("must be between %d and %d", MinLeaseSeconds, MaxLeaseSeconds)})
	}
	if c.HeartbeatSeconds <= 0 {
		errs = append(errs, ValidationError{"worker.heartbeat_seconds", c.HeartbeatSeconds, "must be positive"})
	}
	if c.HeartbeatSeconds >= c.LeaseSeconds {
		errs = append(errs, ValidationError{"worker.heartbeat_seconds", c.HeartbeatSeconds,
			"must be shorter than worker.lease_seconds or leases expire between beats"})
	}
	if c.ControlPollSeconds <= 0 {
		errs = append(errs, ValidationError{"worker.control_poll_seconds", c.ControlPollSeconds, "must be positive"})
	}
	if c.CheckpointSeconds <= 0 {
		errs = append(errs, ValidationError{"worker.checkpoint_seconds", c.CheckpointSeconds, "must be positive"})
	}
	if c.OutputTailChars <= 0 {
		errs = append(errs, ValidationError{"worker.output_tail_chars", c.OutputTailChars, "must be positive"})
	}
	return errs
}

func validateExec(c *ExecConfig) []ValidationError {
	var errs []ValidationError
	if c.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, ValidationError{"exec.default_timeout_seconds", c.DefaultTimeoutSeconds, "must be positive"})
	}
	for taskType, secs := range c.TimeoutsByType {
		if secs < 0 {
			errs = append(errs, ValidationError{"exec.timeouts_by_type." + taskType, secs, "must not be negative"})
		}
	}
	if c.MinOutputChars < 0 {
		errs = append(errs, ValidationError{"exec.min_output_chars", c.MinOutputChars, "must not be negative"})
	}
	if c.MaxResumeAttempts < 0 {
		errs = append(errs, ValidationError{"exec.max_resume_attempts", c.MaxResumeAttempts, "must not be negative"})
	}
	if c.KillGraceSeconds <= 0 {
		errs = append(errs, ValidationError{"exec.kill_grace_seconds", c.KillGraceSeconds, "must be positive"})
	}
	if c.MaxRetries < 0 {
		errs = append(errs, ValidationError{"exec.max_retries", c.MaxRetries, "must not be negative"})
	}
	return errs
}

func validateBudget(c *BudgetConfig) []ValidationError {
	var errs []ValidationError
	if c.WindowBudgetUSD < 0 {
		errs = append(errs, ValidationError{"budget.window_budget_usd", c.WindowBudgetUSD, "must not be negative"})
	}
	if c.WindowHours <= 0 {
		errs = append(errs, ValidationError{"budget.window_hours", c.WindowHours, "must be positive"})
	}
	if c.TaskCostCeilingUSD < 0 {
		errs = append(errs, ValidationError{"budget.task_cost_ceiling_usd", c.TaskCostCeilingUSD, "must not be negative"})
	}
	return errs
}

func validatePR(c *PRConfig) []ValidationError {
	var errs []ValidationError
	if c.BaseBranch == "" {
		errs = append(errs, ValidationError{"pr.base_branch", c.BaseBranch, "must not be empty"})
	}
	if c.BranchPrefix != "" && !branchPrefixRegex.MatchString(c.BranchPrefix) {
		errs = append(errs, ValidationError{"pr.branch_prefix", c.BranchPrefix,
			"must start with a letter and contain only letters, digits, hyphens, underscores"})
	}
	if c.CheckPollAttempts <= 0 {
		errs = append(errs, ValidationError{"pr.check_poll_attempts", c.CheckPollAttempts, "must be positive"})
	}
	if c.CheckPollDelaySeconds <= 0 {
		errs = append(errs, ValidationError{"pr.check_poll_delay_seconds", c.CheckPollDelaySeconds, "must be positive"})
	}
	return errs
}

func validateLease(c *LeaseConfig) []ValidationError {
	var errs []ValidationError
	if !slices.Contains(ValidLeaseBackends(), c.Backend) {
		errs = append(errs, ValidationError{"lease.backend", c.Backend,
			fmt.Sprintf("must be one of: %s", strings.Join(ValidLeaseBackends(), ", "))})
	}
	if c.Backend == "sqlite" && c.SQLitePath == "" {
		errs = append(errs, ValidationError{"lease.sqlite_path", c.SQLitePath, "required for the sqlite backend"})
	}
	if c.Backend == "local" && c.LocalPath == "" {
		errs = append(errs, ValidationError{"lease.local_path", c.LocalPath, "required for the local backend"})
	}
	return errs
}

func validateMonitor(c *MonitorConfig) []ValidationError {
	var errs []ValidationError
	if c.IntervalSeconds <= 0 {
		errs = append(errs, ValidationError{"monitor.interval_seconds", c.IntervalSeconds, "must be positive"})
	}
	if c.NoTaskRunningSeconds <= 0 {
		errs = append(errs, ValidationError{"monitor.no_task_running_seconds", c.NoTaskRunningSeconds, "must be positive"})
	}
	if c.StuckSeconds < c.NoTaskRunningSeconds {
		errs = append(errs, ValidationError{"monitor.stuck_seconds", c.StuckSeconds,
			"must not be shorter than monitor.no_task_running_seconds"})
	}
	if c.OrphanRunningSeconds <= 0 {
		errs = append(errs, ValidationError{"monitor.orphan_running_seconds", c.OrphanRunningSeconds, "must be positive"})
	}
	if c.MinConcurrentWhenPending < 1 {
		errs = append(errs, ValidationError{"monitor.min_concurrent_when_pending", c.MinConcurrentWhenPending, "must be at least 1"})
	}
	if c.ConsecutiveFailures < 1 {
		errs = append(errs, ValidationError{"monitor.consecutive_failures", c.ConsecutiveFailures, "must be at least 1"})
	}
	if c.SuccessRateFloor < 0 || c.SuccessRateFloor > 1 {
		errs = append(errs, ValidationError{"monitor.success_rate_floor", c.SuccessRateFloor, "must be between 0 and 1"})
	}
	if c.SuccessRateMinSample < 1 {
		errs = append(errs, ValidationError{"monitor.success_rate_min_sample", c.SuccessRateMinSample, "must be at least 1"})
	}
	if c.DecisionTimeoutSeconds < 0 {
		errs = append(errs, ValidationError{"monitor.decision_timeout_seconds", c.DecisionTimeoutSeconds, "must not be negative (0 = never)"})
	}
	return errs
}

func validatePhases(c *PhasesConfig) []ValidationError {
	var errs []ValidationError
	if c.IntervalSeconds <= 0 {
		errs = append(errs, ValidationError{"phases.interval_seconds", c.IntervalSeconds, "must be positive"})
	}
	if c.MaxIterations < 1 {
		errs = append(errs, ValidationError{"phases.max_iterations", c.MaxIterations, "must be at least 1"})
	}
	if c.SpecBuffer < 0 {
		errs = append(errs, ValidationError{"phases.spec_buffer", c.SpecBuffer, "must not be negative"})
	}
	if c.StatePath == "" {
		errs = append(errs, ValidationError{"phases.state_path", c.StatePath, "must not be empty"})
	}
	if c.DecisionSkipSeconds < 0 {
		errs = append(errs, ValidationError{"phases.decision_skip_seconds", c.DecisionSkipSeconds, "must not be negative (0 = wait forever)"})
	}
	return errs
}

func validateLogging(c *LoggingConfig) []ValidationError {
	var errs []ValidationError
	level := strings.ToUpper(c.Level)
	if !slices.Contains([]string{"DEBUG", "INFO", "WARN", "ERROR"}, level) {
		errs = append(errs, ValidationError{"logging.level", c.Level, "must be one of: DEBUG, INFO, WARN, ERROR"})
	}
	return errs
}
