// Package config holds the tunables for every subsystem of the GRBL host
// controller. It deliberately does not load files or flags (spec.md §1
// excludes configuration loading); callers build or decode a Config and
// pass it to pkg/controller.
package config

import (
	"fmt"
	"time"
)

// LinkConfig configures the serial transport.
type LinkConfig struct {
	PortPath    string        `json:"port_path" yaml:"port_path"`
	BaudRate    int           `json:"baud_rate" yaml:"baud_rate"`
	LineEnding  string        `json:"line_ending" yaml:"line_ending"`
	WriteRetry  int           `json:"write_retry" yaml:"write_retry"`
	WriteRetryBase time.Duration `json:"write_retry_base" yaml:"write_retry_base"`
}

// DefaultLinkConfig returns the spec.md §6 defaults for the link.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		PortPath:       "",
		BaudRate:       115200,
		LineEnding:     "\r\n",
		WriteRetry:     5,
		WriteRetryBase: 500 * time.Millisecond,
	}
}

// ExecutorConfig configures the Command Executor & Router.
type ExecutorConfig struct {
	CommandTimeout time.Duration `json:"command_timeout_ms" yaml:"command_timeout_ms"`
	MaxPending     int           `json:"max_pending" yaml:"max_pending"`
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		CommandTimeout: 5000 * time.Millisecond,
		MaxPending:     50,
	}
}

// PollerConfig configures the adaptive-rate Status Poller.
type PollerConfig struct {
	FastInterval   time.Duration `json:"fast_ms" yaml:"fast_ms"`
	NormalInterval time.Duration `json:"normal_ms" yaml:"normal_ms"`
	SlowInterval   time.Duration `json:"slow_ms" yaml:"slow_ms"`
	PollTimeout    time.Duration `json:"poll_timeout_ms" yaml:"poll_timeout_ms"`
	MaxMissed      int           `json:"max_missed" yaml:"max_missed"`
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		FastInterval:   100 * time.Millisecond,
		NormalInterval: 250 * time.Millisecond,
		SlowInterval:   1000 * time.Millisecond,
		PollTimeout:    2000 * time.Millisecond,
		MaxMissed:      5,
	}
}

// StreamingConfig configures the G-code Streaming Engine.
type StreamingConfig struct {
	BatchSize        int           `json:"batch_size" yaml:"batch_size"`
	LookAheadLines   int           `json:"look_ahead_lines" yaml:"look_ahead_lines"`
	RxSafetyMargin   int           `json:"rx_safety_margin" yaml:"rx_safety_margin"`
	PauseOnError     bool          `json:"pause_on_error" yaml:"pause_on_error"`
	CheckpointInterval int         `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	MaxCheckpoints   int           `json:"max_checkpoints" yaml:"max_checkpoints"`
	ProgressInterval time.Duration `json:"progress_interval_ms" yaml:"progress_interval_ms"`
	ChunkLines       int           `json:"chunk_lines" yaml:"chunk_lines"`
	MemoryBudgetBytes int64        `json:"memory_budget_bytes" yaml:"memory_budget_bytes"`
}

func DefaultStreamingConfig() StreamingConfig {
	return StreamingConfig{
		BatchSize:          5,
		LookAheadLines:     15,
		RxSafetyMargin:     8,
		PauseOnError:       true,
		CheckpointInterval: 1000,
		MaxCheckpoints:     5,
		ProgressInterval:   250 * time.Millisecond,
		ChunkLines:         50000,
		MemoryBudgetBytes:  64 * 1024 * 1024,
	}
}

// RecoveryConfig configures the Alarm Recovery Supervisor.
type RecoveryConfig struct {
	EnableAutoRecovery   bool          `json:"enable_auto_recovery" yaml:"enable_auto_recovery"`
	MaxRecoveryAttempts  int           `json:"max_recovery_attempts" yaml:"max_recovery_attempts"`
	RecoveryTimeout      time.Duration `json:"recovery_timeout_ms" yaml:"recovery_timeout_ms"`
	SafeHeightMM         float64       `json:"safe_height_mm" yaml:"safe_height_mm"`
	HomingTimeout        time.Duration `json:"homing_timeout_ms" yaml:"homing_timeout_ms"`
	PositionToleranceMM  float64       `json:"position_tolerance_mm" yaml:"position_tolerance_mm"`
	RestorePosition      bool          `json:"restore_position" yaml:"restore_position"`
	RestoreSpindle       bool          `json:"restore_spindle" yaml:"restore_spindle"`
	RestoreCoolant       bool          `json:"restore_coolant" yaml:"restore_coolant"`
	RepositionMarginMM   float64       `json:"reposition_margin_mm" yaml:"reposition_margin_mm"`
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		EnableAutoRecovery:  true,
		MaxRecoveryAttempts: 3,
		RecoveryTimeout:     30000 * time.Millisecond,
		SafeHeightMM:        5.0,
		HomingTimeout:       60000 * time.Millisecond,
		PositionToleranceMM: 0.1,
		RestorePosition:     true,
		RestoreSpindle:      false,
		RestoreCoolant:      true,
		RepositionMarginMM:  5.0,
	}
}

// RetryConfig configures the Retry Manager and its circuit breaker.
type RetryConfig struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	InitialDelay      time.Duration `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelay          time.Duration `json:"max_delay_ms" yaml:"max_delay_ms"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	JitterMax         time.Duration `json:"jitter_ms" yaml:"jitter_ms"`
	BreakerThreshold  int64         `json:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerResetTimeout time.Duration `json:"breaker_reset_ms" yaml:"breaker_reset_ms"`
	LinkRestoreWait   time.Duration `json:"link_restore_wait_ms" yaml:"link_restore_wait_ms"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:          3,
		InitialDelay:        500 * time.Millisecond,
		MaxDelay:            10000 * time.Millisecond,
		BackoffMultiplier:   2.0,
		JitterMax:           100 * time.Millisecond,
		BreakerThreshold:    5,
		BreakerResetTimeout: 30000 * time.Millisecond,
		LinkRestoreWait:     2000 * time.Millisecond,
	}
}

// SynchronizerConfig configures State Mirror/Synchronizer reconciliation.
type SynchronizerConfig struct {
	PositionTolerance float64 `json:"position_tolerance" yaml:"position_tolerance"`
	Policy            string  `json:"policy" yaml:"policy"` // hardware_priority | software_priority | manual
}

func DefaultSynchronizerConfig() SynchronizerConfig {
	return SynchronizerConfig{
		PositionTolerance: 0.01,
		Policy:            "hardware_priority",
	}
}

// Config aggregates every subsystem's configuration.
type Config struct {
	Link         LinkConfig         `json:"link" yaml:"link"`
	Executor     ExecutorConfig     `json:"executor" yaml:"executor"`
	Poller       PollerConfig       `json:"poller" yaml:"poller"`
	Streaming    StreamingConfig    `json:"streaming" yaml:"streaming"`
	Recovery     RecoveryConfig     `json:"recovery" yaml:"recovery"`
	Retry        RetryConfig        `json:"retry" yaml:"retry"`
	Synchronizer SynchronizerConfig `json:"synchronizer" yaml:"synchronizer"`
}

// Default returns a Config with every subsystem default from spec.md §6.
func Default() *Config {
	return &Config{
		Link:         DefaultLinkConfig(),
		Executor:     DefaultExecutorConfig(),
		Poller:       DefaultPollerConfig(),
		Streaming:    DefaultStreamingConfig(),
		Recovery:     DefaultRecoveryConfig(),
		Retry:        DefaultRetryConfig(),
		Synchronizer: DefaultSynchronizerConfig(),
	}
}

// Validate checks field invariants that would otherwise surface as confusing
// runtime failures deep inside a subsystem.
func (c *Config) Validate() error {
	if c.Link.BaudRate <= 0 {
		return fmt.Errorf("config: link.baud_rate must be positive, got %d", c.Link.BaudRate)
	}
	if c.Executor.MaxPending <= 0 {
		return fmt.Errorf("config: executor.max_pending must be positive, got %d", c.Executor.MaxPending)
	}
	if c.Poller.MaxMissed <= 0 {
		return fmt.Errorf("config: poller.max_missed must be positive, got %d", c.Poller.MaxMissed)
	}
	if c.Streaming.BatchSize <= 0 {
		return fmt.Errorf("config: streaming.batch_size must be positive, got %d", c.Streaming.BatchSize)
	}
	if c.Streaming.RxSafetyMargin < 0 {
		return fmt.Errorf("config: streaming.rx_safety_margin must not be negative, got %d", c.Streaming.RxSafetyMargin)
	}
	switch c.Synchronizer.Policy {
	case "hardware_priority", "software_priority", "manual":
	default:
		return fmt.Errorf("config: synchronizer.policy must be one of hardware_priority|software_priority|manual, got %q", c.Synchronizer.Policy)
	}
	if c.Retry.BreakerThreshold <= 0 {
		return fmt.Errorf("config: retry.breaker_threshold must be positive, got %d", c.Retry.BreakerThreshold)
	}
	return nil
}
