// Package config provides configuration types and defaults for tern.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"tern/internal/agent/ports"
	"tern/internal/agent/task"
	terrors "tern/internal/errors"
	"tern/internal/llm"
	"tern/internal/observability"
)

// Config holds all configuration options for tern.
type Config struct {
	LLM           llm.Config          `mapstructure:"llm"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Approval      ApprovalConfig      `mapstructure:"approval"`
	Task          TaskConfig          `mapstructure:"task"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Workdir       string              `mapstructure:"workdir"`
	LogLevel      string              `mapstructure:"log_level"`
}

// RetryConfig tunes the turn executor's stream retry budget.
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	JitterFactor float64       `mapstructure:"jitter_factor"`
}

// ApprovalConfig tunes the approval gate.
type ApprovalConfig struct {
	Mode          string        `mapstructure:"mode"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RiskThreshold string        `mapstructure:"risk_threshold"`
	AllowedCmds   []string      `mapstructure:"allowed_commands"`
	DeniedCmds    []string      `mapstructure:"denied_commands"`
	AllowedHosts  []string      `mapstructure:"allowed_domains"`
}

// TaskConfig tunes the task runner loop.
type TaskConfig struct {
	MaxTurns             int           `mapstructure:"max_turns"`
	TurnTimeout          time.Duration `mapstructure:"turn_timeout"`
	ContextWindow        int           `mapstructure:"context_window"`
	CompactionThreshold  float64       `mapstructure:"compaction_threshold"`
	CompactionKeepRecent int           `mapstructure:"compaction_keep_recent"`
}

// ObservabilityConfig mirrors the observability package's knobs.
type ObservabilityConfig struct {
	MetricsEnabled bool    `mapstructure:"metrics_enabled"`
	PrometheusPort int     `mapstructure:"prometheus_port"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// Defaults returns the configuration used when no file or flags override it.
func Defaults() Config {
	return Config{
		LLM: llm.Config{
			Model: "gpt-4o-mini",
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			BaseDelay:    time.Second,
			MaxDelay:     30 * time.Second,
			JitterFactor: 0.25,
		},
		Approval: ApprovalConfig{
			Mode:          string(ports.ApprovalAlwaysAsk),
			Timeout:       30 * time.Second,
			RiskThreshold: string(ports.RiskMedium),
		},
		Task: TaskConfig{
			MaxTurns:             32,
			ContextWindow:        128000,
			CompactionThreshold:  0.90,
			CompactionKeepRecent: 16,
		},
		Observability: ObservabilityConfig{
			PrometheusPort: 9464,
			SampleRate:     1.0,
		},
		LogLevel: "info",
	}
}

// Load reads configuration from the given file path (or the default search
// locations when empty), layered over Defaults. Environment variables
// prefixed TERN_ override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tern")
		v.AddConfigPath("$HOME/.config/tern")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("TERN")
	v.AutomaticEnv()

	setDefaults(v, Defaults())

	if err := v.ReadInConfig(); err != nil {
		// An explicit path must exist; the default search may come up empty.
		if path != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.jitter_factor", d.Retry.JitterFactor)
	v.SetDefault("approval.mode", d.Approval.Mode)
	v.SetDefault("approval.timeout", d.Approval.Timeout)
	v.SetDefault("approval.risk_threshold", d.Approval.RiskThreshold)
	v.SetDefault("task.max_turns", d.Task.MaxTurns)
	v.SetDefault("task.turn_timeout", d.Task.TurnTimeout)
	v.SetDefault("task.context_window", d.Task.ContextWindow)
	v.SetDefault("task.compaction_threshold", d.Task.CompactionThreshold)
	v.SetDefault("task.compaction_keep_recent", d.Task.CompactionKeepRecent)
	v.SetDefault("observability.prometheus_port", d.Observability.PrometheusPort)
	v.SetDefault("observability.sample_rate", d.Observability.SampleRate)
	v.SetDefault("log_level", d.LogLevel)
}

// RetryOptions converts the retry section for the executor.
func (c Config) RetryOptions() terrors.RetryConfig {
	return terrors.RetryConfig{
		MaxRetries:   c.Retry.MaxRetries,
		BaseDelay:    c.Retry.BaseDelay,
		MaxDelay:     c.Retry.MaxDelay,
		JitterFactor: c.Retry.JitterFactor,
	}
}

// TaskOptions converts the task section for the runner.
func (c Config) TaskOptions() task.Config {
	return task.Config{
		MaxTurns:             c.Task.MaxTurns,
		TurnTimeout:          c.Task.TurnTimeout,
		ContextWindow:        c.Task.ContextWindow,
		CompactionThreshold:  c.Task.CompactionThreshold,
		CompactionKeepRecent: c.Task.CompactionKeepRecent,
	}
}

// ApprovalPolicy converts the approval section for the gate.
func (c Config) ApprovalPolicy() ports.ApprovalPolicy {
	return ports.ApprovalPolicy{
		Mode:            ports.ApprovalMode(c.Approval.Mode),
		Timeout:         c.Approval.Timeout,
		RiskThreshold:   ports.RiskLevel(c.Approval.RiskThreshold),
		AllowedCommands: c.Approval.AllowedCmds,
		DeniedCommands:  c.Approval.DeniedCmds,
		AllowedDomains:  c.Approval.AllowedHosts,
	}
}

// ObservabilityOptions converts the observability section.
func (c Config) ObservabilityOptions() observability.Config {
	return observability.Config{
		Metrics: observability.MetricsConfig{
			Enabled:        c.Observability.MetricsEnabled,
			PrometheusPort: c.Observability.PrometheusPort,
		},
		Tracing: observability.TracingConfig{
			Enabled:      c.Observability.TracingEnabled,
			OTLPEndpoint: c.Observability.OTLPEndpoint,
			SampleRate:   c.Observability.SampleRate,
			ServiceName:  "tern",
		},
	}
}
