// Package config loads and validates the coordinator and node configuration.
// Bad values are rejected at load time so the rest of the system never sees
// an out-of-range limit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flotilla-dev/flotilla/pkg/model"
)

// ValidationError reports a config field rejected at load time.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// Config is the full YAML configuration. Durations are given in seconds.
type Config struct {
	Coordinator struct {
		Listen        string   `yaml:"listen"`
		Store         string   `yaml:"store"` // memory | sqlite | etcd
		SQLitePath    string   `yaml:"sqlite_path"`
		EtcdEndpoints []string `yaml:"etcd_endpoints"`
		KeyPath       string   `yaml:"key_path"`
	} `yaml:"coordinator"`

	Registry struct {
		ExpiryWindowSeconds  int     `yaml:"expiry_window_seconds"`
		SweepIntervalSeconds int     `yaml:"sweep_interval_seconds"`
		OfflineGraceSeconds  int     `yaml:"offline_grace_seconds"`
		DegradedThreshold    float64 `yaml:"degraded_threshold"`
	} `yaml:"registry"`

	Placement struct {
		MaxDeployRetries      int `yaml:"max_deploy_retries"`
		CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
		TerminateWaitSeconds  int `yaml:"terminate_wait_seconds"`
		MissedReportThreshold int `yaml:"missed_report_threshold"`
		ConflictRetries       int `yaml:"conflict_retries"`
		RetryBackoffMillis    int `yaml:"retry_backoff_millis"`
	} `yaml:"placement"`

	Payment struct {
		ReplayWindowSeconds int `yaml:"replay_window_seconds"`
		ReplayCacheSize     int `yaml:"replay_cache_size"`
	} `yaml:"payment"`

	Node struct {
		Coordinator      string             `yaml:"coordinator"`
		Listen           string             `yaml:"listen"`
		Advertise        string             `yaml:"advertise"`
		KeyPath          string             `yaml:"key_path"`
		Runtime          string             `yaml:"runtime"` // docker | exec
		HeartbeatSeconds int                `yaml:"heartbeat_seconds"`
		MaxAgents        int                `yaml:"max_agents"`
		Capacity         model.Resource     `yaml:"capacity"`
		Capabilities     []model.Capability `yaml:"capabilities"`
	} `yaml:"node"`

	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

// Default returns the configuration used when a field is left unset.
func Default() Config {
	var cfg Config
	cfg.Coordinator.Listen = ":9440"
	cfg.Coordinator.Store = "memory"
	cfg.Registry.ExpiryWindowSeconds = 15
	cfg.Registry.SweepIntervalSeconds = 5
	cfg.Registry.OfflineGraceSeconds = 600
	cfg.Registry.DegradedThreshold = 0.9
	cfg.Placement.MaxDeployRetries = 3
	cfg.Placement.CommandTimeoutSeconds = 10
	cfg.Placement.TerminateWaitSeconds = 5
	cfg.Placement.MissedReportThreshold = 3
	cfg.Placement.ConflictRetries = 5
	cfg.Placement.RetryBackoffMillis = 200
	cfg.Payment.ReplayWindowSeconds = 600
	cfg.Payment.ReplayCacheSize = 65536
	cfg.Node.Listen = ":9444"
	cfg.Node.Runtime = "docker"
	cfg.Node.HeartbeatSeconds = 3
	cfg.Telemetry.Enabled = true
	return cfg
}

// Load reads YAML configuration from path. If path is empty, it resolves
// $XDG_CONFIG_HOME/flotilla/config.yaml or ~/.config/flotilla/config.yaml;
// a missing default file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "flotilla", "config.yaml")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate enforces numeric ranges. The registry and placement loops assume
// these hold and do not re-check at use time.
func (c *Config) Validate() error {
	switch c.Coordinator.Store {
	case "memory", "sqlite", "etcd":
	default:
		return ValidationError{Field: "coordinator.store", Value: c.Coordinator.Store, Message: "must be memory, sqlite or etcd"}
	}
	if c.Coordinator.Store == "etcd" && len(c.Coordinator.EtcdEndpoints) == 0 {
		return ValidationError{Field: "coordinator.etcd_endpoints", Value: "", Message: "required for the etcd store"}
	}
	if c.Registry.ExpiryWindowSeconds <= 0 {
		return ValidationError{Field: "registry.expiry_window_seconds", Value: fmt.Sprintf("%d", c.Registry.ExpiryWindowSeconds), Message: "must be positive"}
	}
	if c.Registry.SweepIntervalSeconds <= 0 {
		return ValidationError{Field: "registry.sweep_interval_seconds", Value: fmt.Sprintf("%d", c.Registry.SweepIntervalSeconds), Message: "must be positive"}
	}
	if c.Registry.DegradedThreshold <= 0 || c.Registry.DegradedThreshold > 1 {
		return ValidationError{Field: "registry.degraded_threshold", Value: fmt.Sprintf("%g", c.Registry.DegradedThreshold), Message: "must be in (0,1]"}
	}
	if c.Placement.MaxDeployRetries < 0 || c.Placement.MaxDeployRetries > 10 {
		return ValidationError{Field: "placement.max_deploy_retries", Value: fmt.Sprintf("%d", c.Placement.MaxDeployRetries), Message: "must be between 0 and 10"}
	}
	if c.Placement.CommandTimeoutSeconds <= 0 {
		return ValidationError{Field: "placement.command_timeout_seconds", Value: fmt.Sprintf("%d", c.Placement.CommandTimeoutSeconds), Message: "must be positive"}
	}
	if c.Payment.ReplayWindowSeconds <= 0 {
		return ValidationError{Field: "payment.replay_window_seconds", Value: fmt.Sprintf("%d", c.Payment.ReplayWindowSeconds), Message: "must be positive"}
	}
	if c.Payment.ReplayCacheSize <= 0 {
		return ValidationError{Field: "payment.replay_cache_size", Value: fmt.Sprintf("%d", c.Payment.ReplayCacheSize), Message: "must be positive"}
	}
	if c.Node.HeartbeatSeconds <= 0 {
		return ValidationError{Field: "node.heartbeat_seconds", Value: fmt.Sprintf("%d", c.Node.HeartbeatSeconds), Message: "must be positive"}
	}
	if c.Node.Runtime != "docker" && c.Node.Runtime != "exec" {
		return ValidationError{Field: "node.runtime", Value: c.Node.Runtime, Message: "must be docker or exec"}
	}
	for i, cap := range c.Node.Capabilities {
		if cap.Name == "" {
			return ValidationError{Field: fmt.Sprintf("node.capabilities[%d].name", i), Value: "", Message: "capability name is required"}
		}
		if p := cap.Price; p != nil {
			if p.PricePerUnit < 0 || p.MaxFaceValue < 0 || p.MaxTicketEV < 0 {
				return ValidationError{Field: fmt.Sprintf("node.capabilities[%d].price", i), Value: cap.Name, Message: "price terms must be non-negative"}
			}
		}
	}
	return nil
}

// Duration accessors so callers do not repeat second-to-Duration math.

func (c *Config) ExpiryWindow() time.Duration {
	return time.Duration(c.Registry.ExpiryWindowSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Registry.SweepIntervalSeconds) * time.Second
}

func (c *Config) OfflineGrace() time.Duration {
	return time.Duration(c.Registry.OfflineGraceSeconds) * time.Second
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Placement.CommandTimeoutSeconds) * time.Second
}

func (c *Config) TerminateWait() time.Duration {
	return time.Duration(c.Placement.TerminateWaitSeconds) * time.Second
}

func (c *Config) ReplayWindow() time.Duration {
	return time.Duration(c.Payment.ReplayWindowSeconds) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Node.HeartbeatSeconds) * time.Second
}
