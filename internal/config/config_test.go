package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Coordinator.Store != "memory" {
		t.Fatalf("expected memory store default, got %q", cfg.Coordinator.Store)
	}
	if cfg.Registry.ExpiryWindowSeconds != 15 {
		t.Fatalf("unexpected expiry window %d", cfg.Registry.ExpiryWindowSeconds)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
coordinator:
  listen: ":7000"
  store: sqlite
  sqlite_path: /tmp/fleet.db
registry:
  expiry_window_seconds: 30
node:
  runtime: exec
  capabilities:
    - name: market-scan
      capacity: 2
      price:
        price_per_unit: 10
        max_face_value: 1000000
        max_ticket_ev: 100000
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Coordinator.Listen != ":7000" || cfg.Coordinator.Store != "sqlite" {
		t.Fatalf("coordinator section not applied: %+v", cfg.Coordinator)
	}
	if cfg.Registry.ExpiryWindowSeconds != 30 {
		t.Fatalf("expiry window override lost")
	}
	// Unset sections keep their defaults.
	if cfg.Registry.SweepIntervalSeconds != 5 {
		t.Fatalf("sweep interval default lost")
	}
	if len(cfg.Node.Capabilities) != 1 || cfg.Node.Capabilities[0].Price == nil {
		t.Fatalf("capabilities not parsed: %+v", cfg.Node.Capabilities)
	}
	if cfg.Node.Capabilities[0].Price.MaxFaceValue != 1000000 {
		t.Fatalf("price terms not parsed")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad store", func(c *Config) { c.Coordinator.Store = "redis" }, "coordinator.store"},
		{"etcd without endpoints", func(c *Config) { c.Coordinator.Store = "etcd" }, "coordinator.etcd_endpoints"},
		{"zero expiry", func(c *Config) { c.Registry.ExpiryWindowSeconds = 0 }, "registry.expiry_window_seconds"},
		{"threshold above one", func(c *Config) { c.Registry.DegradedThreshold = 1.5 }, "registry.degraded_threshold"},
		{"negative retries", func(c *Config) { c.Placement.MaxDeployRetries = -1 }, "placement.max_deploy_retries"},
		{"zero replay window", func(c *Config) { c.Payment.ReplayWindowSeconds = 0 }, "payment.replay_window_seconds"},
		{"unknown runtime", func(c *Config) { c.Node.Runtime = "firecracker" }, "node.runtime"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, verr.Field)
			}
		})
	}
}
