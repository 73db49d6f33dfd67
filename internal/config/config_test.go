package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
store:
  path: /tmp/test-harvest.db
  busy_max_retries: 8
  busy_backoff_ms: 25
harvest:
  dir: /tmp/Harvest
  playlists: ["https://example.com/playlist?list=abc"]
  concurrency: 2
  daemon: true
  check_interval_seconds: 600
  dispatch_delay_ms: 500
quality:
  ladder: ["192k", "128k"]
rotation:
  base_cooldown_seconds: 60
  max_cooldown_seconds: 1800
  window_minutes: 30
  disable_threshold: 4
  max_rotations_per_unit: 2
fetch:
  timeout_seconds: 120
  transient_retries: 1
mesh:
  provider: syncthing
  syncthing:
    api_url: http://localhost:8384
    api_key: secret
    folder_id: music
archive:
  provider: local
  local_dir: /tmp/archive
logging:
  development: false
devices:
  - id: dev-a
    name: alpha
    role: primary-coordinator
  - id: dev-b
    name: beta
    role: secondary
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Store.BusyMaxRetries != 8 {
		t.Fatalf("expected busy_max_retries 8, got %d", cfg.Store.BusyMaxRetries)
	}
	if cfg.Harvest.Concurrency != 2 || !cfg.Harvest.Daemon {
		t.Fatalf("expected harvest overrides to apply: %+v", cfg.Harvest)
	}
	if len(cfg.Quality.Ladder) != 2 || cfg.Quality.Ladder[0] != "192k" {
		t.Fatalf("expected ladder override, got %v", cfg.Quality.Ladder)
	}
	if len(cfg.Devices) != 2 || cfg.Devices[1].Role != "secondary" {
		t.Fatalf("expected devices to be loaded: %+v", cfg.Devices)
	}
	if got := cfg.FetchTimeout(); got != 120*time.Second {
		t.Fatalf("expected fetch timeout 120s, got %v", got)
	}
	if got := cfg.BaseCooldown(); got != time.Minute {
		t.Fatalf("expected base cooldown 1m, got %v", got)
	}
	if got := cfg.RotationWindow(); got != 30*time.Minute {
		t.Fatalf("expected rotation window 30m, got %v", got)
	}
	if got := cfg.BusyBackoff(); got != 25*time.Millisecond {
		t.Fatalf("expected busy backoff 25ms, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 5001 {
		t.Fatalf("expected default port 5001, got %d", cfg.Server.Port)
	}
	if cfg.Harvest.Concurrency != 3 {
		t.Fatalf("expected default concurrency 3, got %d", cfg.Harvest.Concurrency)
	}
	if len(cfg.Quality.Ladder) != 4 || cfg.Quality.Ladder[0] != "256k" {
		t.Fatalf("expected default ladder starting at 256k, got %v", cfg.Quality.Ladder)
	}
	if cfg.Mesh.Provider != "noop" || cfg.Archive.Provider != "noop" {
		t.Fatalf("expected noop providers by default")
	}
	if cfg.Rotation.MaxRotationsPerUnit != 3 {
		t.Fatalf("expected default rotation bound 3, got %d", cfg.Rotation.MaxRotationsPerUnit)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"zero concurrency", func(c *Config) { c.Harvest.Concurrency = 0 }, "concurrency"},
		{"empty ladder", func(c *Config) { c.Quality.Ladder = nil }, "ladder"},
		{"cap below base", func(c *Config) { c.Rotation.MaxCooldownSeconds = 1 }, "max_cooldown"},
		{"zero disable threshold", func(c *Config) { c.Rotation.DisableThreshold = 0 }, "disable_threshold"},
		{"unknown mesh provider", func(c *Config) { c.Mesh.Provider = "carrier-pigeon" }, "mesh.provider"},
		{"syncthing missing key", func(c *Config) { c.Mesh.Provider = "syncthing" }, "syncthing"},
		{"gcs missing bucket", func(c *Config) { c.Archive.Provider = "gcs" }, "gcs_bucket"},
		{"bad device role", func(c *Config) {
			c.Devices = []DeviceConfig{{ID: "d1", Role: "supervisor"}}
		}, "role"},
		{"device missing id", func(c *Config) {
			c.Devices = []DeviceConfig{{Role: "secondary"}}
		}, "id"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantSub, err)
			}
		})
	}
}
