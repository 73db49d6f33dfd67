// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/project5001/harvestd/internal/harvest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Harvest    HarvestConfig    `mapstructure:"harvest"`
	Quality    QualityConfig    `mapstructure:"quality"`
	Rotation   RotationConfig   `mapstructure:"rotation"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	Mesh       MeshConfig       `mapstructure:"mesh"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Devices    []DeviceConfig   `mapstructure:"devices"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig controls the embedded SQLite store.
type StoreConfig struct {
	Path           string `mapstructure:"path"`
	BusyMaxRetries int    `mapstructure:"busy_max_retries"`
	BusyBackoffMs  int    `mapstructure:"busy_backoff_ms"`
}

// HarvestConfig governs the coordinator pipeline.
type HarvestConfig struct {
	Dir                  string   `mapstructure:"dir"`
	Playlists            []string `mapstructure:"playlists"`
	Concurrency          int      `mapstructure:"concurrency"`
	Daemon               bool     `mapstructure:"daemon"`
	CheckIntervalSeconds int      `mapstructure:"check_interval_seconds"`
	DispatchDelayMs      int      `mapstructure:"dispatch_delay_ms"`
}

// QualityConfig holds the ordered fallback ladder, best first.
type QualityConfig struct {
	Ladder []string `mapstructure:"ladder"`
}

// RotationConfig tunes the device rotation state machine. The thresholds are
// deliberately knobs, not constants; no documented policy pins them down.
type RotationConfig struct {
	BaseCooldownSeconds int `mapstructure:"base_cooldown_seconds"`
	MaxCooldownSeconds  int `mapstructure:"max_cooldown_seconds"`
	WindowMinutes       int `mapstructure:"window_minutes"`
	DisableThreshold    int `mapstructure:"disable_threshold"`
	MaxRotationsPerUnit int `mapstructure:"max_rotations_per_unit"`
}

// FetchConfig bounds individual fetch attempts.
type FetchConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	TransientRetries int `mapstructure:"transient_retries"`
}

// DownloaderConfig locates the external download tool.
type DownloaderConfig struct {
	Binary      string `mapstructure:"binary"`
	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	CookiesFile string `mapstructure:"cookies_file"`
}

// MeshConfig selects the replication notifier.
type MeshConfig struct {
	Provider  string          `mapstructure:"provider"`
	Syncthing SyncthingConfig `mapstructure:"syncthing"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// SyncthingConfig holds the local Syncthing REST endpoint used to trigger
// folder rescans after a harvest batch.
type SyncthingConfig struct {
	APIURL   string `mapstructure:"api_url"`
	APIKey   string `mapstructure:"api_key"`
	FolderID string `mapstructure:"folder_id"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ArchiveConfig selects the artifact archive provider.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DeviceConfig describes one identity to register in the rotation pool.
type DeviceConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Role string `mapstructure:"role"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5001)
	v.SetDefault("store.path", "harvest.db")
	v.SetDefault("store.busy_max_retries", 5)
	v.SetDefault("store.busy_backoff_ms", 50)
	v.SetDefault("harvest.dir", "Harvest")
	v.SetDefault("harvest.concurrency", 3)
	v.SetDefault("harvest.daemon", false)
	v.SetDefault("harvest.check_interval_seconds", 3600)
	v.SetDefault("harvest.dispatch_delay_ms", 2000)
	v.SetDefault("quality.ladder", []string{"256k", "192k", "128k", "96k"})
	v.SetDefault("rotation.base_cooldown_seconds", 300)
	v.SetDefault("rotation.max_cooldown_seconds", 7200)
	v.SetDefault("rotation.window_minutes", 60)
	v.SetDefault("rotation.disable_threshold", 6)
	v.SetDefault("rotation.max_rotations_per_unit", 3)
	v.SetDefault("fetch.timeout_seconds", 300)
	v.SetDefault("fetch.transient_retries", 2)
	v.SetDefault("downloader.binary", "yt-dlp")
	v.SetDefault("mesh.provider", "noop")
	v.SetDefault("mesh.syncthing.api_url", "http://localhost:8384")
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Harvest.Concurrency <= 0 {
		return fmt.Errorf("harvest.concurrency must be > 0")
	}
	if len(c.Quality.Ladder) == 0 {
		return fmt.Errorf("quality.ladder must not be empty")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Rotation.BaseCooldownSeconds <= 0 {
		return fmt.Errorf("rotation.base_cooldown_seconds must be > 0")
	}
	if c.Rotation.MaxCooldownSeconds < c.Rotation.BaseCooldownSeconds {
		return fmt.Errorf("rotation.max_cooldown_seconds must be >= rotation.base_cooldown_seconds")
	}
	if c.Rotation.DisableThreshold <= 0 {
		return fmt.Errorf("rotation.disable_threshold must be > 0")
	}
	if c.Rotation.MaxRotationsPerUnit <= 0 {
		return fmt.Errorf("rotation.max_rotations_per_unit must be > 0")
	}
	switch c.Mesh.Provider {
	case "noop", "syncthing", "pubsub":
	default:
		return fmt.Errorf("unknown mesh.provider: %s", c.Mesh.Provider)
	}
	if c.Mesh.Provider == "syncthing" && (c.Mesh.Syncthing.APIKey == "" || c.Mesh.Syncthing.FolderID == "") {
		return fmt.Errorf("mesh.syncthing.api_key and folder_id must be set when mesh.provider is syncthing")
	}
	if c.Mesh.Provider == "pubsub" && (c.Mesh.PubSub.ProjectID == "" || c.Mesh.PubSub.Topic == "") {
		return fmt.Errorf("mesh.pubsub.project_id and topic must be set when mesh.provider is pubsub")
	}
	switch c.Archive.Provider {
	case "noop", "local", "gcs":
	default:
		return fmt.Errorf("unknown archive.provider: %s", c.Archive.Provider)
	}
	if c.Archive.Provider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
	}
	if c.Archive.Provider == "local" && c.Archive.LocalDir == "" {
		return fmt.Errorf("archive.local_dir must be set when archive.provider is local")
	}
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d].id must be set", i)
		}
		switch harvest.DeviceRole(d.Role) {
		case harvest.RolePrimary, harvest.RoleSecondary, harvest.RoleReadOnly:
		default:
			return fmt.Errorf("devices[%d].role %q is not a known role", i, d.Role)
		}
	}
	return nil
}

// FetchTimeout converts the per-attempt timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// CheckInterval converts the daemon poll interval into a duration.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.Harvest.CheckIntervalSeconds) * time.Second
}

// DispatchDelay converts the inter-download pacing gap into a duration.
func (c Config) DispatchDelay() time.Duration {
	return time.Duration(c.Harvest.DispatchDelayMs) * time.Millisecond
}

// BaseCooldown converts the rotation base cooldown into a duration.
func (c Config) BaseCooldown() time.Duration {
	return time.Duration(c.Rotation.BaseCooldownSeconds) * time.Second
}

// MaxCooldown converts the rotation cooldown cap into a duration.
func (c Config) MaxCooldown() time.Duration {
	return time.Duration(c.Rotation.MaxCooldownSeconds) * time.Second
}

// RotationWindow converts the rolling event window into a duration.
func (c Config) RotationWindow() time.Duration {
	return time.Duration(c.Rotation.WindowMinutes) * time.Minute
}

// BusyBackoff converts the store retry delay into a duration.
func (c Config) BusyBackoff() time.Duration {
	return time.Duration(c.Store.BusyBackoffMs) * time.Millisecond
}
