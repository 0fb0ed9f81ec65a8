package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Remote endpoint communication
	Remote RemoteConfig `json:"remote"`

	// Local storage paths
	Storage StorageConfig `json:"storage"`

	// Sync behavior
	Sync SyncConfig `json:"sync"`

	// Logging
	Log LogConfig `json:"log"`
}

// RemoteConfig for the sync endpoint.
type RemoteConfig struct {
	BaseURL    string        `json:"base_url"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"` // Initial backoff delay
	AuthToken  string        `json:"auth_token,omitempty"`
	DeviceID   string        `json:"device_id"`
}

// StorageConfig for local data files.
type StorageConfig struct {
	DataDir string `json:"data_dir"` // Base directory for all data
	DBPath  string `json:"db_path"`  // SQLite database file
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	MaxRetries int `json:"max_retries"` // Per queue item
	BatchSize  int `json:"batch_size"`  // Max operations per push
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
	File   string `json:"file"`   // Log file path (empty = stdout)
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".clinsync"

	return &Config{
		Remote: RemoteConfig{
			BaseURL:    "https://sync.example.com",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryDelay: time.Second,
			DeviceID:   defaultDeviceID(),
		},
		Storage: StorageConfig{
			DataDir: dataDir,
			DBPath:  filepath.Join(dataDir, "clinsync.db"),
		},
		Sync: SyncConfig{
			MaxRetries: 3,
			BatchSize:  50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultDeviceID() string {
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "clinsync-device"
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required")
	}

	if c.Remote.Timeout <= 0 {
		return errors.New("remote.timeout must be positive")
	}

	if c.Storage.DBPath == "" {
		return errors.New("storage.db_path is required")
	}

	if c.Sync.MaxRetries <= 0 {
		return errors.New("sync.max_retries must be positive")
	}

	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.Storage.DBPath),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
