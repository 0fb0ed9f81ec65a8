package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Loader handles configuration loading from file and environment.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "CLINSYNC_",
	}
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				if err := l.loadFile(cfg); err != nil {
					return nil, fmt.Errorf("load config file %s: %w", path, err)
				}
				break
			}
		}
	}

	if err := l.loadEnv(cfg); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"clinsync.json",
		".clinsync.json",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "clinsync", "config.json"),
			filepath.Join(homeDir, ".clinsync", "config.json"),
		)
	}

	return paths
}

// loadFile reads config from a JSON file.
func (l *Loader) loadFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	return nil
}

// loadEnv overrides config from environment variables.
func (l *Loader) loadEnv(cfg *Config) error {
	if v := os.Getenv(l.envPrefix + "REMOTE_BASE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}

	if v := os.Getenv(l.envPrefix + "REMOTE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse REMOTE_TIMEOUT: %w", err)
		}
		cfg.Remote.Timeout = d
	}

	if v := os.Getenv(l.envPrefix + "REMOTE_AUTH_TOKEN"); v != "" {
		cfg.Remote.AuthToken = v
	}

	if v := os.Getenv(l.envPrefix + "DEVICE_ID"); v != "" {
		cfg.Remote.DeviceID = v
	}

	if v := os.Getenv(l.envPrefix + "DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
		cfg.Storage.DBPath = filepath.Join(v, "clinsync.db")
	}

	if v := os.Getenv(l.envPrefix + "DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}

	if v := os.Getenv(l.envPrefix + "SYNC_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SYNC_MAX_RETRIES: %w", err)
		}
		cfg.Sync.MaxRetries = n
	}

	if v := os.Getenv(l.envPrefix + "SYNC_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SYNC_BATCH_SIZE: %w", err)
		}
		cfg.Sync.BatchSize = n
	}

	if v := os.Getenv(l.envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}

	if v := os.Getenv(l.envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}

	if v := os.Getenv(l.envPrefix + "LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	return nil
}
