// Package config manages Airlock service configuration: built-in defaults,
// an optional config.json in the data directory, and environment overrides.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const (
	ConfigFileName  = "config.json"
	DefaultDataDir  = "./data"
	DefaultAddr     = ":9090"
	DefaultLogLevel = "info"

	// DefaultWorkerURL is empty: no worker is assumed. Execution requests
	// are refused with service_unavailable until one is configured.
	DefaultWorkerURL = ""
)

// Config holds the service configuration.
type Config struct {
	Addr      string `json:"addr"`       // HTTP listen address
	DataDir   string `json:"data_dir"`   // database + master key location
	WorkerURL string `json:"worker_url"` // base URL of the sandbox worker
	LogLevel  string `json:"log_level"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Addr:      DefaultAddr,
		DataDir:   DefaultDataDir,
		WorkerURL: DefaultWorkerURL,
		LogLevel:  DefaultLogLevel,
	}
}

// Load builds the effective configuration: defaults, then config.json under
// dataDir if present, then AIRLOCK_* environment variables.
func Load(dataDir string) (Config, error) {
	cfg := Default()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	path := filepath.Join(cfg.DataDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Save persists the configuration to config.json under its data directory.
func Save(cfg Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(cfg.DataDir, ConfigFileName), data, 0600)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AIRLOCK_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("AIRLOCK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AIRLOCK_WORKER_URL"); v != "" {
		cfg.WorkerURL = v
	}
	if v := os.Getenv("AIRLOCK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
