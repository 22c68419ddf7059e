package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ClientConfig configures an offline-capable sync client. Values come from
// an optional YAML profile and are overridden by SYNC_* variables.
type ClientConfig struct {
	ServerURL      string        `yaml:"server_url"`
	Token          string        `yaml:"token"`
	ClientID       string        `yaml:"client_id"`
	DeviceInfo     string        `yaml:"device_info"`
	LocalDBPath    string        `yaml:"local_db_path"`
	HealthPath     string        `yaml:"health_path"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	SyncInterval   time.Duration `yaml:"sync_interval"`
	NativeDebounce time.Duration `yaml:"native_debounce"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:      "http://localhost:8080",
		LocalDBPath:    "syncctl.db",
		HealthPath:     "/health",
		ProbeInterval:  15 * time.Second,
		SyncInterval:   30 * time.Second,
		NativeDebounce: 2 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxRetries:     5,
	}
}

// LoadClient reads path when it is non-empty and exists, then applies
// environment overrides.
func LoadClient(path string) (*ClientConfig, error) {
	godotenv.Load()

	cfg := DefaultClientConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read client config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse client config: %w", err)
			}
		}
	}

	cfg.ServerURL = getEnv("SYNC_SERVER_URL", cfg.ServerURL)
	cfg.Token = getEnv("SYNC_TOKEN", cfg.Token)
	cfg.ClientID = getEnv("SYNC_CLIENT_ID", cfg.ClientID)
	cfg.DeviceInfo = getEnv("SYNC_DEVICE_INFO", cfg.DeviceInfo)
	cfg.LocalDBPath = getEnv("SYNC_LOCAL_DB", cfg.LocalDBPath)
	cfg.HealthPath = getEnv("SYNC_HEALTH_PATH", cfg.HealthPath)
	cfg.MaxRetries = getEnvAsInt("SYNC_MAX_RETRIES", cfg.MaxRetries)

	var err error
	if cfg.ProbeInterval, err = getEnvAsDuration("SYNC_PROBE_INTERVAL", cfg.ProbeInterval); err != nil {
		return nil, err
	}
	if cfg.SyncInterval, err = getEnvAsDuration("SYNC_INTERVAL", cfg.SyncInterval); err != nil {
		return nil, err
	}
	if cfg.NativeDebounce, err = getEnvAsDuration("SYNC_NATIVE_DEBOUNCE", cfg.NativeDebounce); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getEnvAsDuration("SYNC_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries)
	}
	if c.ProbeInterval <= 0 || c.SyncInterval <= 0 {
		return errors.New("probe_interval and sync_interval must be positive")
	}
	return nil
}
