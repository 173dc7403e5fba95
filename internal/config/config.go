// Package config handles configuration loading from YAML, CLI flags, and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Proxy       ProxyConfig       `yaml:"proxy"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Redaction   RedactionConfig   `yaml:"redaction"`
}

// ProxyConfig configures the listen and upstream addresses.
type ProxyConfig struct {
	Listen string `yaml:"listen"` // e.g., "localhost:9090"
	Remote string `yaml:"remote"` // e.g., "example.com:80"
}

// PersistenceConfig configures the optional SQLite exchange log.
type PersistenceConfig struct {
	DBPath       string `yaml:"db_path"`
	BodyMaxBytes int    `yaml:"body_max_bytes"`
	QueueMaxSize int    `yaml:"queue_max_size"`
}

// RedactionConfig configures credential redaction of synthesized error
// bodies.
type RedactionConfig struct {
	RedactAPIKeys      bool `yaml:"redact_api_keys"`
	RedactBase64Images bool `yaml:"redact_base64_images"`
	RawBodyStorage     bool `yaml:"raw_body_storage"` // Default OFF per security spec
}

// DefaultConfig returns a Config with secure defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Listen: "localhost:9090",
		},
		Persistence: PersistenceConfig{
			DBPath:       "", // Set in Load based on platform
			BodyMaxBytes: 1048576, // 1MB
			QueueMaxSize: 10000,
		},
		Redaction: RedactionConfig{
			RedactAPIKeys:      true,
			RedactBase64Images: true,
			RawBodyStorage:     false, // Security: OFF by default
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "relayproxy"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "relayproxy"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "relayproxy.db"), nil
}

// Load loads configuration from file, with environment variable overrides.
// A missing file is not an error: defaults (plus overrides) are returned
// as-is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dbPath, err := DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("getting default db path: %w", err)
	}
	cfg.Persistence.DBPath = dbPath

	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PROXY_LISTEN"); v != "" {
		c.Proxy.Listen = v
	}
	if v := os.Getenv("PROXY_REMOTE"); v != "" {
		c.Proxy.Remote = v
	}
	if v := os.Getenv("PROXY_DB_PATH"); v != "" {
		c.Persistence.DBPath = v
	}
}
