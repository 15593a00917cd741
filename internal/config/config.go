// Package config loads and saves the meshpost daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the meshpost daemon.
type Config struct {
	// Storage settings.
	Storage StorageConfig `yaml:"storage"`

	// Network settings.
	Network NetworkConfig `yaml:"network"`

	// Logging settings.
	Logging LoggingConfig `yaml:"logging"`

	// Control surface settings.
	Control ControlConfig `yaml:"control"`
}

// StorageConfig holds on-disk data paths.
type StorageConfig struct {
	// DataDir is the directory holding the inventory and frontend
	// SQLite databases.
	DataDir string `yaml:"data_dir"`
}

// NetworkConfig holds reconciliation transport settings.
type NetworkConfig struct {
	// ListenTCP is the TCP address to accept reconciliation connections
	// on, empty to disable.
	ListenTCP string `yaml:"listen_tcp"`

	// ListenUnix is the Unix-domain socket path to accept reconciliation
	// connections on, empty to disable.
	ListenUnix string `yaml:"listen_unix"`

	// Peers are addresses to actively dial and reconcile against.
	Peers []string `yaml:"peers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// ControlConfig holds control-surface settings.
type ControlConfig struct {
	// WebsocketAddr is the address the optional event-mirror websocket
	// hub listens on, empty to disable.
	WebsocketAddr string `yaml:"websocket_addr"`
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "~/.meshpost",
		},
		Network: NetworkConfig{
			ListenTCP: "0.0.0.0:7643",
			Peers:     []string{},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Control: ControlConfig{
			WebsocketAddr: "",
		},
	}
}

// Load loads configuration from a YAML file under dataDir. If the file
// doesn't exist, it creates one with default values.
func Load(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("config: create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}

	header := []byte("# meshpost daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write config file: %w", err)
	}

	return nil
}

// FilePath returns the full path to the config file for the given data
// directory.
func FilePath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// InventoryDBPath returns the path to the inventory SQLite database.
func (c *Config) InventoryDBPath() string {
	return filepath.Join(expandPath(c.Storage.DataDir), "inventory.db")
}

// DeriverDBPath returns the path to the frontend state SQLite database.
func (c *Config) DeriverDBPath() string {
	return filepath.Join(expandPath(c.Storage.DataDir), "deriver.db")
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
