package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Storage.DataDir != "~/.meshpost" {
		t.Errorf("expected ~/.meshpost, got %s", cfg.Storage.DataDir)
	}

	if cfg.Network.ListenTCP != "0.0.0.0:7643" {
		t.Errorf("expected default listen addr, got %s", cfg.Network.ListenTCP)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}

	if cfg.Control.WebsocketAddr != "" {
		t.Errorf("expected websocket mirror disabled by default, got %s", cfg.Control.WebsocketAddr)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	configPath := filepath.Join(tmpDir, ConfigFileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("expected DataDir %s, got %s", tmpDir, cfg.Storage.DataDir)
	}
}

func TestLoadReadsExisting(t *testing.T) {
	tmpDir := t.TempDir()

	customConfig := `storage:
  data_dir: /var/lib/meshpost
network:
  listen_tcp: "127.0.0.1:9000"
  peers:
    - 10.0.0.2:7643
logging:
  level: debug
`
	configPath := filepath.Join(tmpDir, ConfigFileName)
	if err := os.WriteFile(configPath, []byte(customConfig), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.DataDir != "/var/lib/meshpost" {
		t.Errorf("expected custom data dir, got %s", cfg.Storage.DataDir)
	}
	if cfg.Network.ListenTCP != "127.0.0.1:9000" {
		t.Errorf("expected custom listen addr, got %s", cfg.Network.ListenTCP)
	}
	if len(cfg.Network.Peers) != 1 || cfg.Network.Peers[0] != "10.0.0.2:7643" {
		t.Errorf("unexpected peers: %v", cfg.Network.Peers)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug log level, got %s", cfg.Logging.Level)
	}
}

func TestConfigSave(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"

	configPath := filepath.Join(tmpDir, "test-config.yaml")
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "# meshpost daemon configuration") {
		t.Error("config file missing header comment")
	}
	if !strings.Contains(content, "level: debug") {
		t.Error("config file missing logging level")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/.meshpost", filepath.Join(home, ".meshpost")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		got := expandPath(tt.input)
		if got != tt.expected {
			t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestInventoryAndDeriverDBPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/tmp/meshpost-test"

	if got, want := cfg.InventoryDBPath(), filepath.Join("/tmp/meshpost-test", "inventory.db"); got != want {
		t.Errorf("InventoryDBPath() = %q, want %q", got, want)
	}
	if got, want := cfg.DeriverDBPath(), filepath.Join("/tmp/meshpost-test", "deriver.db"); got != want {
		t.Errorf("DeriverDBPath() = %q, want %q", got, want)
	}
}
