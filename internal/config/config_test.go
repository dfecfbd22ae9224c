package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Update.AccessPoint != "Wink Module: Update Access Point" {
		t.Errorf("Update.AccessPoint = %q", cfg.Update.AccessPoint)
	}
	if cfg.Update.DeviceURL != "http://module-update.local/update" {
		t.Errorf("Update.DeviceURL = %q", cfg.Update.DeviceURL)
	}
	if cfg.Update.PasswordLength != 16 {
		t.Errorf("Update.PasswordLength = %d, want 16", cfg.Update.PasswordLength)
	}
	if cfg.Update.CredentialSettle != 1500*time.Millisecond {
		t.Errorf("Update.CredentialSettle = %v, want 1.5s", cfg.Update.CredentialSettle)
	}
	if cfg.Update.JoinTimeout != 15*time.Second {
		t.Errorf("Update.JoinTimeout = %v, want 15s", cfg.Update.JoinTimeout)
	}
	if cfg.Update.DismissWindow != 5*time.Second {
		t.Errorf("Update.DismissWindow = %v, want 5s", cfg.Update.DismissWindow)
	}
	if cfg.BLE.ButtonSettle != 20*time.Millisecond {
		t.Errorf("BLE.ButtonSettle = %v, want 20ms", cfg.BLE.ButtonSettle)
	}
	if !cfg.BLE.AutoConnect {
		t.Error("BLE.AutoConnect should default to true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
log_format: json
ble:
  scan_timeout: 4s
  reconnect_max: 60
  auto_connect: false
update:
  service_url: https://updates.example.com/module
  join_timeout: 20s
mqtt:
  broker_url: mqtt://broker.local:1883
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("log = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.BLE.ScanTimeout != 4*time.Second {
		t.Errorf("BLE.ScanTimeout = %v, want 4s", cfg.BLE.ScanTimeout)
	}
	if cfg.BLE.ReconnectMax != 60 {
		t.Errorf("BLE.ReconnectMax = %d, want 60", cfg.BLE.ReconnectMax)
	}
	if cfg.BLE.AutoConnect {
		t.Error("BLE.AutoConnect should be false")
	}
	if cfg.Update.ServiceURL != "https://updates.example.com/module" {
		t.Errorf("Update.ServiceURL = %q", cfg.Update.ServiceURL)
	}
	if cfg.Update.JoinTimeout != 20*time.Second {
		t.Errorf("Update.JoinTimeout = %v, want 20s", cfg.Update.JoinTimeout)
	}
	// Unset keys keep their defaults.
	if cfg.Update.PasswordLength != 16 {
		t.Errorf("Update.PasswordLength = %d, want default 16", cfg.Update.PasswordLength)
	}
	if cfg.MQTT.TopicRoot != "winkctl" {
		t.Errorf("MQTT.TopicRoot = %q, want default", cfg.MQTT.TopicRoot)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WINK_UPDATE_ACCESS_POINT", "Test AP")
	t.Setenv("WINK_BLE_RECONNECT_MAX", "5")

	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Update.AccessPoint != "Test AP" {
		t.Errorf("Update.AccessPoint = %q, want env override", cfg.Update.AccessPoint)
	}
	if cfg.BLE.ReconnectMax != 5 {
		t.Errorf("BLE.ReconnectMax = %d, want 5", cfg.BLE.ReconnectMax)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}

	envOnly, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if envOnly.Update.AccessPoint != "Test AP" || envOnly.LogLevel != "info" {
		t.Errorf("FromEnv() = %+v", envOnly)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("settings_path: ~/wink/settings.yaml\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "wink/settings.yaml")
	if cfg.SettingsPath != expected {
		t.Errorf("SettingsPath = %q, want %q", cfg.SettingsPath, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid default", func(c *Config) {}, ""},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"zero scan timeout", func(c *Config) { c.BLE.ScanTimeout = 0 }, "ble.scan_timeout"},
		{"zero reconnect max", func(c *Config) { c.BLE.ReconnectMax = 0 }, "ble.reconnect_max"},
		{"relative service url", func(c *Config) { c.Update.ServiceURL = "/update" }, "update.service_url"},
		{"empty device url", func(c *Config) { c.Update.DeviceURL = "" }, "update.device_url"},
		{"empty access point", func(c *Config) { c.Update.AccessPoint = "" }, "update.access_point"},
		{"short password", func(c *Config) { c.Update.PasswordLength = 4 }, "update.password_length"},
		{"long password", func(c *Config) { c.Update.PasswordLength = 64 }, "update.password_length"},
		{"zero join timeout", func(c *Config) { c.Update.JoinTimeout = 0 }, "update.join_timeout"},
		{"mqtt without topic", func(c *Config) {
			c.MQTT.BrokerURL = "mqtt://localhost:1883"
			c.MQTT.TopicRoot = ""
		}, "mqtt.topic_root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "winkctl", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# winkctl") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Update.JoinTimeout != 15*time.Second {
		t.Errorf("written Update.JoinTimeout = %v, want 15s", cfg.Update.JoinTimeout)
	}

	// The written file loads back through viper.
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load(written) error = %v", err)
	}
	if loaded.Update.CredentialSettle != 1500*time.Millisecond {
		t.Errorf("loaded Update.CredentialSettle = %v", loaded.Update.CredentialSettle)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "winkctl")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"unknown", zapcore.InfoLevel}, // defaults to info
		{"", zapcore.InfoLevel},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
