package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides: WINK_UPDATE_SERVICE_URL
// overrides update.service_url.
const EnvPrefix = "WINK"

// Config holds all application configuration.
type Config struct {
	LogLevel     string       `yaml:"log_level" mapstructure:"log_level"`
	LogFormat    string       `yaml:"log_format" mapstructure:"log_format"` // "console" or "json"
	SettingsPath string       `yaml:"settings_path" mapstructure:"settings_path"`
	BLE          BLEConfig    `yaml:"ble" mapstructure:"ble"`
	Update       UpdateConfig `yaml:"update" mapstructure:"update"`
	Server       ServerConfig `yaml:"server" mapstructure:"server"`
	MQTT         MQTTConfig   `yaml:"mqtt" mapstructure:"mqtt"`
}

// BLEConfig holds BLE connection settings.
type BLEConfig struct {
	ScanTimeout    time.Duration `yaml:"scan_timeout" mapstructure:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ReconnectMax   int           `yaml:"reconnect_max" mapstructure:"reconnect_max"` // max retry backoff in seconds
	AutoConnect    bool          `yaml:"auto_connect" mapstructure:"auto_connect"`
	ButtonSettle   time.Duration `yaml:"button_settle" mapstructure:"button_settle"`
}

// UpdateConfig holds firmware update settings.
type UpdateConfig struct {
	ServiceURL       string        `yaml:"service_url" mapstructure:"service_url"`
	DeviceURL        string        `yaml:"device_url" mapstructure:"device_url"`
	AccessPoint      string        `yaml:"access_point" mapstructure:"access_point"`
	PasswordLength   int           `yaml:"password_length" mapstructure:"password_length"`
	CredentialSettle time.Duration `yaml:"credential_settle" mapstructure:"credential_settle"`
	JoinTimeout      time.Duration `yaml:"join_timeout" mapstructure:"join_timeout"`
	UploadTimeout    time.Duration `yaml:"upload_timeout" mapstructure:"upload_timeout"`
	DismissWindow    time.Duration `yaml:"dismiss_window" mapstructure:"dismiss_window"`
}

// ServerConfig holds the local HTTP control surface settings.
type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"` // empty disables the server
}

// MQTTConfig holds the optional state publisher settings.
type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url" mapstructure:"broker_url"` // empty disables MQTT
	TopicRoot string `yaml:"topic_root" mapstructure:"topic_root"`
	ClientID  string `yaml:"client_id" mapstructure:"client_id"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "winkctl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		LogFormat:    "console",
		SettingsPath: filepath.Join(DefaultConfigDir(), "settings.yaml"),
		BLE: BLEConfig{
			ScanTimeout:    10 * time.Second,
			ConnectTimeout: 10 * time.Second,
			ReconnectMax:   30,
			AutoConnect:    true,
			ButtonSettle:   20 * time.Millisecond,
		},
		Update: UpdateConfig{
			ServiceURL:       "https://winkmodule.com/api/update",
			DeviceURL:        "http://module-update.local/update",
			AccessPoint:      "Wink Module: Update Access Point",
			PasswordLength:   16,
			CredentialSettle: 1500 * time.Millisecond,
			JoinTimeout:      15 * time.Second,
			UploadTimeout:    2 * time.Minute,
			DismissWindow:    5 * time.Second,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8787",
		},
		MQTT: MQTTConfig{
			TopicRoot: "winkctl",
			ClientID:  "winkctl",
		},
	}
}

// setDefaults registers every key with viper so environment overrides apply
// even when the file omits it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("settings_path", cfg.SettingsPath)
	v.SetDefault("ble.scan_timeout", cfg.BLE.ScanTimeout)
	v.SetDefault("ble.connect_timeout", cfg.BLE.ConnectTimeout)
	v.SetDefault("ble.reconnect_max", cfg.BLE.ReconnectMax)
	v.SetDefault("ble.auto_connect", cfg.BLE.AutoConnect)
	v.SetDefault("ble.button_settle", cfg.BLE.ButtonSettle)
	v.SetDefault("update.service_url", cfg.Update.ServiceURL)
	v.SetDefault("update.device_url", cfg.Update.DeviceURL)
	v.SetDefault("update.access_point", cfg.Update.AccessPoint)
	v.SetDefault("update.password_length", cfg.Update.PasswordLength)
	v.SetDefault("update.credential_settle", cfg.Update.CredentialSettle)
	v.SetDefault("update.join_timeout", cfg.Update.JoinTimeout)
	v.SetDefault("update.upload_timeout", cfg.Update.UploadTimeout)
	v.SetDefault("update.dismiss_window", cfg.Update.DismissWindow)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("mqtt.broker_url", cfg.MQTT.BrokerURL)
	v.SetDefault("mqtt.topic_root", cfg.MQTT.TopicRoot)
	v.SetDefault("mqtt.client_id", cfg.MQTT.ClientID)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.SettingsPath = expandTilde(cfg.SettingsPath)
	return cfg, nil
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults, then WINK_* environment variables are applied. Tilde (~)
// in settings_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return decode(v)
}

// FromEnv returns the defaults with WINK_* environment overrides applied.
func FromEnv() (*Config, error) {
	return decode(newViper())
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be \"console\" or \"json\", got %q", c.LogFormat)
	}

	if c.BLE.ScanTimeout <= 0 {
		return errors.New("ble.scan_timeout must be > 0")
	}
	if c.BLE.ConnectTimeout <= 0 {
		return errors.New("ble.connect_timeout must be > 0")
	}
	if c.BLE.ReconnectMax < 1 {
		return errors.New("ble.reconnect_max must be >= 1")
	}
	if c.BLE.ButtonSettle <= 0 {
		return errors.New("ble.button_settle must be > 0")
	}

	if err := validateURL("update.service_url", c.Update.ServiceURL); err != nil {
		return err
	}
	if err := validateURL("update.device_url", c.Update.DeviceURL); err != nil {
		return err
	}
	if c.Update.AccessPoint == "" {
		return errors.New("update.access_point must not be empty")
	}
	if c.Update.PasswordLength < 8 || c.Update.PasswordLength > 63 {
		return fmt.Errorf("update.password_length must be between 8 and 63, got %d", c.Update.PasswordLength)
	}
	if c.Update.JoinTimeout <= 0 {
		return errors.New("update.join_timeout must be > 0")
	}
	if c.Update.UploadTimeout <= 0 {
		return errors.New("update.upload_timeout must be > 0")
	}
	if c.Update.CredentialSettle < 0 || c.Update.DismissWindow < 0 {
		return errors.New("update delays must not be negative")
	}

	if c.MQTT.BrokerURL != "" {
		if err := validateURL("mqtt.broker_url", c.MQTT.BrokerURL); err != nil {
			return err
		}
		if c.MQTT.TopicRoot == "" {
			return errors.New("mqtt.topic_root must not be empty when mqtt.broker_url is set")
		}
	}

	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
	}
	return nil
}

// ParseLogLevel maps a config log level to a zap level; unknown values are info.
func ParseLogLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

const defaultHeader = `# winkctl configuration
# Every key can be overridden with a WINK_ environment variable, e.g.
# WINK_UPDATE_SERVICE_URL or WINK_BLE_AUTO_CONNECT.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshaling default config: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
