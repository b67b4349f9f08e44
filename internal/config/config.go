// Package config handles IRIS configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/iris/config.yaml, /etc/iris/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "iris", "config.yaml"))
	}

	paths = append(paths, "/etc/iris/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all IRIS configuration. It is immutable after Load;
// components receive the values they need at construction time and
// never read the environment afterwards.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	Bus       BusConfig    `yaml:"bus"`
	Store     StoreConfig  `yaml:"store"`
	OTA       OTAConfig    `yaml:"ota"`
	Alerts    AlertsConfig `yaml:"alerts"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the query surface HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8080
}

// BusConfig defines the MQTT broker connection.
type BusConfig struct {
	// Broker is the broker URL, e.g. mqtt://broker.local:1883 or
	// mqtts://broker.local:8883.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ClientID overrides the generated client identifier. Leave empty
	// to derive one from the instance ID.
	ClientID string `yaml:"client_id"`
	// PublishPresence enables a retained home/system/iris/health
	// presence record with an offline LWT. Off by default.
	PublishPresence bool `yaml:"publish_presence"`
	// OutboundBuffer caps the publish queue. Oldest entries are dropped
	// (and counted) once full. Default 1024.
	OutboundBuffer int `yaml:"outbound_buffer"`
}

// StoreConfig defines the relational store used for history.
type StoreConfig struct {
	// Driver is the database/sql driver name. Default "sqlite3".
	Driver string `yaml:"driver"`
	// DSN is the data source name. Default: <data_dir>/iris.db with WAL.
	DSN string `yaml:"dsn"`
	// BatchSize caps a single readings insert batch. Default 128.
	BatchSize int `yaml:"batch_size"`
	// BatchIntervalMS flushes a partial batch after this many
	// milliseconds. Default 250.
	BatchIntervalMS int `yaml:"batch_interval_ms"`
	// QueueSize bounds the writer's inbound event queue. Default 4096.
	QueueSize int `yaml:"queue_size"`
	// RetentionDays prunes sensor readings older than this many days.
	// 0 disables pruning.
	RetentionDays int `yaml:"retention_days"`
}

// OTAConfig defines how update manifests are built.
type OTAConfig struct {
	// SourceRoot is the checkout root containing devices/ and shared/.
	SourceRoot string `yaml:"source_root"`
	// RawBase is the public raw-content base URL (strategy a). File
	// URLs become <raw_base>/<ref>/<repo_path>.
	RawBase string `yaml:"raw_base"`
	// ProxyBase, when set, overrides RawBase with a proxy serving the
	// same <ref>/<repo_path> layout (strategy b).
	ProxyBase string `yaml:"proxy_base"`
	// DefaultRef is used when a trigger omits the ref. Default "main".
	DefaultRef string `yaml:"default_ref"`
}

// AlertsConfig defines alert and liveness thresholds.
type AlertsConfig struct {
	// OfflineTimeoutSec marks a silent device offline. Default 90.
	OfflineTimeoutSec int `yaml:"offline_timeout_sec"`
	// WeatherStallSec flags a stuck weather sensor. Default 120.
	WeatherStallSec int `yaml:"weather_stall_sec"`
	// FreezerTempHighF is the critical freezer threshold. Default 10.
	FreezerTempHighF float64 `yaml:"freezer_temp_high_f"`
	// FreezerAjarSec is the door-ajar threshold. Default 300.
	FreezerAjarSec int `yaml:"freezer_ajar_sec"`
}

// OfflineTimeout returns the configured device silence threshold.
func (a AlertsConfig) OfflineTimeout() time.Duration {
	if a.OfflineTimeoutSec <= 0 {
		return 90 * time.Second
	}
	return time.Duration(a.OfflineTimeoutSec) * time.Second
}

// WeatherStall returns the configured weather staleness threshold.
func (a AlertsConfig) WeatherStall() time.Duration {
	if a.WeatherStallSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(a.WeatherStallSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen:  ListenConfig{Port: 8080},
		DataDir: ".",
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Bus.Broker == "" {
		c.Bus.Broker = "mqtt://localhost:1883"
	}
	if c.Bus.OutboundBuffer <= 0 {
		c.Bus.OutboundBuffer = 1024
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite3"
	}
	if c.Store.DSN == "" {
		c.Store.DSN = filepath.Join(c.DataDir, "iris.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	if c.Store.BatchSize <= 0 {
		c.Store.BatchSize = 128
	}
	if c.Store.BatchIntervalMS <= 0 {
		c.Store.BatchIntervalMS = 250
	}
	if c.Store.QueueSize <= 0 {
		c.Store.QueueSize = 4096
	}
	if c.OTA.DefaultRef == "" {
		c.OTA.DefaultRef = "main"
	}
	if c.Alerts.OfflineTimeoutSec <= 0 {
		c.Alerts.OfflineTimeoutSec = 90
	}
	if c.Alerts.WeatherStallSec <= 0 {
		c.Alerts.WeatherStallSec = 120
	}
	if c.Alerts.FreezerTempHighF == 0 {
		c.Alerts.FreezerTempHighF = 10
	}
	if c.Alerts.FreezerAjarSec <= 0 {
		c.Alerts.FreezerAjarSec = 300
	}
}
