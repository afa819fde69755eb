// Package config manages the gateway's configuration surfaces: the YAML
// gateway config, the JSON driver config describing PLC devices and MQTT
// topics, and the JSON recipe monitor config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration, stored as YAML.
type Config struct {
	// ConfigDir holds the driver and recipe JSON documents plus the
	// per-device variable catalog CSVs.
	ConfigDir string `yaml:"config_dir"`

	LogFile      string `yaml:"log_file,omitempty"`
	DebugLogFile string `yaml:"debug_log_file,omitempty"`
	DebugFilter  string `yaml:"debug_filter,omitempty"`

	API    APIConfig    `yaml:"api"`
	Kafka  KafkaConfig  `yaml:"kafka"`
	Valkey ValkeyConfig `yaml:"valkey"`

	// BrowseCommand is the external variable-browser binary started and
	// stopped over MQTT general commands.
	BrowseCommand string `yaml:"browse_command,omitempty"`
}

// APIConfig configures the read-only status REST server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// KafkaConfig configures the optional change-record sink.
type KafkaConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Brokers   []string `yaml:"brokers,omitempty"`
	Topic     string   `yaml:"topic,omitempty"`
	Username  string   `yaml:"username,omitempty"`
	Password  string   `yaml:"password,omitempty"`
	SASLMech  string   `yaml:"sasl_mechanism,omitempty"` // "", "plain", "scram-sha-256", "scram-sha-512"
	UseTLS    bool     `yaml:"use_tls,omitempty"`
	BatchSize int      `yaml:"batch_size,omitempty"`
}

// ValkeyConfig configures the optional latest-value cache.
type ValkeyConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Address   string        `yaml:"address,omitempty"`
	Password  string        `yaml:"password,omitempty"`
	Database  int           `yaml:"database,omitempty"`
	KeyPrefix string        `yaml:"key_prefix,omitempty"`
	Channel   string        `yaml:"channel,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ConfigDir: "config files",
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8182,
		},
		Kafka: KafkaConfig{
			Topic:     "plclink.data",
			BatchSize: 100,
		},
		Valkey: ValkeyConfig{
			Address:   "localhost:6379",
			KeyPrefix: "plclink",
			Channel:   "plclink:updates",
		},
	}
}

// DefaultPath returns the default gateway config location.
func DefaultPath() string {
	return "plclink.yaml"
}

// Load reads a YAML config from path, applying defaults for missing
// fields. A missing file yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ConfigDir == "" {
		c.ConfigDir = d.ConfigDir
	}
	if c.API.Host == "" {
		c.API.Host = d.API.Host
	}
	if c.API.Port == 0 {
		c.API.Port = d.API.Port
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = d.Kafka.Topic
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = d.Kafka.BatchSize
	}
	if c.Valkey.Address == "" {
		c.Valkey.Address = d.Valkey.Address
	}
	if c.Valkey.KeyPrefix == "" {
		c.Valkey.KeyPrefix = d.Valkey.KeyPrefix
	}
	if c.Valkey.Channel == "" {
		c.Valkey.Channel = d.Valkey.Channel
	}
}

// Save writes the configuration as YAML to path, atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// Validate reports configuration problems that prevent startup.
func (c *Config) Validate() error {
	if c.ConfigDir == "" {
		return fmt.Errorf("config_dir must not be empty")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api port %d out of range", c.API.Port)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka enabled but no brokers configured")
	}
	if c.Valkey.Enabled && c.Valkey.Address == "" {
		return fmt.Errorf("valkey enabled but no address configured")
	}
	return nil
}

// DriverConfigPath returns the driver config JSON location under ConfigDir.
func (c *Config) DriverConfigPath() string {
	return filepath.Join(c.ConfigDir, "driver config.json")
}

// RecipeConfigPath returns the recipe config JSON location under ConfigDir.
func (c *Config) RecipeConfigPath() string {
	return filepath.Join(c.ConfigDir, "recipe config.json")
}

// CatalogPath returns the per-device variable catalog CSV location.
func (c *Config) CatalogPath(deviceName string) string {
	return filepath.Join(c.ConfigDir, deviceName+".csv")
}
