package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for HTTQ.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Database DatabaseConfig `yaml:"database"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// APIConfig contains HTTP listener settings.
type APIConfig struct {
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	TLS         TLSConfig        `yaml:"tls"`
	Timeouts    APITimeoutConfig `yaml:"timeouts"`
	CORS        CORSConfig       `yaml:"cors"`
	MaxBodySize int64            `yaml:"max_body_size"`
}

// TLSConfig contains TLS certificate settings for the HTTP listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
//
// Write must outlast the longest subscribe wait, otherwise the server cuts
// off responses that are still waiting for a message.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// BridgeConfig contains broker-side settings for the bridging engine.
// Durations are in seconds.
type BridgeConfig struct {
	// SubscribeTimeout is how long a subscribe request waits for a message.
	SubscribeTimeout int `yaml:"subscribe_timeout"`

	// MaxSubscribeTimeout caps per-request timeout overrides.
	MaxSubscribeTimeout int `yaml:"max_subscribe_timeout"`

	// IdleTimeout is how long an unreferenced broker connection stays pooled.
	IdleTimeout int `yaml:"idle_timeout"`

	ConnectTimeout int `yaml:"connect_timeout"`
	AckTimeout     int `yaml:"ack_timeout"`
	KeepAlive      int `yaml:"keepalive"`

	// ClientIDPrefix is prepended to the random MQTT client identifier.
	ClientIDPrefix string `yaml:"client_id_prefix"`

	// QoS2Mode is "exactly_once" (full PUBREC/PUBREL/PUBCOMP flow) or
	// "at_least_once" (QoS 2 publishes are sent as QoS 1).
	QoS2Mode string `yaml:"qos2_mode"`
}

// DatabaseConfig contains SQLite settings for the exchange audit log.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for exchange telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains bearer token settings. An empty secret disables
// token checks on the bridge endpoint.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// QoS 2 handling modes.
const (
	QoS2ExactlyOnce = "exactly_once"
	QoS2AtLeastOnce = "at_least_once"
)

// minJWTSecretLength is the shortest accepted HMAC secret.
const minJWTSecretLength = 32

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HTTQ_SECTION_KEY
// For example: HTTQ_API_PORT, HTTQ_DATABASE_PATH
//
// When allowMissing is true a non-existent file is not an error and the
// defaults are used instead.
func Load(path string, allowMissing bool) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case allowMissing && errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 330,
				Idle:  120,
			},
			MaxBodySize: 16 << 20,
		},
		Bridge: BridgeConfig{
			SubscribeTimeout:    300,
			MaxSubscribeTimeout: 300,
			IdleTimeout:         30,
			ConnectTimeout:      10,
			AckTimeout:          30,
			KeepAlive:           60,
			ClientIDPrefix:      "httq",
			QoS2Mode:            QoS2ExactlyOnce,
		},
		Database: DatabaseConfig{
			Enabled:     false,
			Path:        "./data/httq.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HTTQ_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// API
	if v := os.Getenv("HTTQ_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("HTTQ_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTQ_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}

	// Bridge
	if v := os.Getenv("HTTQ_SUBSCRIBE_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTQ_SUBSCRIBE_TIMEOUT: %w", err)
		}
		cfg.Bridge.SubscribeTimeout = secs
	}

	// Database
	if v := os.Getenv("HTTQ_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("HTTQ_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("HTTQ_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Security
	if v := os.Getenv("HTTQ_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.MaxBodySize <= 0 {
		errs = append(errs, "api.max_body_size must be positive")
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls.cert_file and api.tls.key_file are required when TLS is enabled")
	}

	// Bridge validation
	if c.Bridge.SubscribeTimeout <= 0 {
		errs = append(errs, "bridge.subscribe_timeout must be positive")
	}
	if c.Bridge.MaxSubscribeTimeout < c.Bridge.SubscribeTimeout {
		errs = append(errs, "bridge.max_subscribe_timeout must not be below bridge.subscribe_timeout")
	}
	if c.Bridge.IdleTimeout < 0 {
		errs = append(errs, "bridge.idle_timeout must not be negative")
	}
	if c.Bridge.ConnectTimeout <= 0 {
		errs = append(errs, "bridge.connect_timeout must be positive")
	}
	if c.Bridge.AckTimeout <= 0 {
		errs = append(errs, "bridge.ack_timeout must be positive")
	}
	if c.Bridge.KeepAlive < 0 || c.Bridge.KeepAlive > 65535 {
		errs = append(errs, "bridge.keepalive must be between 0 and 65535")
	}
	if c.Bridge.ClientIDPrefix == "" {
		errs = append(errs, "bridge.client_id_prefix is required")
	}
	if c.Bridge.QoS2Mode != QoS2ExactlyOnce && c.Bridge.QoS2Mode != QoS2AtLeastOnce {
		errs = append(errs, "bridge.qos2_mode must be exactly_once or at_least_once")
	}

	// A write timeout shorter than the longest wait would truncate subscribe responses.
	if c.API.Timeouts.Write > 0 && c.API.Timeouts.Write <= c.Bridge.MaxSubscribeTimeout {
		errs = append(errs, "api.timeouts.write must exceed bridge.max_subscribe_timeout (or be 0)")
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the audit log is enabled")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	// Security validation
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// Seconds converts a whole-second config value to a Duration.
func Seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}
