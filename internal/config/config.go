// Package config provides YAML configuration loading and validation for the
// dispatcher process.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the dispatcher.
type Config struct {
	// Broker holds the MQTT connection parameters. Required.
	Broker BrokerConfig `yaml:"broker"`

	// HTTPAddr is the listen address for the queue collaborator API
	// (e.g. "127.0.0.1:8080"). Defaults to ":8080" when omitted.
	HTTPAddr string `yaml:"http_addr"`

	// JWTPublicKeyPath is the path to a PEM RSA public key used to verify
	// bearer tokens on POST /api/v1/queues. Leave empty to disable
	// authentication (dev only).
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// DBPath is the path to the dispatcher's SQLite database file.
	// ":memory:" is accepted for tests. Defaults to "./dispatch.db".
	DBPath string `yaml:"db_path"`

	// Readiness holds the staleness and debounce thresholds used by
	// BothReady.
	Readiness ReadinessConfig `yaml:"readiness"`

	// WatchdogInterval is how often the readiness watchdog polls for a
	// missed dispatch opportunity. Defaults to 2s.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`

	// Archive configures the optional PostgreSQL queue-outcome mirror. A zero-value
	// DSN disables archiving.
	Archive ArchiveConfig `yaml:"archive"`

	// AuditLogPath is the path to the hash-chained queue-outcome log.
	// Defaults to "./audit.log".
	AuditLogPath string `yaml:"audit_log_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

// BrokerConfig holds the MQTT broker connection parameters.
type BrokerConfig struct {
	// Host is the broker hostname or IP. Required.
	Host string `yaml:"host"`

	// Port is the broker TCP port. Defaults to 1883.
	Port int `yaml:"port"`

	// ClientID is the MQTT client identifier presented on connect. If
	// omitted, a random one is generated so that running more than one
	// dispatcher instance against the same broker (e.g. during a rolling
	// deploy) never collides on a shared static id.
	ClientID string `yaml:"client_id"`
}

// ReadinessConfig holds the thresholds consulted by the readiness tracker's
// BothReady predicate.
type ReadinessConfig struct {
	// MaxAge is the maximum age of a node's last_seen timestamp before it
	// is considered stale. Defaults to 10s.
	MaxAge time.Duration `yaml:"max_age"`

	// Debounce is the minimum time since a node's ready flag last changed
	// before that readiness is trusted. Defaults to 500ms.
	Debounce time.Duration `yaml:"debounce"`
}

// ArchiveConfig configures the best-effort PostgreSQL queue-outcome mirror.
type ArchiveConfig struct {
	// DSN is the PostgreSQL connection string. An empty DSN disables the
	// archive sink entirely.
	DSN string `yaml:"dsn"`

	// BatchSize is the number of buffered rows that triggers an immediate
	// flush. Defaults to 100.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is how often the background goroutine flushes buffered
	// rows even below BatchSize. Defaults to 200ms.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. On validation failure it
// returns one error that joins every validation failure encountered.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = 1883
	}
	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = "dispatcher-" + uuid.NewString()
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./dispatch.db"
	}
	if cfg.Readiness.MaxAge == 0 {
		cfg.Readiness.MaxAge = 10 * time.Second
	}
	if cfg.Readiness.Debounce == 0 {
		cfg.Readiness.Debounce = 500 * time.Millisecond
	}
	if cfg.WatchdogInterval == 0 {
		cfg.WatchdogInterval = 2 * time.Second
	}
	if cfg.Archive.DSN != "" {
		if cfg.Archive.BatchSize == 0 {
			cfg.Archive.BatchSize = 100
		}
		if cfg.Archive.FlushInterval == 0 {
			cfg.Archive.FlushInterval = 200 * time.Millisecond
		}
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "./audit.log"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Broker.Host == "" {
		errs = append(errs, errors.New("broker.host is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Readiness.MaxAge <= 0 {
		errs = append(errs, errors.New("readiness.max_age must be positive"))
	}
	if cfg.Readiness.Debounce < 0 {
		errs = append(errs, errors.New("readiness.debounce must not be negative"))
	}

	return errors.Join(errs...)
}
