// Package config provides configuration loading and persisted settings
// management for the tillsync client.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// Global configuration instance
	globalConfig *Config
	configMutex  sync.RWMutex
)

// Get returns the global configuration instance.
// If the configuration has not been initialized, it will return an error.
func Get() (*Config, error) {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if globalConfig == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}

	return globalConfig, nil
}

// Set sets the global configuration instance
func Set(cfg *Config) {
	configMutex.Lock()
	defer configMutex.Unlock()

	globalConfig = cfg
}

// Config represents the complete application configuration
type Config struct {
	Gateway   GatewayConfig
	Sync      SyncConfig
	Audit     AuditConfig
	Device    DeviceConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	configDir string // Internal: Directory where config was loaded from
}

// GatewayConfig holds configuration for the remote POS gateway
type GatewayConfig struct {
	Enabled bool          // Whether syncing against the gateway is enabled
	URL     string        // Gateway base URL
	Token   string        // Authentication token
	Timeout time.Duration // HTTP client timeout

	// Transport-level retry and pacing for a single gateway call
	TransportRetries  int // Transient network retries inside one call
	RequestsPerMinute int // Request pacing; 0 disables limiting
	BurstLimit        int // Pacing burst

	// Connection pool settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// SyncConfig holds configuration for the offline action sync engine
type SyncConfig struct {
	BatchSize         int           // Max pending actions processed per pass
	Interval          time.Duration // Periodic trigger interval while online
	MaxRetries        int           // Default per-action retry limit
	ActionTimeout     time.Duration // Per-action gateway call timeout
	PerActionEstimate time.Duration // Heuristic duration used for ETA reporting
}

// AuditConfig holds configuration for the fire-and-forget audit sink
type AuditConfig struct {
	Enabled  bool          // Whether audit events are emitted at all
	Endpoint string        // Audit collector URL; empty logs locally only
	Timeout  time.Duration // Request timeout for the audit collector
}

// DeviceConfig identifies this terminal to the gateway
type DeviceConfig struct {
	ID         string // Stable device id, generated on first run
	Name       string // Human-readable device name
	OperatorID string // Default operator recorded on enqueued actions
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Path            string        // Path to the SQLite database file
	JournalMode     string        // Journal mode (WAL recommended)
	SynchronousMode string        // Synchronous mode
	BusyTimeout     int           // Busy timeout in milliseconds
	CacheSize       int           // Cache size in KiB
	ForeignKeys     bool          // Whether to enforce foreign key constraints
	ConnMaxLife     time.Duration // Maximum connection lifetime
	QueryTimeout    time.Duration // Query timeout
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool   // Include source code position in logs
	TimeFormat string // Time format for logs (empty uses RFC3339)
}

// New returns a new empty Config
func New() *Config {
	return &Config{
		Gateway:  GatewayConfig{},
		Sync:     SyncConfig{},
		Audit:    AuditConfig{},
		Device:   DeviceConfig{},
		Database: DatabaseConfig{},
		Logging:  LoggingConfig{},
	}
}

// ConfigDir returns the directory the configuration was loaded from
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateGateway(); err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}

	if err := c.validateSync(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}

	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// ParseLogLevel parses a log level string to a slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		// Set to a very high level that won't be triggered
		return slog.Level(9999)
	default:
		return slog.LevelInfo
	}
}

func (c *Config) validateGateway() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if c.Gateway.TransportRetries < 0 {
		return fmt.Errorf("transport_retries cannot be negative")
	}

	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}

	if c.Sync.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}

	if c.Sync.ActionTimeout <= 0 {
		return fmt.Errorf("action_timeout must be positive")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if c.Database.BusyTimeout < 0 {
		return fmt.Errorf("busy_timeout cannot be negative")
	}

	switch strings.ToUpper(c.Database.JournalMode) {
	case "WAL", "DELETE", "TRUNCATE", "PERSIST", "MEMORY", "OFF":
	default:
		return fmt.Errorf("invalid journal_mode: %s", c.Database.JournalMode)
	}

	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error", "none":
	default:
		return fmt.Errorf("invalid level: %s", c.Logging.Level)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid format: %s", c.Logging.Format)
	}

	return nil
}
