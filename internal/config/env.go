package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadFromEnv loads configuration from environment variables.
// Parameters:
// - configDir: Directory containing config files (or empty for default)
// - configFilePath: Path to .env file (or empty for default)
func LoadFromEnv(configDir string, configFilePath string) (*Config, error) {
	cfg := New()

	// If configDir is empty, use the default
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".tillsync")

		if err := os.MkdirAll(configDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	cfg.configDir = configDir

	// Default database and log paths are in the config directory
	cfg.Database.Path = filepath.Join(configDir, "tillsync.db")
	defaultLogPath := filepath.Join(configDir, "tillsync.log")

	// Use provided config file path or default
	if configFilePath == "" {
		configFilePath = filepath.Join(configDir, ".env")
	}

	// Check if ENV_FILE_PATH is set to load from a custom .env file
	envFilePath := getEnvString("ENV_FILE_PATH", "")
	if envFilePath != "" {
		err := godotenv.Load(envFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", envFilePath, err)
		}
	} else {
		// Try to load from config directory first
		err := godotenv.Load(configFilePath)
		if err != nil {
			// Then try current directory as fallback
			_ = godotenv.Load() // Ignore errors if file doesn't exist
		}
	}

	// Gateway Configuration
	cfg.Gateway = GatewayConfig{
		Enabled:             getEnvBool("TILLSYNC_GATEWAY_ENABLED", true),
		URL:                 getEnvString("TILLSYNC_GATEWAY_URL", "http://localhost:4000"),
		Token:               getEnvString("TILLSYNC_GATEWAY_TOKEN", ""),
		Timeout:             getEnvDuration("TILLSYNC_GATEWAY_TIMEOUT", 30*time.Second),
		TransportRetries:    getEnvInt("TILLSYNC_GATEWAY_TRANSPORT_RETRIES", 2),
		RequestsPerMinute:   getEnvInt("TILLSYNC_GATEWAY_REQUESTS_PER_MINUTE", 0),
		BurstLimit:          getEnvInt("TILLSYNC_GATEWAY_BURST_LIMIT", 10),
		MaxIdleConns:        getEnvInt("TILLSYNC_GATEWAY_MAX_IDLE_CONNS", 100),
		MaxIdleConnsPerHost: getEnvInt("TILLSYNC_GATEWAY_MAX_IDLE_CONNS_PER_HOST", 100),
		IdleConnTimeout:     getEnvDuration("TILLSYNC_GATEWAY_IDLE_CONN_TIMEOUT", 90*time.Second),
	}

	// Sync Engine Configuration
	cfg.Sync = SyncConfig{
		BatchSize:         getEnvInt("TILLSYNC_SYNC_BATCH_SIZE", 50),
		Interval:          getEnvDuration("TILLSYNC_SYNC_INTERVAL", 30*time.Second),
		MaxRetries:        getEnvInt("TILLSYNC_SYNC_MAX_RETRIES", 3),
		ActionTimeout:     getEnvDuration("TILLSYNC_SYNC_ACTION_TIMEOUT", 30*time.Second),
		PerActionEstimate: getEnvDuration("TILLSYNC_SYNC_PER_ACTION_ESTIMATE", 2*time.Second),
	}

	// Audit Configuration
	cfg.Audit = AuditConfig{
		Enabled:  getEnvBool("TILLSYNC_AUDIT_ENABLED", true),
		Endpoint: getEnvString("TILLSYNC_AUDIT_ENDPOINT", ""),
		Timeout:  getEnvDuration("TILLSYNC_AUDIT_TIMEOUT", 5*time.Second),
	}

	// Device Configuration
	cfg.Device = DeviceConfig{
		ID:         getEnvString("TILLSYNC_DEVICE_ID", ""),
		Name:       getEnvString("TILLSYNC_DEVICE_NAME", ""),
		OperatorID: getEnvString("TILLSYNC_OPERATOR_ID", ""),
	}

	// Database Configuration
	cfg.Database = DatabaseConfig{
		Path:            getEnvString("TILLSYNC_DB_PATH", cfg.Database.Path),
		BusyTimeout:     getEnvInt("TILLSYNC_DB_BUSY_TIMEOUT", 5000),
		JournalMode:     getEnvString("TILLSYNC_DB_JOURNAL_MODE", "WAL"),
		SynchronousMode: getEnvString("TILLSYNC_DB_SYNCHRONOUS_MODE", "NORMAL"),
		CacheSize:       getEnvInt("TILLSYNC_DB_CACHE_SIZE", -64000), // ~64MB
		ForeignKeys:     getEnvBool("TILLSYNC_DB_FOREIGN_KEYS", true),
		ConnMaxLife:     getEnvDuration("TILLSYNC_DB_CONN_MAX_LIFE", 5*time.Minute),
		QueryTimeout:    getEnvDuration("TILLSYNC_DB_QUERY_TIMEOUT", 30*time.Second),
	}

	// Logging Configuration
	cfg.Logging = LoggingConfig{
		Level:      getEnvString("TILLSYNC_LOG_LEVEL", "info"),
		Format:     getEnvString("TILLSYNC_LOG_FORMAT", "text"),
		Output:     getEnvString("TILLSYNC_LOG_OUTPUT", defaultLogPath),
		AddSource:  getEnvBool("TILLSYNC_LOG_ADD_SOURCE", false),
		TimeFormat: getEnvString("TILLSYNC_LOG_TIME_FORMAT", time.RFC3339),
	}

	// Validate the configuration
	return cfg, cfg.Validate()
}

func getEnvString(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
