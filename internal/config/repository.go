package config

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/tillsync/internal/loggy"
	"github.com/tildaslashalef/tillsync/internal/ulid"
)

// Settings keys persisted in the database
const (
	KeyGatewayURL     = "gateway.url"
	KeyGatewayToken   = "gateway.token"
	KeyGatewayEnabled = "gateway.enabled"
	KeyDeviceID       = "device.id"
	KeyDeviceName     = "device.name"
)

// Setting represents a persistent setting in the database
type Setting struct {
	ID        string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SettingsRepository defines operations for managing settings in the database
type SettingsRepository interface {
	// GetSetting retrieves a setting by key
	GetSetting(ctx context.Context, key string) (string, error)

	// GetSettings retrieves multiple settings by prefix
	GetSettings(ctx context.Context, prefix string) (map[string]string, error)

	// SetSetting sets a setting value
	SetSetting(ctx context.Context, key, value string) error

	// DeleteSetting deletes a setting
	DeleteSetting(ctx context.Context, key string) error
}

// SQLSettingsRepository implements SettingsRepository using a SQL database
type SQLSettingsRepository struct {
	db     *sql.DB
	logger *loggy.Logger
}

// NewSQLSettingsRepository creates a new SQL settings repository
func NewSQLSettingsRepository(db *sql.DB, logger *loggy.Logger) SettingsRepository {
	return &SQLSettingsRepository{
		db:     db,
		logger: logger,
	}
}

// GetSetting retrieves a setting by key
func (r *SQLSettingsRepository) GetSetting(ctx context.Context, key string) (string, error) {
	q := squirrel.Select("value").
		From("settings").
		Where(squirrel.Eq{"key": key}).
		Limit(1)

	query, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("building get setting query: %w", err)
	}

	var value string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil // Return empty string if not found
		}
		return "", fmt.Errorf("executing get setting query: %w", err)
	}

	// Decode if it's the gateway token
	if key == KeyGatewayToken && value != "" {
		return deobfuscateToken(value)
	}

	return value, nil
}

// GetSettings retrieves multiple settings by prefix
func (r *SQLSettingsRepository) GetSettings(ctx context.Context, prefix string) (map[string]string, error) {
	q := squirrel.Select("key", "value").
		From("settings").
		Where(squirrel.Like{"key": prefix + "%"})

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get settings query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing get settings query: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		err := rows.Scan(&key, &value)
		if err != nil {
			return nil, fmt.Errorf("scanning setting row: %w", err)
		}

		if key == KeyGatewayToken && value != "" {
			value, err = deobfuscateToken(value)
			if err != nil {
				r.logger.Warn("Failed to deobfuscate token", "error", err)
				continue
			}
		}

		settings[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating setting rows: %w", err)
	}

	return settings, nil
}

// SetSetting sets a setting value
func (r *SQLSettingsRepository) SetSetting(ctx context.Context, key, value string) error {
	// Check if the setting already exists
	existingValue, err := r.GetSetting(ctx, key)
	if err != nil {
		return fmt.Errorf("checking for existing setting: %w", err)
	}

	// Obfuscate the gateway token before storing it
	storeValue := value
	if key == KeyGatewayToken && value != "" {
		storeValue, err = obfuscateToken(value)
		if err != nil {
			return fmt.Errorf("obfuscating token: %w", err)
		}
	}

	now := time.Now().UTC()

	if existingValue == "" {
		id := ulid.SettingID()
		q := squirrel.Insert("settings").
			Columns("id", "key", "value", "created_at", "updated_at").
			Values(id, key, storeValue, now, now)

		query, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("building insert setting query: %w", err)
		}

		_, err = r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("executing insert setting query: %w", err)
		}
	} else {
		q := squirrel.Update("settings").
			Set("value", storeValue).
			Set("updated_at", now).
			Where(squirrel.Eq{"key": key})

		query, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("building update setting query: %w", err)
		}

		_, err = r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("executing update setting query: %w", err)
		}
	}

	return nil
}

// DeleteSetting deletes a setting
func (r *SQLSettingsRepository) DeleteSetting(ctx context.Context, key string) error {
	q := squirrel.Delete("settings").
		Where(squirrel.Eq{"key": key})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building delete setting query: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing delete setting query: %w", err)
	}

	return nil
}

// LoadGatewaySettings loads gateway and device settings from the database
// into a Config object. Database values win over environment defaults.
func LoadGatewaySettings(ctx context.Context, cfg *Config, repo SettingsRepository) error {
	gateway, err := repo.GetSettings(ctx, "gateway.")
	if err != nil {
		return fmt.Errorf("loading gateway settings: %w", err)
	}

	if url, ok := gateway[KeyGatewayURL]; ok && url != "" {
		cfg.Gateway.URL = url
	}

	if token, ok := gateway[KeyGatewayToken]; ok && token != "" {
		cfg.Gateway.Token = token
	}

	if enabled, ok := gateway[KeyGatewayEnabled]; ok && enabled != "" {
		cfg.Gateway.Enabled = enabled == "true"
	}

	device, err := repo.GetSettings(ctx, "device.")
	if err != nil {
		return fmt.Errorf("loading device settings: %w", err)
	}

	if id, ok := device[KeyDeviceID]; ok && id != "" {
		cfg.Device.ID = id
	}

	if name, ok := device[KeyDeviceName]; ok && name != "" {
		cfg.Device.Name = name
	}

	return nil
}

// SaveGatewaySettings saves gateway and device settings from a Config object
// to the database
func SaveGatewaySettings(ctx context.Context, cfg *Config, repo SettingsRepository) error {
	if err := repo.SetSetting(ctx, KeyGatewayURL, cfg.Gateway.URL); err != nil {
		return fmt.Errorf("saving gateway URL: %w", err)
	}

	if err := repo.SetSetting(ctx, KeyGatewayToken, cfg.Gateway.Token); err != nil {
		return fmt.Errorf("saving gateway token: %w", err)
	}

	enabledStr := "false"
	if cfg.Gateway.Enabled {
		enabledStr = "true"
	}
	if err := repo.SetSetting(ctx, KeyGatewayEnabled, enabledStr); err != nil {
		return fmt.Errorf("saving gateway enabled status: %w", err)
	}

	if err := repo.SetSetting(ctx, KeyDeviceID, cfg.Device.ID); err != nil {
		return fmt.Errorf("saving device id: %w", err)
	}

	if err := repo.SetSetting(ctx, KeyDeviceName, cfg.Device.Name); err != nil {
		return fmt.Errorf("saving device name: %w", err)
	}

	return nil
}

// Simple token obfuscation functions.
// These provide basic obfuscation, not true encryption.

// obfuscateToken performs basic token obfuscation
func obfuscateToken(token string) (string, error) {
	// Reverse the token
	runes := []rune(token)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	reversed := string(runes)

	// Base64 encode and add a marker
	encoded := base64.StdEncoding.EncodeToString([]byte(reversed))
	return "OBFS:" + encoded, nil
}

// deobfuscateToken reverses the obfuscation
func deobfuscateToken(obfuscated string) (string, error) {
	if !strings.HasPrefix(obfuscated, "OBFS:") {
		return obfuscated, nil // Not obfuscated
	}

	encoded := strings.TrimPrefix(obfuscated, "OBFS:")

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding obfuscated token: %w", err)
	}

	runes := []rune(string(decoded))
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}

	return string(runes), nil
}
