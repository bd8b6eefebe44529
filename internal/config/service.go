package config

import (
	"context"
	"database/sql"

	"github.com/tildaslashalef/tillsync/internal/loggy"
	"github.com/tildaslashalef/tillsync/internal/ulid"
	"github.com/tildaslashalef/tillsync/internal/utils"
)

// SettingsService provides operations for managing application settings
type SettingsService struct {
	repo   SettingsRepository
	config *Config
	logger *loggy.Logger
}

// NewSettingsService creates a new settings service
func NewSettingsService(db *sql.DB, config *Config, logger *loggy.Logger) *SettingsService {
	repo := NewSQLSettingsRepository(db, logger)

	return &SettingsService{
		repo:   repo,
		config: config,
		logger: logger,
	}
}

// GetSetting retrieves a setting by key
func (s *SettingsService) GetSetting(ctx context.Context, key string) (string, error) {
	return s.repo.GetSetting(ctx, key)
}

// SetSetting sets a setting value
func (s *SettingsService) SetSetting(ctx context.Context, key, value string) error {
	return s.repo.SetSetting(ctx, key, value)
}

// DeleteSetting deletes a setting
func (s *SettingsService) DeleteSetting(ctx context.Context, key string) error {
	return s.repo.DeleteSetting(ctx, key)
}

// GetRepository returns the underlying repository
func (s *SettingsService) GetRepository() SettingsRepository {
	return s.repo
}

// LoadGatewaySettings loads gateway settings from the database into the Config
func (s *SettingsService) LoadGatewaySettings(ctx context.Context) error {
	return LoadGatewaySettings(ctx, s.config, s.repo)
}

// SaveGatewaySettings saves gateway settings from the Config to the database
func (s *SettingsService) SaveGatewaySettings(ctx context.Context) error {
	return SaveGatewaySettings(ctx, s.config, s.repo)
}

// EnsureDeviceIdentity generates and persists a device id and name if this
// terminal does not have one yet. Existing values are left untouched.
func (s *SettingsService) EnsureDeviceIdentity(ctx context.Context) error {
	if s.config.Device.ID == "" {
		s.config.Device.ID = ulid.DeviceID()
		if err := s.repo.SetSetting(ctx, KeyDeviceID, s.config.Device.ID); err != nil {
			return err
		}
		s.logger.Info("Generated device id", "device_id", s.config.Device.ID)
	}

	if s.config.Device.Name == "" {
		s.config.Device.Name = utils.GenerateDeviceName()
		if err := s.repo.SetSetting(ctx, KeyDeviceName, s.config.Device.Name); err != nil {
			return err
		}
		s.logger.Info("Generated device name", "device_name", s.config.Device.Name)
	}

	return nil
}
