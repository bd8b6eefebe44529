// Package app provides the application initialization and lifecycle management
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/tillsync/internal/audit"
	"github.com/tildaslashalef/tillsync/internal/config"
	"github.com/tildaslashalef/tillsync/internal/connectivity"
	"github.com/tildaslashalef/tillsync/internal/database"
	"github.com/tildaslashalef/tillsync/internal/loggy"
	"github.com/tildaslashalef/tillsync/internal/store"
	"github.com/tildaslashalef/tillsync/internal/sync"
)

// connectivityProbeInterval is how often the gateway is probed for
// reachability; sync passes are paced separately by Sync.Interval
const connectivityProbeInterval = 10 * time.Second

// App represents the application instance with its dependencies
type App struct {
	Config   *config.Config
	Settings *config.SettingsService
	Gateway  *sync.Client
	Monitor  connectivity.Monitor
	Engine   *sync.Engine

	polling *connectivity.PollingMonitor
}

// New initializes a new application instance with all its dependencies
func New() (*App, error) {
	cfg, err := initConfig()
	if err != nil {
		return nil, err
	}

	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	loggy.Info("Application initializing",
		"gateway_url", cfg.Gateway.URL,
		"log_level", cfg.Logging.Level,
	)

	if err := database.InitDB(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	db, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	app, err := initServices(cfg, db)
	if err != nil {
		return nil, err
	}

	loggy.Info("Application initialized successfully")
	return app, nil
}

// initConfig loads and sets up the application configuration
func initConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	config.Set(cfg)
	return cfg, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// initServices wires the sync engine and its collaborators
func initServices(cfg *config.Config, db *sql.DB) (*App, error) {
	logger := loggy.GetGlobalLogger()
	ctx := context.Background()

	settingsService := config.NewSettingsService(db, cfg, logger)
	if err := settingsService.LoadGatewaySettings(ctx); err != nil {
		loggy.Warn("Failed to load gateway settings from database", "error", err)
		// Continue anyway, using environment values
	}
	if err := settingsService.EnsureDeviceIdentity(ctx); err != nil {
		loggy.Warn("Failed to persist device identity", "error", err)
	}

	gatewayClient := sync.NewClient(cfg.Gateway, logger)

	app := &App{
		Config:   cfg,
		Settings: settingsService,
		Gateway:  gatewayClient,
	}

	// With the gateway disabled the engine queues everything and never
	// attempts a pass
	if cfg.Gateway.Enabled {
		app.polling = connectivity.NewPollingMonitor(gatewayClient, connectivityProbeInterval, logger)
		app.polling.Start()
		app.Monitor = app.polling
	} else {
		app.Monitor = connectivity.NewStatic(false)
	}

	engine, err := sync.NewEngine(ctx, sync.Options{
		Gateway:  gatewayClient,
		Monitor:  app.Monitor,
		Store:    store.NewSQLRepository(db, logger),
		Audit:    audit.NewSink(cfg.Audit, logger),
		Journal:  sync.NewSQLJournal(db, logger),
		Config:   cfg.Sync,
		DeviceID: cfg.Device.ID,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync engine: %w", err)
	}
	app.Engine = engine

	return app, nil
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	loggy.Info("Shutting down application")

	if app.Engine != nil {
		app.Engine.Destroy()
	}
	if app.polling != nil {
		app.polling.Stop()
	}

	if err := database.CloseDB(); err != nil {
		loggy.Error("Error closing database connection", "error", err)
	}

	return nil
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	app, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}

	return app, nil
}
