package config

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tildaslashalef/tillsync/internal/loggy"
)

//go:embed env.sample
var configFS embed.FS

// SetupConfigDirectory ensures the config directory exists and contains necessary files
func SetupConfigDirectory(configDir string, backupExisting bool) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	// Extract sample env file (with backup if it exists)
	sampleEnvPath := filepath.Join(configDir, ".env")
	if err := ExtractEmbeddedFile("env.sample", sampleEnvPath, backupExisting); err != nil {
		loggy.Warn("Failed to extract sample env file", "error", err)
		// Continue anyway, this is not critical
	}

	return nil
}

// ExtractEmbeddedFile extracts an embedded file to the target path if it doesn't exist.
// If backupExisting is true and the file exists, it will be backed up before overwriting.
func ExtractEmbeddedFile(embeddedPath, targetPath string, backupExisting bool) error {
	if _, err := os.Stat(targetPath); err == nil {
		if !backupExisting {
			// File exists and we were not asked to replace it
			return nil
		}

		backupPath := fmt.Sprintf("%s.bak.%s", targetPath, time.Now().Format("20060102150405"))
		if err := os.Rename(targetPath, backupPath); err != nil {
			return fmt.Errorf("backing up existing file: %w", err)
		}
		loggy.Info("Backed up existing config file", "from", targetPath, "to", backupPath)
	}

	data, err := configFS.ReadFile(embeddedPath)
	if err != nil {
		return fmt.Errorf("reading embedded file %s: %w", embeddedPath, err)
	}

	if err := os.WriteFile(targetPath, data, 0644); err != nil {
		return fmt.Errorf("writing file %s: %w", targetPath, err)
	}

	return nil
}
