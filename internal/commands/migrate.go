package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/tillsync/internal/database"
	"github.com/tildaslashalef/tillsync/internal/utils"
)

// MigrateCommand returns the CLI command for database migrations
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Manage database migrations",
		Hidden: true,
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(c *cli.Context) error {
					utils.PrintInfo("Applying embedded migrations")

					applied, err := database.RunMigrations()
					if err != nil {
						utils.PrintError(fmt.Sprintf("Failed to apply migrations: %s", err))
						return fmt.Errorf("failed to apply migrations: %w", err)
					}

					if applied > 0 {
						utils.PrintSuccess(fmt.Sprintf("Applied %d migration(s) successfully!", applied))
					} else {
						utils.PrintSuccess("Database schema is already up-to-date")
					}
					return nil
				},
			},
			{
				Name:  "down",
				Usage: "Revert the last migration",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "steps",
						Usage: "Number of migrations to revert (default: 1)",
						Value: 1,
					},
				},
				Action: func(c *cli.Context) error {
					steps := c.Int("steps")

					utils.PrintWarning(fmt.Sprintf("Reverting %d embedded migration(s)", steps))

					if err := database.RevertMigrations(steps); err != nil {
						utils.PrintError(fmt.Sprintf("Failed to revert migrations: %s", err))
						return fmt.Errorf("failed to revert migrations: %w", err)
					}

					utils.PrintSuccess("Migration(s) reverted successfully!")
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "Create a new migration (development only)",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "name",
						Aliases:  []string{"n"},
						Usage:    "Name of the migration (eg: create_orders_table)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "path",
						Usage:    "Path where migration files will be created",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					name := c.String("name")
					path := c.String("path")

					utils.PrintWarning("Note: This command is intended for development use only.")
					utils.PrintWarning("New migrations will not be automatically embedded in the binary.")

					if err := os.MkdirAll(path, 0755); err != nil {
						utils.PrintError(fmt.Sprintf("Failed to create migrations directory: %s", err))
						return fmt.Errorf("failed to create migrations directory: %w", err)
					}

					nextNumber, err := nextMigrationNumber(path)
					if err != nil {
						utils.PrintError(fmt.Sprintf("Failed to determine next migration number: %s", err))
						return fmt.Errorf("failed to determine next migration number: %w", err)
					}

					utils.PrintInfo(fmt.Sprintf("Creating new migration: %s (version %d)", name, nextNumber))

					upFile := filepath.Join(path, fmt.Sprintf("%06d_%s.up.sql", nextNumber, name))
					if err := os.WriteFile(upFile, []byte("-- Write your UP migration SQL here\n"), 0644); err != nil {
						utils.PrintError(fmt.Sprintf("Failed to create up migration file: %s", err))
						return fmt.Errorf("failed to create up migration file: %w", err)
					}

					downFile := filepath.Join(path, fmt.Sprintf("%06d_%s.down.sql", nextNumber, name))
					if err := os.WriteFile(downFile, []byte("-- Write your DOWN migration SQL here\n"), 0644); err != nil {
						utils.PrintError(fmt.Sprintf("Failed to create down migration file: %s", err))
						return fmt.Errorf("failed to create down migration file: %w", err)
					}

					utils.PrintSuccess("Migration created successfully!")
					utils.PrintInfo(fmt.Sprintf("Up migration: %s", upFile))
					utils.PrintInfo(fmt.Sprintf("Down migration: %s", downFile))
					utils.PrintWarning("Remember to copy these files to internal/migrations/sql/ and rebuild to embed them.")

					return nil
				},
			},
		},
	}
}

// nextMigrationNumber scans existing migrations and returns the highest
// number found plus one
func nextMigrationNumber(migrationsPath string) (int, error) {
	entries, err := os.ReadDir(migrationsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}

	numbers := []int{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		parts := strings.Split(entry.Name(), "_")
		if len(parts) >= 2 {
			if num, err := strconv.Atoi(parts[0]); err == nil {
				numbers = append(numbers, num)
			}
		}
	}

	if len(numbers) == 0 {
		return 1, nil
	}

	sort.Ints(numbers)
	return numbers[len(numbers)-1] + 1, nil
}
