package commands

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/tillsync/internal/app"
	"github.com/tildaslashalef/tillsync/internal/loggy"
	"github.com/tildaslashalef/tillsync/internal/utils"
)

// SyncCommand returns the CLI command for syncing queued actions
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:        "sync",
		Usage:       "Sync queued actions to the POS gateway",
		Description: "Runs one sync pass over pending actions, draining them against the remote gateway in priority order",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "all",
				Aliases: []string{"a"},
				Usage:   "Ignore the batch limit and drain the entire queue",
			},
		},
		Subcommands: []*cli.Command{
			{
				Name:        "status",
				Usage:       "Show sync status",
				Description: "Display queue counts, connectivity and the last sync time",
				Action:      SyncStatusAction,
			},
			{
				Name:        "config",
				Usage:       "Configure gateway settings",
				Description: "Modify gateway connection settings",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "gateway",
						Usage: "Gateway base URL",
					},
					&cli.StringFlag{
						Name:  "token",
						Usage: "Authentication token for the gateway",
					},
					&cli.StringFlag{
						Name:  "device-name",
						Usage: "Name identifying this terminal",
					},
					&cli.BoolFlag{
						Name:  "enabled",
						Usage: "Enable or disable syncing",
					},
				},
				Action: syncConfigAction,
			},
		},
		Action: syncAction,
	}
}

// syncAction runs one manual sync pass
func syncAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if !application.Config.Gateway.Enabled {
		return fmt.Errorf("syncing is disabled. Use 'tillsync sync config --enabled' to enable it")
	}

	all := c.Bool("all")
	loggy.Info("Starting manual sync", "all", all)

	if all {
		res, err := application.Engine.ForceSyncAll(c.Context)
		if err != nil {
			return err
		}
		printSyncResult(res.Success, res.SyncedCount, res.FailedCount, len(res.Conflicts), res.Duration, res.Errors)
		return nil
	}

	res, err := application.Engine.SyncToServer(c.Context)
	if err != nil {
		return err
	}
	printSyncResult(res.Success, res.SyncedCount, res.FailedCount, len(res.Conflicts), res.Duration, res.Errors)
	return nil
}

func printSyncResult(success bool, synced, failed, conflicts int, duration time.Duration, errs []string) {
	if success {
		utils.PrintSuccess(fmt.Sprintf("Synced %d action(s) in %s", synced, duration.Round(time.Millisecond)))
	} else {
		utils.PrintWarning(fmt.Sprintf("Sync finished with problems: %d synced, %d failed, %d conflict(s)",
			synced, failed, conflicts))
	}

	for _, msg := range errs {
		utils.PrintError(msg)
	}
	if conflicts > 0 {
		utils.PrintInfo("Use " + color.CyanString("tillsync queue conflicts") + " to inspect and resolve conflicts.")
	}
}

// SyncStatusAction shows the current engine status. It is exported so the
// root command can use it as the default action.
func SyncStatusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	status := application.Engine.GetSyncStatus()

	utils.PrintHeading("Sync Status")

	online := color.RedString("offline")
	if status.IsOnline {
		online = color.GreenString("online")
	}
	utils.PrintKeyValue("Gateway", online)
	utils.PrintKeyValue("Last sync", utils.FormatTimeAgo(status.LastSyncTime))
	utils.PrintKeyValue("Pending", fmt.Sprintf("%d", status.PendingActions))
	utils.PrintKeyValue("Failed", fmt.Sprintf("%d", status.FailedActions))
	utils.PrintKeyValue("Conflicts", fmt.Sprintf("%d", status.ConflictActions))
	utils.PrintKeyValue("Estimated completion", utils.FormatDuration(status.EstimatedCompletion))

	if status.SyncInProgress {
		utils.PrintInfo("A sync pass is currently running")
	}
	if status.PersistDegraded {
		utils.PrintWarning("Durable store writes are failing; queued actions may be lost on crash")
	}

	return nil
}

// syncConfigAction updates gateway settings
func syncConfigAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	ctx := c.Context
	changed := false

	if c.IsSet("gateway") {
		application.Config.Gateway.URL = c.String("gateway")
		utils.PrintKeyValue("Gateway URL updated", application.Config.Gateway.URL)
		changed = true
	}

	if c.IsSet("token") {
		application.Config.Gateway.Token = c.String("token")
		application.Gateway.SetToken(application.Config.Gateway.Token)
		utils.PrintSuccess("Token updated")
		changed = true
	}

	if c.IsSet("device-name") {
		application.Config.Device.Name = utils.SanitizeDeviceName(c.String("device-name"))
		utils.PrintKeyValue("Device name updated", application.Config.Device.Name)
		changed = true
	}

	if c.IsSet("enabled") {
		application.Config.Gateway.Enabled = c.Bool("enabled")
		utils.PrintKeyValue("Sync enabled", fmt.Sprintf("%v", application.Config.Gateway.Enabled))
		changed = true
	}

	if changed {
		if err := application.Settings.SaveGatewaySettings(ctx); err != nil {
			loggy.Warn("Failed to save gateway settings", "error", err)
			utils.PrintWarning("Settings were applied but could not be persisted")
		}
		return nil
	}

	utils.PrintHeading("Current Gateway Configuration")
	utils.PrintKeyValue("Gateway URL", application.Config.Gateway.URL)
	utils.PrintKeyValue("Sync enabled", fmt.Sprintf("%v", application.Config.Gateway.Enabled))
	utils.PrintKeyValue("Device ID", application.Config.Device.ID)
	utils.PrintKeyValue("Device name", application.Config.Device.Name)
	utils.PrintKeyValue("Batch size", fmt.Sprintf("%d", application.Config.Sync.BatchSize))
	utils.PrintKeyValue("Sync interval", application.Config.Sync.Interval.String())

	return nil
}
