package commands

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/tillsync/internal/app"
	"github.com/tildaslashalef/tillsync/internal/sync"
	"github.com/tildaslashalef/tillsync/internal/utils"
)

// QueueCommand returns the CLI command for inspecting and managing the
// offline action queue
func QueueCommand() *cli.Command {
	return &cli.Command{
		Name:        "queue",
		Usage:       "Inspect and manage the offline action queue",
		Description: "List queued actions, resolve conflicts, clear failed actions and review sync history",
		Subcommands: []*cli.Command{
			{
				Name:        "list",
				Usage:       "List queued actions",
				Description: "Show every queued action in processing order",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "status",
						Usage: "Filter by status (pending, failed, conflict)",
					},
				},
				Action: queueListAction,
			},
			{
				Name:        "add",
				Usage:       "Queue a stock adjustment",
				Description: "Queue a signed stock quantity adjustment for later sync",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "sku",
						Usage:    "Stock-keeping unit code",
						Required: true,
					},
					&cli.Float64Flag{
						Name:     "delta",
						Usage:    "Signed quantity delta",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "reason",
						Usage: "Reason code (delivery, waste, correction)",
						Value: "correction",
					},
					&cli.StringFlag{
						Name:  "priority",
						Usage: "Priority (critical, high, medium, low)",
						Value: string(sync.PriorityMedium),
					},
				},
				Action: queueAddAction,
			},
			{
				Name:        "conflicts",
				Usage:       "List recorded conflicts",
				Description: "Show conflicted actions with their recommended resolutions",
				Action:      queueConflictsAction,
			},
			{
				Name:        "resolve",
				Usage:       "Resolve a conflicted action",
				Description: "Apply a resolution choice to a conflicted action",
				ArgsUsage:   "<action-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "choice",
						Usage:    "Resolution (client-wins, server-wins, merge, manual, skip)",
						Required: true,
					},
				},
				Action: queueResolveAction,
			},
			{
				Name:        "clear-failed",
				Usage:       "Remove all failed actions",
				Description: "Drop every action whose retries are exhausted",
				Action:      queueClearFailedAction,
			},
			{
				Name:        "history",
				Usage:       "Show recent sync history",
				Description: "Display the local sync journal, newest first",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum entries to show",
						Value: 20,
					},
				},
				Action: queueHistoryAction,
			},
		},
	}
}

func queueListAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	var actions []sync.OfflineAction
	switch strings.ToLower(c.String("status")) {
	case "":
		actions = application.Engine.GetQueuedActions()
	case "pending":
		actions = application.Engine.GetQueuedActions()
		filtered := actions[:0]
		for _, action := range actions {
			if action.Status == sync.StatusPending {
				filtered = append(filtered, action)
			}
		}
		actions = filtered
	case "failed":
		actions = application.Engine.GetFailedActions()
	case "conflict":
		actions = application.Engine.GetConflictActions()
	default:
		return fmt.Errorf("unknown status filter: %s", c.String("status"))
	}

	if len(actions) == 0 {
		utils.PrintInfo("The action queue is empty")
		return nil
	}

	rows := make([][]string, 0, len(actions))
	for _, action := range actions {
		rows = append(rows, []string{
			action.ID,
			string(action.Type),
			action.EntityID,
			string(action.Metadata.Priority),
			formatStatus(action.Status),
			fmt.Sprintf("%d/%d", action.Metadata.RetryCount, action.Metadata.MaxRetries),
			action.Timestamp.Local().Format("Jan 02 15:04:05"),
		})
	}

	utils.PrintTable("Action Queue",
		[]string{"ID", "Type", "Entity", "Priority", "Status", "Retries", "Queued"},
		rows,
	)
	return nil
}

func queueAddAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	sku := c.String("sku")
	id, err := application.Engine.Enqueue(c.Context, sync.EnqueueInput{
		Type:       sync.ActionStockAdjustment,
		EntityType: sync.EntityStockItem,
		EntityID:   sku,
		Payload: sync.StockAdjustmentPayload{
			SKU:    sku,
			Delta:  c.Float64("delta"),
			Reason: c.String("reason"),
		},
		UserID:   application.Config.Device.OperatorID,
		Priority: sync.Priority(c.String("priority")),
	})
	if err != nil {
		return fmt.Errorf("queuing stock adjustment: %w", err)
	}

	utils.PrintSuccess("Queued stock adjustment " + color.CyanString(id))
	return nil
}

func queueConflictsAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	conflicts := application.Engine.GetConflicts()
	if len(conflicts) == 0 {
		utils.PrintInfo("No recorded conflicts")
		return nil
	}

	rows := make([][]string, 0, len(conflicts))
	for _, conflict := range conflicts {
		rows = append(rows, []string{
			conflict.ActionID,
			conflict.ConflictType,
			string(conflict.RecommendedResolution),
			conflict.DetectedAt.Local().Format("Jan 02 15:04:05"),
		})
	}

	utils.PrintTable("Conflicts",
		[]string{"Action", "Type", "Recommended", "Detected"},
		rows,
	)
	utils.PrintInfo("Resolve with " + color.CyanString("tillsync queue resolve <action-id> --choice <resolution>"))
	return nil
}

func queueResolveAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	actionID := c.Args().First()
	if actionID == "" {
		return fmt.Errorf("action id is required")
	}

	choice := sync.ResolutionPolicy(strings.ToLower(c.String("choice")))
	switch choice {
	case sync.ResolveClientWins, sync.ResolveServerWins, sync.ResolveMerge, sync.ResolveManual, sync.ResolveSkip:
	default:
		return fmt.Errorf("invalid resolution choice: %s", choice)
	}

	if err := application.Engine.ResolveConflict(c.Context, actionID, choice); err != nil {
		return fmt.Errorf("resolving conflict: %w", err)
	}

	if choice == sync.ResolveSkip {
		utils.PrintSuccess("Discarded conflicted action " + actionID)
	} else {
		utils.PrintSuccess(fmt.Sprintf("Re-queued action %s under %s", actionID, choice))
	}
	return nil
}

func queueClearFailedAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	removed := application.Engine.ClearFailedActions(c.Context)
	if removed == 0 {
		utils.PrintInfo("No failed actions to clear")
		return nil
	}

	utils.PrintSuccess(fmt.Sprintf("Removed %d failed action(s)", removed))
	return nil
}

func queueHistoryAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	entries, err := application.Engine.Journal().ListRecent(c.Context, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("loading sync history: %w", err)
	}

	if len(entries) == 0 {
		utils.PrintInfo("No sync history yet")
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []string{
			entry.ActionID,
			string(entry.ActionType),
			entry.EntityID,
			entry.Outcome,
			truncate(entry.Detail, 48),
			entry.CreatedAt.Local().Format("Jan 02 15:04:05"),
		})
	}

	utils.PrintTable("Sync History",
		[]string{"Action", "Type", "Entity", "Outcome", "Detail", "When"},
		rows,
	)
	return nil
}

func formatStatus(status sync.ActionStatus) string {
	switch status {
	case sync.StatusPending:
		return color.YellowString(string(status))
	case sync.StatusSyncing:
		return color.BlueString(string(status))
	case sync.StatusFailed:
		return color.RedString(string(status))
	case sync.StatusConflict:
		return color.MagentaString(string(status))
	default:
		return string(status)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
