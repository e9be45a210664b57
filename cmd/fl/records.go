package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldline/internal/app"
	"fieldline/internal/engine"
	"fieldline/internal/store"
)

func incidentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incident",
		Short: "Capture and inspect incidents",
	}
	cmd.AddCommand(incidentCreateCmd())
	cmd.AddCommand(incidentListCmd())
	return cmd
}

func incidentCreateCmd() *cobra.Command {
	var opts engine.IncidentCreateOptions
	var meta []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Capture an incident on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(meta) > 0 {
				opts.MLMetadata = map[string]any{}
				for _, kv := range meta {
					k, v, ok := strings.Cut(kv, "=")
					if !ok || k == "" {
						return fmt.Errorf("--meta expects key=value, got %q", kv)
					}
					opts.MLMetadata[k] = v
				}
			}
			return withDevice(cmd.Context(), deviceOptions{}, func(ctx context.Context, d *app.Device) error {
				inc, err := d.Engine.CreateIncident(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(inc)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "incident id (generated when empty)")
	cmd.Flags().StringSliceVar(&opts.MediaURIs, "media", nil, "media file path or URL (repeatable)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "classifier metadata key=value (repeatable)")
	cmd.Flags().StringVar(&opts.Severity, "severity", "", "High, Medium, Low or 1-3")
	cmd.Flags().StringVar(&opts.Department, "department", "", "department, sent as category")
	cmd.Flags().StringVar(&opts.Area, "area", "", "area")
	cmd.Flags().StringVar(&opts.Plant, "plant", "", "plant")
	cmd.Flags().StringVar(&opts.Advisory, "advisory", "", "advisory text")
	cmd.Flags().StringVar(&opts.Note, "note", "", "free-form note")
	cmd.Flags().StringVar(&opts.Status, "status", "", "incident status (default New)")
	return cmd
}

func incidentListCmd() *cobra.Command {
	var f store.IncidentFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents stored on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), deviceOptions{}, func(ctx context.Context, d *app.Device) error {
				items, err := d.Engine.Store.ListIncidents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Severity", "Department", "Media", "Sync", "Server ID"})
				for _, inc := range items {
					sid := ""
					if inc.ServerID != nil {
						sid = *inc.ServerID
					}
					tw.AppendRow(table.Row{inc.ID, inc.Severity, inc.Department, len(inc.MediaURIs), inc.SyncStatus, sid})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SyncStatus, "sync-status", "", "pending, synced or failed")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks on this device",
	}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskStatusCmd())
	cmd.AddCommand(taskCommentCmd())
	cmd.AddCommand(taskDelayCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Title == "" {
				return fmt.Errorf("--title required")
			}
			return withDevice(cmd.Context(), deviceOptions{}, func(ctx context.Context, d *app.Device) error {
				t, err := d.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Assignee, "assignee", "", "assignee name")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date")
	cmd.Flags().StringVar(&opts.Area, "area", "", "area")
	cmd.Flags().StringVar(&opts.Plant, "plant", "", "plant")
	cmd.Flags().StringVar(&opts.Precautions, "precautions", "", "safety precautions")
	cmd.Flags().StringVar(&opts.IncidentID, "incident", "", "related incident id")
	return cmd
}

func taskListCmd() *cobra.Command {
	var pendingOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), deviceOptions{}, func(ctx context.Context, d *app.Device) error {
				list := d.Engine.Store.GetTasks
				if pendingOnly {
					list = d.Engine.Store.GetPendingTasks
				}
				tasks, err := list(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"ID", "Title", "Status", "Assignee", "Due", "Sync"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Assignee, t.DueDate, t.SyncStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "only tasks awaiting upload")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Change a task's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), deviceOptions{}, func(ctx context.Context, d *app.Device) error {
				t, err := d.Engine.SetTaskStatus(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskCommentCmd() *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "comment <task-id> <text>",
		Short: "Append a comment to a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), deviceOptions{}, func(ctx context.Context, d *app.Device) error {
				t, err := d.Engine.AddTaskComment(ctx, args[0], args[1], author)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&author, "author", "", "comment author")
	return cmd
}

func taskDelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delay <task-id> <reason>",
		Short: "Mark a task delayed with a reason",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), deviceOptions{}, func(ctx context.Context, d *app.Device) error {
				t, err := d.Engine.DelayTask(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}
