package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldline/internal/app"
	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/repo"
)

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Server API keys",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a server user; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			return withServerRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, userID); err != nil {
					return fmt.Errorf("user %s: %w", userID, err)
				}
				buf := make([]byte, 24)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				key := "fl_" + hex.EncodeToString(buf)
				rec := domain.APIKey{ID: uuid.NewString(), UserID: userID, Name: name, KeyHash: repo.HashAPIKey(key)}
				if err := r.InsertAPIKey(ctx, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "user_id": userID, "key": key})
				}
				fmt.Println(key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Server users",
	}
	cmd.AddCommand(usersListCmd())
	cmd.AddCommand(usersAddCmd())
	return cmd
}

func usersListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users known to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), deviceOptions{}, func(ctx context.Context, d *app.Device) error {
				users, err := d.Client.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable(table.Row{"ID", "Name", "Email", "Role"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func usersAddCmd() *cobra.Command {
	var u domain.User
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update a user in this workspace's server store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if u.ID == "" {
				return fmt.Errorf("--id required")
			}
			return withServerRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				saved, err := r.UpsertUser(ctx, u)
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&u.ID, "id", "", "user id")
	cmd.Flags().StringVar(&u.Name, "name", "", "display name")
	cmd.Flags().StringVar(&u.Email, "email", "", "email")
	cmd.Flags().StringVar(&u.Role, "role", "reporter", "reporter, supervisor or admin")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Sync journal",
		Long:  "Everything the device did: captures, edits, uploads, merges and removals.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), deviceOptions{}, func(ctx context.Context, d *app.Device) error {
				items, err := events.Writer{DB: d.DB}.Tail(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"TS", "Type", "Kind", "Entity", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityKind, e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fieldline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			deviceID := viper.GetString("device-id")
			if deviceID == "" {
				deviceID = app.DefaultDeviceID()
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(deviceID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func withServerRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, r, err := app.OpenServer(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, r)
}
