package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"fieldline/internal/app"
	"fieldline/internal/auth"
	"fieldline/internal/server"
	"fieldline/internal/syncer"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), deviceOptions{notify: true}, func(ctx context.Context, d *app.Device) error {
				rep := d.Syncer.Synchronize(ctx, func() {
					d.Logger.Debug("sync callback fired")
				})
				return printReport(rep)
			})
		},
	}
	return cmd
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync periodically until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), deviceOptions{notify: true}, func(ctx context.Context, d *app.Device) error {
				runner := d.Runner(func(rep syncer.Report) {
					if rep.DownloadErr != nil || rep.Failures > 0 {
						fmt.Printf("sync finished with %d failure(s)\n", rep.Failures)
					}
				})
				if interval > 0 {
					runner.Interval = interval
				}
				return runner.Run(ctx)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "sync interval (overrides config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, publicURL string
	var withSync, anonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reference HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = cfg.Server.BasePath
			}
			if publicURL == "" {
				publicURL = cfg.Server.PublicURL
			}
			authCfg := server.AuthConfig{
				JWTSecret:      viper.GetString("jwt-secret"),
				AllowAnonymous: anonymous,
				Logger:         logger.Named("auth"),
			}
			if authCfg.JWTSecret == "" && !anonymous {
				return fmt.Errorf("FIELDLINE_JWT_SECRET is required for bearer auth (or pass --anonymous)")
			}

			conn, r, err := app.OpenServer(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			reg := prometheus.NewRegistry()
			handler, err := server.New(server.Config{
				Repo:      r,
				BasePath:  basePath,
				Auth:      authCfg,
				MediaDir:  app.MediaDir(workspace, cfg),
				PublicURL: publicURL,
				Registry:  reg,
				Logger:    logger.Named("http"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Serving Fieldline API on http://%s%s (metrics at %s/metrics)\n", addr, basePath, basePath)

			tasks := []func(context.Context) error{
				func(ctx context.Context) error { return serveHTTP(ctx, addr, handler, logger) },
			}
			if withSync {
				d, err := app.OpenDevice(workspace, cfg, app.DeviceOptions{
					Credentials: app.Credentials{Token: viper.GetString("token"), APIKey: viper.GetString("api-key")},
					Notifier:    syncer.NotifierFunc(func(msg string) { logger.Info(msg) }),
					Registerer:  reg,
					Logger:      logger,
				})
				if err != nil {
					return err
				}
				defer d.Close()
				tasks = append(tasks, d.Runner(func(rep syncer.Report) { logSyncError(logger, rep) }).Run)
			}
			return runGroup(cmd.Context(), tasks...)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path")
	cmd.Flags().StringVar(&publicURL, "public-url", "", "public URL prefix for media links")
	cmd.Flags().BoolVar(&withSync, "sync", false, "also run this workspace's device sync loop")
	cmd.Flags().BoolVar(&anonymous, "anonymous", false, "accept unauthenticated requests (development only)")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer tokens",
	}
	cmd.AddCommand(tokenIssueCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var opts auth.IssueOptions
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with FIELDLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.Issue(viper.GetString("jwt-secret"), opts)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "user id")
	cmd.Flags().StringVar(&opts.Role, "role", "reporter", "role claim")
	cmd.Flags().StringVar(&opts.DeviceID, "device", "", "device id claim")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "lifetime (0 never expires)")
	return cmd
}

// logSyncError keeps background failures visible when stdout is not watched.
func logSyncError(logger *zap.Logger, rep syncer.Report) {
	if rep.DownloadErr != nil {
		logger.Warn("sync download failed", zap.Error(rep.DownloadErr))
	}
}
