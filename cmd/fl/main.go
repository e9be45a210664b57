package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fieldline/internal/app"
	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/syncer"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fieldline CLI",
	Long: `Fieldline captures field incidents and tasks offline and syncs them with a server.
- Workspace: a directory holding fieldline.yml and the .fieldline data folder.
- Incidents: photo-backed reports captured on the device; uploaded once, media first.
- Tasks: work items that flow both ways; local edits win until they are uploaded.
- Sync: upload pending records, download the server task list, merge, and clean up.
- Serve: run the reference API server devices sync against.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIELDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("base-url", "", "server base URL (overrides config)")
	rootCmd.PersistentFlags().String("device-id", "", "device identifier (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("base-url", rootCmd.PersistentFlags().Lookup("base-url"))
	_ = viper.BindPFlag("device-id", rootCmd.PersistentFlags().Lookup("device-id"))
}

func registerCommands() {
	rootCmd.AddCommand(incidentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := app.LoadConfig(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("base-url"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := viper.GetString("device-id"); v != "" {
		cfg.Device.ID = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return app.NewLogger(cfg, app.LogOptions{Verbose: viper.GetBool("verbose")})
}

type deviceOptions struct {
	notify     bool
	registerer prometheus.Registerer
}

func withDevice(ctx context.Context, opts deviceOptions, fn func(context.Context, *app.Device) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	dopts := app.DeviceOptions{
		Credentials: app.Credentials{
			Token:  viper.GetString("token"),
			APIKey: viper.GetString("api-key"),
		},
		Registerer: opts.registerer,
		Logger:     logger,
	}
	if opts.notify {
		dopts.Notifier = syncer.NotifierFunc(func(msg string) { fmt.Println(msg) })
	}
	d, err := app.OpenDevice(viper.GetString("workspace"), cfg, dopts)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, d)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printReport(rep syncer.Report) error {
	if viper.GetBool("json") {
		out := map[string]any{
			"skipped":            rep.Skipped,
			"incidents_uploaded": rep.IncidentsUploaded,
			"tasks_uploaded":     rep.TasksUploaded,
			"tasks_created":      rep.TasksCreated,
			"tasks_updated":      rep.TasksUpdated,
			"tasks_deleted":      rep.TasksDeleted,
			"media_dropped":      rep.MediaDropped,
			"failures":           rep.Failures,
		}
		if rep.DownloadErr != nil {
			out["download_error"] = rep.DownloadErr.Error()
		}
		return printJSON(out)
	}
	if rep.Skipped {
		fmt.Println("sync already in progress")
		return nil
	}
	tw := newTable(table.Row{"Uploaded incidents", "Uploaded tasks", "New", "Updated", "Removed", "Media dropped", "Failures"})
	tw.AppendRow(table.Row{rep.IncidentsUploaded, rep.TasksUploaded, rep.TasksCreated, rep.TasksUpdated, rep.TasksDeleted, rep.MediaDropped, rep.Failures})
	tw.Render()
	if rep.DownloadErr != nil {
		fmt.Println("download failed:", rep.DownloadErr)
	}
	return nil
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	}
}

// runGroup runs fns until the first error or until ctx ends.
func runGroup(ctx context.Context, fns ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}
