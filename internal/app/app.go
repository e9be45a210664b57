// Package app wires the device and server components from a workspace config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/engine"
	"fieldline/internal/events"
	"fieldline/internal/metrics"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
	"fieldline/internal/syncer"
	fieldlinesdk "fieldline/sdk/go"
)

// Credentials resolve the remote identity; secrets usually come from the environment.
type Credentials struct {
	Token  string
	APIKey string
}

// Device is an opened device workspace.
type Device struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Client *fieldlinesdk.Client
	Syncer *syncer.Service
	Logger *zap.Logger
}

// DeviceOptions carries the optional collaborators of OpenDevice.
type DeviceOptions struct {
	Credentials Credentials
	Notifier    syncer.Notifier
	Registerer  prometheus.Registerer
	Logger      *zap.Logger
}

// LoadConfig returns the workspace config, or defaults with a fresh device id when
// the workspace has none.
func LoadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(DefaultDeviceID())
	}
	return cfg, nil
}

// DefaultDeviceID derives a device id from the host name.
func DefaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "device-" + uuid.NewString()[:8]
	}
	return "device-" + strings.ToLower(host)
}

// OpenDevice opens and migrates the device store and wires the sync service.
func OpenDevice(workspace string, cfg *config.Config, opts DeviceOptions) (*Device, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Name: db.DeviceDB})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, migrate.Local); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate device store: %w", err)
	}
	e := engine.New(conn)

	client := fieldlinesdk.New(cfg.Remote.BaseURL)
	if cfg.Remote.Timeout > 0 {
		client.Timeout = cfg.Remote.Timeout
	}
	client.MaxAttempts = cfg.Remote.Retry.MaxAttempts
	if cfg.Remote.Retry.InitialInterval > 0 {
		client.RetryInitialInterval = cfg.Remote.Retry.InitialInterval
	}
	client.BearerToken = firstNonEmpty(opts.Credentials.Token, cfg.Remote.Token)
	client.APIKey = firstNonEmpty(opts.Credentials.APIKey, cfg.Remote.APIKey)

	svc := syncer.New(e.Store, client, cfg.Device.ID, syncer.Options{
		Notifier: opts.Notifier,
		Journal:  events.Writer{DB: conn},
		Metrics:  metrics.NewSync(opts.Registerer),
		Logger:   log.Named("sync"),
		Policy: syncer.Policy{
			StaleAfterCycles: cfg.Sync.StaleAfterCycles,
			RunTimeout:       cfg.Sync.RunTimeout,
		},
	})
	return &Device{
		Config: cfg,
		DB:     conn,
		Engine: e,
		Client: client,
		Syncer: svc,
		Logger: log,
	}, nil
}

// Runner returns a periodic sync runner for the device.
func (d *Device) Runner(onCycle func(syncer.Report)) syncer.Runner {
	return syncer.Runner{
		Service:  d.Syncer,
		Interval: d.Config.Sync.Interval,
		OnCycle:  onCycle,
		Logger:   d.Logger.Named("runner"),
	}
}

func (d *Device) Close() error {
	return d.DB.Close()
}

// OpenServer opens and migrates the reference server store.
func OpenServer(ctx context.Context, workspace string) (*sql.DB, repo.Repo, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, Name: db.ServerDB})
	if err != nil {
		return nil, repo.Repo{}, err
	}
	if err := migrate.Migrate(conn, migrate.Server); err != nil {
		conn.Close()
		return nil, repo.Repo{}, fmt.Errorf("migrate server store: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, repo.Repo{}, err
	}
	return conn, repo.Repo{DB: conn}, nil
}

// MediaDir resolves the configured media directory against the workspace.
func MediaDir(workspace string, cfg *config.Config) string {
	dir := cfg.Server.MediaDir
	if dir == "" {
		dir = filepath.Join(".fieldline", "media")
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dir)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
