package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".fieldline"

	// DeviceDB holds the device-local record store.
	DeviceDB = "device.db"
	// ServerDB holds the reference API server data.
	ServerDB = "server.db"
)

type Config struct {
	Workspace string
	// Name is the database file name inside the workspace; DeviceDB when empty.
	Name string
}

func dbPath(workspace, name string) string {
	if workspace == "" {
		workspace = "."
	}
	if name == "" {
		name = DeviceDB
	}
	return filepath.Join(workspace, workspaceDir, name)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg.Workspace, cfg.Name))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace, name string) string {
	return dbPath(workspace, name)
}
