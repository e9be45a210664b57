package migrate

import (
	"testing"

	"fieldline/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	for _, set := range []Set{Local, Server} {
		conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: string(set) + ".db"})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := Migrate(conn, set); err != nil {
			t.Fatalf("migrate %s: %v", set, err)
		}
		if err := Migrate(conn, set); err != nil {
			t.Fatalf("re-migrate %s: %v", set, err)
		}
		var version int
		if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
			t.Fatalf("read version: %v", err)
		}
		migrations, err := loadMigrations(set)
		if err != nil {
			t.Fatalf("load %s: %v", set, err)
		}
		if want := migrations[len(migrations)-1].Version; version != want {
			t.Fatalf("%s version = %d, want %d", set, version, want)
		}
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='tasks'`).Scan(&n); err != nil || n != 1 {
			t.Fatalf("%s tasks table missing: %v", set, err)
		}
		conn.Close()
	}
}

func TestLocalTasksCarryRevision(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn, Local); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil || version != 2 {
		t.Fatalf("local version = %d: %v", version, err)
	}
	if _, err := conn.Exec(`INSERT INTO tasks(id,title,created_at,updated_at) VALUES ('T-1','t','x','x')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var rev int
	if err := conn.QueryRow(`SELECT revision FROM tasks WHERE id='T-1'`).Scan(&rev); err != nil || rev != 0 {
		t.Fatalf("revision = %d: %v", rev, err)
	}
}

func TestUnknownSet(t *testing.T) {
	if _, err := loadMigrations(Set("nope")); err == nil {
		t.Fatal("expected error for unknown set")
	}
}
