package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/events"
	"fieldline/internal/migrate"
	"fieldline/internal/store"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, migrate.Local); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func TestCreateIncidentIsPending(t *testing.T) {
	env := newTestEnv(t)
	inc, err := env.Engine.CreateIncident(env.Ctx, engine.IncidentCreateOptions{
		MediaURIs: []string{"file:///sdcard/a.jpg", " ", "http://cdn/b.jpg"},
		Severity:  "3",
		Note:      "oil on floor",
	})
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	if inc.ID == "" {
		t.Fatalf("expected generated id")
	}
	got, err := env.Engine.Store.GetIncident(env.Ctx, inc.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if got.SyncStatus != domain.SyncPending {
		t.Fatalf("expected pending, got %s", got.SyncStatus)
	}
	if got.Severity != domain.SeverityHigh || got.Status != "New" {
		t.Fatalf("unexpected incident %+v", got)
	}
	if len(got.MediaURIs) != 2 || got.MediaURIs[1] != "http://cdn/b.jpg" {
		t.Fatalf("unexpected media %v", got.MediaURIs)
	}
	if got.CreatedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected created_at %s", got.CreatedAt)
	}
}

func TestCreateTaskValidatesIncident(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: ""}); err == nil {
		t.Fatalf("expected title error")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Clean up", IncidentID: "missing"}); err == nil {
		t.Fatalf("expected unknown incident error")
	}
	inc, err := env.Engine.CreateIncident(env.Ctx, engine.IncidentCreateOptions{})
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Clean up", IncidentID: inc.ID})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.IncidentID == nil || *task.IncidentID != inc.ID {
		t.Fatalf("expected incident link, got %v", task.IncidentID)
	}
	if task.Status != domain.TaskOpen || task.SyncStatus != domain.SyncPending {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestTaskEditsFlagPending(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Inspect pump"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if synced, err := env.Engine.Store.UpdateTaskServerID(env.Ctx, task.ID, "12", task.Revision); err != nil || !synced {
		t.Fatalf("mark synced: %v %v", synced, err)
	}

	updated, err := env.Engine.SetTaskStatus(env.Ctx, task.ID, "in_progress")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if updated.Status != domain.TaskInProgress || updated.SyncStatus != domain.SyncPending {
		t.Fatalf("unexpected task after status change %+v", updated)
	}

	updated, err = env.Engine.AddTaskComment(env.Ctx, task.ID, "started", "ada")
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}
	if len(updated.Comments) != 1 || updated.Comments[0].Author != "ada" {
		t.Fatalf("unexpected comments %+v", updated.Comments)
	}

	updated, err = env.Engine.DelayTask(env.Ctx, task.ID, "parts missing")
	if err != nil {
		t.Fatalf("delay: %v", err)
	}
	if updated.Status != domain.TaskDelayed || updated.DelayReason != "parts missing" || len(updated.DelayHistory) != 1 {
		t.Fatalf("unexpected task after delay %+v", updated)
	}
	if updated.ServerID == nil || *updated.ServerID != "12" {
		t.Fatalf("server id lost: %v", updated.ServerID)
	}

	if _, err := env.Engine.DelayTask(env.Ctx, task.ID, " "); err == nil {
		t.Fatalf("expected empty reason error")
	}
	if _, err := env.Engine.AddTaskComment(env.Ctx, task.ID, "", "ada"); err == nil {
		t.Fatalf("expected empty comment error")
	}
}

func TestMutationsAreJournaled(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Inspect pump"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.Engine.SetTaskStatus(env.Ctx, task.ID, "Completed"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	w := events.Writer{DB: env.Engine.DB}
	items, err := w.Tail(env.Ctx, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(items) != 2 || items[0].Type != "task.status" || items[1].Type != "task.created" {
		t.Fatalf("unexpected journal %+v", items)
	}
}

func TestFailedJournalWriteRollsBackMutation(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Inspect pump"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.Engine.DB.Exec(`DROP TABLE sync_events`); err != nil {
		t.Fatalf("drop journal: %v", err)
	}

	if _, err := env.Engine.CreateIncident(env.Ctx, engine.IncidentCreateOptions{ID: "inc-1"}); err == nil {
		t.Fatalf("expected journal error")
	}
	pending, err := env.Engine.Store.GetPendingIncidents(env.Ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("incident saved despite failed journal write: %+v", pending)
	}

	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "T-2", Title: "Other"}); err == nil {
		t.Fatalf("expected journal error")
	}
	if _, err := env.Engine.Store.GetTaskByID(env.Ctx, "T-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("task saved despite failed journal write: %v", err)
	}

	if _, err := env.Engine.AddTaskComment(env.Ctx, task.ID, "started", "ada"); err == nil {
		t.Fatalf("expected journal error")
	}
	if _, err := env.Engine.SetTaskStatus(env.Ctx, task.ID, "done"); err == nil {
		t.Fatalf("expected journal error")
	}
	if _, err := env.Engine.DelayTask(env.Ctx, task.ID, "rain"); err == nil {
		t.Fatalf("expected journal error")
	}
	got, err := env.Engine.Store.GetTaskByID(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if len(got.Comments) != 0 || got.Status != domain.TaskOpen || got.Revision != task.Revision {
		t.Fatalf("task changed despite failed journal writes: %+v", got)
	}
}
