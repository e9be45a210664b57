package syncer_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fieldline/internal/auth"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
	"fieldline/internal/server"
	"fieldline/internal/store"
	"fieldline/internal/syncer"
	fieldlinesdk "fieldline/sdk/go"
)

const secret = "e2e-secret"

type harness struct {
	ctx    context.Context
	repo   repo.Repo
	store  store.Store
	svc    *syncer.Service
	srvURL string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	serverWS := t.TempDir()
	serverDB, err := db.Open(db.Config{Workspace: serverWS, Name: db.ServerDB})
	require.NoError(t, err)
	t.Cleanup(func() { serverDB.Close() })
	require.NoError(t, migrate.Migrate(serverDB, migrate.Server))
	r := repo.Repo{DB: serverDB}

	handler, err := server.New(server.Config{
		Repo:     r,
		Auth:     server.AuthConfig{JWTSecret: secret},
		MediaDir: filepath.Join(serverWS, "media"),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	deviceDB, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { deviceDB.Close() })
	require.NoError(t, migrate.Migrate(deviceDB, migrate.Local))
	st := store.Store{DB: deviceDB}

	token, err := auth.Issue(secret, auth.IssueOptions{Subject: "tablet", Role: "reporter", DeviceID: "dev-7"})
	require.NoError(t, err)
	client := fieldlinesdk.New(srv.URL)
	client.BearerToken = token
	client.MaxAttempts = 1

	return &harness{
		ctx:    context.Background(),
		repo:   r,
		store:  st,
		svc:    syncer.New(st, client, "dev-7", syncer.Options{Logger: zaptest.NewLogger(t)}),
		srvURL: srv.URL,
	}
}

func TestSyncAgainstServer(t *testing.T) {
	h := newHarness(t)

	photo := filepath.Join(t.TempDir(), "leak.jpg")
	require.NoError(t, os.WriteFile(photo, []byte("jpeg bytes"), 0o644))
	require.NoError(t, h.store.CreateIncident(h.ctx, domain.Incident{
		ID:         "inc-1",
		MediaURIs:  []string{"file://" + photo},
		Severity:   domain.SeverityHigh,
		Department: "Maintenance",
		Note:       "oil on the floor",
	}))
	require.NoError(t, h.store.CreateTask(h.ctx, domain.Task{ID: "T-1", Title: "Clean up", Description: "Clean the spill"}))
	serverTask, err := h.repo.InsertTask(h.ctx, domain.ServerTask{Title: "Inspect valve", Description: "Inspect valve 7", Status: "Open"})
	require.NoError(t, err)
	serverTaskID := strconv.FormatInt(serverTask.ID, 10)

	rep := h.svc.Synchronize(h.ctx, nil)
	require.Zero(t, rep.Failures)
	require.NoError(t, rep.DownloadErr)
	require.Equal(t, 1, rep.IncidentsUploaded)
	require.Equal(t, 1, rep.TasksUploaded)
	require.Equal(t, 1, rep.TasksCreated)

	inc, err := h.store.GetIncident(h.ctx, "inc-1")
	require.NoError(t, err)
	require.Equal(t, domain.SyncSynced, inc.SyncStatus)
	require.Len(t, inc.MediaURIs, 1)
	require.True(t, strings.HasPrefix(inc.MediaURIs[0], h.srvURL+"/media/"), inc.MediaURIs[0])

	remoteInc, err := h.repo.GetIncidentByClientID(h.ctx, "inc-1")
	require.NoError(t, err)
	require.Equal(t, "Maintenance", remoteInc.Category)
	require.Equal(t, "dev-7", remoteInc.DeviceID)
	require.Equal(t, inc.MediaURIs, remoteInc.MediaURIs)
	require.NotNil(t, inc.ServerID)
	require.Equal(t, strconv.FormatInt(remoteInc.ID, 10), *inc.ServerID)

	local, err := h.store.GetTaskByID(h.ctx, "T-1")
	require.NoError(t, err)
	require.NotNil(t, local.ServerID)
	require.Equal(t, domain.SyncSynced, local.SyncStatus)

	downloaded, err := h.store.GetTaskByID(h.ctx, serverTaskID)
	require.NoError(t, err)
	require.Equal(t, "Inspect valve 7", downloaded.Title)
	require.Equal(t, domain.SyncSynced, downloaded.SyncStatus)

	// Server-side changes flow back on the next run.
	_, err = h.repo.UpdateTaskStatus(h.ctx, serverTask.ID, "completed")
	require.NoError(t, err)
	localServerID, err := strconv.ParseInt(*local.ServerID, 10, 64)
	require.NoError(t, err)
	require.NoError(t, h.repo.DeleteTask(h.ctx, localServerID))

	rep = h.svc.Synchronize(h.ctx, nil)
	require.Zero(t, rep.Failures)
	require.Equal(t, 1, rep.TasksUpdated)
	require.Equal(t, 1, rep.TasksDeleted)

	downloaded, err = h.store.GetTaskByID(h.ctx, serverTaskID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, downloaded.Status)
	_, err = h.store.GetTaskByID(h.ctx, "T-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEditedTaskUpdatesServerRow(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateTask(h.ctx, domain.Task{ID: "T-9", Title: "Replace filter"}))
	h.svc.Synchronize(h.ctx, nil)

	status := domain.TaskDelayed
	reason := "parts on order"
	pending := domain.SyncPending
	require.NoError(t, h.store.UpdateTaskDetails(h.ctx, "T-9", store.TaskPatch{Status: &status, DelayReason: &reason, SyncStatus: &pending}))
	rep := h.svc.Synchronize(h.ctx, nil)
	require.Equal(t, 1, rep.TasksUploaded)
	require.Zero(t, rep.TasksCreated)

	tasks, err := h.repo.ListTasks(h.ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "Delayed", tasks[0].Status)
	require.Equal(t, "parts on order", tasks[0].DelayReason)
	require.Equal(t, "T-9", tasks[0].ClientID)
}
