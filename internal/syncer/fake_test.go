package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/migrate"
	"fieldline/internal/store"
	fieldlinesdk "fieldline/sdk/go"
)

// fakeRemote is an in-memory server. Task uploads show up in later listings the way
// they do on the real server.
type fakeRemote struct {
	mu sync.Mutex

	nextID        int
	incidentIDs   map[string]string
	incidents     []fieldlinesdk.IncidentPayload
	taskIDs       map[string]string
	tasks         []fieldlinesdk.RemoteTask
	taskUploads   []fieldlinesdk.TaskPayload
	mediaUploads  []string
	omitIDs       bool
	incidentErr   error
	taskErr       map[string]error
	mediaErr      map[string]error
	listErr       error
	listHook      func()
	taskHook      func(fieldlinesdk.TaskPayload)
	incidentCalls int
	calls         int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		nextID:      100,
		incidentIDs: map[string]string{},
		taskIDs:     map[string]string{},
		taskErr:     map[string]error{},
		mediaErr:    map[string]error{},
	}
}

func (f *fakeRemote) CreateIncident(_ context.Context, p fieldlinesdk.IncidentPayload) (fieldlinesdk.CreatedResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.incidentCalls++
	if f.incidentErr != nil {
		return fieldlinesdk.CreatedResponse{}, f.incidentErr
	}
	id, ok := f.incidentIDs[p.IncidentID]
	if !ok {
		f.nextID++
		id = strconv.Itoa(f.nextID)
		f.incidentIDs[p.IncidentID] = id
		f.incidents = append(f.incidents, p)
	}
	if f.omitIDs {
		return fieldlinesdk.CreatedResponse{}, nil
	}
	return fieldlinesdk.CreatedResponse{ID: fieldlinesdk.ID(id)}, nil
}

func (f *fakeRemote) SyncTask(_ context.Context, p fieldlinesdk.TaskPayload) (fieldlinesdk.CreatedResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.taskErr[p.ID]; err != nil {
		return fieldlinesdk.CreatedResponse{}, err
	}
	if f.taskHook != nil {
		f.taskHook(p)
	}
	f.taskUploads = append(f.taskUploads, p)
	var id string
	switch {
	case p.ServerID != nil:
		id = *p.ServerID
	case f.taskIDs[p.ID] != "":
		id = f.taskIDs[p.ID]
	default:
		f.nextID++
		id = strconv.Itoa(f.nextID)
		f.taskIDs[p.ID] = id
	}
	f.putTask(fieldlinesdk.RemoteTask{
		ID:             fieldlinesdk.ID(id),
		Description:    p.Description,
		AssignedToName: p.Assignee,
		Status:         p.Status,
		DueDate:        p.DueDate,
		Comments:       p.Comments,
	})
	if f.omitIDs {
		return fieldlinesdk.CreatedResponse{}, nil
	}
	return fieldlinesdk.CreatedResponse{ID: fieldlinesdk.ID(id)}, nil
}

func (f *fakeRemote) ListTasks(_ context.Context) ([]fieldlinesdk.RemoteTask, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.listHook != nil {
		f.listHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]fieldlinesdk.RemoteTask(nil), f.tasks...), nil
}

func (f *fakeRemote) UploadMedia(_ context.Context, uri string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.mediaErr[uri]; err != nil {
		return "", err
	}
	f.mediaUploads = append(f.mediaUploads, uri)
	return "http://srv/media/" + filepath.Base(uri), nil
}

// putTask inserts or replaces a listed task. Callers hold mu unless single-threaded.
func (f *fakeRemote) putTask(rt fieldlinesdk.RemoteTask) {
	for i := range f.tasks {
		if f.tasks[i].ID == rt.ID {
			f.tasks[i] = rt
			return
		}
	}
	f.tasks = append(f.tasks, rt)
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRemote) removeTask(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.tasks {
		if f.tasks[i].ID.String() == id {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return
		}
	}
}

type notes struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notes) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *notes) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

type testEnv struct {
	store    store.Store
	remote   *fakeRemote
	notes    *notes
	journal  events.Writer
	svc      *Service
	ctx      context.Context
	closeDB  func()
	policy   Policy
	deviceID string
}

func openStore(t *testing.T) (store.Store, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn, migrate.Local))
	return store.Store{DB: conn}, func() { conn.Close() }
}

func newTestEnv(t *testing.T, policy Policy) *testEnv {
	t.Helper()
	st, closeDB := openStore(t)
	t.Cleanup(closeDB)
	env := &testEnv{
		store:    st,
		remote:   newFakeRemote(),
		notes:    &notes{},
		journal:  events.Writer{DB: st.DB},
		ctx:      context.Background(),
		closeDB:  closeDB,
		policy:   policy,
		deviceID: "dev-1",
	}
	env.svc = New(st, env.remote, env.deviceID, Options{
		Notifier: env.notes,
		Journal:  env.journal,
		Logger:   zaptest.NewLogger(t),
		Policy:   policy,
	})
	return env
}

func (e *testEnv) addIncident(t *testing.T, id string, media ...string) {
	t.Helper()
	require.NoError(t, e.store.CreateIncident(e.ctx, domain.Incident{
		ID:        id,
		MediaURIs: media,
		Severity:  domain.SeverityHigh,
		Status:    "New",
	}))
}

func (e *testEnv) addTask(t *testing.T, task domain.Task) {
	t.Helper()
	if task.Title == "" {
		task.Title = fmt.Sprintf("task %s", task.ID)
	}
	require.NoError(t, e.store.CreateTask(e.ctx, task))
}

func (e *testEnv) task(t *testing.T, id string) domain.Task {
	t.Helper()
	got, err := e.store.GetTaskByID(e.ctx, id)
	require.NoError(t, err)
	return got
}

var errUnavailable = errors.New("connection refused")

func ptr(s string) *string { return &s }
