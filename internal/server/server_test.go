package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"fieldline/internal/auth"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Repo   repo.Repo
	token  string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.token}
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace, Name: db.ServerDB})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, migrate.Server); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	handler, err := New(Config{
		Repo:     r,
		Auth:     AuthConfig{JWTSecret: testSecret},
		MediaDir: filepath.Join(workspace, "media"),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	token, err := auth.Issue(testSecret, auth.IssueOptions{Subject: "tester", Role: "admin", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Repo:   r,
		token:  token,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("unexpected error code %q", envelope.Error.Code)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/tasks", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := srv.Repo.UpsertUser(ctx, domain.User{ID: "u-1", Name: "Ada"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if err := srv.Repo.InsertAPIKey(ctx, domain.APIKey{ID: "k-1", UserID: "u-1", KeyHash: repo.HashAPIKey("fl_secret")}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/users", nil, map[string]string{"X-Api-Key": "fl_secret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("users status %d: %s", res.StatusCode, string(data))
	}
	var users []domain.User
	if err := json.Unmarshal(data, &users); err != nil {
		t.Fatalf("unmarshal users: %v", err)
	}
	if len(users) != 1 || users[0].Name != "Ada" {
		t.Fatalf("unexpected users %+v", users)
	}
}

func TestCreateIncidentIsIdempotent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	body := map[string]any{
		"deviceId":   "dev-1",
		"incidentId": "inc-1",
		"capturedAt": "2026-01-02T03:04:05Z",
		"mediaUris":  []string{"http://cdn/a.jpg"},
		"mlMetadata": map[string]any{"label": "spill"},
		"severity":   "High",
		"category":   "Safety",
		"status":     "New",
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/incidents", body, srv.authHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create incident status %d: %s", res.StatusCode, string(data))
	}
	var first CreatedResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.ID == 0 {
		t.Fatalf("expected server id")
	}

	body["note"] = "retried"
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/incidents", body, srv.authHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("repost status %d: %s", res.StatusCode, string(data))
	}
	var second CreatedResponse
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same id on repost, got %d and %d", first.ID, second.ID)
	}
	items, err := srv.Repo.ListIncidents(context.Background(), 10)
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	if len(items) != 1 || items[0].Note != "retried" {
		t.Fatalf("unexpected incidents %+v", items)
	}
}

func TestCreateIncidentRequiresIncidentID(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/incidents", map[string]any{"deviceId": "dev-1"}, srv.authHeaders())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestIncidentSeverityAcceptsNumbers(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/incidents", map[string]any{
		"incidentId": "inc-num",
		"severity":   3,
	}, srv.authHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create incident status %d: %s", res.StatusCode, string(data))
	}
	inc, err := srv.Repo.GetIncidentByClientID(context.Background(), "inc-num")
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if inc.Severity != domain.SeverityHigh || inc.Category != "Other" {
		t.Fatalf("unexpected incident %+v", inc)
	}
}

func TestTaskSyncLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	payload := map[string]any{
		"id":          "T-1",
		"title":       "Fix valve",
		"description": "Replace the leaking valve",
		"assignee":    "Grace",
		"status":      "Open",
		"comments":    []any{"bare comment", map[string]any{"text": "object comment", "author": "Ada"}},
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/tasks/sync", payload, srv.authHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync status %d: %s", res.StatusCode, string(data))
	}
	var created domain.ServerTask
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if len(created.Comments) != 2 || created.Comments[0].Text != "bare comment" || created.Comments[1].Author != "Ada" {
		t.Fatalf("unexpected comments %+v", created.Comments)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/tasks/sync", payload, srv.authHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resync status %d: %s", res.StatusCode, string(data))
	}
	var again domain.ServerTask
	if err := json.Unmarshal(data, &again); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if again.ID != created.ID {
		t.Fatalf("expected idempotent sync, got ids %d and %d", created.ID, again.ID)
	}

	payload["serverId"] = "99999"
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/tasks/sync", payload, srv.authHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown serverId, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/tasks/"+strconv.FormatInt(created.ID, 10)+"/status", map[string]any{"status": "in_progress"}, srv.authHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/tasks", nil, srv.authHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var listed []map[string]any
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected one task, got %d", len(listed))
	}
	if listed[0]["assignedToName"] != "Grace" || listed[0]["status"] != string(domain.TaskInProgress) {
		t.Fatalf("unexpected listing %v", listed[0])
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/tasks/"+strconv.FormatInt(created.ID, 10), nil, srv.authHeaders())
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/tasks/"+strconv.FormatInt(created.ID, 10), nil, srv.authHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", res.StatusCode)
	}
}

func TestMediaUploadAndServe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "photo.png")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write([]byte("not-really-a-png"))
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/media/upload", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+srv.token)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload status %d: %s", res.StatusCode, string(data))
	}
	var uploaded MediaUploadResponse
	if err := json.Unmarshal(data, &uploaded); err != nil {
		t.Fatalf("unmarshal upload: %v", err)
	}
	if !strings.HasPrefix(uploaded.URL, srv.URL+"/media/") || !strings.HasSuffix(uploaded.URL, ".png") {
		t.Fatalf("unexpected url %q", uploaded.URL)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, uploaded.URL, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("serve status %d", res.StatusCode)
	}
	if string(data) != "not-really-a-png" {
		t.Fatalf("unexpected media body %q", string(data))
	}
	if ct := res.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestMediaUploadRequiresFile(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/media/upload", map[string]any{}, srv.authHeaders())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "fieldline_api_requests_total") {
		t.Fatalf("metrics output missing request counter:\n%s", string(data))
	}
}
