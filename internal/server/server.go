// Package server is the Fieldline reference API that field devices sync against.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fieldline/internal/domain"
	"fieldline/internal/metrics"
	"fieldline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
	// MediaDir holds uploaded media files.
	MediaDir string
	// PublicURL prefixes returned media URLs; when empty the request host is used.
	PublicURL string
	Registry  *prometheus.Registry
	Logger    *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Fieldline API.
func New(cfg Config) (http.Handler, error) {
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.MediaDir == "" {
		return nil, errors.New("media dir required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	httpMetrics := metrics.NewHTTP(reg)

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			httpMetrics.Observe(r.Method, status)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("elapsed", time.Since(start)))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))

	hcfg := huma.DefaultConfig("Fieldline API", "0.1.0")
	hcfg.OpenAPIPath = path.Join("/", basePath, "openapi")
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	router.Handle(path.Join("/", basePath, "metrics"), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	registerHealth(group)
	registerIncidents(group, cfg.Repo)
	registerTasks(group, cfg.Repo)
	registerUsers(group, cfg.Repo)
	media := mediaStore{repo: cfg.Repo, dir: cfg.MediaDir, publicURL: cfg.PublicURL, basePath: basePath, log: log}
	router.Post(path.Join("/", basePath, "media/upload"), media.upload)
	router.Get(path.Join("/", basePath, "media/{name}"), media.serve)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerIncidents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-incident",
		Method:        http.MethodPost,
		Path:          "/incidents",
		Summary:       "Report an incident",
		Description:   "Idempotent on incidentId: posting the same incident again returns the original id.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body IncidentRequest `json:"body"`
	}) (*struct {
		Body CreatedResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.IncidentID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "incidentId is required", map[string]any{"field": "incidentId"})
		}
		inc := input.Body.toDomain()
		if inc.DeviceID == "" {
			if p, ok := principalFromContext(ctx); ok {
				inc.DeviceID = p.DeviceID
			}
		}
		saved, err := r.UpsertIncident(ctx, inc)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedResponse `json:"body"`
		}{Body: CreatedResponse{ID: saved.ID, IncidentID: saved.ClientID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-incidents",
		Method:      http.MethodGet,
		Path:        "/incidents",
		Summary:     "List incidents, newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body []domain.ServerIncident `json:"body"`
	}, error) {
		items, err := r.ListIncidents(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ServerIncident `json:"body"`
		}{Body: items}, nil
	})
}

func registerTasks(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-task",
		Method:      http.MethodPost,
		Path:        "/tasks/sync",
		Summary:     "Create or update a task from a device",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body TaskSyncRequest `json:"body"`
	}) (*struct {
		Body domain.ServerTask `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", map[string]any{"field": "title"})
		}
		t, err := input.Body.toDomain()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid comments", map[string]any{"error": err.Error()})
		}
		serverID := ""
		if input.Body.ServerID != nil {
			serverID = strings.TrimSpace(*input.Body.ServerID)
		}
		if serverID == "" && strings.TrimSpace(t.ClientID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id or serverId is required", nil)
		}
		saved, err := r.SyncTask(ctx, serverID, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServerTask `json:"body"`
		}{Body: saved}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Assign a new task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.ServerTask `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", map[string]any{"field": "title"})
		}
		saved, err := r.InsertTask(ctx, input.Body.toDomain())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServerTask `json:"body"`
		}{Body: saved}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List all tasks",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ServerTask `json:"body"`
	}, error) {
		items, err := r.ListTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ServerTask `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}/status",
		Summary:     "Change a task's status",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body UpdateTaskStatusRequest `json:"body"`
	}) (*struct {
		Body domain.ServerTask `json:"body"`
	}, error) {
		id, err := taskID(input.ID)
		if err != nil {
			return nil, err
		}
		t, err := r.UpdateTaskStatus(ctx, id, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServerTask `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete a task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		id, err := taskID(input.ID)
		if err != nil {
			return nil, err
		}
		if err := r.DeleteTask(ctx, id); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerUsers(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		users, err := r.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-user",
		Method:      http.MethodPost,
		Path:        "/users",
		Summary:     "Create or update a user",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if p, ok := principalFromContext(ctx); !ok || (p.Source != "anonymous" && p.Role != "admin") {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "admin role required", nil)
		}
		if strings.TrimSpace(input.Body.ID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", map[string]any{"field": "id"})
		}
		u, err := r.UpsertUser(ctx, domain.User{
			ID:    input.Body.ID,
			Name:  input.Body.Name,
			Email: input.Body.Email,
			Role:  input.Body.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func taskID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("task %s not found", raw), nil)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}
