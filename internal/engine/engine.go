package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/store"
)

// Engine applies user capture actions to the device store. Every mutation flags the
// record as pending so the next sync uploads it.
type Engine struct {
	DB     *sql.DB
	Store  store.Store
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Store:  store.Store{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// withTx runs fn with a store bound to one transaction; the record write and its journal
// entry commit together or not at all.
func (e Engine) withTx(ctx context.Context, fn func(st store.Store, tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(e.Store.WithTx(tx), tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IncidentCreateOptions are parameters for capturing an incident.
type IncidentCreateOptions struct {
	ID         string
	MediaURIs  []string
	MLMetadata map[string]any
	Severity   string
	Department string
	Area       string
	Plant      string
	Advisory   string
	Note       string
	Status     string
}

func (e Engine) CreateIncident(ctx context.Context, opts IncidentCreateOptions) (domain.Incident, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := domain.Timestamp(e.now())
	media := make([]string, 0, len(opts.MediaURIs))
	for _, m := range opts.MediaURIs {
		if m = strings.TrimSpace(m); m != "" {
			media = append(media, m)
		}
	}
	inc := domain.Incident{
		ID:         id,
		CreatedAt:  now,
		MediaURIs:  media,
		MLMetadata: opts.MLMetadata,
		Severity:   domain.ParseSeverity(opts.Severity),
		Department: opts.Department,
		Area:       opts.Area,
		Plant:      opts.Plant,
		Advisory:   opts.Advisory,
		Note:       opts.Note,
		Status:     opts.Status,
		SyncStatus: domain.SyncPending,
		UpdatedAt:  now,
	}
	if inc.Status == "" {
		inc.Status = "New"
	}
	err := e.withTx(ctx, func(st store.Store, tx *sql.Tx) error {
		if err := st.CreateIncident(ctx, inc); err != nil {
			return err
		}
		return e.Events.AppendTx(ctx, tx, "incident.created", "incident", inc.ID, events.EventPayload{"severity": string(inc.Severity), "media": len(media)})
	})
	if err != nil {
		return domain.Incident{}, err
	}
	return inc, nil
}

// TaskCreateOptions are parameters for creating a task on the device.
type TaskCreateOptions struct {
	ID          string
	Title       string
	Description string
	Assignee    string
	Priority    string
	DueDate     string
	Area        string
	Plant       string
	Precautions string
	IncidentID  string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	id := opts.ID
	if id == "" {
		id = "T-" + uuid.NewString()
	}
	now := domain.Timestamp(e.now())
	t := domain.Task{
		ID:           id,
		Title:        opts.Title,
		Description:  opts.Description,
		Assignee:     opts.Assignee,
		Priority:     opts.Priority,
		Status:       domain.TaskOpen,
		DueDate:      opts.DueDate,
		Comments:     []domain.Comment{},
		Area:         opts.Area,
		Plant:        opts.Plant,
		Precautions:  opts.Precautions,
		IncidentID:   optionalString(opts.IncidentID),
		DelayHistory: []domain.DelayEntry{},
		SyncStatus:   domain.SyncPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := e.withTx(ctx, func(st store.Store, tx *sql.Tx) error {
		if opts.IncidentID != "" {
			// Weak reference: it only has to resolve at creation time.
			if _, err := st.GetIncident(ctx, opts.IncidentID); err != nil {
				return fmt.Errorf("incident %s: %w", opts.IncidentID, err)
			}
		}
		if err := st.CreateTask(ctx, t); err != nil {
			return err
		}
		return e.Events.AppendTx(ctx, tx, "task.created", "task", t.ID, events.EventPayload{"title": t.Title})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// SetTaskStatus changes a task's status and flags it for upload.
func (e Engine) SetTaskStatus(ctx context.Context, id, status string) (domain.Task, error) {
	next := domain.NormalizeTaskStatus(status)
	pending := domain.SyncPending
	err := e.withTx(ctx, func(st store.Store, tx *sql.Tx) error {
		t, err := st.GetTaskByID(ctx, id)
		if err != nil {
			return err
		}
		if err := st.UpdateTaskDetails(ctx, id, store.TaskPatch{Status: &next, SyncStatus: &pending}); err != nil {
			return err
		}
		return e.Events.AppendTx(ctx, tx, "task.status", "task", id, events.EventPayload{"from": string(t.Status), "to": string(next)})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return e.Store.GetTaskByID(ctx, id)
}

// AddTaskComment appends a comment; comments are never edited or removed.
func (e Engine) AddTaskComment(ctx context.Context, id, text, author string) (domain.Task, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Task{}, errors.New("comment text is required")
	}
	pending := domain.SyncPending
	err := e.withTx(ctx, func(st store.Store, tx *sql.Tx) error {
		t, err := st.GetTaskByID(ctx, id)
		if err != nil {
			return err
		}
		comments := append(t.Comments, domain.Comment{Text: text, Author: author, Timestamp: domain.Timestamp(e.now())})
		if err := st.UpdateTaskDetails(ctx, id, store.TaskPatch{Comments: &comments, SyncStatus: &pending}); err != nil {
			return err
		}
		return e.Events.AppendTx(ctx, tx, "task.comment", "task", id, events.EventPayload{"author": author})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return e.Store.GetTaskByID(ctx, id)
}

// DelayTask records a delay reason, appends it to the delay history and marks the task Delayed.
func (e Engine) DelayTask(ctx context.Context, id, reason string) (domain.Task, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Task{}, errors.New("delay reason is required")
	}
	status := domain.TaskDelayed
	pending := domain.SyncPending
	err := e.withTx(ctx, func(st store.Store, tx *sql.Tx) error {
		t, err := st.GetTaskByID(ctx, id)
		if err != nil {
			return err
		}
		history := append(t.DelayHistory, domain.DelayEntry{Reason: reason, Timestamp: domain.Timestamp(e.now())})
		patch := store.TaskPatch{
			Status:       &status,
			DelayReason:  &reason,
			DelayHistory: &history,
			SyncStatus:   &pending,
		}
		if err := st.UpdateTaskDetails(ctx, id, patch); err != nil {
			return err
		}
		return e.Events.AppendTx(ctx, tx, "task.delayed", "task", id, events.EventPayload{"reason": reason})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return e.Store.GetTaskByID(ctx, id)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
