package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fieldline/internal/domain"
)

const taskColumns = `id,server_id,title,COALESCE(description,''),COALESCE(assignee,''),COALESCE(priority,''),status,COALESCE(due_date,''),comments_json,COALESCE(area,''),COALESCE(plant,''),COALESCE(precautions,''),incident_id,COALESCE(delay_reason,''),delay_history_json,sync_status,missed_listings,created_at,updated_at,revision`

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                       domain.Task
		serverID, incidentID    sql.NullString
		status, syncStatus      string
		commentsJSON, delayJSON string
	)
	err := row.Scan(&t.ID, &serverID, &t.Title, &t.Description, &t.Assignee, &t.Priority, &status, &t.DueDate, &commentsJSON,
		&t.Area, &t.Plant, &t.Precautions, &incidentID, &t.DelayReason, &delayJSON, &syncStatus, &t.MissedListings,
		&t.CreatedAt, &t.UpdatedAt, &t.Revision)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if serverID.Valid {
		t.ServerID = &serverID.String
	}
	if incidentID.Valid {
		t.IncidentID = &incidentID.String
	}
	t.Status = domain.NormalizeTaskStatus(status)
	t.SyncStatus = domain.ParseSyncStatus(syncStatus)
	if err := json.Unmarshal([]byte(commentsJSON), &t.Comments); err != nil {
		return t, fmt.Errorf("task %s comments: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(delayJSON), &t.DelayHistory); err != nil {
		return t, fmt.Errorf("task %s delay_history: %w", t.ID, err)
	}
	return t, nil
}

// CreateTask inserts a task. Empty sync status defaults to pending.
func (s Store) CreateTask(ctx context.Context, t domain.Task) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Title == "" {
		return errors.New("task title is required")
	}
	if t.SyncStatus == "" {
		t.SyncStatus = domain.SyncPending
	}
	if t.Status == "" {
		t.Status = domain.TaskOpen
	}
	now := s.now()
	if t.CreatedAt == "" {
		t.CreatedAt = now
	}
	if t.UpdatedAt == "" {
		t.UpdatedAt = t.CreatedAt
	}
	comments, delays, err := marshalTaskLists(t.Comments, t.DelayHistory)
	if err != nil {
		return err
	}
	_, err = s.q().ExecContext(ctx, `INSERT INTO tasks(id,server_id,title,description,assignee,priority,status,due_date,comments_json,area,plant,precautions,incident_id,delay_reason,delay_history_json,sync_status,missed_listings,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, optionalValue(t.ServerID), t.Title, nullable(t.Description), nullable(t.Assignee), nullable(t.Priority), string(t.Status),
		nullable(t.DueDate), comments, nullable(t.Area), nullable(t.Plant), nullable(t.Precautions), optionalValue(t.IncidentID),
		nullable(t.DelayReason), delays, string(t.SyncStatus), t.MissedListings, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s Store) GetTaskByID(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(s.q().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// GetTaskByServerID finds the local copy of a server task regardless of its local id.
func (s Store) GetTaskByServerID(ctx context.Context, serverID string) (domain.Task, error) {
	return scanTask(s.q().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE server_id=? ORDER BY created_at LIMIT 1`, serverID))
}

func (s Store) GetTasks(ctx context.Context) ([]domain.Task, error) {
	return s.listTasks(ctx, "")
}

// GetPendingTasks returns a snapshot of tasks awaiting upload.
func (s Store) GetPendingTasks(ctx context.Context) ([]domain.Task, error) {
	return s.listTasks(ctx, string(domain.SyncPending))
}

func (s Store) listTasks(ctx context.Context, syncStatus string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if syncStatus != "" {
		query += ` WHERE sync_status=?`
		args = append(args, syncStatus)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s Store) DeleteTask(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM tasks WHERE id=?`, id)
}

// TaskPatch lists the fields a raw update may touch. Nil fields are left alone.
type TaskPatch struct {
	Title        *string
	Description  *string
	Assignee     *string
	Priority     *string
	Status       *domain.TaskStatus
	DueDate      *string
	Comments     *[]domain.Comment
	DelayReason  *string
	DelayHistory *[]domain.DelayEntry
	SyncStatus   *domain.SyncStatus
}

// UpdateTaskDetails applies patch as a raw update and bumps the revision. sync_status changes
// only when the patch carries one.
func (s Store) UpdateTaskDetails(ctx context.Context, id string, patch TaskPatch) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.Description != nil {
		set("description", nullable(*patch.Description))
	}
	if patch.Assignee != nil {
		set("assignee", nullable(*patch.Assignee))
	}
	if patch.Priority != nil {
		set("priority", nullable(*patch.Priority))
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.DueDate != nil {
		set("due_date", nullable(*patch.DueDate))
	}
	if patch.Comments != nil {
		b, err := json.Marshal(nonNilComments(*patch.Comments))
		if err != nil {
			return err
		}
		set("comments_json", string(b))
	}
	if patch.DelayReason != nil {
		set("delay_reason", nullable(*patch.DelayReason))
	}
	if patch.DelayHistory != nil {
		b, err := json.Marshal(nonNilDelays(*patch.DelayHistory))
		if err != nil {
			return err
		}
		set("delay_history_json", string(b))
	}
	if patch.SyncStatus != nil {
		set("sync_status", string(*patch.SyncStatus))
	}
	if len(fields) == 0 {
		return nil
	}
	set("updated_at", s.now())
	fields = append(fields, "revision=revision+1")
	args = append(args, id)
	return s.execOne(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
}

// MarkTaskUploaded flags a task as accepted by the server without a server id. A task
// edited after revision was read stays pending and false is returned.
func (s Store) MarkTaskUploaded(ctx context.Context, id string, revision int) (bool, error) {
	return s.markSynced(ctx, "tasks", id, "", revision)
}

// UpdateTaskServerID records the server id and marks the task synced when it still holds revision.
func (s Store) UpdateTaskServerID(ctx context.Context, id, serverID string, revision int) (bool, error) {
	return s.markSynced(ctx, "tasks", id, serverID, revision)
}

// RecordTaskMiss counts one more listing the task was absent from and returns the new count.
func (s Store) RecordTaskMiss(ctx context.Context, id string) (int, error) {
	if err := s.execOne(ctx, `UPDATE tasks SET missed_listings=missed_listings+1 WHERE id=?`, id); err != nil {
		return 0, err
	}
	var n int
	err := s.q().QueryRowContext(ctx, `SELECT missed_listings FROM tasks WHERE id=?`, id).Scan(&n)
	return n, err
}

// ResetTaskMisses clears the absence counter for tasks seen in the latest listing.
func (s Store) ResetTaskMisses(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.q().ExecContext(ctx, `UPDATE tasks SET missed_listings=0 WHERE missed_listings>0 AND id IN (`+placeholders+`)`, args...)
	return err
}

func marshalTaskLists(comments []domain.Comment, delays []domain.DelayEntry) (string, string, error) {
	c, err := json.Marshal(nonNilComments(comments))
	if err != nil {
		return "", "", err
	}
	d, err := json.Marshal(nonNilDelays(delays))
	if err != nil {
		return "", "", err
	}
	return string(c), string(d), nil
}

func nonNilComments(in []domain.Comment) []domain.Comment {
	if in == nil {
		return []domain.Comment{}
	}
	return in
}

func nonNilDelays(in []domain.DelayEntry) []domain.DelayEntry {
	if in == nil {
		return []domain.DelayEntry{}
	}
	return in
}
