package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fieldline/internal/domain"
)

const taskColumns = `id, COALESCE(client_id,''), title, description, COALESCE(assigned_to_name,''), COALESCE(priority,''),
status, COALESCE(due_date,''), COALESCE(incident_id,''), comments_json, COALESCE(area,''), COALESCE(plant,''),
COALESCE(precautions,''), COALESCE(delay_reason,''), created_at, updated_at`

// SyncTask applies a device task. With a server id the existing row is updated and a
// missing row is ErrNotFound; without one the row is upserted by client id so retried
// uploads do not duplicate.
func (r Repo) SyncTask(ctx context.Context, serverID string, t domain.ServerTask) (domain.ServerTask, error) {
	if strings.TrimSpace(t.Title) == "" {
		return domain.ServerTask{}, errors.New("title required")
	}
	comments, err := json.Marshal(nonNilComments(t.Comments))
	if err != nil {
		return domain.ServerTask{}, err
	}
	status := string(domain.NormalizeTaskStatus(t.Status))
	now := r.now()
	if serverID != "" {
		id, err := strconv.ParseInt(serverID, 10, 64)
		if err != nil {
			return domain.ServerTask{}, ErrNotFound
		}
		res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, assigned_to_name=?, priority=?, status=?, due_date=?,
  incident_id=?, comments_json=?, area=?, plant=?, precautions=?, delay_reason=?, updated_at=? WHERE id=?`,
			t.Title, t.Description, nullable(t.Assignee), nullable(t.Priority), status, nullable(t.DueDate),
			nullable(t.IncidentID), string(comments), nullable(t.Area), nullable(t.Plant), nullable(t.Precautions),
			nullable(t.DelayReason), now, id)
		if err != nil {
			return domain.ServerTask{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ServerTask{}, ErrNotFound
		}
		return r.GetTask(ctx, id)
	}
	if strings.TrimSpace(t.ClientID) == "" {
		return domain.ServerTask{}, errors.New("id required")
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO tasks(client_id, title, description, assigned_to_name, priority, status, due_date, incident_id,
  comments_json, area, plant, precautions, delay_reason, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(client_id) DO UPDATE SET title=excluded.title, description=excluded.description,
  assigned_to_name=excluded.assigned_to_name, priority=excluded.priority, status=excluded.status,
  due_date=excluded.due_date, incident_id=excluded.incident_id, comments_json=excluded.comments_json,
  area=excluded.area, plant=excluded.plant, precautions=excluded.precautions,
  delay_reason=excluded.delay_reason, updated_at=excluded.updated_at`,
		t.ClientID, t.Title, t.Description, nullable(t.Assignee), nullable(t.Priority), status, nullable(t.DueDate),
		nullable(t.IncidentID), string(comments), nullable(t.Area), nullable(t.Plant), nullable(t.Precautions),
		nullable(t.DelayReason), now, now)
	if err != nil {
		return domain.ServerTask{}, err
	}
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE client_id=?`, t.ClientID))
}

// InsertTask creates a server-origin task, as assigned from the web dashboard.
func (r Repo) InsertTask(ctx context.Context, t domain.ServerTask) (domain.ServerTask, error) {
	if strings.TrimSpace(t.Title) == "" {
		return domain.ServerTask{}, errors.New("title required")
	}
	comments, err := json.Marshal(nonNilComments(t.Comments))
	if err != nil {
		return domain.ServerTask{}, err
	}
	now := r.now()
	res, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(client_id, title, description, assigned_to_name, priority, status, due_date, incident_id,
  comments_json, area, plant, precautions, delay_reason, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		nullable(t.ClientID), t.Title, t.Description, nullable(t.Assignee), nullable(t.Priority),
		string(domain.NormalizeTaskStatus(t.Status)), nullable(t.DueDate), nullable(t.IncidentID), string(comments),
		nullable(t.Area), nullable(t.Plant), nullable(t.Precautions), nullable(t.DelayReason), now, now)
	if err != nil {
		return domain.ServerTask{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.ServerTask{}, err
	}
	return r.GetTask(ctx, id)
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.ServerTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) ListTasks(ctx context.Context) ([]domain.ServerTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ServerTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTaskStatus(ctx context.Context, id int64, status string) (domain.ServerTask, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`,
		string(domain.NormalizeTaskStatus(status)), r.now(), id)
	if err != nil {
		return domain.ServerTask{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ServerTask{}, ErrNotFound
	}
	return r.GetTask(ctx, id)
}

func (r Repo) DeleteTask(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(row scanner) (domain.ServerTask, error) {
	var t domain.ServerTask
	var comments string
	err := row.Scan(&t.ID, &t.ClientID, &t.Title, &t.Description, &t.Assignee, &t.Priority,
		&t.Status, &t.DueDate, &t.IncidentID, &comments, &t.Area, &t.Plant,
		&t.Precautions, &t.DelayReason, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(comments), &t.Comments); err != nil {
		return t, fmt.Errorf("task %d comments: %w", t.ID, err)
	}
	return t, nil
}

func nonNilComments(c []domain.Comment) []domain.Comment {
	if c == nil {
		return []domain.Comment{}
	}
	return c
}
