package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fieldline/internal/domain"
)

// Writer appends to the device sync journal.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes one journal entry outside of any transaction.
func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID string, payload EventPayload) error {
	if w.DB == nil {
		return nil
	}
	return w.append(ctx, w.DB, evtType, entityKind, entityID, payload)
}

// AppendTx writes one journal entry as part of tx.
func (w Writer) AppendTx(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload EventPayload) error {
	return w.append(ctx, tx, evtType, entityKind, entityID, payload)
}

func (w Writer) append(ctx context.Context, ex execer, evtType, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.Timestamp(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO sync_events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), string(data))
	return err
}

// Tail returns the most recent entries, newest first.
func (w Writer) Tail(ctx context.Context, limit int) ([]domain.SyncEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM sync_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SyncEvent
	for rows.Next() {
		var e domain.SyncEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountByType returns how many entries of evtType exist.
func (w Writer) CountByType(ctx context.Context, evtType string) (int, error) {
	var n int
	err := w.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_events WHERE type=?`, evtType).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
