// Package repo is the reference server's storage layer.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldline/internal/domain"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() string {
	if r.Now != nil {
		return domain.Timestamp(r.Now())
	}
	return domain.Timestamp(time.Now())
}

const incidentColumns = `id, client_id, device_id, captured_at, media_uris_json, COALESCE(ml_metadata_json,''),
severity, category, COALESCE(advisory,''), COALESCE(note,''), status, COALESCE(area,''), COALESCE(plant,''), created_at`

// UpsertIncident stores an incident keyed by its client id. A repeated post for the
// same client id refreshes the record and returns the original server id.
func (r Repo) UpsertIncident(ctx context.Context, inc domain.ServerIncident) (domain.ServerIncident, error) {
	if strings.TrimSpace(inc.ClientID) == "" {
		return domain.ServerIncident{}, errors.New("incidentId required")
	}
	media, err := json.Marshal(nonNilStrings(inc.MediaURIs))
	if err != nil {
		return domain.ServerIncident{}, err
	}
	var meta any
	if len(inc.MLMetadata) > 0 {
		b, err := json.Marshal(inc.MLMetadata)
		if err != nil {
			return domain.ServerIncident{}, err
		}
		meta = string(b)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO incidents(client_id, device_id, captured_at, media_uris_json, ml_metadata_json, severity, category, advisory, note, status, area, plant, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(client_id) DO UPDATE SET device_id=excluded.device_id, captured_at=excluded.captured_at,
  media_uris_json=excluded.media_uris_json, ml_metadata_json=excluded.ml_metadata_json, severity=excluded.severity,
  category=excluded.category, advisory=excluded.advisory, note=excluded.note, status=excluded.status,
  area=excluded.area, plant=excluded.plant`,
		inc.ClientID, inc.DeviceID, inc.CapturedAt, string(media), meta, string(domain.ParseSeverity(string(inc.Severity))),
		inc.Category, nullable(inc.Advisory), nullable(inc.Note), inc.Status, nullable(inc.Area), nullable(inc.Plant), r.now())
	if err != nil {
		return domain.ServerIncident{}, err
	}
	return r.GetIncidentByClientID(ctx, inc.ClientID)
}

func (r Repo) GetIncidentByClientID(ctx context.Context, clientID string) (domain.ServerIncident, error) {
	return scanIncident(r.DB.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE client_id=?`, clientID))
}

func (r Repo) ListIncidents(ctx context.Context, limit int) ([]domain.ServerIncident, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+incidentColumns+` FROM incidents ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ServerIncident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(row scanner) (domain.ServerIncident, error) {
	var inc domain.ServerIncident
	var media, meta, severity string
	err := row.Scan(&inc.ID, &inc.ClientID, &inc.DeviceID, &inc.CapturedAt, &media, &meta,
		&severity, &inc.Category, &inc.Advisory, &inc.Note, &inc.Status, &inc.Area, &inc.Plant, &inc.CreatedAt)
	if err == sql.ErrNoRows {
		return inc, ErrNotFound
	}
	if err != nil {
		return inc, err
	}
	inc.Severity = domain.Severity(severity)
	if err := json.Unmarshal([]byte(media), &inc.MediaURIs); err != nil {
		return inc, fmt.Errorf("incident %d media: %w", inc.ID, err)
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &inc.MLMetadata); err != nil {
			return inc, fmt.Errorf("incident %d metadata: %w", inc.ID, err)
		}
	}
	return inc, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
