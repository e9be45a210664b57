// Package store is the device-local record store for incidents and tasks.
package store

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

// Store persists records in the device SQLite database.
type Store struct {
	DB  *sql.DB
	Now func() time.Time

	tx *sql.Tx
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx returns a copy of s whose statements run inside tx.
func (s Store) WithTx(tx *sql.Tx) Store {
	s.tx = tx
	return s
}

func (s Store) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.DB
}

var ErrNotFound = errors.New("not found")

type rowScanner interface {
	Scan(dest ...any) error
}

func (s Store) now() string {
	if s.Now != nil {
		return domain.Timestamp(s.Now())
	}
	return domain.Timestamp(time.Now())
}

const incidentColumns = `id,server_id,created_at,media_uris_json,ml_metadata_json,severity,COALESCE(department,''),COALESCE(area,''),COALESCE(plant,''),COALESCE(advisory,''),COALESCE(note,''),status,sync_status,updated_at,revision`

func scanIncident(row rowScanner) (domain.Incident, error) {
	var (
		inc                  domain.Incident
		serverID, mlMeta     sql.NullString
		mediaJSON            string
		severity, syncStatus string
	)
	err := row.Scan(&inc.ID, &serverID, &inc.CreatedAt, &mediaJSON, &mlMeta, &severity, &inc.Department, &inc.Area,
		&inc.Plant, &inc.Advisory, &inc.Note, &inc.Status, &syncStatus, &inc.UpdatedAt, &inc.Revision)
	if err == sql.ErrNoRows {
		return inc, ErrNotFound
	}
	if err != nil {
		return inc, err
	}
	if serverID.Valid {
		inc.ServerID = &serverID.String
	}
	inc.Severity = domain.ParseSeverity(severity)
	inc.SyncStatus = domain.ParseSyncStatus(syncStatus)
	if err := json.Unmarshal([]byte(mediaJSON), &inc.MediaURIs); err != nil {
		return inc, fmt.Errorf("incident %s media_uris: %w", inc.ID, err)
	}
	if mlMeta.Valid && mlMeta.String != "" {
		if err := json.Unmarshal([]byte(mlMeta.String), &inc.MLMetadata); err != nil {
			return inc, fmt.Errorf("incident %s ml_metadata: %w", inc.ID, err)
		}
	}
	return inc, nil
}

// CreateIncident inserts a new incident. Empty sync status defaults to pending.
func (s Store) CreateIncident(ctx context.Context, inc domain.Incident) error {
	if inc.ID == "" {
		return errors.New("incident id is required")
	}
	if inc.SyncStatus == "" {
		inc.SyncStatus = domain.SyncPending
	}
	if inc.Severity == "" {
		inc.Severity = domain.SeverityMedium
	}
	if inc.Status == "" {
		inc.Status = "New"
	}
	now := s.now()
	if inc.CreatedAt == "" {
		inc.CreatedAt = now
	}
	if inc.UpdatedAt == "" {
		inc.UpdatedAt = inc.CreatedAt
	}
	if inc.MediaURIs == nil {
		inc.MediaURIs = []string{}
	}
	media, err := json.Marshal(inc.MediaURIs)
	if err != nil {
		return err
	}
	mlMeta, err := marshalOptional(inc.MLMetadata)
	if err != nil {
		return err
	}
	_, err = s.q().ExecContext(ctx, `INSERT INTO incidents(id,server_id,created_at,media_uris_json,ml_metadata_json,severity,department,area,plant,advisory,note,status,sync_status,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inc.ID, optionalValue(inc.ServerID), inc.CreatedAt, string(media), mlMeta, string(inc.Severity), nullable(inc.Department),
		nullable(inc.Area), nullable(inc.Plant), nullable(inc.Advisory), nullable(inc.Note), inc.Status, string(inc.SyncStatus), inc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

func (s Store) GetIncident(ctx context.Context, id string) (domain.Incident, error) {
	return scanIncident(s.q().QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id))
}

type IncidentFilter struct {
	SyncStatus string
	Limit      int
}

func (s Store) ListIncidents(ctx context.Context, f IncidentFilter) ([]domain.Incident, error) {
	var (
		clauses []string
		args    []any
	)
	if f.SyncStatus != "" {
		clauses = append(clauses, "sync_status=?")
		args = append(args, string(domain.ParseSyncStatus(f.SyncStatus)))
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

// GetPendingIncidents returns a snapshot of incidents awaiting upload.
func (s Store) GetPendingIncidents(ctx context.Context) ([]domain.Incident, error) {
	return s.ListIncidents(ctx, IncidentFilter{SyncStatus: string(domain.SyncPending)})
}

// MarkIncidentUploaded flags an incident as accepted by the server without a server id.
// It reports false, leaving the incident pending, when the row no longer holds revision.
func (s Store) MarkIncidentUploaded(ctx context.Context, id string, revision int) (bool, error) {
	return s.markSynced(ctx, "incidents", id, "", revision)
}

// UpdateIncidentServerID records the server id and marks the incident synced unless it
// changed after revision was read.
func (s Store) UpdateIncidentServerID(ctx context.Context, id, serverID string, revision int) (bool, error) {
	return s.markSynced(ctx, "incidents", id, serverID, revision)
}

// markSynced always records a non-empty serverID; sync_status flips only on a revision match.
func (s Store) markSynced(ctx context.Context, table, id, serverID string, revision int) (bool, error) {
	res, err := s.q().ExecContext(ctx, `UPDATE `+table+` SET server_id=COALESCE(?,server_id), sync_status=?, updated_at=? WHERE id=? AND revision=?`,
		nullable(serverID), string(domain.SyncSynced), s.now(), id, revision)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	return false, s.execOne(ctx, `UPDATE `+table+` SET server_id=COALESCE(?,server_id) WHERE id=?`, nullable(serverID), id)
}

// SubstituteIncidentMedia replaces local media references with their uploaded URLs.
// Entries are matched after trimming. Only entries present as keys are touched, so a remote URL
// is never swapped back for a local path. The revision is left alone.
func (s Store) SubstituteIncidentMedia(ctx context.Context, id string, uploaded map[string]string) error {
	if len(uploaded) == 0 {
		return nil
	}
	inc, err := s.GetIncident(ctx, id)
	if err != nil {
		return err
	}
	changed := false
	for i, uri := range inc.MediaURIs {
		if remote, ok := uploaded[strings.TrimSpace(uri)]; ok && remote != "" && !IsRemoteURI(uri) {
			inc.MediaURIs[i] = remote
			changed = true
		}
	}
	if !changed {
		return nil
	}
	media, err := json.Marshal(inc.MediaURIs)
	if err != nil {
		return err
	}
	return s.execOne(ctx, `UPDATE incidents SET media_uris_json=?, updated_at=? WHERE id=?`, string(media), s.now(), id)
}

// IsRemoteURI reports whether uri already points at the server rather than the device.
func IsRemoteURI(uri string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(uri)), "http")
}

func (s Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.q().ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalOptional(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func optionalValue(ptr *string) any {
	if ptr == nil || *ptr == "" {
		return nil
	}
	return *ptr
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
