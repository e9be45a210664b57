package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// ParseSyncStatus accepts the stored vocabulary plus the legacy "uploaded" spelling.
func ParseSyncStatus(s string) SyncStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "synced", "uploaded":
		return SyncSynced
	case "failed":
		return SyncFailed
	default:
		return SyncPending
	}
}

type Severity string

const (
	SeverityHigh   Severity = "High"
	SeverityMedium Severity = "Medium"
	SeverityLow    Severity = "Low"
)

// ParseSeverity normalizes numeric (1..3, 3 is highest) and categorical severities.
func ParseSeverity(s string) Severity {
	v := strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(v); err == nil {
		switch {
		case n >= 3:
			return SeverityHigh
		case n == 2:
			return SeverityMedium
		case n <= 1:
			return SeverityLow
		}
	}
	switch v {
	case "high", "critical", "severe":
		return SeverityHigh
	case "low", "minor":
		return SeverityLow
	default:
		return SeverityMedium
	}
}

type TaskStatus string

const (
	TaskOpen       TaskStatus = "Open"
	TaskInProgress TaskStatus = "In Progress"
	TaskCompleted  TaskStatus = "Completed"
	TaskDelayed    TaskStatus = "Delayed"
)

// NormalizeTaskStatus folds the mobile and web vocabularies into one status set.
func NormalizeTaskStatus(s string) TaskStatus {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.NewReplacer("_", " ", "-", " ").Replace(v)
	switch v {
	case "in progress", "inprogress", "started":
		return TaskInProgress
	case "completed", "complete", "done", "closed", "resolved":
		return TaskCompleted
	case "delayed", "blocked", "on hold":
		return TaskDelayed
	default:
		return TaskOpen
	}
}

// Comment is the single comment shape used everywhere past the decoding boundary.
type Comment struct {
	Text      string `json:"text"`
	Author    string `json:"author,omitempty"`
	Timestamp string `json:"timestamp,omitempty" format:"date-time"`
}

// UnmarshalJSON accepts either a bare string or a comment object.
func (c *Comment) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = Comment{Text: text}
		return nil
	}
	type plain Comment
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Comment(p)
	return nil
}

type DelayEntry struct {
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type Incident struct {
	ID         string         `json:"id"`
	ServerID   *string        `json:"server_id,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	MediaURIs  []string       `json:"media_uris"`
	MLMetadata map[string]any `json:"ml_metadata,omitempty"`
	Severity   Severity       `json:"severity" enum:"High,Medium,Low"`
	Department string         `json:"department,omitempty"`
	Area       string         `json:"area,omitempty"`
	Plant      string         `json:"plant,omitempty"`
	Advisory   string         `json:"advisory,omitempty"`
	Note       string         `json:"note,omitempty"`
	Status     string         `json:"status"`
	SyncStatus SyncStatus     `json:"sync_status" enum:"pending,synced,failed"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
	// Revision counts local edits; an upload only marks the revision it sent as synced.
	Revision   int            `json:"revision"`
}

type Task struct {
	ID             string       `json:"id"`
	ServerID       *string      `json:"server_id,omitempty"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Assignee       string       `json:"assignee,omitempty"`
	Priority       string       `json:"priority,omitempty"`
	Status         TaskStatus   `json:"status" enum:"Open,In Progress,Completed,Delayed"`
	DueDate        string       `json:"due_date,omitempty"`
	Comments       []Comment    `json:"comments"`
	Area           string       `json:"area,omitempty"`
	Plant          string       `json:"plant,omitempty"`
	Precautions    string       `json:"precautions,omitempty"`
	IncidentID     *string      `json:"incident_id,omitempty"`
	DelayReason    string       `json:"delay_reason,omitempty"`
	DelayHistory   []DelayEntry `json:"delay_history"`
	SyncStatus     SyncStatus   `json:"sync_status" enum:"pending,synced,failed"`
	MissedListings int          `json:"missed_listings,omitempty"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
	UpdatedAt      string       `json:"updated_at" format:"date-time"`
	Revision       int          `json:"revision"`
}

// IsPending reports whether the task has local edits not yet accepted by the server.
func (t Task) IsPending() bool { return t.SyncStatus == SyncPending }

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role" enum:"reporter,supervisor,admin"`
}

type SyncEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// Timestamp formats t the way every stored timestamp is formatted.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ServerIncident is the server-side record for an accepted incident.
type ServerIncident struct {
	ID         int64          `json:"id"`
	ClientID   string         `json:"incidentId"`
	DeviceID   string         `json:"deviceId"`
	CapturedAt string         `json:"capturedAt" format:"date-time"`
	MediaURIs  []string       `json:"mediaUris"`
	MLMetadata map[string]any `json:"mlMetadata,omitempty"`
	Severity   Severity       `json:"severity" enum:"High,Medium,Low"`
	Category   string         `json:"category"`
	Advisory   string         `json:"advisory,omitempty"`
	Note       string         `json:"note,omitempty"`
	Status     string         `json:"status"`
	Area       string         `json:"area,omitempty"`
	Plant      string         `json:"plant,omitempty"`
	CreatedAt  string         `json:"createdAt" format:"date-time"`
}

// ServerTask is the server-side record for a task.
type ServerTask struct {
	ID          int64     `json:"id"`
	ClientID    string    `json:"clientId,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Assignee    string    `json:"assignedToName"`
	Priority    string    `json:"priority,omitempty"`
	Status      string    `json:"status"`
	DueDate     string    `json:"dueDate,omitempty"`
	IncidentID  string    `json:"incidentId,omitempty"`
	Comments    []Comment `json:"comments"`
	Area        string    `json:"area,omitempty"`
	Plant       string    `json:"plant,omitempty"`
	Precautions string    `json:"precautions,omitempty"`
	DelayReason string    `json:"delayReason,omitempty"`
	CreatedAt   string    `json:"createdAt" format:"date-time"`
	UpdatedAt   string    `json:"updatedAt" format:"date-time"`
}

type MediaObject struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
