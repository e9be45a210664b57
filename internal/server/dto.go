package server

import (
	"encoding/json"
	"strconv"

	"fieldline/internal/domain"
)

// Request payloads

type IncidentRequest struct {
	_          struct{}       `json:"-" additionalProperties:"true"`
	DeviceID   string         `json:"deviceId,omitempty"`
	IncidentID string         `json:"incidentId"`
	CapturedAt string         `json:"capturedAt,omitempty"`
	MediaURIs  []string       `json:"mediaUris,omitempty"`
	MLMetadata map[string]any `json:"mlMetadata,omitempty"`
	Severity   any            `json:"severity,omitempty"`
	Category   string         `json:"category,omitempty"`
	Advisory   string         `json:"advisory,omitempty"`
	Note       string         `json:"note,omitempty"`
	Status     string         `json:"status,omitempty"`
	Area       string         `json:"area,omitempty"`
	Plant      string         `json:"plant,omitempty"`
}

type TaskSyncRequest struct {
	_           struct{} `json:"-" additionalProperties:"true"`
	ID          string   `json:"id,omitempty"`
	ServerID    *string  `json:"serverId,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Status      string   `json:"status,omitempty"`
	DueDate     string   `json:"dueDate,omitempty"`
	Comments    []any    `json:"comments,omitempty" doc:"Comment objects or bare strings"`
	Area        string   `json:"area,omitempty"`
	Plant       string   `json:"plant,omitempty"`
	Precautions string   `json:"precautions,omitempty"`
	IncidentID  string   `json:"incidentId,omitempty"`
	DelayReason string   `json:"delayReason,omitempty"`
}

type CreateTaskRequest struct {
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	AssignedToName string `json:"assignedToName,omitempty"`
	Priority       string `json:"priority,omitempty"`
	Status         string `json:"status,omitempty"`
	DueDate        string `json:"dueDate,omitempty"`
	IncidentID     string `json:"incidentId,omitempty"`
	Area           string `json:"area,omitempty"`
	Plant          string `json:"plant,omitempty"`
	Precautions    string `json:"precautions,omitempty"`
}

type UpdateTaskStatusRequest struct {
	Status string `json:"status" minLength:"1"`
}

type CreateUserRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty" enum:"reporter,supervisor,admin"`
}

// Response payloads

type CreatedResponse struct {
	ID         int64  `json:"id"`
	IncidentID string `json:"incidentId,omitempty"`
}

type MediaUploadResponse struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func (r IncidentRequest) toDomain() domain.ServerIncident {
	status := r.Status
	if status == "" {
		status = "New"
	}
	category := r.Category
	if category == "" {
		category = "Other"
	}
	return domain.ServerIncident{
		ClientID:   r.IncidentID,
		DeviceID:   r.DeviceID,
		CapturedAt: r.CapturedAt,
		MediaURIs:  r.MediaURIs,
		MLMetadata: r.MLMetadata,
		Severity:   domain.ParseSeverity(severityString(r.Severity)),
		Category:   category,
		Advisory:   r.Advisory,
		Note:       r.Note,
		Status:     status,
		Area:       r.Area,
		Plant:      r.Plant,
	}
}

func (r TaskSyncRequest) toDomain() (domain.ServerTask, error) {
	comments, err := decodeComments(r.Comments)
	if err != nil {
		return domain.ServerTask{}, err
	}
	return domain.ServerTask{
		ClientID:    r.ID,
		Title:       r.Title,
		Description: r.Description,
		Assignee:    r.Assignee,
		Priority:    r.Priority,
		Status:      r.Status,
		DueDate:     r.DueDate,
		IncidentID:  r.IncidentID,
		Comments:    comments,
		Area:        r.Area,
		Plant:       r.Plant,
		Precautions: r.Precautions,
		DelayReason: r.DelayReason,
	}, nil
}

func (r CreateTaskRequest) toDomain() domain.ServerTask {
	return domain.ServerTask{
		Title:       r.Title,
		Description: r.Description,
		Assignee:    r.AssignedToName,
		Priority:    r.Priority,
		Status:      r.Status,
		DueDate:     r.DueDate,
		IncidentID:  r.IncidentID,
		Area:        r.Area,
		Plant:       r.Plant,
		Precautions: r.Precautions,
	}
}

// decodeComments routes loosely typed comments through the domain decoder.
func decodeComments(raw []any) ([]domain.Comment, error) {
	if len(raw) == 0 {
		return []domain.Comment{}, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out []domain.Comment
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func severityString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	default:
		return ""
	}
}
