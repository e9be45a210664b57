package fieldlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fieldline/internal/domain"
)

// Client is the field device's HTTP client for the Fieldline API.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// MaxAttempts bounds tries per request for transient failures; 1 disables retries.
	MaxAttempts int
	// RetryInitialInterval seeds the exponential backoff between attempts.
	RetryInitialInterval time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:              baseURL,
		Timeout:              15 * time.Second,
		MaxAttempts:          3,
		RetryInitialInterval: 500 * time.Millisecond,
	}
}

// ID is a server identifier that may arrive as a JSON number or string.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*id = ID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// CreatedResponse is returned by the create/sync endpoints. ID is empty when the server omits it.
type CreatedResponse struct {
	ID ID `json:"id"`
}

// IncidentPayload is the POST /incidents body.
type IncidentPayload struct {
	DeviceID   string          `json:"deviceId"`
	IncidentID string          `json:"incidentId"`
	CapturedAt string          `json:"capturedAt"`
	MediaURIs  []string        `json:"mediaUris"`
	MLMetadata map[string]any  `json:"mlMetadata"`
	Severity   domain.Severity `json:"severity"`
	Category   string          `json:"category"`
	Advisory   string          `json:"advisory"`
	Note       string          `json:"note"`
	Status     string          `json:"status"`
	Area       string          `json:"area"`
	Plant      string          `json:"plant"`
}

// TaskPayload is the POST /tasks/sync body.
type TaskPayload struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Assignee    string           `json:"assignee"`
	Description string           `json:"description"`
	Priority    string           `json:"priority"`
	Status      string           `json:"status"`
	DueDate     string           `json:"dueDate"`
	Comments    []domain.Comment `json:"comments"`
	Area        string           `json:"area"`
	Plant       string           `json:"plant"`
	Precautions string           `json:"precautions"`
	IncidentID  string           `json:"incidentId"`
	DelayReason string           `json:"delayReason"`
	ServerID    *string          `json:"serverId,omitempty"`
}

// RemoteTask is one entry of the GET /tasks listing.
type RemoteTask struct {
	ID             ID               `json:"id"`
	Description    string           `json:"description"`
	AssignedToName string           `json:"assignedToName"`
	Status         string           `json:"status"`
	DueDate        string           `json:"dueDate"`
	IncidentID     ID               `json:"incidentId"`
	Comments       []domain.Comment `json:"comments"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// CreateIncident posts an incident. The incident id doubles as the server idempotency key.
func (c *Client) CreateIncident(ctx context.Context, p IncidentPayload) (CreatedResponse, error) {
	var resp CreatedResponse
	err := c.do(ctx, http.MethodPost, "incidents", p, &resp)
	return resp, err
}

// SyncTask uploads a task; the server creates or updates it.
func (c *Client) SyncTask(ctx context.Context, p TaskPayload) (CreatedResponse, error) {
	var resp CreatedResponse
	err := c.do(ctx, http.MethodPost, "tasks/sync", p, &resp)
	return resp, err
}

// ListTasks returns the authoritative task list.
func (c *Client) ListTasks(ctx context.Context) ([]RemoteTask, error) {
	var resp []RemoteTask
	err := c.do(ctx, http.MethodGet, "tasks", nil, &resp)
	return resp, err
}

// UpdateTaskStatus changes a task's status on the server.
func (c *Client) UpdateTaskStatus(ctx context.Context, id, status string) error {
	body := map[string]any{"status": status}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("tasks/%s/status", url.PathEscape(id)), body, nil)
}

// DeleteTask removes a task on the server.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("tasks/%s", url.PathEscape(id)), nil, nil)
}

// ListUsers returns the users known to the server.
func (c *Client) ListUsers(ctx context.Context) ([]domain.User, error) {
	var resp []domain.User
	err := c.do(ctx, http.MethodGet, "users", nil, &resp)
	return resp, err
}

// UploadMedia sends a local file as multipart field "file" and returns the server URL.
func (c *Client) UploadMedia(ctx context.Context, fileURI string) (string, error) {
	path := LocalPath(fileURI)
	if path == "" {
		return "", errors.New("empty media uri")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read media %s: %w", path, err)
	}
	var resp struct {
		URL string `json:"url"`
	}
	err = c.retry(ctx, func() error {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreatePart(filePartHeader(filepath.Base(path), ContentTypeFor(path)))
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := part.Write(data); err != nil {
			return backoff.Permanent(err)
		}
		if err := mw.Close(); err != nil {
			return backoff.Permanent(err)
		}
		return c.send(ctx, http.MethodPost, "media/upload", mw.FormDataContentType(), &buf, &resp)
	})
	if err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", errors.New("media upload response missing url")
	}
	return resp.URL, nil
}

// LocalPath turns a file:// URI or plain path into a filesystem path.
func LocalPath(uri string) string {
	uri = strings.TrimSpace(uri)
	if strings.HasPrefix(uri, "file://") {
		if u, err := url.Parse(uri); err == nil && u.Path != "" {
			return u.Path
		}
		return strings.TrimPrefix(uri, "file://")
	}
	return uri
}

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
}

// ContentTypeFor infers a media type from the file extension, defaulting to image/jpeg.
func ContentTypeFor(path string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	return "image/jpeg"
}

func filePartHeader(name, contentType string) map[string][]string {
	return map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%s`, strconv.Quote(name))},
		"Content-Type":        {contentType},
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	return c.retry(ctx, func() error {
		return c.send(ctx, method, endpoint, "application/json", bytes.NewReader(payload), out)
	})
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		if apiErr.Temporary() {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode %s %s: %w", method, endpoint, err))
	}
	return nil
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	if c.RetryInitialInterval > 0 {
		eb.InitialInterval = c.RetryInitialInterval
	}
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
	return backoff.Retry(op, policy)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
