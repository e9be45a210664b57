// Package syncer reconciles device-local incidents and tasks with the Fieldline server.
//
// A run uploads pending incidents (media first) and pending tasks, downloads the
// authoritative task list and merges it without clobbering local pending edits,
// deletes server-origin tasks that vanished from the listing, and finally invokes
// the caller's completion callback. Only one run executes at a time per Service;
// overlapping calls return immediately.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/metrics"
	"fieldline/internal/store"
	fieldlinesdk "fieldline/sdk/go"
)

// Store is the slice of the local record store the orchestrator needs.
type Store interface {
	GetPendingIncidents(ctx context.Context) ([]domain.Incident, error)
	MarkIncidentUploaded(ctx context.Context, id string, revision int) (bool, error)
	UpdateIncidentServerID(ctx context.Context, id, serverID string, revision int) (bool, error)
	SubstituteIncidentMedia(ctx context.Context, id string, uploaded map[string]string) error

	GetPendingTasks(ctx context.Context) ([]domain.Task, error)
	GetTasks(ctx context.Context) ([]domain.Task, error)
	GetTaskByID(ctx context.Context, id string) (domain.Task, error)
	GetTaskByServerID(ctx context.Context, serverID string) (domain.Task, error)
	CreateTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, id string) error
	UpdateTaskDetails(ctx context.Context, id string, patch store.TaskPatch) error
	MarkTaskUploaded(ctx context.Context, id string, revision int) (bool, error)
	UpdateTaskServerID(ctx context.Context, id, serverID string, revision int) (bool, error)
	RecordTaskMiss(ctx context.Context, id string) (int, error)
	ResetTaskMisses(ctx context.Context, ids []string) error
}

// Remote is the slice of the API client the orchestrator needs.
type Remote interface {
	CreateIncident(ctx context.Context, p fieldlinesdk.IncidentPayload) (fieldlinesdk.CreatedResponse, error)
	SyncTask(ctx context.Context, p fieldlinesdk.TaskPayload) (fieldlinesdk.CreatedResponse, error)
	ListTasks(ctx context.Context) ([]fieldlinesdk.RemoteTask, error)
	UploadMedia(ctx context.Context, fileURI string) (string, error)
}

// Notifier surfaces user-visible confirmations.
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string)

func (f NotifierFunc) Notify(message string) { f(message) }

// Journal records sync activity.
type Journal interface {
	Append(ctx context.Context, evtType, entityKind, entityID string, payload events.EventPayload) error
}

// Policy tunes a Service.
type Policy struct {
	// StaleAfterCycles is how many consecutive listings a server-origin task must be
	// missing from before it is deleted locally. Values below 1 mean 1.
	StaleAfterCycles int
	// RunTimeout bounds a whole run; zero means no bound beyond the caller's context.
	RunTimeout time.Duration
}

// Options carries the optional collaborators of a Service.
type Options struct {
	Notifier Notifier
	Journal  Journal
	Metrics  *metrics.Sync
	Logger   *zap.Logger
	Policy   Policy
	Now      func() time.Time
}

// Report summarizes one Synchronize call.
type Report struct {
	Skipped           bool
	IncidentsUploaded int
	TasksUploaded     int
	TasksCreated      int
	TasksUpdated      int
	TasksDeleted      int
	MediaDropped      int
	Failures          int
	DownloadErr       error
}

// Service is the sync orchestrator. The zero value is not usable; use New.
type Service struct {
	store    Store
	remote   Remote
	deviceID string
	notifier Notifier
	journal  Journal
	metrics  *metrics.Sync
	log      *zap.Logger
	policy   Policy
	now      func() time.Time

	syncing atomic.Bool
}

// New wires a Service around its store and remote.
func New(st Store, remote Remote, deviceID string, opts Options) *Service {
	s := &Service{
		store:    st,
		remote:   remote,
		deviceID: deviceID,
		notifier: opts.Notifier,
		journal:  opts.Journal,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		policy:   opts.Policy,
		now:      opts.Now,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.policy.StaleAfterCycles < 1 {
		s.policy.StaleAfterCycles = 1
	}
	return s
}

// Syncing reports whether a run is in flight.
func (s *Service) Syncing() bool { return s.syncing.Load() }

// Synchronize runs one sync cycle. A call made while another is in flight returns
// Report{Skipped: true} without touching the network or calling onComplete.
// Failures are logged and counted, never returned; onComplete fires exactly once per
// non-skipped run.
func (s *Service) Synchronize(ctx context.Context, onComplete func()) (rep Report) {
	if !s.syncing.CompareAndSwap(false, true) {
		s.log.Debug("sync already in progress; skipping")
		s.metrics.Run("skipped", 0)
		return Report{Skipped: true}
	}
	start := s.now()
	outcome := "completed"
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sync aborted", zap.Any("panic", r), zap.Stack("stack"))
			rep.Failures++
			outcome = "aborted"
		}
		s.syncing.Store(false)
		s.metrics.Run(outcome, s.now().Sub(start))
		s.record(ctx, "sync.completed", "sync", "", events.EventPayload{
			"outcome":            outcome,
			"incidents_uploaded": rep.IncidentsUploaded,
			"tasks_uploaded":     rep.TasksUploaded,
			"tasks_created":      rep.TasksCreated,
			"tasks_updated":      rep.TasksUpdated,
			"tasks_deleted":      rep.TasksDeleted,
			"failures":           rep.Failures,
		})
		if onComplete != nil {
			onComplete()
		}
	}()

	if s.policy.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.policy.RunTimeout)
		defer cancel()
	}

	s.log.Info("sync started", zap.String("device_id", s.deviceID))
	s.record(ctx, "sync.started", "sync", "", events.EventPayload{"device_id": s.deviceID})
	s.uploadIncidents(ctx, &rep)
	s.uploadTasks(ctx, &rep)
	if n := rep.IncidentsUploaded + rep.TasksUploaded; n > 0 {
		s.notify(fmt.Sprintf("Synced %d item(s)", n))
	}

	if err := s.download(ctx, &rep); err != nil {
		rep.DownloadErr = err
		outcome = "download_failed"
		s.logDownloadFailure(err)
	}
	s.log.Info("sync finished",
		zap.Int("incidents_uploaded", rep.IncidentsUploaded),
		zap.Int("tasks_uploaded", rep.TasksUploaded),
		zap.Int("tasks_created", rep.TasksCreated),
		zap.Int("tasks_updated", rep.TasksUpdated),
		zap.Int("tasks_deleted", rep.TasksDeleted),
		zap.Int("failures", rep.Failures))
	return rep
}

func (s *Service) notify(msg string) {
	if s.notifier != nil {
		s.notifier.Notify(msg)
	}
}

func (s *Service) record(ctx context.Context, evtType, kind, id string, payload events.EventPayload) {
	if s.journal == nil {
		return
	}
	// The journal shares the device database; a cancelled run still gets its entry.
	if err := s.journal.Append(context.WithoutCancel(ctx), evtType, kind, id, payload); err != nil {
		s.log.Warn("journal append failed", zap.String("type", evtType), zap.Error(err))
	}
}

func (s *Service) logDownloadFailure(err error) {
	var apiErr *fieldlinesdk.APIError
	if errors.As(err, &apiErr) {
		s.log.Error("task download failed",
			zap.Int("status", apiErr.StatusCode),
			zap.String("body", apiErr.Body))
		return
	}
	s.log.Error("task download failed", zap.Error(err))
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
