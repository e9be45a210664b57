package syncer

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/store"
	fieldlinesdk "fieldline/sdk/go"
)

const categoryOther = "Other"

func (s *Service) uploadIncidents(ctx context.Context, rep *Report) {
	pending, err := s.store.GetPendingIncidents(ctx)
	if err != nil {
		s.log.Error("load pending incidents", zap.Error(err))
		rep.Failures++
		return
	}
	for _, inc := range pending {
		if ctx.Err() != nil {
			s.log.Warn("incident upload interrupted", zap.Error(ctx.Err()))
			return
		}
		dropped, err := s.uploadIncident(ctx, inc)
		rep.MediaDropped += dropped
		if err != nil {
			s.log.Warn("incident upload failed; will retry next sync", zap.String("incident_id", inc.ID), zap.Error(err))
			s.metrics.UploadFailed("incident")
			rep.Failures++
			continue
		}
		s.metrics.Uploaded("incident")
		rep.IncidentsUploaded++
	}
}

// uploadIncident sends one incident and returns how many media items were dropped.
func (s *Service) uploadIncident(ctx context.Context, inc domain.Incident) (int, error) {
	media, uploaded, dropped := s.resolveMedia(ctx, inc.MediaURIs)
	if len(uploaded) > 0 {
		// Persist right away so a failed incident post does not upload the same files again.
		if err := s.store.SubstituteIncidentMedia(ctx, inc.ID, uploaded); err != nil {
			s.log.Warn("persist uploaded media urls", zap.String("incident_id", inc.ID), zap.Error(err))
		}
	}
	resp, err := s.remote.CreateIncident(ctx, s.incidentPayload(inc, media))
	if err != nil {
		return dropped, err
	}
	var synced bool
	if id := resp.ID.String(); id != "" {
		synced, err = s.store.UpdateIncidentServerID(ctx, inc.ID, id, inc.Revision)
	} else {
		synced, err = s.store.MarkIncidentUploaded(ctx, inc.ID, inc.Revision)
	}
	if err != nil {
		return dropped, err
	}
	if !synced {
		s.log.Info("incident changed during upload; keeping it pending", zap.String("incident_id", inc.ID))
	}
	s.record(ctx, "incident.uploaded", "incident", inc.ID, events.EventPayload{
		"server_id": resp.ID.String(),
		"media":     len(media),
		"dropped":   dropped,
		"synced":    synced,
	})
	return dropped, nil
}

// resolveMedia keeps remote URLs in place, uploads local files and drops the ones
// that fail. Order of the surviving entries is preserved.
func (s *Service) resolveMedia(ctx context.Context, uris []string) ([]string, map[string]string, int) {
	resolved := make([]string, 0, len(uris))
	uploaded := map[string]string{}
	dropped := 0
	for _, uri := range uris {
		// Keys are trimmed; SubstituteIncidentMedia matches stored entries the same way.
		uri = strings.TrimSpace(uri)
		if uri == "" {
			continue
		}
		if store.IsRemoteURI(uri) {
			resolved = append(resolved, uri)
			continue
		}
		if remote, ok := uploaded[uri]; ok {
			resolved = append(resolved, remote)
			continue
		}
		remote := s.uploadMedia(ctx, uri)
		if remote == "" {
			dropped++
			continue
		}
		uploaded[uri] = remote
		resolved = append(resolved, remote)
	}
	return resolved, uploaded, dropped
}

// uploadMedia returns the server URL for a local file, or "" when the upload failed.
func (s *Service) uploadMedia(ctx context.Context, uri string) string {
	remote, err := s.remote.UploadMedia(ctx, uri)
	if err != nil {
		s.log.Warn("media upload failed; dropping from payload", zap.String("uri", uri), zap.Error(err))
		s.metrics.UploadFailed("media")
		return ""
	}
	s.metrics.Uploaded("media")
	return remote
}

func (s *Service) incidentPayload(inc domain.Incident, media []string) fieldlinesdk.IncidentPayload {
	category := strings.TrimSpace(inc.Department)
	if category == "" {
		category = categoryOther
	}
	meta := inc.MLMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	status := inc.Status
	if status == "" {
		status = "New"
	}
	return fieldlinesdk.IncidentPayload{
		DeviceID:   s.deviceID,
		IncidentID: inc.ID,
		CapturedAt: inc.CreatedAt,
		MediaURIs:  media,
		MLMetadata: meta,
		Severity:   domain.ParseSeverity(string(inc.Severity)),
		Category:   category,
		Advisory:   inc.Advisory,
		Note:       inc.Note,
		Status:     status,
		Area:       inc.Area,
		Plant:      inc.Plant,
	}
}

func (s *Service) uploadTasks(ctx context.Context, rep *Report) {
	pending, err := s.store.GetPendingTasks(ctx)
	if err != nil {
		s.log.Error("load pending tasks", zap.Error(err))
		rep.Failures++
		return
	}
	for _, t := range pending {
		if ctx.Err() != nil {
			s.log.Warn("task upload interrupted", zap.Error(ctx.Err()))
			return
		}
		if err := s.uploadTask(ctx, t); err != nil {
			s.log.Warn("task upload failed; will retry next sync", zap.String("task_id", t.ID), zap.Error(err))
			s.metrics.UploadFailed("task")
			rep.Failures++
			continue
		}
		s.metrics.Uploaded("task")
		rep.TasksUploaded++
	}
}

func (s *Service) uploadTask(ctx context.Context, t domain.Task) error {
	resp, err := s.remote.SyncTask(ctx, taskPayload(t))
	if err != nil {
		return err
	}
	var synced bool
	if id := resp.ID.String(); id != "" {
		synced, err = s.store.UpdateTaskServerID(ctx, t.ID, id, t.Revision)
	} else {
		synced, err = s.store.MarkTaskUploaded(ctx, t.ID, t.Revision)
	}
	if err != nil {
		return err
	}
	if !synced {
		// The edit goes out with the next run.
		s.log.Info("task changed during upload; keeping it pending", zap.String("task_id", t.ID))
	}
	s.record(ctx, "task.uploaded", "task", t.ID, events.EventPayload{"server_id": resp.ID.String(), "status": string(t.Status), "synced": synced})
	return nil
}

func taskPayload(t domain.Task) fieldlinesdk.TaskPayload {
	p := fieldlinesdk.TaskPayload{
		ID:          t.ID,
		Title:       t.Title,
		Assignee:    t.Assignee,
		Description: t.Description,
		Priority:    t.Priority,
		Status:      string(t.Status),
		DueDate:     t.DueDate,
		Comments:    t.Comments,
		Area:        t.Area,
		Plant:       t.Plant,
		Precautions: t.Precautions,
		DelayReason: t.DelayReason,
	}
	if p.Comments == nil {
		p.Comments = []domain.Comment{}
	}
	if t.IncidentID != nil {
		p.IncidentID = *t.IncidentID
	}
	if t.ServerID != nil && *t.ServerID != "" {
		sid := *t.ServerID
		p.ServerID = &sid
	}
	return p
}
