package syncer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/store"
	fieldlinesdk "fieldline/sdk/go"
)

const titleMaxRunes = 50

// download fetches the server task list, merges it, and removes stale server-origin
// tasks. A listing failure returns before anything local is touched.
func (s *Service) download(ctx context.Context, rep *Report) error {
	remoteTasks, err := s.remote.ListTasks(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(remoteTasks))
	for _, rt := range remoteTasks {
		if id := rt.ID.String(); id != "" {
			seen[id] = true
		}
	}

	var present []string
	for _, rt := range remoteTasks {
		sid := rt.ID.String()
		if sid == "" {
			continue
		}
		localID, err := s.mergeTask(ctx, rt, rep)
		if err != nil {
			s.log.Warn("merge server task", zap.String("server_id", sid), zap.Error(err))
			rep.Failures++
			continue
		}
		present = append(present, localID)
	}
	if rep.TasksCreated > 0 {
		s.notify(fmt.Sprintf("Downloaded %d new task(s)", rep.TasksCreated))
	}
	if err := s.store.ResetTaskMisses(ctx, present); err != nil {
		s.log.Warn("reset task absence counters", zap.Error(err))
	}
	s.removeStale(ctx, seen, rep)
	return nil
}

// mergeTask applies one server task locally and returns the local id it maps to.
func (s *Service) mergeTask(ctx context.Context, rt fieldlinesdk.RemoteTask, rep *Report) (string, error) {
	sid := rt.ID.String()
	local, err := s.findLocal(ctx, sid)
	if isNotFound(err) {
		t := taskFromRemote(rt)
		if err := s.store.CreateTask(ctx, t); err != nil {
			return "", err
		}
		s.metrics.Downloaded()
		rep.TasksCreated++
		s.record(ctx, "task.downloaded", "task", t.ID, events.EventPayload{"status": string(t.Status)})
		return t.ID, nil
	}
	if err != nil {
		return "", err
	}
	if local.IsPending() {
		// Local edits win until they are uploaded.
		s.log.Debug("keeping pending local task", zap.String("task_id", local.ID))
		return local.ID, nil
	}
	serverStatus := domain.NormalizeTaskStatus(rt.Status)
	if local.Status == serverStatus {
		return local.ID, nil
	}
	synced := domain.SyncSynced
	if err := s.store.UpdateTaskDetails(ctx, local.ID, store.TaskPatch{Status: &serverStatus, SyncStatus: &synced}); err != nil {
		return "", err
	}
	s.metrics.Merged()
	rep.TasksUpdated++
	s.record(ctx, "task.merged", "task", local.ID, events.EventPayload{"from": string(local.Status), "to": string(serverStatus)})
	return local.ID, nil
}

func (s *Service) findLocal(ctx context.Context, sid string) (domain.Task, error) {
	t, err := s.store.GetTaskByID(ctx, sid)
	if !isNotFound(err) {
		return t, err
	}
	return s.store.GetTaskByServerID(ctx, sid)
}

// removeStale deletes server-origin tasks missing from the listing once they have
// been missing for the configured number of consecutive listings. Tasks without a
// server id are never touched.
func (s *Service) removeStale(ctx context.Context, seen map[string]bool, rep *Report) {
	local, err := s.store.GetTasks(ctx)
	if err != nil {
		s.log.Error("load local tasks for stale cleanup", zap.Error(err))
		rep.Failures++
		return
	}
	for _, t := range local {
		if t.ServerID == nil || *t.ServerID == "" || seen[*t.ServerID] {
			continue
		}
		misses, err := s.store.RecordTaskMiss(ctx, t.ID)
		if err != nil {
			s.log.Warn("record task absence", zap.String("task_id", t.ID), zap.Error(err))
			rep.Failures++
			continue
		}
		if misses < s.policy.StaleAfterCycles {
			s.log.Debug("task missing from listing", zap.String("task_id", t.ID), zap.Int("misses", misses))
			continue
		}
		if err := s.store.DeleteTask(ctx, t.ID); err != nil {
			s.log.Warn("delete stale task", zap.String("task_id", t.ID), zap.Error(err))
			rep.Failures++
			continue
		}
		s.metrics.Tombstoned()
		rep.TasksDeleted++
		s.record(ctx, "task.tombstoned", "task", t.ID, events.EventPayload{"server_id": *t.ServerID})
	}
}

func taskFromRemote(rt fieldlinesdk.RemoteTask) domain.Task {
	sid := rt.ID.String()
	title := truncate(strings.TrimSpace(rt.Description), titleMaxRunes)
	if title == "" {
		title = "Task " + sid
	}
	t := domain.Task{
		ID:          sid,
		ServerID:    &sid,
		Title:       title,
		Description: rt.Description,
		Assignee:    rt.AssignedToName,
		DueDate:     rt.DueDate,
		Status:      domain.NormalizeTaskStatus(rt.Status),
		Comments:    rt.Comments,
		SyncStatus:  domain.SyncSynced,
	}
	if inc := rt.IncidentID.String(); inc != "" {
		t.IncidentID = &inc
	}
	return t
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
