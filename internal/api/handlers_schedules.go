package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"scriptserver/internal/schedule"
)

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

type previewRequest struct {
	Schedule schedule.Config `json:"schedule"`
	Count    int             `json:"count,omitempty"`
}

type previewResponse struct {
	NextTimes []string `json:"next_times"`
}

type settingsResponse struct {
	OneTimeRetentionMinutes int `json:"onetime_retention_minutes"`
}

type settingsRequest struct {
	OneTimeRetentionMinutes *int `json:"onetime_retention_minutes"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	views := s.schedules.GetJobs(userFrom(r), r.URL.Query().Get("script"))
	writeJSON(w, http.StatusOK, map[string]any{"schedules": views})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var job schedule.Job
	if err := decodeJSON(r, &job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	user := userFrom(r)
	created, err := s.schedules.CreateJob(r.Context(), user, &job)
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	s.writeJobView(w, r, http.StatusCreated, created.ID)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	s.writeJobView(w, r, http.StatusOK, chi.URLParam(r, "jobID"))
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var job schedule.Job
	if err := decodeJSON(r, &job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	job.ID = chi.URLParam(r, "jobID")
	if _, err := s.schedules.UpdateJob(r.Context(), userFrom(r), &job); err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	s.writeJobView(w, r, http.StatusOK, job.ID)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.DeleteJob(r.Context(), userFrom(r), chi.URLParam(r, "jobID")); err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "enabled is required")
		return
	}
	id := chi.URLParam(r, "jobID")
	if _, err := s.schedules.ToggleEnabled(r.Context(), userFrom(r), id, *req.Enabled); err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	s.writeJobView(w, r, http.StatusOK, id)
}

func (s *Server) writeJobView(w http.ResponseWriter, r *http.Request, status int, id string) {
	view, err := s.schedules.GetJob(userFrom(r), id)
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	writeJSON(w, status, view)
}

func (s *Server) handleSchedulePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	count := req.Count
	if count <= 0 {
		count = 5
	}
	times, err := s.schedules.Preview(req.Schedule, count)
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	resp := previewResponse{NextTimes: make([]string, 0, len(times))}
	for _, t := range times {
		resp.NextTimes = append(resp.NextTimes, formatTime(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsResponse{OneTimeRetentionMinutes: s.schedules.RetentionMinutes()})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if !s.executions.IsAdmin(user) {
		writeError(w, http.StatusForbidden, "forbidden", "only admins may change settings")
		return
	}
	var req settingsRequest
	if err := decodeJSON(r, &req); err != nil || req.OneTimeRetentionMinutes == nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "onetime_retention_minutes is required")
		return
	}
	if err := s.schedules.SetRetentionMinutes(r.Context(), *req.OneTimeRetentionMinutes); err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "settings updated", "user", user.ID,
		"onetime_retention_minutes", *req.OneTimeRetentionMinutes)
	s.handleGetSettings(w, r)
}
