package api

import (
	"context"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"scriptserver/internal/core"
	"scriptserver/internal/execution"
)

type startExecutionRequest struct {
	Script     string         `json:"script"`
	Parameters map[string]any `json:"parameters"`
}

type outputFileResponse struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Image    bool   `json:"image,omitempty"`
}

type executionResponse struct {
	ID          string               `json:"id"`
	ScriptName  string               `json:"script_name"`
	Owner       core.User            `json:"owner"`
	JobID       string               `json:"job_id,omitempty"`
	Status      string               `json:"status"`
	ExitCode    *int                 `json:"exit_code,omitempty"`
	Pid         int                  `json:"pid,omitempty"`
	Command     []string             `json:"command"`
	WorkingDir  string               `json:"working_dir,omitempty"`
	InputPrompt string               `json:"input_prompt,omitempty"`
	StartedAt   string               `json:"started_at"`
	FinishedAt  *string              `json:"finished_at,omitempty"`
	OutputFiles []outputFileResponse `json:"output_files,omitempty"`
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		writeError(w, http.StatusBadRequest, "invalid_parameter", "script is required")
		return
	}
	user := userFrom(r)
	id, err := s.executions.StartScript(r.Context(), req.Script, user, req.Parameters)
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	e, err := s.executions.GetActiveExecutor(id, user)
	if err != nil {
		// evicted already; the id is still the useful part
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
		return
	}
	writeJSON(w, http.StatusCreated, executionToResponse(e))
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	list := s.executions.List(user)
	if r.URL.Query().Get("active") == "true" {
		list = s.executions.ListActive(user)
	}
	resp := make([]executionResponse, 0, len(list))
	for _, e := range list {
		resp = append(resp, executionToResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": resp})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.executions.GetActiveExecutor(chi.URLParam(r, "executionID"), userFrom(r))
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executionToResponse(e))
}

func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	s.controlExecution(w, r, s.executions.StopScript)
}

func (s *Server) handleKillExecution(w http.ResponseWriter, r *http.Request) {
	s.controlExecution(w, r, s.executions.KillScript)
}

func (s *Server) controlExecution(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string, user core.User) error) {
	id := chi.URLParam(r, "executionID")
	user := userFrom(r)
	if err := action(r.Context(), id, user); err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	e, err := s.executions.GetActiveExecutor(id, user)
	if err != nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusAccepted, executionToResponse(e))
}

type inputRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleExecutionInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if err := s.executions.WriteInput(chi.URLParam(r, "executionID"), userFrom(r), inputLine(req.Text)); err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCleanupExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.executions.Cleanup(r.Context(), chi.URLParam(r, "executionID"), userFrom(r)); err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecutionFile(w http.ResponseWriter, r *http.Request) {
	e, err := s.executions.GetActiveExecutor(chi.URLParam(r, "executionID"), userFrom(r))
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	files := e.OutputFiles()
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 || index >= len(files) {
		writeError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	file := files[index]
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(filepath.Base(file.Filename)))
	http.ServeFile(w, r, file.Path)
}

// inputLine terminates text with a newline so line-reading scripts see it.
func inputLine(text string) []byte {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return []byte(text)
}

func executionToResponse(e *execution.Execution) executionResponse {
	snapshot := e.Snapshot()
	resp := executionResponse{
		ID:          e.ID,
		ScriptName:  e.ScriptName,
		Owner:       e.Owner,
		JobID:       e.JobID,
		Status:      string(e.Status()),
		ExitCode:    e.ExitCode(),
		Pid:         e.Pid(),
		Command:     snapshot.Command,
		WorkingDir:  snapshot.WorkingDir,
		InputPrompt: e.InputPrompt(),
		StartedAt:   formatTime(e.StartedAt()),
	}
	if finished := e.FinishedAt(); !finished.IsZero() {
		resp.FinishedAt = formatTimePtr(&finished)
	}
	for _, file := range e.OutputFiles() {
		resp.OutputFiles = append(resp.OutputFiles, outputFileResponse{Filename: file.Filename, URL: file.URL, Image: file.Image})
	}
	return resp
}
