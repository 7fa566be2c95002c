package api

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"scriptserver/internal/core"
	"scriptserver/internal/store"
)

type historyResponse struct {
	ID         string    `json:"id"`
	ScriptName string    `json:"script_name"`
	Owner      core.User `json:"owner"`
	AuditName  string    `json:"audit_name"`
	JobID      *string   `json:"job_id,omitempty"`
	Command    []string  `json:"command"`
	WorkingDir string    `json:"working_dir,omitempty"`
	Status     string    `json:"status"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Error      *string   `json:"error,omitempty"`
	StartedAt  string    `json:"started_at"`
	FinishedAt *string   `json:"finished_at,omitempty"`
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		ScriptName: q.Get("script"),
		JobID:      q.Get("job"),
		Limit:      parseIntDefault(q.Get("limit"), 50),
		Offset:     parseIntDefault(q.Get("offset"), 0),
	}
	if !s.executions.IsAdmin(user) {
		filter.Owner = user.ID
	}
	records, err := s.history.ListExecutions(r.Context(), filter)
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	resp := make([]historyResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, recordToResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": resp})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	rec, err := s.visibleRecord(r.Context(), chi.URLParam(r, "executionID"), userFrom(r))
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordToResponse(rec))
}

func (s *Server) visibleRecord(ctx context.Context, id string, user core.User) (*core.ExecutionRecord, error) {
	rec, err := s.history.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Owner.ID != user.ID && !s.executions.IsAdmin(user) {
		return nil, core.Forbiddenf("execution %s belongs to another user", id)
	}
	return rec, nil
}

func (s *Server) handleHistoryLog(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	rec, err := s.visibleRecord(r.Context(), executionID, userFrom(r))
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}

	tail := parseIntDefault(r.URL.Query().Get("tail"), 0)
	follow := strings.EqualFold(r.URL.Query().Get("follow"), "1") || strings.EqualFold(r.URL.Query().Get("follow"), "true")

	file, err := os.Open(s.history.LogPath(executionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "log not found")
		} else {
			s.logger.ErrorContext(r.Context(), "open log", "execution_id", executionID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		}
		return
	}
	defer file.Close()

	data, err := readTailLines(file, tail)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "read log", "execution_id", executionID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	flusher, ok := w.(http.Flusher)
	if !follow || !ok || rec.Status.Terminal() {
		_, _ = w.Write(data)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	if len(data) > 0 {
		_, _ = w.Write(data)
		flusher.Flush()
	}

	offset, _ := file.Seek(0, io.SeekEnd)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			pos, err := file.Seek(0, io.SeekEnd)
			if err != nil {
				return
			}
			if pos > offset {
				buf := make([]byte, pos-offset)
				if _, err := file.ReadAt(buf, offset); err == nil {
					_, _ = w.Write(buf)
					flusher.Flush()
				}
				offset = pos
			}
			if !rec.Status.Terminal() {
				if refreshed, err := s.history.GetExecution(r.Context(), executionID); err == nil {
					rec = refreshed
				}
			}
			if rec.Status.Terminal() && pos == offset {
				return
			}
		}
	}
}

func recordToResponse(rec *core.ExecutionRecord) historyResponse {
	return historyResponse{
		ID:         rec.ID,
		ScriptName: rec.ScriptName,
		Owner:      rec.Owner,
		AuditName:  rec.Owner.AuditName(),
		JobID:      rec.JobID,
		Command:    rec.Command,
		WorkingDir: rec.WorkingDir,
		Status:     string(rec.Status),
		ExitCode:   rec.ExitCode,
		Error:      rec.Error,
		StartedAt:  formatTime(rec.StartedAt),
		FinishedAt: formatTimePtr(rec.FinishedAt),
	}
}

func readTailLines(file *os.File, tail int) ([]byte, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return store.TailLines(data, tail), nil
}
