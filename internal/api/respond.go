package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"scriptserver/internal/core"
)

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

// writeServiceError maps the error taxonomy onto HTTP. Internal errors are
// logged and reported without detail.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch core.Kind(err) {
	case core.ErrNotFound:
		status, code = http.StatusNotFound, "not_found"
	case core.ErrForbidden:
		status, code = http.StatusForbidden, "forbidden"
	case core.ErrInvalidParameter:
		status, code = http.StatusBadRequest, "invalid_parameter"
	case core.ErrInvalidSchedule:
		status, code = http.StatusBadRequest, "invalid_schedule"
	case core.ErrAlreadyFinished:
		status, code = http.StatusConflict, "already_finished"
	case core.ErrStillRunning:
		status, code = http.StatusConflict, "still_running"
	case core.ErrStartFailure:
		status, code = http.StatusBadGateway, "start_failure"
	}
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, status, code, core.PublicMessage(err))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	formatted := formatTime(*t)
	return &formatted
}
