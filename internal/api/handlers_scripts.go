package api

import (
	"net/http"

	"scriptserver/internal/core"
	"scriptserver/internal/scripts"
)

type scriptResponse struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Schedulable bool                `json:"schedulable"`
	Parameters  []scripts.Parameter `json:"parameters"`
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	list := s.catalog.List(userFrom(r))
	resp := make([]scriptResponse, 0, len(list))
	for _, script := range list {
		params := script.Parameters()
		if params == nil {
			params = []scripts.Parameter{}
		}
		resp = append(resp, scriptResponse{
			Name:        script.Name(),
			Description: script.Description(),
			Schedulable: script.Schedulable(),
			Parameters:  params,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"scripts": resp})
}

func (s *Server) handleReloadScripts(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if !s.catalog.IsAdmin(user) {
		writeServiceError(w, s.logger, r, core.Forbiddenf("only admins may reload scripts"))
		return
	}
	if err := s.catalog.Reload(); err != nil {
		s.logger.ErrorContext(r.Context(), "reload scripts", "user", user.ID, "err", err)
		writeError(w, http.StatusBadRequest, "invalid_scripts", err.Error())
		return
	}
	s.handleListScripts(w, r)
}
