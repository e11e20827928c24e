package httpapi

import (
	"net/http"
	"strconv"
)

// healthSummary implements GET /health. The aggregator's cached
// summary is returned by default; ?force_refresh=true runs every checker
// synchronously first
func (s *Server) healthSummary(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force_refresh"))
	summary := s.health.Get(r.Context(), force)

	env := "production"
	if s.cfg != nil && s.cfg.FrontendBaseURL == "" {
		env = "development"
	}

	writeJSON(w, s.log, http.StatusOK, map[string]any{
		"status":     summary.Overall,
		"env":        env,
		"components": summary.Components,
		"checked_at": summary.CheckedAt,
	})
}
