package httpapi

import (
	"net/http"

	"github.com/sxmxc/opstoolbox/internal/jobstore"
	"github.com/sxmxc/opstoolbox/internal/toolkit"
)

// dashboard implements GET /dashboard/: enabled toolkit cards,
// the ten most recently created jobs, and the cached health summary, for
// the operator landing page.
func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	toolkits, err := s.toolkits.List(ctx)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	cards := make([]*toolkit.Record, 0, len(toolkits))
	for _, rec := range toolkits {
		if rec.Enabled {
			cards = append(cards, rec)
		}
	}

	jobs, total, err := s.jobs.List(ctx, jobstore.Filters{}, 10, 0)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	writeJSON(w, s.log, http.StatusOK, map[string]any{
		"toolkits":    cards,
		"recent_jobs": jobs,
		"jobs_total":  total,
		"health":      s.health.Get(ctx, false),
	})
}
