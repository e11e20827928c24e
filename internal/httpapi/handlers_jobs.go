package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sxmxc/opstoolbox/internal/apperr"
	"github.com/sxmxc/opstoolbox/internal/jobstore"
)

var validate = validator.New()

type createJobRequest struct {
	Toolkit   string          `json:"toolkit" validate:"required"`
	Operation string          `json:"operation" validate:"required"`
	Payload   json.RawMessage `json:"payload"`
}

// createJob implements POST /jobs/.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, s.log, apperr.Validation(err.Error()))
		return
	}

	job, err := s.dispatcher.Enqueue(r.Context(), req.Toolkit, req.Operation, req.Payload)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, s.log, http.StatusCreated, job)
}

func splitCSVParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func pagination(r *http.Request) (limit, offset int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return pageSize, (page - 1) * pageSize
}

// listJobs implements GET /jobs/ with the toolkit/module/status/page/
// page_size filters
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := jobstore.Filters{
		Toolkits: splitCSVParam(q.Get("toolkit")),
		Modules:  splitCSVParam(q.Get("module")),
		Statuses: splitCSVParam(q.Get("status")),
	}
	limit, offset := pagination(r)

	jobs, total, err := s.jobs.List(r.Context(), filters, limit, offset)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

// getJob implements GET /jobs/{id}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.dispatcher.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if job == nil {
		writeError(w, s.log, apperr.NotFound("job not found"))
		return
	}
	writeJSON(w, s.log, http.StatusOK, job)
}

// cancelJob implements POST /jobs/{id}/cancel: the cooperative cancellation
// protocol always answers 202, whether the job was queued
// (finalized to cancelled immediately) or running (a cancellation signal
// was appended for the worker to observe).
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.dispatcher.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if job == nil {
		writeError(w, s.log, apperr.NotFound("job not found"))
		return
	}
	writeJSON(w, s.log, http.StatusAccepted, job)
}
