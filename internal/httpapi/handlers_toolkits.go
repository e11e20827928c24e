package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sxmxc/opstoolbox/internal/apperr"
	"github.com/sxmxc/opstoolbox/internal/catalog"
	"github.com/sxmxc/opstoolbox/internal/toolkit"
)

// listToolkits implements GET /toolkits/.
func (s *Server) listToolkits(w http.ResponseWriter, r *http.Request) {
	recs, err := s.toolkits.List(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, map[string]any{"toolkits": recs})
}

type toolkitWriteRequest struct {
	Slug                   string `json:"slug" validate:"required"`
	Name                   string `json:"name" validate:"required"`
	Description            string `json:"description"`
	BasePath               string `json:"base_path" validate:"required"`
	Enabled                bool   `json:"enabled"`
	Category               string `json:"category"`
	Tags                   []string `json:"tags"`
	Version                string `json:"version"`
	BackendModule          string `json:"backend_module"`
	BackendRouterAttr      string `json:"backend_router_attr"`
	WorkerModule           string `json:"worker_module"`
	WorkerRegisterAttr     string `json:"worker_register_attr"`
	FrontendEntry          string `json:"frontend_entry"`
	FrontendSourceEntry    string `json:"frontend_source_entry"`
}

// createToolkit implements POST /toolkits/ (superuser-only manual
// registration, distinct from the upload/catalog install paths).
func (s *Server) createToolkit(w http.ResponseWriter, r *http.Request) {
	var req toolkitWriteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, s.log, apperr.Validation(err.Error()))
		return
	}
	if !strings.HasPrefix(req.BasePath, "/") {
		req.BasePath = "/" + req.BasePath
	}

	now := time.Now().UTC()
	rec := &toolkit.Record{
		Slug:               req.Slug,
		Name:               req.Name,
		Description:        req.Description,
		BasePath:           req.BasePath,
		Enabled:            req.Enabled,
		Category:           req.Category,
		Tags:               req.Tags,
		Origin:             toolkit.OriginCustom,
		Version:            req.Version,
		BackendModule:      req.BackendModule,
		BackendRouterAttr:  req.BackendRouterAttr,
		WorkerModule:       req.WorkerModule,
		WorkerRegisterAttr: req.WorkerRegisterAttr,
		FrontendEntry:      req.FrontendEntry,
		FrontendSourceEntry: req.FrontendSourceEntry,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.toolkits.Create(r.Context(), rec); err != nil {
		writeError(w, s.log, err)
		return
	}
	if rec.Enabled && s.loader != nil {
		if err := s.loader.Activate(r.Context(), rec.Slug); err != nil {
			s.log.Warn("httpapi: activate %s after create: %v", rec.Slug, err)
		}
	}
	writeJSON(w, s.log, http.StatusCreated, rec)
}

type toolkitUpdateRequest struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	Enabled     *bool     `json:"enabled"`
	Category    *string   `json:"category"`
	Tags        *[]string `json:"tags"`
}

// updateToolkit implements PUT /toolkits/{slug}: a curator can
// edit display metadata and flip Enabled, which triggers activation.
func (s *Server) updateToolkit(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	ctx := r.Context()

	rec, err := s.toolkits.Get(ctx, slug)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if rec == nil {
		writeError(w, s.log, apperr.NotFound("toolkit not found"))
		return
	}

	var req toolkitUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}

	wasEnabled := rec.Enabled
	if req.Name != nil {
		rec.Name = *req.Name
	}
	if req.Description != nil {
		rec.Description = *req.Description
	}
	if req.Category != nil {
		rec.Category = *req.Category
	}
	if req.Tags != nil {
		rec.Tags = *req.Tags
	}
	if req.Enabled != nil {
		rec.Enabled = *req.Enabled
	}
	rec.UpdatedAt = time.Now().UTC()

	if err := s.toolkits.Update(ctx, rec); err != nil {
		writeError(w, s.log, err)
		return
	}

	if rec.Enabled && !wasEnabled && s.loader != nil {
		if err := s.loader.Activate(ctx, slug); err != nil {
			writeError(w, s.log, apperr.Internal("toolkit updated but activation failed", err))
			return
		}
	}
	if !rec.Enabled && wasEnabled && s.loader != nil {
		s.loader.Deactivate(slug)
	}

	writeJSON(w, s.log, http.StatusOK, rec)
}

// deleteToolkit implements DELETE /toolkits/{slug}: builtin
// toolkits are rejected and bundled ones tombstoned by the store itself.
func (s *Server) deleteToolkit(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if err := s.toolkits.Delete(r.Context(), slug); err != nil {
		writeError(w, s.log, err)
		return
	}
	if s.loader != nil {
		s.loader.Deactivate(slug)
	}
	if s.audit != nil {
		s.audit.Record(r.Context(), authRecordEvent("toolkit.delete", slug))
	}
	w.WriteHeader(http.StatusNoContent)
}

// installToolkitUpload implements POST /toolkits/install: a multipart zip
// upload ingested through the bundle pipeline.
func (s *Server) installToolkitUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, s.log, apperr.Validation("malformed multipart upload: "+err.Error()))
		return
	}
	file, header, err := r.FormFile("bundle")
	if err != nil {
		writeError(w, s.log, apperr.Validation("missing \"bundle\" file field"))
		return
	}
	defer file.Close()

	slugOverride := r.FormValue("slug")
	enable := r.FormValue("enabled") == "true"

	rec, err := s.ingester.IngestUpload(r.Context(), slugOverride, header.Filename, file, enable)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if s.audit != nil {
		s.audit.Record(r.Context(), authRecordEvent("toolkit.install", rec.Slug))
	}
	writeJSON(w, s.log, http.StatusCreated, rec)
}

type installCommunityRequest struct {
	Slug string `json:"slug" validate:"required"`
}

// installToolkitCommunity implements POST /toolkits/community/install
//: resolve the catalog entry, download its bundle, ingest it
// with origin=community.
func (s *Server) installToolkitCommunity(w http.ResponseWriter, r *http.Request) {
	var req installCommunityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, s.log, apperr.Validation(err.Error()))
		return
	}

	rec, err := s.installer.Install(r.Context(), req.Slug)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if s.audit != nil {
		s.audit.Record(r.Context(), authRecordEvent("toolkit.install", rec.Slug))
	}
	writeJSON(w, s.log, http.StatusCreated, rec)
}

// browseCatalog implements GET /toolkits/community: the raw remote
// catalog listing, for a curator deciding what to install.
func (s *Server) browseCatalog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.catalog.Fetch(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, map[string]any{"toolkits": entries})
}

// listUpdates implements GET /toolkits/community/updates: installed
// community toolkits whose catalog entry advertises a newer version.
func (s *Server) listUpdates(w http.ResponseWriter, r *http.Request) {
	updates, err := catalog.Updates(r.Context(), s.catalog, s.toolkits)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if updates == nil {
		updates = []catalog.Update{}
	}
	writeJSON(w, s.log, http.StatusOK, map[string]any{"updates": updates})
}

type toolkitJobRequest struct {
	Operation string `json:"operation" validate:"required"`
	Payload   string `json:"payload"`
}

// createToolkitJob implements POST /toolkits/{slug}/jobs: the
// form-style enqueue route scoped to one toolkit slug.
func (s *Server) createToolkitJob(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	var operation, payload string
	if ct := r.Header.Get("Content-Type"); strings.HasPrefix(ct, "application/json") {
		var req toolkitJobRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, s.log, err)
			return
		}
		operation, payload = req.Operation, req.Payload
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, s.log, apperr.Validation("malformed form body: "+err.Error()))
			return
		}
		operation = r.FormValue("operation")
		payload = r.FormValue("payload")
	}
	if operation == "" {
		writeError(w, s.log, apperr.Validation("operation is required"))
		return
	}
	if payload == "" {
		payload = "{}"
	}

	job, err := s.dispatcher.Enqueue(r.Context(), slug, operation, []byte(payload))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, s.log, http.StatusCreated, job)
}

// toolkitBackendFallback dispatches an unmatched path to whichever
// enabled toolkit's BasePath it falls under, standing in for a dynamic
// per-toolkit router mount keyed by a record's backend_module/
// backend_router_attr fields.
func (s *Server) toolkitBackendFallback(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, s.log, authErrMissingToken)
		return
	}
	claims, err := s.tokens.VerifyAccess(r.Context(), token)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if !hasAnyRole(claims.Roles, roleToolkitUser) {
		writeError(w, s.log, authErrForbidden)
		return
	}

	recs, err := s.toolkits.List(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	for _, rec := range recs {
		if !rec.Enabled || rec.BasePath == "" {
			continue
		}
		if r.URL.Path == rec.BasePath || strings.HasPrefix(r.URL.Path, rec.BasePath+"/") {
			handler, ok := s.loader.BackendHandler(rec.Slug)
			if !ok {
				writeError(w, s.log, apperr.NotFound("toolkit backend not activated"))
				return
			}
			http.StripPrefix(rec.BasePath, handler).ServeHTTP(w, r)
			return
		}
	}
	writeError(w, s.log, apperr.NotFound("no route for "+r.URL.Path))
}
