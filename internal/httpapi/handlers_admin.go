package httpapi

import (
	"net/http"
	"strconv"

	"github.com/sxmxc/opstoolbox/internal/apperr"
)

const settingsKeyAuditRetentionDays = "audit_retention_days"

// getSecuritySettings implements GET /admin/security/settings.
func (s *Server) getSecuritySettings(w http.ResponseWriter, r *http.Request) {
	days := s.cfg.AuditLogRetentionDays
	if stored, err := s.settings.Get(r.Context(), settingsKeyAuditRetentionDays); err == nil && stored != "" {
		if n, err := strconv.Atoi(stored); err == nil {
			days = n
		}
	}
	writeJSON(w, s.log, http.StatusOK, map[string]any{"audit_log_retention_days": days})
}

type securitySettingsRequest struct {
	AuditLogRetentionDays int `json:"audit_log_retention_days" validate:"min=0"`
}

// putSecuritySettings implements PUT /admin/security/settings:
// updates the audit log retention window, persisted in system_settings so
// it survives a restart and applied immediately to the running service.
func (s *Server) putSecuritySettings(w http.ResponseWriter, r *http.Request) {
	var req securitySettingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, s.log, apperr.Validation(err.Error()))
		return
	}

	if err := s.settings.Set(r.Context(), settingsKeyAuditRetentionDays, strconv.Itoa(req.AuditLogRetentionDays)); err != nil {
		writeError(w, s.log, apperr.Internal("persist retention setting", err))
		return
	}
	s.audit.SetRetentionDays(req.AuditLogRetentionDays)

	writeJSON(w, s.log, http.StatusOK, map[string]any{"audit_log_retention_days": req.AuditLogRetentionDays})
}

// listAuditLogs implements GET /admin/security/audit-logs:
// paginated audit rows for the security admin surface.
func (s *Server) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	records, total, err := s.audit.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, s.log, apperr.Internal("list audit logs", err))
		return
	}
	writeJSON(w, s.log, http.StatusOK, map[string]any{"audit_logs": records, "total": total})
}
