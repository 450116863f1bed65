package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/datatalk/datatalk/internal/auth"
	"github.com/datatalk/datatalk/internal/maintenance"
)

func (h *handler) handleRetentionRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.Maintenance == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "MAINTENANCE_NOT_CONFIGURED", "maintenance service is not configured", false, nil)
		return
	}
	if !requireRole(w, r, auth.RoleAdmin) {
		return
	}

	summary, err := h.deps.Maintenance.RunRetentionOnce(r.Context())
	if errors.Is(err, maintenance.ErrRetentionDisabled) {
		writeError(r.Context(), w, http.StatusConflict, "RETENTION_DISABLED", "session retention is disabled; set DATATALK_SESSION_TTL", false, nil)
		return
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "RETENTION_FAILED", "retention run failed", true, map[string]any{
			"details": err.Error(),
			"summary": summary,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "completed",
		"summary": summary,
	})
}

func (h *handler) handleIntegrityRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.Maintenance == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "MAINTENANCE_NOT_CONFIGURED", "maintenance service is not configured", false, nil)
		return
	}
	if !requireRole(w, r, auth.RoleAdmin) {
		return
	}

	summary, err := h.deps.Maintenance.RunIntegrityCheckOnce(r.Context(), strings.TrimSpace(r.URL.Query().Get("owner_id")))
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTEGRITY_CHECK_FAILED", "integrity check failed", true, map[string]any{
			"details": err.Error(),
			"summary": summary,
		})
		return
	}

	status := "completed"
	if summary.MissingObjects > 0 {
		status = "inconsistent"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"summary": summary,
	})
}
