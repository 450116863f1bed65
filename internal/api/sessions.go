package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/datatalk/datatalk/internal/auth"
	"github.com/datatalk/datatalk/internal/ingest"
	"github.com/datatalk/datatalk/internal/session"
)

func (h *handler) handleUploadDataset(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ingestor == nil || h.deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "INGEST_NOT_CONFIGURED", "dataset ingestion is not configured", false, nil)
		return
	}
	if !requireRole(w, r, auth.RoleDatasetWriter) {
		return
	}

	if limit := h.cfg.Ingest.MaxUploadBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "upload exceeds the configured size limit", false, map[string]any{"limit_bytes": tooLarge.Limit})
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "FILE_REQUIRED", "multipart field \"file\" is required", false, map[string]any{"details": err.Error()})
		return
	}
	defer func() { _ = file.Close() }()

	ownerID := ownerFromRequest(r)
	sessionID := h.deps.NewID()
	loaded, err := h.deps.Ingestor.Ingest(r.Context(), ingest.Request{
		OwnerID:   ownerID,
		SessionID: sessionID,
		Filename:  header.Filename,
		Body:      file,
	})
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrUnsupportedFile):
			writeError(r.Context(), w, http.StatusBadRequest, "UNSUPPORTED_FILE", err.Error(), false, map[string]any{"filename": header.Filename})
		case errors.Is(err, ingest.ErrEmptyDataset):
			writeError(r.Context(), w, http.StatusBadRequest, "EMPTY_DATASET", err.Error(), false, nil)
		case errors.Is(err, ingest.ErrInvalidCSV):
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_CSV", err.Error(), false, nil)
		default:
			h.logger.ErrorContext(r.Context(), "dataset ingestion failed", "session_id", sessionID, "error", err)
			writeError(r.Context(), w, http.StatusInternalServerError, "INGEST_FAILED", "failed to ingest dataset", true, map[string]any{"details": err.Error()})
		}
		return
	}

	created, err := h.deps.Sessions.CreateSession(r.Context(), session.CreateSessionInput{
		SessionID:    sessionID,
		OwnerID:      ownerID,
		Filename:     header.Filename,
		SourceKey:    loaded.SourceKey,
		ParquetKey:   loaded.ParquetKey,
		TableName:    loaded.TableName,
		RowCount:     loaded.RowCount,
		TargetColumn: loaded.TargetColumn,
		Schema:       loaded.Schema,
		Dictionary:   loaded.Dictionary,
	})
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_STORE_ERROR", "failed to create session", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session": created,
		"columns": loaded.Columns,
	})
}

func (h *handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w, r) {
		return
	}
	found, ok := h.loadSession(w, r, r.PathValue("session"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w, r) {
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, map[string]any{"limit": raw})
			return
		}
		limit = parsed
	}
	sessions, err := h.deps.Sessions.ListSessions(r.Context(), ownerFromRequest(r), limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_STORE_ERROR", "failed to list sessions", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *handler) handleListTurns(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w, r) {
		return
	}
	found, ok := h.loadSession(w, r, r.PathValue("session"))
	if !ok {
		return
	}
	turns, err := h.deps.Sessions.ListTurns(r.Context(), found.SessionID)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_STORE_ERROR", "failed to list turns", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": found.SessionID, "turns": turns})
}

func (h *handler) requireSessions(w http.ResponseWriter, r *http.Request) bool {
	if h.deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session store is not configured", false, nil)
		return false
	}
	return true
}

// loadSession resolves a session the caller owns. Sessions of other owners
// are reported as missing.
func (h *handler) loadSession(w http.ResponseWriter, r *http.Request, sessionID string) (session.Session, bool) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", "session_id is required", false, nil)
		return session.Session{}, false
	}
	found, err := h.deps.Sessions.GetSession(r.Context(), sessionID)
	if err == nil {
		if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.OwnerID != found.OwnerID {
			err = session.ErrNotFound
		}
	}
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", "session was not found", false, map[string]any{"session_id": sessionID})
			return session.Session{}, false
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_STORE_ERROR", "failed to load session", true, map[string]any{"details": err.Error()})
		return session.Session{}, false
	}
	return found, true
}

func ownerFromRequest(r *http.Request) string {
	return auth.OwnerFromRequest(r)
}

func requireRole(w http.ResponseWriter, r *http.Request, role string) bool {
	if err := auth.RequireRole(r.Context(), role); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return false
	}
	return true
}
