package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/datatalk/datatalk/internal/auth"
	"github.com/datatalk/datatalk/internal/export"
	"github.com/datatalk/datatalk/internal/retryloop"
	"github.com/datatalk/datatalk/internal/session"
)

func (h *handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w, r) {
		return
	}
	if !requireRole(w, r, auth.RoleAnalyst) {
		return
	}

	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), false, map[string]any{"supported": []export.Format{export.FormatJSON, export.FormatCSV, export.FormatParquet}})
		return
	}
	index, err := strconv.Atoi(r.PathValue("turn"))
	if err != nil || index < 1 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TURN", "turn must be a positive integer", false, map[string]any{"turn": r.PathValue("turn")})
		return
	}

	found, ok := h.loadSession(w, r, r.PathValue("session"))
	if !ok {
		return
	}
	turn, err := h.deps.Sessions.GetTurn(r.Context(), found.SessionID, index)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "TURN_NOT_FOUND", "turn was not found", false, map[string]any{"session_id": found.SessionID, "turn": index})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_STORE_ERROR", "failed to load turn", true, map[string]any{"details": err.Error()})
		return
	}
	if turn.Terminal != retryloop.TerminalSucceeded {
		writeError(r.Context(), w, http.StatusConflict, "TURN_HAS_NO_RESULT", "only successful turns can be exported", false, map[string]any{"terminal": turn.Terminal})
		return
	}

	encoded, err := export.Encode(format, export.Table{Columns: turn.Columns, Rows: turn.Rows})
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_FAILED", "failed to encode export", false, map[string]any{"details": err.Error()})
		return
	}

	filename := fmt.Sprintf("%s-turn-%d%s", found.SessionID, turn.Index, format.Extension())
	w.Header().Set("Content-Type", encoded.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("X-Row-Count", strconv.Itoa(encoded.RowCount))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded.Data)
}
