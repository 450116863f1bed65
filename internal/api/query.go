package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/datatalk/datatalk/internal/auth"
	"github.com/datatalk/datatalk/internal/grounding"
	"github.com/datatalk/datatalk/internal/insight"
	"github.com/datatalk/datatalk/internal/intent"
	"github.com/datatalk/datatalk/internal/nl2sql"
	"github.com/datatalk/datatalk/internal/query"
	"github.com/datatalk/datatalk/internal/retryloop"
	"github.com/datatalk/datatalk/internal/session"
	"github.com/datatalk/datatalk/internal/sqlguard"
)

const (
	unanswerableMessage = "This question cannot be answered from the uploaded dataset."
	correlationLimit    = 5
)

type queryRequest struct {
	SessionID   string `json:"session_id"`
	Question    string `json:"question"`
	RetryBudget int    `json:"retry_budget"`
}

type queryResponse struct {
	SessionID    string                 `json:"session_id"`
	Turn         int                    `json:"turn,omitempty"`
	Question     string                 `json:"question"`
	Success      bool                   `json:"success"`
	Unanswerable bool                   `json:"unanswerable"`
	Terminal     retryloop.Terminal     `json:"terminal"`
	SQL          string                 `json:"sql,omitempty"`
	Columns      []string               `json:"columns,omitempty"`
	Rows         [][]any                `json:"rows,omitempty"`
	RowCount     int                    `json:"row_count"`
	Answer       *grounding.Answer      `json:"answer,omitempty"`
	Intent       intent.Intent          `json:"intent"`
	ChartType    intent.ChartType       `json:"chart_type,omitempty"`
	Insights     *insight.Report        `json:"insights,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Suggestion   string                 `json:"suggestion,omitempty"`
	AttemptsUsed int                    `json:"attempts_used"`
	AuditTrail   []retryloop.AuditEntry `json:"audit_trail"`
	Stats        map[string]any         `json:"stats"`
}

func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runner == nil || h.deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}
	if !requireRole(w, r, auth.RoleAnalyst) {
		return
	}

	var request queryRequest
	if !decodeBody(w, r, &request, "invalid query request body") {
		return
	}
	question := strings.TrimSpace(request.Question)
	if question == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}
	if request.RetryBudget < 0 || request.RetryBudget > h.cfg.Query.MaxRetryBudget {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_RETRY_BUDGET",
			fmt.Sprintf("retry_budget must be between 0 and %d", h.cfg.Query.MaxRetryBudget), false,
			map[string]any{"retry_budget": request.RetryBudget, "max_retry_budget": h.cfg.Query.MaxRetryBudget})
		return
	}

	found, ok := h.loadSession(w, r, request.SessionID)
	if !ok || !datasetPresent(w, r, found) {
		return
	}
	history, ok := h.history(w, r, found.SessionID)
	if !ok {
		return
	}

	classified := h.classify(r.Context(), question, found, history)
	budget := request.RetryBudget
	if budget == 0 {
		budget = h.cfg.Query.RetryBudget
	}

	start := time.Now()
	result, err := h.deps.Runner.ExecuteWithRetry(r.Context(), retryloop.Request{
		Question:       question,
		Schema:         found.Schema,
		DataDictionary: found.Dictionary,
		TableName:      found.TableName,
		ObjectPath:     found.ParquetKey,
		History:        history,
		RetryBudget:    budget,
		RowLimit:       h.cfg.Query.RowLimit,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "QUERY_CANCELLED", "query was cancelled", true, map[string]any{"attempts_used": result.AttemptsUsed})
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_QUERY_REQUEST", err.Error(), false, nil)
		return
	}

	response := queryResponse{
		SessionID:    found.SessionID,
		Question:     question,
		Terminal:     result.Terminal,
		SQL:          result.SQL,
		Intent:       classified,
		AttemptsUsed: result.AttemptsUsed,
		AuditTrail:   result.AuditTrail,
	}
	switch result.Terminal {
	case retryloop.TerminalSucceeded:
		table := *result.Table
		answer := h.ground(r.Context(), question, result.SQL, table)
		report := insight.Analyze(table, correlationLimit)
		response.Success = true
		response.Columns = table.Columns
		response.Rows = table.Rows
		response.RowCount = len(table.Rows)
		response.Answer = &answer
		response.ChartType = intent.RecommendChart(question, result.SQL, table)
		response.Insights = &report
	case retryloop.TerminalUnanswerable:
		response.Unanswerable = true
		response.Message = unanswerableMessage
	default:
		response.Error = result.ErrorMessage
		response.Suggestion = result.Suggestion
	}

	turn, err := h.deps.Sessions.AppendTurn(r.Context(), session.AppendTurnInput{
		SessionID:    found.SessionID,
		Question:     question,
		SQL:          result.SQL,
		Answer:       answerText(response.Answer, response.Message),
		Terminal:     result.Terminal,
		ErrorMessage: result.ErrorMessage,
		Suggestion:   result.Suggestion,
		AttemptsUsed: result.AttemptsUsed,
		AuditTrail:   result.AuditTrail,
		Columns:      response.Columns,
		Rows:         response.Rows,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to record session turn", "session_id", found.SessionID, "error", err)
	} else {
		response.Turn = turn.Index
	}

	response.Stats = map[string]any{"duration_ms": time.Since(start).Milliseconds()}
	writeJSON(w, http.StatusOK, response)
}

type translateRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

func (h *handler) handleTranslate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Translator == nil || h.deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "TRANSLATE_NOT_CONFIGURED", "query translation is not configured", false, nil)
		return
	}
	if !requireRole(w, r, auth.RoleAnalyst) {
		return
	}

	var request translateRequest
	if !decodeBody(w, r, &request, "invalid translation request body") {
		return
	}
	question := strings.TrimSpace(request.Question)
	if question == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	found, ok := h.loadSession(w, r, request.SessionID)
	if !ok || !datasetPresent(w, r, found) {
		return
	}
	history, ok := h.history(w, r, found.SessionID)
	if !ok {
		return
	}
	schemaContext, err := nl2sql.SchemaContext(found.Schema, found.Dictionary)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_CONTEXT_FAILED", "failed to build schema context", false, map[string]any{"details": err.Error()})
		return
	}

	generation := h.deps.Translator.Generate(r.Context(), nl2sql.GenerateRequest{
		Question:      question,
		SchemaContext: schemaContext,
		Schema:        found.Schema,
		TableName:     found.TableName,
		History:       history,
	})
	response := map[string]any{
		"sql":          generation.SQL,
		"source":       generation.Source,
		"unanswerable": generation.IsUnanswerable(),
	}
	if generation.FellBack() {
		response["fallback_reason"] = generation.FailureDetail
	}
	if !generation.IsUnanswerable() {
		verdict := sqlguard.Check(generation.SQL)
		response["allowed"] = verdict.Allowed
		if !verdict.Allowed {
			response["rejection_reason"] = string(verdict.Reason)
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request, sessionID string) ([]nl2sql.Turn, bool) {
	turns, err := h.deps.Sessions.ListTurns(r.Context(), sessionID)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_STORE_ERROR", "failed to load session history", true, map[string]any{"details": err.Error()})
		return nil, false
	}
	return session.History(turns, h.cfg.Query.HistoryTurns), true
}

func (h *handler) classify(ctx context.Context, question string, found session.Session, history []nl2sql.Turn) intent.Intent {
	if h.deps.Classifier == nil {
		return intent.KeywordIntent(question, found.Schema)
	}
	return h.deps.Classifier.Classify(ctx, question, found.Schema, history)
}

func (h *handler) ground(ctx context.Context, question, sqlText string, table query.Result) grounding.Answer {
	if h.deps.Grounder == nil {
		return grounding.Summarize(table)
	}
	return h.deps.Grounder.Ground(ctx, question, sqlText, table)
}

func datasetPresent(w http.ResponseWriter, r *http.Request, found session.Session) bool {
	if found.ParquetKey == "" || len(found.Schema) == 0 {
		writeError(r.Context(), w, http.StatusNotFound, "DATASET_MISSING", "session has no dataset", false, map[string]any{"session_id": found.SessionID})
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any, message string) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", message, false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

func answerText(answer *grounding.Answer, message string) string {
	if answer != nil {
		return answer.Text
	}
	return message
}
