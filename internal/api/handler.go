package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datatalk/datatalk/internal/config"
	"github.com/datatalk/datatalk/internal/dataset"
	"github.com/datatalk/datatalk/internal/grounding"
	"github.com/datatalk/datatalk/internal/ingest"
	"github.com/datatalk/datatalk/internal/intent"
	"github.com/datatalk/datatalk/internal/maintenance"
	"github.com/datatalk/datatalk/internal/nl2sql"
	"github.com/datatalk/datatalk/internal/observability"
	"github.com/datatalk/datatalk/internal/query"
	"github.com/datatalk/datatalk/internal/retryloop"
	"github.com/datatalk/datatalk/internal/session"
)

type ReadinessCheck func(ctx context.Context) error

type DatasetIngestor interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.Dataset, error)
}

type QueryRunner interface {
	ExecuteWithRetry(ctx context.Context, req retryloop.Request) (retryloop.Result, error)
}

type IntentClassifier interface {
	Classify(ctx context.Context, question string, schema dataset.Schema, history []nl2sql.Turn) intent.Intent
}

type AnswerGrounder interface {
	Ground(ctx context.Context, question, sqlText string, table query.Result) grounding.Answer
}

type MaintenanceRunner interface {
	RunRetentionOnce(ctx context.Context) (maintenance.RetentionSummary, error)
	RunIntegrityCheckOnce(ctx context.Context, ownerID string) (maintenance.IntegritySummary, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Sessions          session.Repository
	Ingestor          DatasetIngestor
	Runner            QueryRunner
	Translator        nl2sql.Translator
	// Classifier and Grounder are optional; keyword intent and the
	// deterministic summary are used without them.
	Classifier  IntentClassifier
	Grounder    AnswerGrounder
	Maintenance MaintenanceRunner
	NewID       func() string
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	h := &handler{cfg: cfg, deps: deps, logger: observability.LoggerOrDiscard(deps.Logger)}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := h.protectedRoutes()

	protected := http.NewServeMux()
	for pattern, fn := range routes {
		protected.HandleFunc(pattern, fn)
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			h.logger.Error("auth required but auth middleware missing")
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for pattern := range routes {
		mux.Handle(pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.RecoveryMiddleware(h.logger),
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// publicRoutes are served without authentication.
var publicRoutes = []string{"GET /v1/health", "GET /v1/ready", "GET /v1/metrics"}

// protectedRoutes maps mux patterns to handlers that sit behind the auth
// middleware when it is enabled.
func (h *handler) protectedRoutes() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"POST /v1/datasets":                              h.handleUploadDataset,
		"GET /v1/sessions":                               h.handleListSessions,
		"GET /v1/sessions/{session}":                     h.handleGetSession,
		"GET /v1/sessions/{session}/turns":               h.handleListTurns,
		"GET /v1/sessions/{session}/turns/{turn}/export": h.handleExport,
		"POST /v1/query":                                 h.handleQuery,
		"POST /v1/query/translate":                       h.handleTranslate,
		"POST /v1/maintenance/retention/run":             h.handleRetentionRun,
		"POST /v1/maintenance/integrity/run":             h.handleIntegrityRun,
	}
}

type handler struct {
	cfg    config.Config
	deps   Dependencies
	logger *slog.Logger
}

func CheckSessionStore(repo session.Repository) ReadinessCheck {
	return func(ctx context.Context) error {
		if repo == nil {
			return errors.New("session store is not configured")
		}
		return repo.HealthCheck(ctx)
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
