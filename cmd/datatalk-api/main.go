package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datatalk/datatalk/internal/api"
	"github.com/datatalk/datatalk/internal/auth"
	"github.com/datatalk/datatalk/internal/config"
	"github.com/datatalk/datatalk/internal/grounding"
	"github.com/datatalk/datatalk/internal/ingest"
	"github.com/datatalk/datatalk/internal/intent"
	"github.com/datatalk/datatalk/internal/maintenance"
	"github.com/datatalk/datatalk/internal/nl2sql"
	"github.com/datatalk/datatalk/internal/observability"
	"github.com/datatalk/datatalk/internal/prompts"
	duckdbengine "github.com/datatalk/datatalk/internal/query/duckdb"
	"github.com/datatalk/datatalk/internal/retryloop"
	"github.com/datatalk/datatalk/internal/session"
	sessionpostgres "github.com/datatalk/datatalk/internal/session/postgres"
	s3store "github.com/datatalk/datatalk/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("datatalk-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions, sessionDB, err := openSessions(ctx, cfg)
	if err != nil {
		logger.Error("failed to open session store", slog.Any("error", err))
		os.Exit(1)
	}
	if sessionDB != nil {
		defer func() { _ = sessionDB.Close() }()
	} else {
		logger.Warn("DATATALK_SESSIONS_DSN not set, sessions are kept in memory")
	}

	objectStore, err := s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	completer, err := newCompleter(ctx, cfg.AI)
	if err != nil {
		logger.Error("failed to initialize text-generation backend", slog.Any("error", err))
		os.Exit(1)
	}
	if completer == nil {
		logger.Warn("no text-generation backend configured, using heuristic sql and keyword intent")
	} else {
		logger.Info("text-generation backend ready", slog.String("provider", completer.Provider()))
	}

	catalog := prompts.Default()
	generator, err := nl2sql.NewGenerator(nl2sql.GeneratorConfig{
		Completer: completer,
		Prompts:   catalog,
		Timeout:   cfg.AI.Timeout,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to initialize sql generator", slog.Any("error", err))
		os.Exit(1)
	}
	runner, err := retryloop.New(retryloop.Config{
		Generator:      generator,
		Engine:         duckdbengine.NewEngine(objectStore),
		Logger:         logger,
		MaxRetryBudget: cfg.Query.MaxRetryBudget,
	})
	if err != nil {
		logger.Error("failed to initialize retry loop", slog.Any("error", err))
		os.Exit(1)
	}
	dictionary, err := ingest.NewDictionaryBuilder(completer, catalog, cfg.AI.Timeout, logger)
	if err != nil {
		logger.Error("failed to initialize data dictionary builder", slog.Any("error", err))
		os.Exit(1)
	}
	ingestor, err := ingest.New(ingest.Config{
		Store:              objectStore,
		Dictionary:         dictionary,
		TableName:          cfg.Query.TableName,
		ProfileConcurrency: cfg.Ingest.ProfileConcurrency,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("failed to initialize ingestor", slog.Any("error", err))
		os.Exit(1)
	}
	classifier, err := intent.NewClassifier(completer, catalog, cfg.AI.Timeout, logger)
	if err != nil {
		logger.Error("failed to initialize intent classifier", slog.Any("error", err))
		os.Exit(1)
	}
	grounder, err := grounding.NewGrounder(completer, catalog, cfg.AI.Timeout, logger)
	if err != nil {
		logger.Error("failed to initialize answer grounder", slog.Any("error", err))
		os.Exit(1)
	}

	maintenanceService := &maintenance.Service{
		Sessions:    sessions,
		ObjectStore: objectStore,
		Config: maintenance.Config{
			SessionTTL:        cfg.Maintenance.SessionTTL,
			RetentionInterval: cfg.Maintenance.RetentionInterval,
			IntegrityInterval: cfg.Maintenance.IntegrityInterval,
			BatchSize:         cfg.Maintenance.BatchSize,
		},
		Logger: logger,
	}
	go func() {
		_ = maintenanceService.Run(ctx)
	}()

	deps := api.Dependencies{
		Logger:      logger,
		Sessions:    sessions,
		Ingestor:    ingestor,
		Runner:      runner,
		Translator:  generator,
		Classifier:  classifier,
		Grounder:    grounder,
		Maintenance: maintenanceService,
		Readiness: api.CombineReadinessChecks(
			api.CheckSessionStore(sessions),
			api.CheckObjectStoreConfig(cfg),
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

// openSessions returns the Postgres repository when a DSN is configured and
// the in-memory one otherwise. The returned *sql.DB is nil in memory mode.
func openSessions(ctx context.Context, cfg config.Config) (session.Repository, *sql.DB, error) {
	if cfg.Sessions.DSN == "" {
		return session.NewMemoryRepository(), nil, nil
	}
	db, err := sessionpostgres.Open(ctx, sessionpostgres.DBConfig{
		DSN:             cfg.Sessions.DSN,
		ApplicationName: cfg.Service.Name,
		MaxOpenConns:    cfg.Sessions.MaxOpenConns,
		MaxIdleConns:    cfg.Sessions.MaxIdleConns,
		ConnMaxIdleTime: cfg.Sessions.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Sessions.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}
	return sessionpostgres.NewRepository(db), db, nil
}

func newCompleter(ctx context.Context, cfg config.AIConfig) (nl2sql.Completer, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	switch cfg.Provider {
	case config.AIProviderGemini:
		return nl2sql.NewGeminiCompleter(ctx, nl2sql.GeminiConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		})
	default:
		return nl2sql.NewOpenAICompleter(nl2sql.OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	}
}
