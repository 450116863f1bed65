package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("datatalk-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Query.RetryBudget != 3 {
		t.Fatalf("Query.RetryBudget = %d", cfg.Query.RetryBudget)
	}
	if cfg.Query.TableName != "dataset" {
		t.Fatalf("Query.TableName = %q", cfg.Query.TableName)
	}
	if cfg.Query.MaxRetryBudget != 10 {
		t.Fatalf("Query.MaxRetryBudget = %d", cfg.Query.MaxRetryBudget)
	}
	if cfg.Query.HistoryTurns != 3 {
		t.Fatalf("Query.HistoryTurns = %d", cfg.Query.HistoryTurns)
	}
	if cfg.Sessions.MaxOpenConns != 20 {
		t.Fatalf("Sessions.MaxOpenConns = %d", cfg.Sessions.MaxOpenConns)
	}
	if cfg.AI.Provider != AIProviderOpenAI {
		t.Fatalf("AI.Provider = %q", cfg.AI.Provider)
	}
	if cfg.AI.Enabled() {
		t.Fatal("AI should be disabled without an API key")
	}
	if cfg.AI.Timeout != 30*time.Second {
		t.Fatalf("AI.Timeout = %s", cfg.AI.Timeout)
	}
	if cfg.Maintenance.SessionTTL != 0 || cfg.Maintenance.BatchSize != 100 {
		t.Fatalf("Maintenance = %+v", cfg.Maintenance)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	cfg, err := Load("datatalk-api", mapLookup(map[string]string{"DATATALK_PROFILE": "prod"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
	if cfg.ObjectStore.AutoCreateBucket {
		t.Fatal("ObjectStore.AutoCreateBucket should default to false in prod")
	}
	if cfg.Maintenance.SessionTTL != 30*24*time.Hour {
		t.Fatalf("Maintenance.SessionTTL = %s", cfg.Maintenance.SessionTTL)
	}
}

func TestLoadTestProfileDisablesAI(t *testing.T) {
	cfg, err := Load("datatalk-api", mapLookup(map[string]string{
		"DATATALK_PROFILE":    "test",
		"DATATALK_AI_API_KEY": "k",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AI.Enabled() {
		t.Fatal("AI should be disabled in the test profile")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	cfg, err := Load("datatalk-api", mapLookup(map[string]string{
		"DATATALK_PROFILE":                    "test",
		"DATATALK_HTTP_ADDR":                  ":9999",
		"DATATALK_HTTP_READ_TIMEOUT":          "2s",
		"DATATALK_LOG_LEVEL":                  "error",
		"DATATALK_AUTH_REQUIRED":              "true",
		"DATATALK_AUTH_STATIC_KEYS":           "k1:o1:analyst",
		"DATATALK_SESSIONS_DSN":               "postgres://example",
		"DATATALK_SESSIONS_MAX_OPEN_CONNS":    "42",
		"DATATALK_SERVICE_NAME":               "datatalk-custom",
		"DATATALK_OBJECTSTORE_BUCKET":         "datatalk-prod",
		"DATATALK_OBJECTSTORE_USE_SSL":        "true",
		"DATATALK_QUERY_RETRY_BUDGET":         "5",
		"DATATALK_QUERY_MAX_RETRY_BUDGET":     "6",
		"DATATALK_QUERY_ROW_LIMIT":            "250",
		"DATATALK_QUERY_TABLE_NAME":           "main_data",
		"DATATALK_QUERY_HISTORY_TURNS":        "2",
		"DATATALK_INGEST_MAX_UPLOAD_BYTES":     "1048576",
		"DATATALK_INGEST_PROFILE_CONCURRENCY": "8",
		"DATATALK_AI_PROVIDER":                "gemini",
		"DATATALK_AI_API_KEY":                 "secret-key",
		"DATATALK_AI_MODEL":                   "gemini-2.5-flash",
		"DATATALK_AI_TEMPERATURE":             "0.3",
		"DATATALK_AI_TIMEOUT":                 "21s",
		"DATATALK_SESSION_TTL":                "48h",
		"DATATALK_MAINTENANCE_BATCH_SIZE":     "10",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "datatalk-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP.ReadTimeout = %s", cfg.HTTP.ReadTimeout)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required = false, want true")
	}
	if cfg.Sessions.DSN != "postgres://example" || cfg.Sessions.MaxOpenConns != 42 {
		t.Fatalf("Sessions = %+v", cfg.Sessions)
	}
	if cfg.ObjectStore.Bucket != "datatalk-prod" || !cfg.ObjectStore.UseSSL {
		t.Fatalf("ObjectStore = %+v", cfg.ObjectStore)
	}
	if cfg.Query.RetryBudget != 5 || cfg.Query.MaxRetryBudget != 6 || cfg.Query.RowLimit != 250 || cfg.Query.TableName != "main_data" || cfg.Query.HistoryTurns != 2 {
		t.Fatalf("Query = %+v", cfg.Query)
	}
	if cfg.Ingest.MaxUploadBytes != 1<<20 || cfg.Ingest.ProfileConcurrency != 8 {
		t.Fatalf("Ingest = %+v", cfg.Ingest)
	}
	if cfg.AI.Provider != AIProviderGemini || !cfg.AI.Enabled() {
		t.Fatalf("AI.Provider = %q enabled=%v", cfg.AI.Provider, cfg.AI.Enabled())
	}
	if cfg.AI.Model != "gemini-2.5-flash" {
		t.Fatalf("AI.Model = %q", cfg.AI.Model)
	}
	if cfg.AI.Temperature != 0.3 {
		t.Fatalf("AI.Temperature = %f", cfg.AI.Temperature)
	}
	if cfg.AI.Timeout != 21*time.Second {
		t.Fatalf("AI.Timeout = %s", cfg.AI.Timeout)
	}
	if cfg.Maintenance.SessionTTL != 48*time.Hour || cfg.Maintenance.BatchSize != 10 {
		t.Fatalf("Maintenance = %+v", cfg.Maintenance)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"DATATALK_PROFILE": "oops"},
		{"DATATALK_HTTP_READ_TIMEOUT": "NaN"},
		{"DATATALK_SESSIONS_MAX_OPEN_CONNS": "oops"},
		{"DATATALK_QUERY_RETRY_BUDGET": "0"},
		{"DATATALK_QUERY_RETRY_BUDGET": "three"},
		{"DATATALK_QUERY_RETRY_BUDGET": "12"},
		{"DATATALK_QUERY_MAX_RETRY_BUDGET": "2"},
		{"DATATALK_QUERY_HISTORY_TURNS": "-1"},
		{"DATATALK_QUERY_TABLE_NAME": ""},
		{"DATATALK_INGEST_MAX_UPLOAD_BYTES": "big"},
		{"DATATALK_AI_PROVIDER": "anthropic"},
		{"DATATALK_AI_TEMPERATURE": "bad"},
		{"DATATALK_AUTH_REQUIRED": "not-bool"},
		{"DATATALK_LOG_LEVEL": "verbose"},
		{"DATATALK_SESSION_TTL": "-1h"},
	}
	for _, env := range tests {
		_, err := Load("datatalk-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
