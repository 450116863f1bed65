package datatalkctl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	method      string
	path        string
	query       string
	apiKey      string
	owner       string
	contentType string
	body        []byte
}

func newCaptureServer(t *testing.T, status int, response string, got *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*got = capturedRequest{
			method:      r.Method,
			path:        r.URL.Path,
			query:       r.URL.RawQuery,
			apiKey:      r.Header.Get("X-API-Key"),
			owner:       r.Header.Get("X-Owner-ID"),
			contentType: r.Header.Get("Content-Type"),
			body:        body,
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunHealthCommand(t *testing.T) {
	var got capturedRequest
	srv := newCaptureServer(t, http.StatusOK, `{"status":"ok"}`, &got)

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"--base-url", srv.URL, "--api-key", "k1", "--owner-id", "o1", "health"}, Options{Stdout: &stdout})
	require.Equal(t, 0, code)
	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "/v1/health", got.path)
	assert.Equal(t, "k1", got.apiKey)
	assert.Equal(t, "o1", got.owner)
	assert.Contains(t, stdout.String(), `"status": "ok"`)
}

func TestRunUsesDefaultsFromOptions(t *testing.T) {
	var got capturedRequest
	srv := newCaptureServer(t, http.StatusOK, `{"status":"ready"}`, &got)

	code := Run(context.Background(), []string{"ready"}, Options{BaseURL: srv.URL, APIKey: "env-key"})
	require.Equal(t, 0, code)
	assert.Equal(t, "/v1/ready", got.path)
	assert.Equal(t, "env-key", got.apiKey)
}

func TestRunUploadSendsMultipartFile(t *testing.T) {
	var got capturedRequest
	srv := newCaptureServer(t, http.StatusCreated, `{"session":{"session_id":"s1"}}`, &got)

	path := filepath.Join(t.TempDir(), "churn.csv")
	require.NoError(t, os.WriteFile(path, []byte("tenure,churn\n1,yes\n"), 0o600))

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"--base-url", srv.URL, "upload", path}, Options{Stdout: &stdout})
	require.Equal(t, 0, code)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/v1/datasets", got.path)
	assert.True(t, strings.HasPrefix(got.contentType, "multipart/form-data"), got.contentType)
	assert.Contains(t, string(got.body), `filename="churn.csv"`)
	assert.Contains(t, string(got.body), "tenure,churn")
	assert.Contains(t, stdout.String(), `"session_id": "s1"`)
}

func TestRunUploadMissingFile(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"upload", filepath.Join(t.TempDir(), "missing.csv")}, Options{Stderr: &stderr})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "open")
}

func TestRunAskPostsQuestion(t *testing.T) {
	var got capturedRequest
	srv := newCaptureServer(t, http.StatusOK, `{"status":"succeeded"}`, &got)

	code := Run(context.Background(), []string{"--base-url", srv.URL, "ask", "s1", "how", "many", "rows?", "--retry-budget", "2"}, Options{})
	require.Equal(t, 0, code)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/v1/query", got.path)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(got.body, &payload))
	assert.Equal(t, "s1", payload["session_id"])
	assert.Equal(t, "how many rows?", payload["question"])
	assert.Equal(t, float64(2), payload["retry_budget"])
}

func TestRunAskTranslateOnly(t *testing.T) {
	var got capturedRequest
	srv := newCaptureServer(t, http.StatusOK, `{"sql":"SELECT 1"}`, &got)

	code := Run(context.Background(), []string{"--base-url", srv.URL, "ask", "--translate-only", "s1", "count rows"}, Options{})
	require.Equal(t, 0, code)
	assert.Equal(t, "/v1/query/translate", got.path)
	assert.NotContains(t, string(got.body), "retry_budget")
}

func TestRunSessionCommands(t *testing.T) {
	tests := []struct {
		args []string
		path string
	}{
		{args: []string{"sessions"}, path: "/v1/sessions"},
		{args: []string{"session", "s1"}, path: "/v1/sessions/s1"},
		{args: []string{"turns", "s1"}, path: "/v1/sessions/s1/turns"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			var got capturedRequest
			srv := newCaptureServer(t, http.StatusOK, `{}`, &got)
			code := Run(context.Background(), append([]string{"--base-url", srv.URL}, tc.args...), Options{})
			require.Equal(t, 0, code)
			assert.Equal(t, http.MethodGet, got.method)
			assert.Equal(t, tc.path, got.path)
		})
	}
}

func TestRunExportWritesFile(t *testing.T) {
	var got capturedRequest
	srv := newCaptureServer(t, http.StatusOK, "tenure\n1\n", &got)

	out := filepath.Join(t.TempDir(), "result.csv")
	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"--base-url", srv.URL, "export", "s1", "2", "--format", "csv", "-o", out}, Options{Stdout: &stdout})
	require.Equal(t, 0, code)
	assert.Equal(t, "/v1/sessions/s1/turns/2/export", got.path)
	assert.Equal(t, "format=csv", got.query)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "tenure\n1\n", string(data))
	assert.Contains(t, stdout.String(), "wrote 9 bytes")
}

func TestRunExportToStdout(t *testing.T) {
	var got capturedRequest
	srv := newCaptureServer(t, http.StatusOK, `[{"n":1}]`, &got)

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"--base-url", srv.URL, "export", "s1", "1", "--format", "json"}, Options{Stdout: &stdout})
	require.Equal(t, 0, code)
	assert.Equal(t, `[{"n":1}]`, stdout.String())
}

func TestRunMaintenanceCommands(t *testing.T) {
	var got capturedRequest
	srv := newCaptureServer(t, http.StatusOK, `{"status":"completed"}`, &got)

	code := Run(context.Background(), []string{"--base-url", srv.URL, "maintenance", "retention"}, Options{})
	require.Equal(t, 0, code)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/v1/maintenance/retention/run", got.path)

	code = Run(context.Background(), []string{"--base-url", srv.URL, "maintenance", "integrity", "--owner", "o1"}, Options{})
	require.Equal(t, 0, code)
	assert.Equal(t, "/v1/maintenance/integrity/run", got.path)
	assert.Equal(t, "owner_id=o1", got.query)
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	var got capturedRequest
	srv := newCaptureServer(t, http.StatusForbidden, `{"error_code":"FORBIDDEN"}`, &got)

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"--base-url", srv.URL, "sessions"}, Options{Stderr: &stderr})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "http 403")
}

func TestRunUsageErrors(t *testing.T) {
	tests := [][]string{
		{"unknown"},
		{"session"},
		{"ask", "s1"},
		{"export", "s1"},
	}
	for _, args := range tests {
		var stderr bytes.Buffer
		code := Run(context.Background(), args, Options{Stderr: &stderr})
		assert.Equal(t, 2, code, "args=%v", args)
		assert.NotEmpty(t, stderr.String(), "args=%v", args)
	}
}
