// Package datatalkctl is the command-line client for the datatalk API.
package datatalkctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	OwnerID    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// exitError carries a process exit code out of a cobra command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// Run executes one CLI invocation and returns the process exit code:
// 0 on success, 1 on request or API failure, 2 on usage errors.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	defaults.Stdout, defaults.Stderr = stdout, stderr

	root := NewRootCommand(defaults)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.msg != "" {
				_, _ = fmt.Fprintln(stderr, exit.msg)
			}
			return exit.code
		}
		_, _ = fmt.Fprintln(stderr, err.Error())
		return 2
	}
	return 0
}

type client struct {
	baseURL string
	apiKey  string
	ownerID string
	timeout time.Duration
	http    *http.Client
	stdout  io.Writer
}

func NewRootCommand(defaults Options) *cobra.Command {
	c := &client{http: defaults.HTTPClient, stdout: defaults.Stdout}
	if c.stdout == nil {
		c.stdout = io.Discard
	}

	root := &cobra.Command{
		Use:           "datatalkctl",
		Short:         "Ask questions about uploaded CSV datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if c.http == nil {
				c.http = &http.Client{Timeout: c.timeout}
			}
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "datatalk API base URL")
	flags.StringVar(&c.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	flags.StringVar(&c.ownerID, "owner-id", defaults.OwnerID, "Owner ID header (used when auth is disabled)")
	flags.DurationVar(&c.timeout, "timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 30s)")

	root.AddCommand(
		&cobra.Command{
			Use:   "health",
			Short: "GET /v1/health",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.getJSON(cmd.Context(), "/v1/health")
			},
		},
		&cobra.Command{
			Use:   "ready",
			Short: "GET /v1/ready",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.getJSON(cmd.Context(), "/v1/ready")
			},
		},
		&cobra.Command{
			Use:   "upload <file.csv>",
			Short: "Upload a CSV and start a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.upload(cmd.Context(), args[0])
			},
		},
		c.askCommand(),
		&cobra.Command{
			Use:   "sessions",
			Short: "List your sessions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.getJSON(cmd.Context(), "/v1/sessions")
			},
		},
		&cobra.Command{
			Use:   "session <session-id>",
			Short: "Show a session's schema and dictionary",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.getJSON(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0]))
			},
		},
		&cobra.Command{
			Use:   "turns <session-id>",
			Short: "Show the questions asked in a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.getJSON(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0])+"/turns")
			},
		},
		c.exportCommand(),
		c.maintenanceCommand(),
	)
	return root
}

func (c *client) maintenanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Run session retention or integrity checks (admin role)",
	}
	var owner string
	integrity := &cobra.Command{
		Use:   "integrity",
		Short: "POST /v1/maintenance/integrity/run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/maintenance/integrity/run"
			if strings.TrimSpace(owner) != "" {
				path += "?owner_id=" + url.QueryEscape(strings.TrimSpace(owner))
			}
			return c.send(cmd.Context(), http.MethodPost, path, "", nil)
		},
	}
	integrity.Flags().StringVar(&owner, "owner", "", "only check sessions of this owner")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "retention",
			Short: "POST /v1/maintenance/retention/run",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.send(cmd.Context(), http.MethodPost, "/v1/maintenance/retention/run", "", nil)
			},
		},
		integrity,
	)
	return cmd
}

func (c *client) askCommand() *cobra.Command {
	var retryBudget int
	var translateOnly bool
	cmd := &cobra.Command{
		Use:   "ask <session-id> <question...>",
		Short: "Ask a question about a session's dataset",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{
				"session_id": args[0],
				"question":   strings.Join(args[1:], " "),
			}
			path := "/v1/query"
			if translateOnly {
				path = "/v1/query/translate"
			} else if retryBudget > 0 {
				payload["retry_budget"] = retryBudget
			}
			body, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			return c.send(cmd.Context(), http.MethodPost, path, "application/json", bytes.NewReader(body))
		},
	}
	cmd.Flags().IntVar(&retryBudget, "retry-budget", 0, "maximum generation attempts (0 uses the server default)")
	cmd.Flags().BoolVar(&translateOnly, "translate-only", false, "only generate SQL, do not execute it")
	return cmd
}

func (c *client) exportCommand() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export <session-id> <turn>",
		Short: "Download a turn's result table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/sessions/%s/turns/%s/export?format=%s",
				url.PathEscape(args[0]), url.PathEscape(args[1]), url.QueryEscape(format))
			code, body, err := c.do(cmd.Context(), http.MethodGet, path, "", nil)
			if err != nil {
				return &exitError{code: 1, msg: fmt.Sprintf("request failed: %v", err)}
			}
			if code >= 400 {
				return &exitError{code: 1, msg: fmt.Sprintf("http %d: %s", code, strings.TrimSpace(string(body)))}
			}
			if output == "" || output == "-" {
				_, err = c.stdout.Write(body)
				return err
			}
			if err := os.WriteFile(output, body, 0o644); err != nil {
				return &exitError{code: 1, msg: fmt.Sprintf("write %s: %v", output, err)}
			}
			_, _ = fmt.Fprintf(c.stdout, "wrote %d bytes to %s\n", len(body), output)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "csv", "export format: json, csv or parquet")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func (c *client) upload(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return &exitError{code: 1, msg: fmt.Sprintf("open %s: %v", path, err)}
	}
	defer func() { _ = file.Close() }()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return &exitError{code: 1, msg: fmt.Sprintf("read %s: %v", path, err)}
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return c.send(ctx, http.MethodPost, "/v1/datasets", writer.FormDataContentType(), body)
}

func (c *client) getJSON(ctx context.Context, path string) error {
	return c.send(ctx, http.MethodGet, path, "", nil)
}

// send performs the request and pretty-prints a JSON response.
func (c *client) send(ctx context.Context, method, path, contentType string, body io.Reader) error {
	code, responseBody, err := c.do(ctx, method, path, contentType, body)
	if err != nil {
		return &exitError{code: 1, msg: fmt.Sprintf("request failed: %v", err)}
	}
	if code >= 400 {
		return &exitError{code: 1, msg: fmt.Sprintf("http %d: %s", code, strings.TrimSpace(string(responseBody)))}
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(c.stdout, pretty)
		return nil
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(c.stdout, string(responseBody))
	}
	return nil
}

func (c *client) do(ctx context.Context, method, path, contentType string, body io.Reader) (int, []byte, error) {
	endpoint := strings.TrimRight(c.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if key := strings.TrimSpace(c.apiKey); key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if owner := strings.TrimSpace(c.ownerID); owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
