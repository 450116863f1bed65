package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/datatalk/datatalk/internal/observability"
	"github.com/datatalk/datatalk/internal/prompts"
)

type GeneratorConfig struct {
	// Completer may be nil; every call then uses the heuristic.
	Completer Completer
	Prompts   *prompts.Catalog
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Generator is the adapter between the retry loop and a text backend. It
// never returns an error: backend failures and timeouts degrade to the
// heuristic and are reported through Generation.FailureDetail.
type Generator struct {
	completer Completer
	system    string
	timeout   time.Duration
	heuristic Heuristic
	logger    *slog.Logger
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	catalog := cfg.Prompts
	if catalog == nil {
		catalog = prompts.Default()
	}
	system, err := catalog.System(prompts.SQLGeneration)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Generator{
		completer: cfg.Completer,
		system:    system,
		timeout:   timeout,
		logger:    observability.LoggerOrDiscard(cfg.Logger),
	}, nil
}

func (g *Generator) Generate(ctx context.Context, req GenerateRequest) Generation {
	if g.completer == nil {
		return g.fallback(req, "no text-generation backend configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := g.completer.Complete(callCtx, g.system, BuildContext(req))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("generation timed out after %s: %w", g.timeout, err)
		}
		g.logger.Warn("sql generation failed, using heuristic", "provider", g.completer.Provider(), "error", err)
		return g.fallback(req, err.Error())
	}

	sqlText := normalizeGeneratedSQL(raw)
	if sqlText == "" {
		g.logger.Warn("sql generation returned no statement, using heuristic", "provider", g.completer.Provider())
		return g.fallback(req, "backend returned an empty statement")
	}
	return Generation{SQL: sqlText, Source: g.completer.Provider()}
}

func (g *Generator) fallback(req GenerateRequest, detail string) Generation {
	observability.IncrementGenerationFallback(fallbackReason(detail))
	return Generation{
		SQL:           g.heuristic.Generate(req),
		Source:        SourceHeuristic,
		FailureDetail: detail,
	}
}

func fallbackReason(detail string) string {
	switch {
	case strings.HasPrefix(detail, "no text-generation backend"):
		return "no_backend"
	case strings.HasPrefix(detail, "generation timed out"):
		return "timeout"
	case strings.HasPrefix(detail, "backend returned an empty"):
		return "empty"
	default:
		return "backend_error"
	}
}

// normalizeGeneratedSQL strips fences and maps every spelling of the
// sentinel to Unanswerable.
func normalizeGeneratedSQL(raw string) string {
	sqlText := stripMarkdownSQL(raw)
	switch strings.ToUpper(strings.Trim(sqlText, " \t\r\n;.")) {
	case Unanswerable, "UNSUPPORTED_QUERY":
		return Unanswerable
	}
	return sqlText
}
