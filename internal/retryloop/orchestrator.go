// Package retryloop runs the bounded generate, guard and execute cycle that
// turns one question into a result table.
package retryloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/datatalk/datatalk/internal/dataset"
	"github.com/datatalk/datatalk/internal/nl2sql"
	"github.com/datatalk/datatalk/internal/observability"
	"github.com/datatalk/datatalk/internal/query"
	"github.com/datatalk/datatalk/internal/sqlguard"
)

const (
	DefaultRetryBudget = 3
	// DefaultMaxRetryBudget bounds how many generation round trips a single
	// request may ask for.
	DefaultMaxRetryBudget = 10
	// auditPrealloc covers the generate and outcome entries of a typical run.
	auditPrealloc = 8
)

type Request struct {
	Question       string
	Schema         dataset.Schema
	DataDictionary dataset.DataDictionary
	TableName      string
	// ObjectPath locates the materialized dataset for the engine.
	ObjectPath string
	History    []nl2sql.Turn
	// RetryBudget of zero means DefaultRetryBudget.
	RetryBudget int
	RowLimit    int
}

type Config struct {
	Generator nl2sql.Translator
	Engine    query.Engine
	Logger    *slog.Logger
	Now       func() time.Time
	// MaxRetryBudget of zero means DefaultMaxRetryBudget.
	MaxRetryBudget int
}

type Orchestrator struct {
	generator nl2sql.Translator
	engine    query.Engine
	logger    *slog.Logger
	now       func() time.Time
	maxBudget int
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("sql generator is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("query engine is required")
	}
	maxBudget := cfg.MaxRetryBudget
	if maxBudget < 0 {
		return nil, fmt.Errorf("max retry budget must be positive, got %d", maxBudget)
	}
	if maxBudget == 0 {
		maxBudget = DefaultMaxRetryBudget
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		generator: cfg.Generator,
		engine:    cfg.Engine,
		logger:    observability.LoggerOrDiscard(cfg.Logger),
		now:       now,
		maxBudget: maxBudget,
	}, nil
}

// ExecuteWithRetry answers one question. Engine and guard failures are
// reported in the Result; the error is reserved for invalid requests and
// cancellation. A cancelled request still returns the partial Result.
func (o *Orchestrator) ExecuteWithRetry(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req, o.maxBudget); err != nil {
		return Result{}, err
	}
	schemaContext, err := nl2sql.SchemaContext(req.Schema, req.DataDictionary)
	if err != nil {
		return Result{}, err
	}

	st := &state{budget: req.RetryBudget}
	if st.budget == 0 {
		st.budget = DefaultRetryBudget
	}
	start := time.Now()
	result := Result{AuditTrail: make([]AuditEntry, 0, auditPrealloc)}
	logger := o.logger.With("trace_id", observability.TraceIDFromContext(ctx), "table", req.TableName)

	finish := func(terminal Terminal) Result {
		result.Terminal = terminal
		result.AttemptsUsed = st.attempt
		if terminal == TerminalFailed {
			result.ErrorMessage = st.lastError
			result.Suggestion = suggestColumns(st.lastError, req.Schema)
		}
		observability.ObserveQueryTerminal(string(terminal), st.attempt, time.Since(start))
		logger.Info("query loop finished", "terminal", terminal, "attempts", st.attempt, "budget", st.budget)
		return result
	}

	for !st.exhausted() {
		if err := ctx.Err(); err != nil {
			if st.lastError == "" {
				st.lastError = err.Error()
			}
			return finish(TerminalFailed), err
		}
		st.attempt++

		outcome, sqlText := o.attempt(ctx, req, schemaContext, st, &result)
		observability.ObserveQueryAttempt(string(outcome.Tag()))

		switch typed := outcome.(type) {
		case Unanswerable:
			return finish(TerminalUnanswerable), nil
		case Success:
			table := typed.Table
			result.SQL = sqlText
			result.Table = &table
			return finish(TerminalSucceeded), nil
		case Rejected:
			st.lastError = "statement rejected by security guard: " + string(typed.Reason)
			st.lastSQL = sqlText
			logger.Warn("generated statement rejected", "attempt", st.attempt, "reason", typed.Reason)
		case EngineError:
			st.lastError = typed.Message
			st.lastSQL = sqlText
			logger.Warn("generated statement failed", "attempt", st.attempt, "error", typed.Message)
		default:
			panic(fmt.Sprintf("retryloop: unhandled outcome %T", outcome))
		}
		result.SQL = sqlText
	}
	return finish(TerminalFailed), nil
}

// attempt performs one generate, guard and execute pass and records it.
func (o *Orchestrator) attempt(ctx context.Context, req Request, schemaContext string, st *state, result *Result) (Outcome, string) {
	label := fmt.Sprintf("Attempt %d", st.attempt)

	generation := o.generator.Generate(ctx, nl2sql.GenerateRequest{
		Question:      req.Question,
		SchemaContext: schemaContext,
		Schema:        req.Schema,
		TableName:     req.TableName,
		History:       req.History,
		PreviousError: st.lastError,
		PreviousSQL:   st.lastSQL,
	})
	sqlText := strings.TrimSpace(generation.SQL)

	detail := "Generated SQL via " + generation.Source
	if generation.FellBack() {
		detail += " (generation failed: " + generation.FailureDetail + ")"
	}
	o.record(result, label, sqlText, TagGenerated, detail)

	if sqlText == nl2sql.Unanswerable {
		o.record(result, label+" unanswerable", "", TagUnanswerable, "question cannot be answered from this dataset")
		return Unanswerable{}, ""
	}

	if verdict := sqlguard.Check(sqlText); !verdict.Allowed {
		o.record(result, label+" blocked", sqlText, TagRejected, "security guard: "+string(verdict.Reason))
		return Rejected{Reason: verdict.Reason}, sqlText
	}

	table, err := o.engine.Execute(ctx, query.Request{
		SQL:      sqlText,
		RowLimit: req.RowLimit,
		Table:    query.TableSource{Name: req.TableName, ObjectPath: req.ObjectPath},
	})
	if err != nil {
		message := engineMessage(err)
		o.record(result, label+" failed", sqlText, TagEngineError, message)
		return EngineError{Message: message}, sqlText
	}

	o.record(result, label+" succeeded", sqlText, TagSuccess, fmt.Sprintf("returned %d rows", len(table.Rows)))
	return Success{Table: table}, sqlText
}

func (o *Orchestrator) record(result *Result, step, sqlText string, tag OutcomeTag, detail string) {
	result.AuditTrail = append(result.AuditTrail, AuditEntry{
		Step:    step,
		SQL:     sqlText,
		Outcome: tag,
		Detail:  detail,
		At:      o.now(),
	})
}

func engineMessage(err error) string {
	var execErr *query.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Message
	}
	return err.Error()
}

func validateRequest(req Request, maxBudget int) error {
	if strings.TrimSpace(req.Question) == "" {
		return fmt.Errorf("question is required")
	}
	if req.Schema == nil {
		return fmt.Errorf("schema is required")
	}
	if err := req.Schema.Validate(); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	if strings.TrimSpace(req.TableName) == "" {
		return fmt.Errorf("table name is required")
	}
	if req.RetryBudget < 0 {
		return fmt.Errorf("retry budget must be positive, got %d", req.RetryBudget)
	}
	if req.RetryBudget > maxBudget {
		return fmt.Errorf("retry budget %d exceeds maximum %d", req.RetryBudget, maxBudget)
	}
	return nil
}
