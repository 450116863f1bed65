// Package grounding writes natural-language answers from executed results
// and flags any figure the results do not support.
package grounding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/datatalk/datatalk/internal/nl2sql"
	"github.com/datatalk/datatalk/internal/observability"
	"github.com/datatalk/datatalk/internal/prompts"
	"github.com/datatalk/datatalk/internal/query"
)

const (
	// ContextRows is how much of the result the backend sees.
	ContextRows        = 20
	UnverifiedMarker   = "[UNVERIFIED]"
	numberTolerance    = 0.05
	maxRecommendations = 3
)

var (
	numberPattern  = regexp.MustCompile(`[-+]?\d[\d,]*(?:\.\d+)?|[-+]?\.\d+`)
	headingPattern = regexp.MustCompile(`(?m)^#+\s*`)
)

type Answer struct {
	Text            string   `json:"text"`
	Recommendations []string `json:"recommendations,omitempty"`
	Unverified      []string `json:"unverified,omitempty"`
	Source          string   `json:"source"`
}

type Grounder struct {
	completer nl2sql.Completer
	system    string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewGrounder(completer nl2sql.Completer, catalog *prompts.Catalog, timeout time.Duration, logger *slog.Logger) (*Grounder, error) {
	if catalog == nil {
		catalog = prompts.Default()
	}
	system, err := catalog.System(prompts.AnswerGrounding)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Grounder{completer: completer, system: system, timeout: timeout, logger: observability.LoggerOrDiscard(logger)}, nil
}

// Ground answers question from table, which must come from a succeeded
// query. Backend failures degrade to a deterministic summary.
func (g *Grounder) Ground(ctx context.Context, question, sqlText string, table query.Result) Answer {
	if g.completer == nil {
		return Summarize(table)
	}

	records, err := json.Marshal(table.Head(ContextRows).Records())
	if err != nil {
		g.logger.Warn("encode grounding context failed", "error", err)
		return Summarize(table)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	raw, err := g.completer.Complete(callCtx, g.system, fmt.Sprintf("QUESTION: %s\nSQL_QUERY: %s\nSQL_RESULT: %s", question, sqlText, records))
	if err != nil || strings.TrimSpace(raw) == "" {
		g.logger.Warn("answer grounding failed, using summary", "error", err)
		return Summarize(table)
	}

	text, recommendations := splitResponse(raw)
	verified, unverified := Verify(text, table)
	return Answer{
		Text:            verified,
		Recommendations: recommendations,
		Unverified:      unverified,
		Source:          g.completer.Provider(),
	}
}

// Verify marks every number in text that does not appear (within a small
// tolerance) among the numeric values of the first ContextRows rows.
// Single-digit integers are left alone since they are usually list markers.
func Verify(text string, table query.Result) (string, []string) {
	allowed := allowedNumbers(table.Head(ContextRows))
	unverified := make([]string, 0)
	marked := numberPattern.ReplaceAllStringFunc(text, func(match string) string {
		if len(match) == 1 {
			return match
		}
		value, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", ""), 64)
		if err != nil {
			return match
		}
		for _, candidate := range allowed {
			if math.Abs(candidate-value) < numberTolerance {
				return match
			}
		}
		unverified = append(unverified, match)
		return match + UnverifiedMarker
	})
	return marked, unverified
}

// Summarize is the answer used when no backend can write one.
func Summarize(table query.Result) Answer {
	var text string
	switch len(table.Rows) {
	case 0:
		text = "The query returned no matching rows."
	case 1:
		row := table.Rows[0]
		parts := make([]string, 0, len(table.Columns))
		for i, column := range table.Columns {
			if i >= len(row) {
				break
			}
			parts = append(parts, fmt.Sprintf("%s = %s", column, formatValue(row[i])))
		}
		text = "The query returned one row: " + strings.Join(parts, ", ") + "."
	default:
		text = fmt.Sprintf("The query returned %d rows across %d columns (%s).", len(table.Rows), len(table.Columns), strings.Join(table.Columns, ", "))
	}
	return Answer{Text: text, Source: "summary"}
}

func splitResponse(raw string) (string, []string) {
	answer := raw
	recommendations := make([]string, 0)
	if idx := strings.Index(strings.ToUpper(raw), "BUSINESS RECOMMENDATIONS"); idx >= 0 {
		answer = raw[:idx]
		for _, line := range strings.Split(raw[idx+len("BUSINESS RECOMMENDATIONS"):], "\n") {
			line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*:•"))
			if len(line) > 10 && len(recommendations) < maxRecommendations {
				recommendations = append(recommendations, line)
			}
		}
	}
	answer = strings.Replace(answer, "DATA-BACKED ANSWER:", "", 1)
	answer = headingPattern.ReplaceAllString(answer, "")
	answer = strings.ReplaceAll(answer, "**", "")
	return strings.TrimSpace(answer), recommendations
}

func allowedNumbers(table query.Result) []float64 {
	numbers := []float64{float64(len(table.Rows))}
	for _, row := range table.Rows {
		for _, value := range row {
			if number, ok := toFloat(value); ok {
				numbers = append(numbers, number)
			}
		}
	}
	return numbers
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case float32:
		return float64(typed), true
	case float64:
		return typed, true
	default:
		return 0, false
	}
}

func formatValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "null"
	case float64:
		return strconv.FormatFloat(math.Round(typed*100)/100, 'f', -1, 64)
	default:
		return fmt.Sprint(typed)
	}
}
