// Package intent classifies analytics questions and picks a chart type for
// their results.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/datatalk/datatalk/internal/dataset"
	"github.com/datatalk/datatalk/internal/nl2sql"
	"github.com/datatalk/datatalk/internal/observability"
	"github.com/datatalk/datatalk/internal/prompts"
)

type Category string

const (
	ChurnAnalysis      Category = "CHURN_ANALYSIS"
	GroupComparison    Category = "GROUP_COMPARISON"
	TrendAnalysis      Category = "TREND_ANALYSIS"
	Distribution       Category = "DISTRIBUTION"
	MetricCalculation  Category = "METRIC_CALCULATION"
	IndividualLookup   Category = "INDIVIDUAL_LOOKUP"
	InfographicRequest Category = "INFOGRAPHIC_REQUEST"
	ColumnAnalysis     Category = "COLUMN_ANALYSIS"
	VagueQuery         Category = "VAGUE_QUERY"
	Unsupported        Category = "UNSUPPORTED"
)

// ParseCategory maps free-form model output onto a known category.
// Anything unrecognized is Unsupported.
func ParseCategory(value string) Category {
	category := Category(strings.ToUpper(strings.TrimSpace(value)))
	switch category {
	case ChurnAnalysis, GroupComparison, TrendAnalysis, Distribution, MetricCalculation,
		IndividualLookup, InfographicRequest, ColumnAnalysis, VagueQuery, Unsupported:
		return category
	default:
		return Unsupported
	}
}

type Intent struct {
	Category             Category  `json:"intent"`
	TargetColumns        []string  `json:"target_columns"`
	Metric               string    `json:"metric,omitempty"`
	AggregationMethod    string    `json:"aggregation_method,omitempty"`
	Methodology          string    `json:"methodology,omitempty"`
	Infographic          bool      `json:"infographic"`
	RecommendedChartType ChartType `json:"recommended_chart_type,omitempty"`
	Source               string    `json:"source"`
}

type Classifier struct {
	completer nl2sql.Completer
	system    string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewClassifier(completer nl2sql.Completer, catalog *prompts.Catalog, timeout time.Duration, logger *slog.Logger) (*Classifier, error) {
	if catalog == nil {
		catalog = prompts.Default()
	}
	system, err := catalog.System(prompts.IntentClassification)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Classifier{completer: completer, system: system, timeout: timeout, logger: observability.LoggerOrDiscard(logger)}, nil
}

// Classify never fails; without a usable backend reply it falls back to
// keyword matching.
func (c *Classifier) Classify(ctx context.Context, question string, schema dataset.Schema, history []nl2sql.Turn) Intent {
	if c.completer == nil {
		return KeywordIntent(question, schema)
	}
	classified, err := c.classify(ctx, question, schema, history)
	if err != nil {
		c.logger.Warn("intent classification failed, using keywords", "error", err)
		return KeywordIntent(question, schema)
	}
	return classified
}

func (c *Classifier) classify(ctx context.Context, question string, schema dataset.Schema, history []nl2sql.Turn) (Intent, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return Intent{}, err
	}
	previous := "None"
	if len(history) > 0 {
		last := history[len(history)-1]
		previous = fmt.Sprintf("User: %s\nSQL used: %s", last.Question, last.SQL)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.completer.Complete(callCtx, c.system, fmt.Sprintf("QUESTION: %s\nSCHEMA: %s\nPREVIOUS_INTERACTION: %s", question, schemaJSON, previous))
	if err != nil {
		return Intent{}, err
	}

	payload := nl2sql.ExtractJSONObject(raw)
	if payload == "" {
		return Intent{}, fmt.Errorf("classification reply contained no JSON object")
	}
	var decoded struct {
		Intent               string   `json:"intent"`
		TargetColumns        []string `json:"target_columns"`
		Metric               string   `json:"metric"`
		AggregationMethod    string   `json:"aggregation_method"`
		Methodology          string   `json:"methodology"`
		Infographic          bool     `json:"infographic"`
		RecommendedChartType string   `json:"recommended_chart_type"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return Intent{}, fmt.Errorf("decode classification: %w", err)
	}

	targets := make([]string, 0, len(decoded.TargetColumns))
	for _, column := range decoded.TargetColumns {
		if schema.Has(column) {
			targets = append(targets, column)
		}
	}
	return Intent{
		Category:             ParseCategory(decoded.Intent),
		TargetColumns:        targets,
		Metric:               decoded.Metric,
		AggregationMethod:    decoded.AggregationMethod,
		Methodology:          decoded.Methodology,
		Infographic:          decoded.Infographic,
		RecommendedChartType: ParseChartType(decoded.RecommendedChartType),
		Source:               c.completer.Provider(),
	}, nil
}

// KeywordIntent is the deterministic classification used without a backend.
func KeywordIntent(question string, schema dataset.Schema) Intent {
	lower := strings.ToLower(question)
	words := strings.Fields(lower)
	result := Intent{Category: Unsupported, TargetColumns: mentioned(lower, schema), Source: "keywords"}

	switch {
	case containsAny(lower, "infographic", "poster", "image", "visual summary"):
		result.Category = InfographicRequest
		result.Infographic = true
	case strings.Contains(lower, "churn"):
		result.Category = ChurnAnalysis
		result.AggregationMethod = "group-by"
		result.Metric = "rate"
		result.Methodology = "Calculating ratio of churned customers to total population."
	case hasWord(words, "id") || containsAny(lower, "individual", "specific customer", "customer #"):
		result.Category = IndividualLookup
		result.AggregationMethod = "filtering"
		result.Methodology = "Retrieving detailed record matching unique identifier."
	case containsAny(lower, "trend", "over time", "monthly", "yearly", "growth", "decline"):
		result.Category = TrendAnalysis
		result.AggregationMethod = "group-by"
		result.Methodology = "Ordering the metric along its time dimension."
	case containsAny(lower, "compare", "versus", " vs", "between", "by gender", "by contract", "by payment"):
		result.Category = GroupComparison
		result.AggregationMethod = "group-by"
		result.Methodology = "Segmenting metrics across specified category dimensions."
	case containsAny(lower, "rate", "average", "total", "count", "sum", "percentage", "how many"):
		result.Category = MetricCalculation
		result.AggregationMethod = "averaging"
		if strings.Contains(lower, "sum") || strings.Contains(lower, "total") {
			result.AggregationMethod = "summation"
		}
		result.Methodology = "Performing aggregate computation on target numeric column."
	case containsAny(lower, "distribution", "breakdown", "spread"):
		result.Category = Distribution
		result.AggregationMethod = "group-by"
		result.Methodology = "Calculating frequency of unique values within column."
	case len(result.TargetColumns) > 0 && len(words) <= 4:
		result.Category = ColumnAnalysis
		result.Methodology = "Summarizing the referenced column."
	case len(words) < 3:
		result.Category = VagueQuery
	}
	result.RecommendedChartType = ChartFromQuestion(question)
	return result
}

func mentioned(lowerQuestion string, schema dataset.Schema) []string {
	out := make([]string, 0)
	for _, name := range schema.ColumnNames() {
		lower := strings.ToLower(name)
		if strings.Contains(lowerQuestion, lower) || strings.Contains(lowerQuestion, strings.ReplaceAll(lower, "_", " ")) {
			out = append(out, name)
		}
	}
	return out
}

func hasWord(words []string, word string) bool {
	for _, candidate := range words {
		if strings.Trim(candidate, "?.,!:;") == word {
			return true
		}
	}
	return false
}

func containsAny(value string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(value, needle) {
			return true
		}
	}
	return false
}
