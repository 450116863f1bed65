package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datatalk/datatalk/internal/dataset"
	"github.com/datatalk/datatalk/internal/nl2sql"
	"github.com/datatalk/datatalk/internal/query"
)

type stubCompleter struct {
	out  string
	err  error
	user string
}

func (s *stubCompleter) Complete(_ context.Context, _, user string) (string, error) {
	s.user = user
	return s.out, s.err
}

func (s *stubCompleter) Provider() string { return "stub" }

func schema() dataset.Schema {
	return dataset.Schema{
		"contract":        {Type: dataset.ColumnCategorical},
		"monthly_charges": {Type: dataset.ColumnNumeric},
		"churn":           {Type: dataset.ColumnBoolean},
	}
}

func TestKeywordIntent(t *testing.T) {
	tests := []struct {
		question string
		want     Category
	}{
		{"Make me an infographic of churn", InfographicRequest},
		{"What is the churn rate by contract?", ChurnAnalysis},
		{"Show customer with id 42", IndividualLookup},
		{"How did revenue grow over time?", TrendAnalysis},
		{"Compare charges between contracts", GroupComparison},
		{"What is the average charge per customer?", MetricCalculation},
		{"Show the distribution of contracts", Distribution},
		{"contract", ColumnAnalysis},
		{"hello", VagueQuery},
		{"Tell me about the weather in Paris today", Unsupported},
	}
	for _, tt := range tests {
		got := KeywordIntent(tt.question, schema())
		assert.Equal(t, tt.want, got.Category, tt.question)
		assert.Equal(t, "keywords", got.Source)
	}

	got := KeywordIntent("Paid amount total", schema())
	assert.Equal(t, MetricCalculation, got.Category, "paid must not match the id keyword")
	assert.Equal(t, "summation", got.AggregationMethod)
}

func TestClassifierParsesBackendReply(t *testing.T) {
	completer := &stubCompleter{out: "```json\n{\"intent\": \"group_comparison\", \"target_columns\": [\"contract\", \"ghost\"], \"recommended_chart_type\": \"horizontal_bar\"}\n```"}
	classifier, err := NewClassifier(completer, nil, 0, nil)
	require.NoError(t, err)

	got := classifier.Classify(context.Background(), "contracts?", schema(), []nl2sql.Turn{{Question: "prev q", SQL: "SELECT 1"}})
	assert.Equal(t, GroupComparison, got.Category)
	assert.Equal(t, []string{"contract"}, got.TargetColumns)
	assert.Equal(t, ChartBar, got.RecommendedChartType)
	assert.Equal(t, "stub", got.Source)
	assert.Contains(t, completer.user, "User: prev q")
}

func TestClassifierFallsBackToKeywords(t *testing.T) {
	for _, completer := range []*stubCompleter{{err: errors.New("down")}, {out: "I think it is about churn"}, {out: "{not json}"}} {
		classifier, err := NewClassifier(completer, nil, 0, nil)
		require.NoError(t, err)
		got := classifier.Classify(context.Background(), "churn by contract", schema(), nil)
		assert.Equal(t, ChurnAnalysis, got.Category)
		assert.Equal(t, "keywords", got.Source)
	}
}

func TestParseCategory(t *testing.T) {
	assert.Equal(t, TrendAnalysis, ParseCategory(" trend_analysis "))
	assert.Equal(t, Unsupported, ParseCategory("MAGIC"))
}

func TestRecommendChart(t *testing.T) {
	assert.Equal(t, ChartLine, RecommendChart("revenue trend", "", query.Result{}))
	assert.Equal(t, ChartPie, RecommendChart("share of customers per plan", "", query.Result{}))

	grouped := query.Result{Columns: []string{"contract", "n"}, Rows: [][]any{{"Monthly", int64(10)}, {"Yearly", int64(4)}}}
	assert.Equal(t, ChartBar, RecommendChart("customers per contract", "SELECT contract, COUNT(*) n FROM t GROUP BY contract", grouped))

	percentages := query.Result{Columns: []string{"contract", "pct"}, Rows: [][]any{{"Monthly", 55.0}, {"Yearly", 45.0}}}
	assert.Equal(t, ChartPie, RecommendChart("contracts", "", percentages))

	monthly := query.Result{Columns: []string{"signup_month", "n"}, Rows: [][]any{{"2024-01", int64(1)}}}
	assert.Equal(t, ChartLine, RecommendChart("signups", "", monthly))

	twoDims := query.Result{Columns: []string{"contract", "gender", "n"}, Rows: [][]any{{"Monthly", "F", int64(3)}}}
	assert.Equal(t, ChartHeatmap, RecommendChart("signups", "", twoDims))

	pairs := query.Result{Columns: []string{"a", "b"}, Rows: [][]any{{1.0, 2.0}, {2.0, 3.0}, {3.0, 1.0}, {4.0, 4.0}, {5.0, 6.0}, {6.0, 5.0}}}
	assert.Equal(t, ChartScatter, RecommendChart("a and b", "", pairs))

	single := query.Result{Columns: []string{"charges"}, Rows: [][]any{{1.0}, {2.0}, {3.0}}}
	assert.Equal(t, ChartHistogram, RecommendChart("charges", "", single))

	assert.Equal(t, ChartHeatmap, RecommendChart("x", "SELECT a FROM (SELECT a FROM t GROUP BY a) GROUP BY a", query.Result{}))
	assert.Equal(t, ChartBar, RecommendChart("x", "", query.Result{}))
}
