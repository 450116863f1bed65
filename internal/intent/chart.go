package intent

import (
	"strings"

	"github.com/datatalk/datatalk/internal/query"
)

type ChartType string

const (
	ChartBar       ChartType = "bar"
	ChartLine      ChartType = "line"
	ChartPie       ChartType = "pie"
	ChartHistogram ChartType = "histogram"
	ChartScatter   ChartType = "scatter"
	ChartHeatmap   ChartType = "heatmap"
)

func ParseChartType(value string) ChartType {
	chart := ChartType(strings.ToLower(strings.TrimSpace(value)))
	switch chart {
	case ChartBar, ChartLine, ChartPie, ChartHistogram, ChartScatter, ChartHeatmap:
		return chart
	case "horizontal_bar":
		return ChartBar
	default:
		return ""
	}
}

// ChartFromQuestion reads the chart type off the wording alone. It returns
// an empty ChartType when the question gives no hint.
func ChartFromQuestion(question string) ChartType {
	q := strings.ToLower(question)
	switch {
	case containsAny(q, "trend", "over time", "monthly", "yearly", "growth", "decline", "evolution"):
		return ChartLine
	case containsAny(q, "distribution", "spread", "range", "histogram"):
		return ChartHistogram
	case containsAny(q, "proportion", "share", "percentage", "breakdown", "pie", "donut"):
		return ChartPie
	case containsAny(q, "correlation", "relationship", "scatter", "impact", "affect"):
		return ChartScatter
	case containsAny(q, "heatmap", "heat map", "matrix"):
		return ChartHeatmap
	default:
		return ""
	}
}

var timeHints = []string{"date", "time", "month", "year", "quarter", "week"}

// RecommendChart combines the question wording with the shape of the
// result table.
func RecommendChart(question, sqlText string, result query.Result) ChartType {
	if chart := ChartFromQuestion(question); chart != "" {
		return chart
	}
	if strings.Count(strings.ToUpper(sqlText), "GROUP BY") > 1 {
		return ChartHeatmap
	}

	numeric, other := splitColumns(result)
	for _, column := range result.Columns {
		if containsAny(strings.ToLower(column), timeHints...) && len(numeric) > 0 {
			return ChartLine
		}
	}

	switch {
	case len(numeric) >= 2 && len(other) == 0 && len(result.Rows) > 5:
		return ChartScatter
	case len(other) >= 2 && len(numeric) >= 1:
		return ChartHeatmap
	case len(other) == 1 && len(numeric) >= 1:
		if distinctCount(result, other[0]) <= 6 && looksLikePercentages(result, numeric[0]) {
			return ChartPie
		}
		return ChartBar
	case len(numeric) == 1 && len(other) == 0 && len(result.Rows) > 1:
		return ChartHistogram
	default:
		return ChartBar
	}
}

// splitColumns classifies columns by their first non-null value.
func splitColumns(result query.Result) (numeric, other []string) {
	for i, column := range result.Columns {
		isNumeric := false
		for _, row := range result.Rows {
			if i >= len(row) || row[i] == nil {
				continue
			}
			_, isNumeric = toFloat(row[i])
			break
		}
		if isNumeric {
			numeric = append(numeric, column)
		} else {
			other = append(other, column)
		}
	}
	return numeric, other
}

func distinctCount(result query.Result, column string) int {
	idx := result.ColumnIndex(column)
	seen := map[any]struct{}{}
	for _, row := range result.Rows {
		if idx < len(row) {
			seen[row[idx]] = struct{}{}
		}
	}
	return len(seen)
}

func looksLikePercentages(result query.Result, column string) bool {
	idx := result.ColumnIndex(column)
	total := 0.0
	for _, row := range result.Rows {
		if idx >= len(row) {
			return false
		}
		value, ok := toFloat(row[idx])
		if !ok || value < 0 || value > 100 {
			return false
		}
		total += value
	}
	return total > 80 && total < 120
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint32:
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
