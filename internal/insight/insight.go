// Package insight derives anomalies, correlations and an executive summary
// from a result table. Everything here is deterministic.
package insight

import (
	"fmt"
	"math"
	"sort"

	"github.com/datatalk/datatalk/internal/query"
)

const (
	ZScoreThreshold = 3.0
	minAnomalyRows  = 4
)

type Anomaly struct {
	Column       string    `json:"column"`
	OutlierCount int       `json:"outlier_count"`
	Outliers     []float64 `json:"outliers"`
	Message      string    `json:"message"`
}

type Correlation struct {
	Feature1  string  `json:"feature1"`
	Feature2  string  `json:"feature2"`
	Score     float64 `json:"correlation_score"`
	Magnitude float64 `json:"impact_magnitude"`
	Direction string  `json:"direction"`
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

type ExecutiveSummary struct {
	RiskLevel      RiskLevel `json:"risk_level"`
	KeyFinding     string    `json:"key_finding"`
	PriorityAction string    `json:"priority_action"`
	RowsReturned   int       `json:"rows_returned"`
}

type Report struct {
	Anomalies    []Anomaly        `json:"anomalies"`
	Correlations []Correlation    `json:"correlations"`
	Summary      ExecutiveSummary `json:"executive_summary"`
}

// Analyze runs every check over table. Correlations are capped at limit,
// strongest first; limit <= 0 keeps them all.
func Analyze(table query.Result, limit int) Report {
	anomalies := DetectAnomalies(table, ZScoreThreshold)
	correlations := Correlations(table)
	if limit > 0 && len(correlations) > limit {
		correlations = correlations[:limit]
	}
	return Report{
		Anomalies:    anomalies,
		Correlations: correlations,
		Summary:      Summarize(len(table.Rows), anomalies, correlations),
	}
}

// DetectAnomalies flags values whose population z-score exceeds threshold,
// for every numeric column with more than three values.
func DetectAnomalies(table query.Result, threshold float64) []Anomaly {
	anomalies := make([]Anomaly, 0)
	for _, column := range numericColumns(table) {
		values := column.values
		if len(values) < minAnomalyRows {
			continue
		}
		mean, std := meanStd(values)
		if std == 0 {
			continue
		}
		outliers := make([]float64, 0)
		for _, value := range values {
			if math.Abs((value-mean)/std) > threshold {
				outliers = append(outliers, value)
			}
		}
		if len(outliers) == 0 {
			continue
		}
		anomalies = append(anomalies, Anomaly{
			Column:       column.name,
			OutlierCount: len(outliers),
			Outliers:     outliers,
			Message:      fmt.Sprintf("Found %d outliers in %s", len(outliers), column.name),
		})
	}
	return anomalies
}

// Correlations computes Pearson coefficients for every pair of numeric
// columns, using only rows where both are present.
func Correlations(table query.Result) []Correlation {
	columns := numericColumns(table)
	out := make([]Correlation, 0)
	for i := 0; i < len(columns); i++ {
		for j := i + 1; j < len(columns); j++ {
			xs, ys := paired(table, columns[i].index, columns[j].index)
			score, ok := pearson(xs, ys)
			if !ok {
				continue
			}
			direction := "negative"
			if score > 0 {
				direction = "positive"
			}
			out = append(out, Correlation{
				Feature1:  columns[i].name,
				Feature2:  columns[j].name,
				Score:     score,
				Magnitude: math.Abs(score),
				Direction: direction,
			})
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Magnitude > out[b].Magnitude })
	return out
}

func Summarize(rows int, anomalies []Anomaly, correlations []Correlation) ExecutiveSummary {
	summary := ExecutiveSummary{RiskLevel: RiskLow, RowsReturned: rows}
	switch {
	case len(anomalies) >= 3:
		summary.RiskLevel = RiskHigh
	case len(anomalies) >= 1:
		summary.RiskLevel = RiskMedium
	}

	switch {
	case rows == 0:
		summary.KeyFinding = "The query returned no data."
		summary.PriorityAction = "Broaden the question or check the filters."
	case len(anomalies) > 0:
		summary.KeyFinding = fmt.Sprintf("Outliers detected in %d column(s), starting with %s.", len(anomalies), anomalies[0].Column)
		summary.PriorityAction = "Review the flagged records before acting on averages."
	case len(correlations) > 0 && correlations[0].Magnitude >= 0.5:
		top := correlations[0]
		summary.KeyFinding = fmt.Sprintf("%s and %s move together (%s, r=%.2f).", top.Feature1, top.Feature2, top.Direction, top.Score)
		summary.PriorityAction = "Investigate whether the relationship is causal."
	default:
		summary.KeyFinding = fmt.Sprintf("%d rows returned with no unusual values.", rows)
		summary.PriorityAction = "Continue monitoring data trends."
	}
	return summary
}

type numericColumn struct {
	name   string
	index  int
	values []float64
}

// numericColumns keeps columns whose non-null values are all numbers.
func numericColumns(table query.Result) []numericColumn {
	columns := make([]numericColumn, 0)
	for idx, name := range table.Columns {
		values := make([]float64, 0, len(table.Rows))
		numeric := true
		for _, row := range table.Rows {
			if idx >= len(row) || row[idx] == nil {
				continue
			}
			value, ok := toFloat(row[idx])
			if !ok {
				numeric = false
				break
			}
			values = append(values, value)
		}
		if numeric && len(values) > 0 {
			columns = append(columns, numericColumn{name: name, index: idx, values: values})
		}
	}
	return columns
}

func paired(table query.Result, i, j int) ([]float64, []float64) {
	xs := make([]float64, 0, len(table.Rows))
	ys := make([]float64, 0, len(table.Rows))
	for _, row := range table.Rows {
		if i >= len(row) || j >= len(row) {
			continue
		}
		x, okX := toFloat(row[i])
		y, okY := toFloat(row[j])
		if okX && okY {
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	return xs, ys
}

func pearson(xs, ys []float64) (float64, bool) {
	if len(xs) < 2 {
		return 0, false
	}
	meanX, stdX := meanStd(xs)
	meanY, stdY := meanStd(ys)
	if stdX == 0 || stdY == 0 {
		return 0, false
	}
	var cov float64
	for i := range xs {
		cov += (xs[i] - meanX) * (ys[i] - meanY)
	}
	cov /= float64(len(xs))
	return cov / (stdX * stdY), true
}

// meanStd returns the mean and population standard deviation.
func meanStd(values []float64) (float64, float64) {
	var sum float64
	for _, value := range values {
		sum += value
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, value := range values {
		sq += (value - mean) * (value - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
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
