package nl2sql

import (
	"fmt"
	"sort"
	"strings"

	"github.com/datatalk/datatalk/internal/dataset"
)

// Heuristic builds a statement from keywords when no backend is available.
// It never fails; unmatched questions get a plain preview of the table.
type Heuristic struct{}

func (Heuristic) Generate(req GenerateRequest) string {
	table := quoteIdent(req.TableName)
	question := strings.ToLower(req.Question)
	columns := mentionedColumns(question, req.Schema)

	numeric := firstOfType(columns, req.Schema, dataset.ColumnNumeric)
	group := firstOfType(columns, req.Schema, dataset.ColumnCategorical, dataset.ColumnBoolean)

	switch {
	case containsAny(question, "average", "mean", "avg") && numeric != "":
		return aggregate("AVG", "avg_", numeric, group, table)
	case containsAny(question, "total", "sum") && numeric != "":
		return aggregate("SUM", "total_", numeric, group, table)
	case containsAny(question, "how many", "count", "number of", "distribution", "breakdown") && group != "":
		return fmt.Sprintf("SELECT %s, COUNT(*) AS count FROM %s GROUP BY %s ORDER BY count DESC",
			quoteIdent(group), table, quoteIdent(group))
	case containsAny(question, "how many", "count", "number of", "rows"):
		return fmt.Sprintf("SELECT COUNT(*) AS row_count FROM %s", table)
	default:
		return fmt.Sprintf("SELECT * FROM %s LIMIT 20", table)
	}
}

func aggregate(function, prefix, numeric, group, table string) string {
	alias := quoteIdent(prefix + numeric)
	if group == "" {
		return fmt.Sprintf("SELECT %s(%s) AS %s FROM %s", function, quoteIdent(numeric), alias, table)
	}
	return fmt.Sprintf("SELECT %s, %s(%s) AS %s FROM %s GROUP BY %s ORDER BY %s DESC",
		quoteIdent(group), function, quoteIdent(numeric), alias, table, quoteIdent(group), alias)
}

// mentionedColumns lists schema columns named in the question, longest
// name first so "monthly_charges" beats "charges".
func mentionedColumns(question string, schema dataset.Schema) []string {
	matches := make([]string, 0)
	for _, name := range schema.ColumnNames() {
		lower := strings.ToLower(name)
		if strings.Contains(question, lower) || strings.Contains(question, strings.ReplaceAll(lower, "_", " ")) {
			matches = append(matches, name)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return len(matches[i]) > len(matches[j]) })
	return matches
}

func firstOfType(columns []string, schema dataset.Schema, types ...dataset.ColumnType) string {
	for _, name := range columns {
		for _, columnType := range types {
			if schema[name].Type == columnType {
				return name
			}
		}
	}
	return ""
}

func containsAny(value string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(value, needle) {
			return true
		}
	}
	return false
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
