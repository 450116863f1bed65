package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/datatalk/datatalk/internal/dataset"
)

const (
	categoricalMaxUnique = 30
	valueCountsLimit     = 20
	sampleValuesLimit    = 5
	idMinUnique          = 100
)

var idKeywords = []string{"id", "uuid", "key", "code", "customerid", "userid", "orderid"}

var booleanPairs = [][2]string{{"yes", "no"}, {"true", "false"}, {"0", "1"}, {"y", "n"}}

type columnInfo struct {
	name   string
	dbType string
}

// profileTable profiles every column of table concurrently, bounded by
// concurrency. All queries share one in-memory database.
func profileTable(ctx context.Context, db *sql.DB, table string, columns []columnInfo, concurrency int) (dataset.Schema, error) {
	profiles := make([]dataset.Column, len(columns))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(max(concurrency, 1))
	for i, column := range columns {
		group.Go(func() error {
			profile, err := profileColumn(groupCtx, db, table, column)
			if err != nil {
				return fmt.Errorf("profile column %q: %w", column.name, err)
			}
			profiles[i] = profile
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	schema := make(dataset.Schema, len(columns))
	for i, column := range columns {
		schema[column.name] = profiles[i]
	}
	return schema, nil
}

func profileColumn(ctx context.Context, db *sql.DB, table string, column columnInfo) (dataset.Column, error) {
	ident := quoteIdent(column.name)
	var profile dataset.Column
	row := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) - COUNT(%s), COUNT(DISTINCT %s) FROM %s`, ident, ident, quoteIdent(table)))
	if err := row.Scan(&profile.NullCount, &profile.UniqueCount); err != nil {
		return dataset.Column{}, err
	}

	switch {
	case isIDColumn(column.name, profile.UniqueCount):
		profile.Type = dataset.ColumnID
	case isNumericType(column.dbType):
		profile.Type = dataset.ColumnNumeric
		if err := numericStats(ctx, db, table, ident, &profile); err != nil {
			return dataset.Column{}, err
		}
	default:
		distinct, err := distinctValues(ctx, db, table, ident, categoricalMaxUnique+1)
		if err != nil {
			return dataset.Column{}, err
		}
		switch {
		case strings.EqualFold(column.dbType, "BOOLEAN") || isBooleanPair(distinct):
			profile.Type = dataset.ColumnBoolean
		case profile.UniqueCount <= categoricalMaxUnique:
			profile.Type = dataset.ColumnCategorical
		default:
			profile.Type = dataset.ColumnText
			samples, err := stringColumn(ctx, db, fmt.Sprintf(`SELECT CAST(%s AS VARCHAR) FROM %s WHERE %s IS NOT NULL LIMIT %d`, ident, quoteIdent(table), ident, sampleValuesLimit))
			if err != nil {
				return dataset.Column{}, err
			}
			profile.SampleValues = samples
			return profile, nil
		}
		profile.UniqueValues = distinct
		counts, err := valueCounts(ctx, db, table, ident)
		if err != nil {
			return dataset.Column{}, err
		}
		profile.ValueCounts = counts
	}
	return profile, nil
}

func numericStats(ctx context.Context, db *sql.DB, table, ident string, profile *dataset.Column) error {
	var minV, maxV, meanV, medianV, stdV sql.NullFloat64
	row := db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT CAST(MIN(%[1]s) AS DOUBLE), CAST(MAX(%[1]s) AS DOUBLE), CAST(AVG(%[1]s) AS DOUBLE), CAST(MEDIAN(%[1]s) AS DOUBLE), CAST(STDDEV_SAMP(%[1]s) AS DOUBLE) FROM %[2]s`,
		ident, quoteIdent(table),
	))
	if err := row.Scan(&minV, &maxV, &meanV, &medianV, &stdV); err != nil {
		return err
	}
	profile.Min = rounded(minV)
	profile.Max = rounded(maxV)
	profile.Mean = rounded(meanV)
	profile.Median = rounded(medianV)
	profile.Std = rounded(stdV)
	return nil
}

func distinctValues(ctx context.Context, db *sql.DB, table, ident string, limit int) ([]string, error) {
	return stringColumn(ctx, db, fmt.Sprintf(
		`SELECT DISTINCT CAST(%s AS VARCHAR) AS v FROM %s WHERE %s IS NOT NULL ORDER BY v LIMIT %d`,
		ident, quoteIdent(table), ident, limit,
	))
}

func valueCounts(ctx context.Context, db *sql.DB, table, ident string) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		`SELECT CAST(%s AS VARCHAR) AS v, COUNT(*) AS n FROM %s WHERE %s IS NOT NULL GROUP BY v ORDER BY n DESC, v LIMIT %d`,
		ident, quoteIdent(table), ident, valueCountsLimit,
	))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int64{}
	for rows.Next() {
		var value string
		var count int64
		if err := rows.Scan(&value, &count); err != nil {
			return nil, err
		}
		counts[value] = count
	}
	return counts, rows.Err()
}

func stringColumn(ctx context.Context, db *sql.DB, statement string) ([]string, error) {
	rows, err := db.QueryContext(ctx, statement)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

// isIDColumn matches names like customer_id or order_code, but only
// when the column is close to unique.
func isIDColumn(name string, uniqueCount int64) bool {
	if uniqueCount <= idMinUnique {
		return false
	}
	for _, part := range strings.Split(strings.ToLower(name), "_") {
		if slices.Contains(idKeywords, part) {
			return true
		}
	}
	return false
}

func isNumericType(dbType string) bool {
	upper := strings.ToUpper(dbType)
	if strings.HasPrefix(upper, "DECIMAL") {
		return true
	}
	switch upper {
	case "TINYINT", "SMALLINT", "INTEGER", "BIGINT", "HUGEINT",
		"UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT", "UHUGEINT",
		"FLOAT", "DOUBLE", "REAL":
		return true
	default:
		return false
	}
}

func isBooleanPair(distinct []string) bool {
	if len(distinct) != 2 {
		return false
	}
	a := strings.ToLower(strings.TrimSpace(distinct[0]))
	b := strings.ToLower(strings.TrimSpace(distinct[1]))
	for _, pair := range booleanPairs {
		if (a == pair[0] && b == pair[1]) || (a == pair[1] && b == pair[0]) {
			return true
		}
	}
	return false
}

func rounded(value sql.NullFloat64) *float64 {
	if !value.Valid || math.IsNaN(value.Float64) || math.IsInf(value.Float64, 0) {
		return nil
	}
	return dataset.Float(math.Round(value.Float64*100) / 100)
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}
