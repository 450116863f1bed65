package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/datatalk/datatalk/internal/query"
	"github.com/datatalk/datatalk/internal/storage"
)

// Engine runs statements against a session's materialized parquet file.
// Every call opens its own in-memory database, so concurrent requests over
// the same dataset share nothing but the immutable object.
type Engine struct {
	Store storage.ObjectStore
}

func NewEngine(store storage.ObjectStore) *Engine {
	return &Engine{Store: store}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if strings.TrimSpace(request.Table.Name) == "" || strings.TrimSpace(request.Table.ObjectPath) == "" {
		return query.Result{}, fmt.Errorf("table name and object path are required")
	}
	if e.Store == nil {
		return query.Result{}, fmt.Errorf("object store is required")
	}

	start := time.Now()
	workDir, err := os.MkdirTemp("", "datatalk-query-")
	if err != nil {
		return query.Result{}, fmt.Errorf("create query temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	localPath := filepath.Join(workDir, sanitizeFileComponent(request.Table.Name)+".parquet")
	if err := e.fetch(ctx, request.Table.ObjectPath, localPath); err != nil {
		return query.Result{}, err
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return query.Result{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(request.Table.Name), quoteString(localPath))
	if _, err := db.ExecContext(ctx, viewSQL); err != nil {
		return query.Result{}, fmt.Errorf("create view for table %q: %w", request.Table.Name, err)
	}

	if request.RowLimit > 0 {
		// The statement sits on its own lines so a trailing -- comment cannot
		// swallow the closing paren.
		sqlText = fmt.Sprintf("SELECT * FROM (\n%s\n) AS q LIMIT %d", sqlText, request.RowLimit)
	}

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, &query.ExecutionError{Message: err.Error()}
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, &query.ExecutionError{Message: err.Error()}
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, &query.ExecutionError{Message: err.Error()}
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, &query.ExecutionError{Message: err.Error()}
	}

	return query.Result{
		Columns:  columns,
		Rows:     resultRows,
		Duration: time.Since(start),
	}, nil
}

// fetch downloads the session's parquet object to localPath.
func (e *Engine) fetch(ctx context.Context, objectPath, localPath string) error {
	reader, err := e.Store.Get(ctx, objectPath)
	if err != nil {
		return fmt.Errorf("get object %q: %w", objectPath, err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local parquet file %q: %w", localPath, err)
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	return file.Close()
}

type float64er interface {
	Float64() float64
}

// normalizeValues reduces driver types to JSON-friendly scalars.
func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case *big.Int:
			if typed == nil {
				normalized[i] = nil
			} else if typed.IsInt64() {
				normalized[i] = typed.Int64()
			} else {
				normalized[i] = typed.String()
			}
		case time.Time:
			normalized[i] = typed.UTC().Format(time.RFC3339)
		case float32:
			normalized[i] = float64(typed)
		case int32:
			normalized[i] = int64(typed)
		case int16:
			normalized[i] = int64(typed)
		case int8:
			normalized[i] = int64(typed)
		case float64er:
			normalized[i] = typed.Float64()
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
