package query

import (
	"context"
	"time"
)

// TableSource is the materialized dataset a statement runs against. The
// engine exposes ObjectPath under Name for the duration of one request.
type TableSource struct {
	Name       string
	ObjectPath string
}

type Request struct {
	SQL      string
	RowLimit int
	Table    TableSource
}

type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

// Records returns each row as a column-keyed map. Column order is available
// from Columns.
func (r Result) Records() []map[string]any {
	records := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		record := make(map[string]any, len(r.Columns))
		for i, column := range r.Columns {
			if i < len(row) {
				record[column] = row[i]
			} else {
				record[column] = nil
			}
		}
		records = append(records, record)
	}
	return records
}

// Head returns a copy limited to the first n rows.
func (r Result) Head(n int) Result {
	if n < 0 || n >= len(r.Rows) {
		return r
	}
	return Result{Columns: r.Columns, Rows: r.Rows[:n], Duration: r.Duration}
}

func (r Result) ColumnIndex(name string) int {
	for i, column := range r.Columns {
		if column == name {
			return i
		}
	}
	return -1
}

// ExecutionError is a statement the database refused. Message is the
// engine's text, unmodified.
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string {
	return e.Message
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
