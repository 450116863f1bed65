// Package export renders a stored result table as JSON, CSV or parquet.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Format string

const (
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatParquet:
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatParquet:
		return "application/vnd.apache.parquet"
	default:
		return "application/json"
	}
}

func (f Format) Extension() string {
	return "." + string(f)
}

type Table struct {
	Columns []string
	Rows    [][]any
}

type Result struct {
	Data        []byte
	ContentType string
	RowCount    int
}

func Encode(format Format, table Table) (Result, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatJSON:
		data, err = encodeJSON(table)
	case FormatCSV:
		data, err = encodeCSV(table)
	case FormatParquet:
		data, err = encodeParquet(table)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Data: data, ContentType: format.ContentType(), RowCount: len(table.Rows)}, nil
}

// encodeJSON writes one object per row, keyed by column name.
func encodeJSON(table Table) ([]byte, error) {
	records := make([]map[string]any, 0, len(table.Rows))
	for _, row := range table.Rows {
		record := make(map[string]any, len(table.Columns))
		for idx, column := range table.Columns {
			if idx < len(row) {
				record[column] = row[idx]
			} else {
				record[column] = nil
			}
		}
		records = append(records, record)
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode json export: %w", err)
	}
	return data, nil
}

func encodeCSV(table Table) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	writer := csv.NewWriter(buf)
	if err := writer.Write(table.Columns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(table.Columns))
	for _, row := range table.Rows {
		for idx := range table.Columns {
			record[idx] = ""
			if idx < len(row) {
				record[idx] = formatCell(row[idx])
			}
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv export: %w", err)
	}
	return buf.Bytes(), nil
}

func formatCell(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case int:
		return strconv.Itoa(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(typed)
	}
}
