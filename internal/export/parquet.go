package export

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/parquet-go/parquet-go"
)

type columnKind int

const (
	kindString columnKind = iota
	kindInt
	kindDouble
	kindBool
)

type parquetColumn struct {
	name  string
	kind  columnKind
	index int
}

// encodeParquet builds a schema of optional leaves from the observed cell
// types. Columns with mixed types fall back to strings.
func encodeParquet(table Table) ([]byte, error) {
	if len(table.Columns) == 0 {
		return nil, fmt.Errorf("parquet export requires at least one column")
	}

	names := uniqueNames(table.Columns)
	group := parquet.Group{}
	columns := make([]parquetColumn, len(names))
	for idx, name := range names {
		kind := inferKind(table.Rows, idx)
		columns[idx] = parquetColumn{name: name, kind: kind}
		group[name] = parquet.Optional(leafFor(kind))
	}
	schema := parquet.NewSchema("result", group)
	for idx := range columns {
		leaf, ok := schema.Lookup(columns[idx].name)
		if !ok {
			return nil, fmt.Errorf("parquet column %q missing from schema", columns[idx].name)
		}
		columns[idx].index = leaf.ColumnIndex
	}

	rows := make([]parquet.Row, 0, len(table.Rows))
	for _, source := range table.Rows {
		row := make(parquet.Row, len(columns))
		for idx, column := range columns {
			var cell any
			if idx < len(source) {
				cell = source[idx]
			}
			row[column.index] = parquetValue(column, cell)
		}
		rows = append(rows, row)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, schema)
	if len(rows) > 0 {
		if _, err := writer.WriteRows(rows); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func leafFor(kind columnKind) parquet.Node {
	switch kind {
	case kindInt:
		return parquet.Int(64)
	case kindDouble:
		return parquet.Leaf(parquet.DoubleType)
	case kindBool:
		return parquet.Leaf(parquet.BooleanType)
	default:
		return parquet.String()
	}
}

func parquetValue(column parquetColumn, cell any) parquet.Value {
	if cell == nil {
		return parquet.NullValue().Level(0, 0, column.index)
	}
	var value parquet.Value
	switch column.kind {
	case kindInt:
		n, _ := asInt(cell)
		value = parquet.Int64Value(n)
	case kindDouble:
		f, _ := asFloat(cell)
		value = parquet.DoubleValue(f)
	case kindBool:
		value = parquet.BooleanValue(cell.(bool))
	default:
		value = parquet.ByteArrayValue([]byte(formatCell(cell)))
	}
	return value.Level(0, 1, column.index)
}

// inferKind picks the narrowest type that holds every non-null cell.
func inferKind(rows [][]any, idx int) columnKind {
	seenInt, seenFloat, seenBool, seenOther := false, false, false, false
	for _, row := range rows {
		if idx >= len(row) || row[idx] == nil {
			continue
		}
		if _, ok := asInt(row[idx]); ok {
			seenInt = true
			continue
		}
		if _, ok := asFloat(row[idx]); ok {
			seenFloat = true
			continue
		}
		if _, ok := row[idx].(bool); ok {
			seenBool = true
			continue
		}
		seenOther = true
	}
	switch {
	case seenOther:
		return kindString
	case seenBool && !seenInt && !seenFloat:
		return kindBool
	case seenBool:
		return kindString
	case seenFloat:
		return kindDouble
	case seenInt:
		return kindInt
	default:
		return kindString
	}
}

func asInt(value any) (int64, bool) {
	switch typed := value.(type) {
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case uint64:
		if typed > math.MaxInt64 {
			return 0, false
		}
		return int64(typed), true
	default:
		return 0, false
	}
}

func asFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float32:
		return float64(typed), true
	case float64:
		return typed, true
	default:
		if n, ok := asInt(value); ok {
			return float64(n), true
		}
		return 0, false
	}
}

// uniqueNames suffixes repeated column names so every parquet field is distinct.
func uniqueNames(columns []string) []string {
	seen := make(map[string]int, len(columns))
	out := make([]string, len(columns))
	for idx, column := range columns {
		name := column
		if name == "" {
			name = "column_" + strconv.Itoa(idx+1)
		}
		seen[name]++
		if seen[name] > 1 {
			name = name + "_" + strconv.Itoa(seen[name])
		}
		out[idx] = name
	}
	return out
}
