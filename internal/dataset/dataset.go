// Package dataset describes an ingested table: its profiled schema and the
// advisory data dictionary that travels with it into SQL generation.
package dataset

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type ColumnType string

const (
	ColumnNumeric     ColumnType = "numeric"
	ColumnCategorical ColumnType = "categorical"
	ColumnBoolean     ColumnType = "boolean"
	ColumnID          ColumnType = "id"
	ColumnText        ColumnType = "text"
)

func (t ColumnType) Valid() bool {
	switch t {
	case ColumnNumeric, ColumnCategorical, ColumnBoolean, ColumnID, ColumnText:
		return true
	default:
		return false
	}
}

// Column is the profile of one column. Stats are populated per type:
// numeric columns carry Min..Std, boolean and categorical columns carry
// UniqueValues and ValueCounts, text columns carry SampleValues.
type Column struct {
	Type         ColumnType       `json:"type"`
	NullCount    int64            `json:"null_count"`
	UniqueCount  int64            `json:"unique_count"`
	Min          *float64         `json:"min,omitempty"`
	Max          *float64         `json:"max,omitempty"`
	Mean         *float64         `json:"mean,omitempty"`
	Median       *float64         `json:"median,omitempty"`
	Std          *float64         `json:"std,omitempty"`
	UniqueValues []string         `json:"unique_values,omitempty"`
	ValueCounts  map[string]int64 `json:"value_counts,omitempty"`
	SampleValues []string         `json:"sample_values,omitempty"`
}

// Schema maps column name to its profile. It is built once at ingestion
// and treated as read-only afterwards.
type Schema map[string]Column

func (s Schema) ColumnNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Schema) ColumnsOfType(columnType ColumnType) []string {
	names := make([]string, 0)
	for _, name := range s.ColumnNames() {
		if s[name].Type == columnType {
			names = append(names, name)
		}
	}
	return names
}

func (s Schema) Has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s Schema) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	for name, column := range s {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("schema contains an empty column name")
		}
		if !column.Type.Valid() {
			return fmt.Errorf("column %q has invalid type %q", name, column.Type)
		}
		if column.NullCount < 0 || column.UniqueCount < 0 {
			return fmt.Errorf("column %q has negative counts", name)
		}
	}
	return nil
}

type DictionaryEntry struct {
	Description string `json:"description"`
	Category    string `json:"category"`
}

// DataDictionary is advisory context for generation only; it never affects
// how a statement executes.
type DataDictionary map[string]DictionaryEntry

// TargetKeywords mark outcome-like boolean columns such as churn flags.
var TargetKeywords = []string{
	"churn", "attrition", "default", "fraud", "returned", "cancelled",
	"churned", "converted", "subscribed", "exited",
}

// DetectTargetColumn picks the boolean column most likely to be the outcome
// variable. A lone boolean column wins outright.
func DetectTargetColumn(schema Schema) string {
	booleans := schema.ColumnsOfType(ColumnBoolean)
	if len(booleans) == 0 {
		return ""
	}
	if len(booleans) == 1 {
		return booleans[0]
	}
	for _, name := range booleans {
		lower := strings.ToLower(name)
		for _, keyword := range TargetKeywords {
			if strings.Contains(lower, keyword) {
				return name
			}
		}
	}
	return booleans[0]
}

func MarshalSchema(schema Schema) ([]byte, error) {
	if schema == nil {
		schema = Schema{}
	}
	return json.Marshal(schema)
}

func UnmarshalSchema(raw []byte) (Schema, error) {
	schema := Schema{}
	if len(raw) == 0 {
		return schema, nil
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return schema, nil
}

func MarshalDictionary(dictionary DataDictionary) ([]byte, error) {
	if dictionary == nil {
		dictionary = DataDictionary{}
	}
	return json.Marshal(dictionary)
}

func UnmarshalDictionary(raw []byte) (DataDictionary, error) {
	dictionary := DataDictionary{}
	if len(raw) == 0 {
		return dictionary, nil
	}
	if err := json.Unmarshal(raw, &dictionary); err != nil {
		return nil, fmt.Errorf("decode data dictionary: %w", err)
	}
	return dictionary, nil
}

func Float(v float64) *float64 {
	return &v
}
