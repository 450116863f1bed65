package query

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordsFollowColumnOrder(t *testing.T) {
	result := Result{
		Columns: []string{"contract", "customers"},
		Rows:    [][]any{{"Monthly", int64(3)}, {"Yearly"}},
	}
	records := result.Records()
	assert.Equal(t, []map[string]any{
		{"contract": "Monthly", "customers": int64(3)},
		{"contract": "Yearly", "customers": nil},
	}, records)
	assert.Equal(t, 1, result.ColumnIndex("customers"))
	assert.Equal(t, -1, result.ColumnIndex("nope"))
}

func TestHead(t *testing.T) {
	result := Result{Columns: []string{"n"}, Rows: [][]any{{1}, {2}, {3}}}
	assert.Len(t, result.Head(2).Rows, 2)
	assert.Len(t, result.Head(10).Rows, 3)
}

func TestExecutionErrorUnwrapsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("run: %w", &ExecutionError{Message: `Binder Error: Referenced column "x" not found`})
	var execErr *ExecutionError
	assert.True(t, errors.As(err, &execErr))
	assert.Equal(t, `Binder Error: Referenced column "x" not found`, execErr.Error())
}
