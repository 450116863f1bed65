package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datatalk/datatalk/internal/dataset"
	"github.com/datatalk/datatalk/internal/storage"
)

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = payload
	m.types[key] = opts.ContentType
	return storage.ObjectInfo{Key: key, Size: int64(len(payload))}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(payload))}, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func churnCSV(rows int) string {
	var b strings.Builder
	b.WriteString("Customer ID,Contract,Monthly Charges,Churn,Notes\n")
	contracts := []string{"Monthly", "One year", "Two year"}
	for i := 1; i <= rows; i++ {
		churn := "No"
		if i%3 == 0 {
			churn = "Yes"
		}
		fmt.Fprintf(&b, "%d,%s,%d.5,%s,  free text note %d  \n", i, contracts[i%3], 20+i, churn, i)
	}
	return b.String()
}

func TestIngestProfilesAndMaterializes(t *testing.T) {
	store := newMemoryStore()
	ingestor, err := New(Config{Store: store, ProfileConcurrency: 2})
	require.NoError(t, err)

	body := churnCSV(40) + "40,One year,60.5,No,  free text note 40  \n"
	result, err := ingestor.Ingest(context.Background(), Request{
		OwnerID:   "owner-1",
		SessionID: "s1",
		Filename:  "Telco.CSV",
		Body:      strings.NewReader(body),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(40), result.RowCount, "duplicate row is dropped")
	assert.Equal(t, "dataset", result.TableName)
	assert.Equal(t, []string{"customer_id", "contract", "monthly_charges", "churn", "notes"}, result.Columns)
	assert.Equal(t, "owner-1/sessions/s1/source.csv", result.SourceKey)
	assert.Equal(t, "owner-1/sessions/s1/dataset.parquet", result.ParquetKey)
	assert.Equal(t, "churn", result.TargetColumn)

	schema := result.Schema
	require.NoError(t, schema.Validate())
	assert.Equal(t, dataset.ColumnNumeric, schema["customer_id"].Type, "40 unique values is too few for an id")
	assert.Equal(t, dataset.ColumnCategorical, schema["contract"].Type)
	assert.ElementsMatch(t, []string{"Monthly", "One year", "Two year"}, schema["contract"].UniqueValues)
	assert.Equal(t, dataset.ColumnBoolean, schema["churn"].Type)
	var churnTotal int64
	for _, count := range schema["churn"].ValueCounts {
		churnTotal += count
	}
	assert.Len(t, schema["churn"].ValueCounts, 2)
	assert.Equal(t, int64(40), churnTotal)
	assert.Equal(t, dataset.ColumnText, schema["notes"].Type)
	assert.Len(t, schema["notes"].SampleValues, 5)
	assert.False(t, strings.HasPrefix(schema["notes"].SampleValues[0], " "), "strings are trimmed")

	charges := schema["monthly_charges"]
	require.NotNil(t, charges.Min)
	assert.Equal(t, 21.5, *charges.Min)
	assert.Equal(t, 60.5, *charges.Max)
	assert.Equal(t, 41.0, *charges.Mean)

	assert.Contains(t, string(store.objects[result.SourceKey]), "Customer ID")
	assert.Equal(t, storage.ContentTypeCSV, store.types[result.SourceKey])
	assert.NotEmpty(t, store.objects[result.ParquetKey])
	assert.Equal(t, storage.ContentTypeParquet, store.types[result.ParquetKey])
	assert.Nil(t, result.Dictionary)
}

func TestIngestRejectsBadUploads(t *testing.T) {
	ingestor, err := New(Config{Store: newMemoryStore()})
	require.NoError(t, err)

	_, err = ingestor.Ingest(context.Background(), Request{OwnerID: "o", SessionID: "s", Filename: "data.xlsx", Body: strings.NewReader("a")})
	assert.True(t, errors.Is(err, ErrUnsupportedFile))

	_, err = ingestor.Ingest(context.Background(), Request{OwnerID: "o", SessionID: "s", Filename: "empty.csv", Body: strings.NewReader("a,b\n")})
	assert.True(t, errors.Is(err, ErrEmptyDataset) || errors.Is(err, ErrInvalidCSV), "err = %v", err)

	_, err = ingestor.Ingest(context.Background(), Request{OwnerID: "../x", SessionID: "s", Filename: "d.csv", Body: strings.NewReader("a\n1\n")})
	assert.Error(t, err)

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestIngestWithDictionary(t *testing.T) {
	builder, err := NewDictionaryBuilder(nil, nil, 0, nil)
	require.NoError(t, err)
	ingestor, err := New(Config{Store: newMemoryStore(), Dictionary: builder, TableName: "main_data"})
	require.NoError(t, err)

	result, err := ingestor.Ingest(context.Background(), Request{OwnerID: "o", SessionID: "s", Filename: "d.csv", Body: strings.NewReader(churnCSV(6))})
	require.NoError(t, err)
	assert.Equal(t, "main_data", result.TableName)
	assert.Equal(t, "flag", result.Dictionary["churn"].Category)
	assert.Len(t, result.Dictionary, 5)
}

func TestIsIDColumn(t *testing.T) {
	assert.True(t, isIDColumn("customer_id", 500))
	assert.True(t, isIDColumn("customerid", 500))
	assert.True(t, isIDColumn("order_code", 500))
	assert.False(t, isIDColumn("customer_id", 50))
	assert.False(t, isIDColumn("paid_amount", 500))
}

func TestIsBooleanPair(t *testing.T) {
	assert.True(t, isBooleanPair([]string{"No", "Yes"}))
	assert.True(t, isBooleanPair([]string{"1", "0"}))
	assert.True(t, isBooleanPair([]string{"Y", "n"}))
	assert.False(t, isBooleanPair([]string{"Yes", "Maybe"}))
	assert.False(t, isBooleanPair([]string{"Yes"}))
}
