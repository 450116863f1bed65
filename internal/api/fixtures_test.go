package api

import (
	"context"
	"sync"
	"testing"

	"github.com/datatalk/datatalk/internal/auth"
	"github.com/datatalk/datatalk/internal/dataset"
	"github.com/datatalk/datatalk/internal/ingest"
	"github.com/datatalk/datatalk/internal/nl2sql"
	"github.com/datatalk/datatalk/internal/retryloop"
	"github.com/datatalk/datatalk/internal/session"
)

var testSchema = dataset.Schema{
	"contract": {Type: dataset.ColumnCategorical, UniqueCount: 3},
	"churn":    {Type: dataset.ColumnBoolean, UniqueCount: 2},
}

func newSeededSessions(t *testing.T) *session.MemoryRepository {
	t.Helper()
	repo := session.NewMemoryRepository()
	seed := []session.CreateSessionInput{
		{SessionID: "s1", OwnerID: "o1", Filename: "churn.csv", ParquetKey: "o1/sessions/s1/dataset.parquet", TableName: "dataset", RowCount: 7043, Schema: testSchema},
		{SessionID: "s2", OwnerID: "o2", Filename: "other.csv", ParquetKey: "o2/sessions/s2/dataset.parquet", TableName: "dataset", RowCount: 10, Schema: testSchema},
		{SessionID: "s-empty", OwnerID: auth.AnonymousOwner, Filename: "broken.csv", TableName: "dataset"},
	}
	for _, in := range seed {
		if _, err := repo.CreateSession(context.Background(), in); err != nil {
			t.Fatalf("seed session %s: %v", in.SessionID, err)
		}
	}
	return repo
}

type fakeRunner struct {
	mu       sync.Mutex
	results  []retryloop.Result
	err      error
	requests []retryloop.Request
}

func (f *fakeRunner) ExecuteWithRetry(_ context.Context, req retryloop.Request) (retryloop.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return retryloop.Result{Terminal: retryloop.TerminalFailed}, f.err
	}
	if len(f.results) == 0 {
		return retryloop.Result{Terminal: retryloop.TerminalFailed, ErrorMessage: "no scripted result"}, nil
	}
	next := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return next, nil
}

type fakeIngestor struct {
	dataset ingest.Dataset
	err     error
	request ingest.Request
	body    string
}

func (f *fakeIngestor) Ingest(_ context.Context, req ingest.Request) (ingest.Dataset, error) {
	f.request = req
	if req.Body != nil {
		buf := make([]byte, 1024)
		n, _ := req.Body.Read(buf)
		f.body = string(buf[:n])
	}
	if f.err != nil {
		return ingest.Dataset{}, f.err
	}
	return f.dataset, nil
}

type fakeTranslator struct {
	generation nl2sql.Generation
	request    nl2sql.GenerateRequest
}

func (f *fakeTranslator) Generate(_ context.Context, req nl2sql.GenerateRequest) nl2sql.Generation {
	f.request = req
	return f.generation
}
