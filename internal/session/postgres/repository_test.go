package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/datatalk/datatalk/internal/dataset"
	"github.com/datatalk/datatalk/internal/retryloop"
	"github.com/datatalk/datatalk/internal/session"
)

const sessionID = "0b8e6a0e-5d0c-4b8c-9d1f-1f2a3b4c5d6e"

func TestCreateSession(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO analysis_session (session_id, owner_id, filename, source_key, parquet_key, table_name, row_count, target_column, schema_json, dictionary_json)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb)
RETURNING created_at`)).
		WithArgs(sessionID, "owner-1", "churn.csv", "src", "pq", "dataset", int64(42), nil, `{"tenure":{"type":"numeric","null_count":0,"unique_count":0}}`, `{}`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	created, err := repo.CreateSession(context.Background(), session.CreateSessionInput{
		SessionID:  sessionID,
		OwnerID:    "owner-1",
		Filename:   "churn.csv",
		SourceKey:  "src",
		ParquetKey: "pq",
		TableName:  "dataset",
		RowCount:   42,
		Schema:     dataset.Schema{"tenure": {Type: dataset.ColumnNumeric}},
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if !created.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt = %v, want %v", created.CreatedAt, now)
	}
	assertSQLMock(t, mock)
}

func TestGetSessionDecodesJSON(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM analysis_session\s+WHERE session_id = \$1::uuid`).
		WithArgs(sessionID).
		WillReturnRows(sqlmock.NewRows([]string{
			"session_id", "owner_id", "filename", "source_key", "parquet_key", "table_name",
			"row_count", "target_column", "schema_json", "dictionary_json", "created_at",
		}).AddRow(sessionID, "owner-1", "churn.csv", "src", "pq", "dataset", int64(42), "churn",
			[]byte(`{"churn":{"type":"boolean","null_count":0}}`),
			[]byte(`{"churn":{"description":"Customer left","category":"target"}}`),
			now))

	found, err := repo.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if found.TargetColumn != "churn" || found.Schema["churn"].Type != dataset.ColumnBoolean {
		t.Fatalf("unexpected session: %+v", found)
	}
	if found.Dictionary["churn"].Description != "Customer left" {
		t.Fatalf("Dictionary = %+v", found.Dictionary)
	}
	assertSQLMock(t, mock)
}

func TestGetSessionReturnsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(`FROM analysis_session`).
		WithArgs(sessionID).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetSession(context.Background(), sessionID)
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestMalformedSessionIDIsNotFoundWithoutQuerying(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	ctx := context.Background()

	for _, id := range []string{"nope", "", "s1", "0b8e6a0e-5d0c-4b8c-9d1f"} {
		if _, err := repo.GetSession(ctx, id); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("GetSession(%q) error = %v, want ErrNotFound", id, err)
		}
		if _, err := repo.GetTurn(ctx, id, 1); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("GetTurn(%q) error = %v, want ErrNotFound", id, err)
		}
		if _, err := repo.ListTurns(ctx, id); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("ListTurns(%q) error = %v, want ErrNotFound", id, err)
		}
		if _, err := repo.AppendTurn(ctx, session.AppendTurnInput{SessionID: id}); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("AppendTurn(%q) error = %v, want ErrNotFound", id, err)
		}
		if err := repo.DeleteSession(ctx, id); !errors.Is(err, session.ErrNotFound) {
			t.Fatalf("DeleteSession(%q) error = %v, want ErrNotFound", id, err)
		}
	}
	assertSQLMock(t, mock)
}

func TestListSessionsCreatedBefore(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE created_at < \$1\s+ORDER BY created_at ASC, session_id ASC\s+LIMIT \$2`).
		WithArgs(cutoff, 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"session_id", "owner_id", "filename", "source_key", "parquet_key", "table_name",
			"row_count", "target_column", "schema_json", "dictionary_json", "created_at",
		}).AddRow(sessionID, "owner-1", "churn.csv", "src", "pq", "dataset", int64(42), nil,
			[]byte(`{}`), []byte(`{}`), cutoff.Add(-time.Hour)))

	expired, err := repo.ListSessionsCreatedBefore(context.Background(), cutoff, 0)
	if err != nil {
		t.Fatalf("ListSessionsCreatedBefore() error = %v", err)
	}
	if len(expired) != 1 || expired[0].SourceKey != "src" || expired[0].TargetColumn != "" {
		t.Fatalf("expired = %+v", expired)
	}
	assertSQLMock(t, mock)
}

func TestDeleteSession(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM analysis_session WHERE session_id = $1::uuid`)).
		WithArgs(sessionID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM analysis_session WHERE session_id = $1::uuid`)).
		WithArgs(sessionID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.DeleteSession(context.Background(), sessionID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if err := repo.DeleteSession(context.Background(), sessionID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestAppendTurnLocksSessionAndAssignsIndex(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(sessionID).
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}).AddRow(sessionID))
	mock.ExpectQuery(`INSERT INTO analysis_turn`).
		WithArgs(sessionID, "How many?", "SELECT 1", "One.", "succeeded", "", "", int64(1),
			sqlmock.AnyArg(), `["n"]`, `[[1]]`).
		WillReturnRows(sqlmock.NewRows([]string{"turn_index", "created_at"}).AddRow(int64(3), now))
	mock.ExpectCommit()

	turn, err := repo.AppendTurn(context.Background(), session.AppendTurnInput{
		SessionID:    sessionID,
		Question:     "How many?",
		SQL:          "SELECT 1",
		Answer:       "One.",
		Terminal:     retryloop.TerminalSucceeded,
		AttemptsUsed: 1,
		AuditTrail:   []retryloop.AuditEntry{{Step: "Attempt 1", Outcome: retryloop.TagGenerated}},
		Columns:      []string{"n"},
		Rows:         [][]any{{int64(1)}},
	})
	if err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	if turn.Index != 3 {
		t.Fatalf("Index = %d", turn.Index)
	}
	assertSQLMock(t, mock)
}

func TestAppendTurnMissingSessionRollsBack(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(sessionID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.AppendTurn(context.Background(), session.AppendTurnInput{SessionID: sessionID})
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestGetTurnKeepsIntegerCells(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM analysis_turn\s+WHERE session_id = \$1::uuid AND turn_index = \$2`).
		WithArgs(sessionID, int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"session_id", "turn_index", "question", "sql_text", "answer", "terminal", "error_message",
			"suggestion", "attempts_used", "audit_json", "columns_json", "rows_json", "created_at",
		}).AddRow(sessionID, int64(1), "q", "SELECT 1", "", "succeeded", "", "", int64(2),
			[]byte(`[{"step":"Attempt 1","outcome":"generated","detail":"","at":"2026-01-01T00:00:00Z"}]`),
			[]byte(`["segment","customers","rate"]`),
			[]byte(`[["a",3875,42.71],[null,7,1.5]]`),
			now))

	turn, err := repo.GetTurn(context.Background(), sessionID, 1)
	if err != nil {
		t.Fatalf("GetTurn() error = %v", err)
	}
	if turn.Terminal != retryloop.TerminalSucceeded || turn.AttemptsUsed != 2 {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if len(turn.AuditTrail) != 1 || turn.AuditTrail[0].Step != "Attempt 1" {
		t.Fatalf("AuditTrail = %+v", turn.AuditTrail)
	}
	if got, ok := turn.Rows[0][1].(int64); !ok || got != 3875 {
		t.Fatalf("Rows[0][1] = %#v", turn.Rows[0][1])
	}
	if got, ok := turn.Rows[0][2].(float64); !ok || got != 42.71 {
		t.Fatalf("Rows[0][2] = %#v", turn.Rows[0][2])
	}
	if turn.Rows[1][0] != nil {
		t.Fatalf("Rows[1][0] = %#v", turn.Rows[1][0])
	}
	assertSQLMock(t, mock)
}

func TestListTurnsRequiresSession(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(`FROM analysis_session`).
		WithArgs(sessionID).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.ListTurns(context.Background(), sessionID)
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
