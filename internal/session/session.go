// Package session stores uploaded-dataset sessions and the question turns
// asked against them.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/datatalk/datatalk/internal/dataset"
	"github.com/datatalk/datatalk/internal/nl2sql"
	"github.com/datatalk/datatalk/internal/retryloop"
)

var ErrNotFound = errors.New("session: not found")

type Repository interface {
	HealthCheck(ctx context.Context) error
	CreateSession(ctx context.Context, in CreateSessionInput) (Session, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListSessions(ctx context.Context, ownerID string, limit int) ([]Session, error)
	AppendTurn(ctx context.Context, in AppendTurnInput) (Turn, error)
	GetTurn(ctx context.Context, sessionID string, index int) (Turn, error)
	ListTurns(ctx context.Context, sessionID string) ([]Turn, error)
	// ListSessionsCreatedBefore returns the oldest sessions first.
	ListSessionsCreatedBefore(ctx context.Context, before time.Time, limit int) ([]Session, error)
	// DeleteSession removes the session and its turns.
	DeleteSession(ctx context.Context, sessionID string) error
}

type Session struct {
	SessionID    string                 `json:"session_id"`
	OwnerID      string                 `json:"owner_id"`
	Filename     string                 `json:"filename"`
	SourceKey    string                 `json:"source_key"`
	ParquetKey   string                 `json:"parquet_key"`
	TableName    string                 `json:"table_name"`
	RowCount     int64                  `json:"row_count"`
	TargetColumn string                 `json:"target_column,omitempty"`
	Schema       dataset.Schema         `json:"schema"`
	Dictionary   dataset.DataDictionary `json:"data_dictionary"`
	CreatedAt    time.Time              `json:"created_at"`
}

type CreateSessionInput struct {
	SessionID    string
	OwnerID      string
	Filename     string
	SourceKey    string
	ParquetKey   string
	TableName    string
	RowCount     int64
	TargetColumn string
	Schema       dataset.Schema
	Dictionary   dataset.DataDictionary
}

// Turn is one question asked in a session. Index is 1-based and assigned
// by the repository.
type Turn struct {
	SessionID    string                 `json:"session_id"`
	Index        int                    `json:"turn"`
	Question     string                 `json:"question"`
	SQL          string                 `json:"sql,omitempty"`
	Answer       string                 `json:"answer,omitempty"`
	Terminal     retryloop.Terminal     `json:"terminal"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Suggestion   string                 `json:"suggestion,omitempty"`
	AttemptsUsed int                    `json:"attempts_used"`
	AuditTrail   []retryloop.AuditEntry `json:"audit_trail"`
	Columns      []string               `json:"columns"`
	Rows         [][]any                `json:"rows"`
	CreatedAt    time.Time              `json:"created_at"`
}

type AppendTurnInput struct {
	SessionID    string
	Question     string
	SQL          string
	Answer       string
	Terminal     retryloop.Terminal
	ErrorMessage string
	Suggestion   string
	AttemptsUsed int
	AuditTrail   []retryloop.AuditEntry
	Columns      []string
	Rows         [][]any
}

// History returns the last n turns that produced SQL, oldest first, in the
// shape the generator consumes.
func History(turns []Turn, n int) []nl2sql.Turn {
	if n <= 0 {
		return nil
	}
	out := make([]nl2sql.Turn, 0, n)
	for i := len(turns) - 1; i >= 0 && len(out) < n; i-- {
		if turns[i].SQL == "" {
			continue
		}
		out = append(out, nl2sql.Turn{Question: turns[i].Question, SQL: turns[i].SQL})
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
