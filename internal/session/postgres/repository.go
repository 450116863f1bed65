package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/datatalk/datatalk/internal/dataset"
	"github.com/datatalk/datatalk/internal/retryloop"
	"github.com/datatalk/datatalk/internal/session"
)

type Repository struct {
	db *sql.DB
}

var _ session.Repository = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sessions db: %w", err)
	}
	return nil
}

func (r *Repository) CreateSession(ctx context.Context, in session.CreateSessionInput) (session.Session, error) {
	schemaJSON, err := dataset.MarshalSchema(in.Schema)
	if err != nil {
		return session.Session{}, fmt.Errorf("encode session schema: %w", err)
	}
	dictionaryJSON, err := dataset.MarshalDictionary(in.Dictionary)
	if err != nil {
		return session.Session{}, fmt.Errorf("encode session dictionary: %w", err)
	}

	query := `
INSERT INTO analysis_session (session_id, owner_id, filename, source_key, parquet_key, table_name, row_count, target_column, schema_json, dictionary_json)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb)
RETURNING created_at`
	var createdAt time.Time
	if err := r.db.QueryRowContext(ctx, query,
		in.SessionID,
		in.OwnerID,
		in.Filename,
		in.SourceKey,
		in.ParquetKey,
		in.TableName,
		in.RowCount,
		nullableString(in.TargetColumn),
		string(schemaJSON),
		string(dictionaryJSON),
	).Scan(&createdAt); err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session.Session{
		SessionID:    in.SessionID,
		OwnerID:      in.OwnerID,
		Filename:     in.Filename,
		SourceKey:    in.SourceKey,
		ParquetKey:   in.ParquetKey,
		TableName:    in.TableName,
		RowCount:     in.RowCount,
		TargetColumn: in.TargetColumn,
		Schema:       in.Schema,
		Dictionary:   in.Dictionary,
		CreatedAt:    createdAt,
	}, nil
}

const sessionColumns = `session_id::text, owner_id, filename, source_key, parquet_key, table_name, row_count, target_column, schema_json, dictionary_json, created_at`

// knownID rejects ids that cannot be a stored session before they reach a
// ::uuid cast, so malformed ids read as missing rather than as store errors.
func knownID(sessionID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return session.ErrNotFound
	}
	return nil
}

func (r *Repository) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	if err := knownID(sessionID); err != nil {
		return session.Session{}, err
	}
	query := `
SELECT ` + sessionColumns + `
FROM analysis_session
WHERE session_id = $1::uuid`
	found, err := scanSession(r.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	return found, nil
}

func (r *Repository) ListSessions(ctx context.Context, ownerID string, limit int) ([]session.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM analysis_session
WHERE ($1 = '' OR owner_id = $1)
ORDER BY created_at DESC, session_id ASC
LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]session.Session, 0)
	for rows.Next() {
		item, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return sessions, nil
}

func (r *Repository) ListSessionsCreatedBefore(ctx context.Context, before time.Time, limit int) ([]session.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM analysis_session
WHERE created_at < $1
ORDER BY created_at ASC, session_id ASC
LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]session.Session, 0)
	for rows.Next() {
		item, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return sessions, nil
}

// DeleteSession relies on ON DELETE CASCADE to drop the session's turns.
func (r *Repository) DeleteSession(ctx context.Context, sessionID string) error {
	if err := knownID(sessionID); err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM analysis_session WHERE session_id = $1::uuid`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows affected: %w", err)
	}
	if affected == 0 {
		return session.ErrNotFound
	}
	return nil
}

// AppendTurn locks the session row so concurrent appends get distinct,
// gapless turn indexes.
func (r *Repository) AppendTurn(ctx context.Context, in session.AppendTurnInput) (session.Turn, error) {
	if err := knownID(in.SessionID); err != nil {
		return session.Turn{}, err
	}
	auditJSON, err := json.Marshal(nonNilAudit(in.AuditTrail))
	if err != nil {
		return session.Turn{}, fmt.Errorf("encode audit trail: %w", err)
	}
	columnsJSON, err := json.Marshal(nonNilColumns(in.Columns))
	if err != nil {
		return session.Turn{}, fmt.Errorf("encode turn columns: %w", err)
	}
	rowsJSON, err := json.Marshal(nonNilRows(in.Rows))
	if err != nil {
		return session.Turn{}, fmt.Errorf("encode turn rows: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return session.Turn{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, `
SELECT session_id::text
FROM analysis_session
WHERE session_id = $1::uuid
FOR UPDATE`, in.SessionID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Turn{}, session.ErrNotFound
		}
		return session.Turn{}, fmt.Errorf("lock session: %w", err)
	}

	query := `
INSERT INTO analysis_turn (session_id, turn_index, question, sql_text, answer, terminal, error_message, suggestion, attempts_used, audit_json, columns_json, rows_json)
SELECT $1::uuid, COALESCE(MAX(turn_index), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11::jsonb
FROM analysis_turn
WHERE session_id = $1::uuid
RETURNING turn_index, created_at`
	turn := session.Turn{
		SessionID:    in.SessionID,
		Question:     in.Question,
		SQL:          in.SQL,
		Answer:       in.Answer,
		Terminal:     in.Terminal,
		ErrorMessage: in.ErrorMessage,
		Suggestion:   in.Suggestion,
		AttemptsUsed: in.AttemptsUsed,
		AuditTrail:   in.AuditTrail,
		Columns:      in.Columns,
		Rows:         in.Rows,
	}
	if err := tx.QueryRowContext(ctx, query,
		in.SessionID,
		in.Question,
		in.SQL,
		in.Answer,
		string(in.Terminal),
		in.ErrorMessage,
		in.Suggestion,
		in.AttemptsUsed,
		string(auditJSON),
		string(columnsJSON),
		string(rowsJSON),
	).Scan(&turn.Index, &turn.CreatedAt); err != nil {
		return session.Turn{}, fmt.Errorf("append turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return session.Turn{}, fmt.Errorf("commit tx: %w", err)
	}
	return turn, nil
}

const turnColumns = `session_id::text, turn_index, question, sql_text, answer, terminal, error_message, suggestion, attempts_used, audit_json, columns_json, rows_json, created_at`

func (r *Repository) GetTurn(ctx context.Context, sessionID string, index int) (session.Turn, error) {
	if err := knownID(sessionID); err != nil {
		return session.Turn{}, err
	}
	query := `
SELECT ` + turnColumns + `
FROM analysis_turn
WHERE session_id = $1::uuid AND turn_index = $2`
	turn, err := scanTurn(r.db.QueryRowContext(ctx, query, sessionID, index))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Turn{}, session.ErrNotFound
		}
		return session.Turn{}, fmt.Errorf("get turn: %w", err)
	}
	return turn, nil
}

func (r *Repository) ListTurns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	if _, err := r.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+turnColumns+`
FROM analysis_turn
WHERE session_id = $1::uuid
ORDER BY turn_index ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	turns := make([]session.Turn, 0)
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return turns, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		item           session.Session
		targetColumn   sql.NullString
		schemaJSON     []byte
		dictionaryJSON []byte
	)
	if err := row.Scan(
		&item.SessionID,
		&item.OwnerID,
		&item.Filename,
		&item.SourceKey,
		&item.ParquetKey,
		&item.TableName,
		&item.RowCount,
		&targetColumn,
		&schemaJSON,
		&dictionaryJSON,
		&item.CreatedAt,
	); err != nil {
		return session.Session{}, err
	}
	item.TargetColumn = targetColumn.String

	schema, err := dataset.UnmarshalSchema(schemaJSON)
	if err != nil {
		return session.Session{}, fmt.Errorf("decode session schema: %w", err)
	}
	item.Schema = schema
	dictionary, err := dataset.UnmarshalDictionary(dictionaryJSON)
	if err != nil {
		return session.Session{}, fmt.Errorf("decode session dictionary: %w", err)
	}
	item.Dictionary = dictionary
	return item, nil
}

func scanTurn(row rowScanner) (session.Turn, error) {
	var (
		turn        session.Turn
		terminal    string
		auditJSON   []byte
		columnsJSON []byte
		rowsJSON    []byte
	)
	if err := row.Scan(
		&turn.SessionID,
		&turn.Index,
		&turn.Question,
		&turn.SQL,
		&turn.Answer,
		&terminal,
		&turn.ErrorMessage,
		&turn.Suggestion,
		&turn.AttemptsUsed,
		&auditJSON,
		&columnsJSON,
		&rowsJSON,
		&turn.CreatedAt,
	); err != nil {
		return session.Turn{}, err
	}
	turn.Terminal = retryloop.Terminal(terminal)
	if err := json.Unmarshal(auditJSON, &turn.AuditTrail); err != nil {
		return session.Turn{}, fmt.Errorf("decode audit trail: %w", err)
	}
	if err := json.Unmarshal(columnsJSON, &turn.Columns); err != nil {
		return session.Turn{}, fmt.Errorf("decode turn columns: %w", err)
	}
	rows, err := decodeRows(rowsJSON)
	if err != nil {
		return session.Turn{}, err
	}
	turn.Rows = rows
	return turn, nil
}

// decodeRows keeps integers as int64 so exports preserve column types.
func decodeRows(raw []byte) ([][]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var rows [][]any
	if err := decoder.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode turn rows: %w", err)
	}
	for _, row := range rows {
		for idx, cell := range row {
			number, ok := cell.(json.Number)
			if !ok {
				continue
			}
			if n, err := number.Int64(); err == nil {
				row[idx] = n
				continue
			}
			if f, err := number.Float64(); err == nil {
				row[idx] = f
			}
		}
	}
	return rows, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nonNilAudit(entries []retryloop.AuditEntry) []retryloop.AuditEntry {
	if entries == nil {
		return []retryloop.AuditEntry{}
	}
	return entries
}

func nonNilColumns(columns []string) []string {
	if columns == nil {
		return []string{}
	}
	return columns
}

func nonNilRows(rows [][]any) [][]any {
	if rows == nil {
		return [][]any{}
	}
	return rows
}
