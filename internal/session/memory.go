package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps sessions in process. It backs the API when no
// Postgres DSN is configured.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]Session
	turns    map[string][]Turn
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]Session),
		turns:    make(map[string][]Turn),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) HealthCheck(context.Context) error {
	return nil
}

func (r *MemoryRepository) CreateSession(_ context.Context, in CreateSessionInput) (Session, error) {
	if in.SessionID == "" {
		return Session{}, fmt.Errorf("create session: session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[in.SessionID]; exists {
		return Session{}, fmt.Errorf("create session: %s already exists", in.SessionID)
	}
	created := Session{
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
		CreatedAt:    r.now(),
	}
	r.sessions[in.SessionID] = created
	return created, nil
}

func (r *MemoryRepository) GetSession(_ context.Context, sessionID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return found, nil
}

func (r *MemoryRepository) ListSessions(_ context.Context, ownerID string, limit int) ([]Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0)
	for _, item := range r.sessions {
		if ownerID == "" || item.OwnerID == ownerID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) AppendTurn(_ context.Context, in AppendTurnInput) (Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[in.SessionID]; !ok {
		return Turn{}, ErrNotFound
	}
	turn := Turn{
		SessionID:    in.SessionID,
		Index:        len(r.turns[in.SessionID]) + 1,
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
		CreatedAt:    r.now(),
	}
	r.turns[in.SessionID] = append(r.turns[in.SessionID], turn)
	return turn, nil
}

func (r *MemoryRepository) GetTurn(_ context.Context, sessionID string, index int) (Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	turns := r.turns[sessionID]
	if index < 1 || index > len(turns) {
		return Turn{}, ErrNotFound
	}
	return turns[index-1], nil
}

func (r *MemoryRepository) ListTurns(_ context.Context, sessionID string) ([]Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Turn(nil), r.turns[sessionID]...), nil
}

func (r *MemoryRepository) ListSessionsCreatedBefore(_ context.Context, before time.Time, limit int) ([]Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0)
	for _, item := range r.sessions {
		if item.CreatedAt.Before(before) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) DeleteSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(r.sessions, sessionID)
	delete(r.turns, sessionID)
	return nil
}
