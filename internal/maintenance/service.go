// Package maintenance expires old sessions and checks that the objects live
// sessions point at still exist.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/datatalk/datatalk/internal/observability"
	"github.com/datatalk/datatalk/internal/session"
	"github.com/datatalk/datatalk/internal/storage"
)

var ErrRetentionDisabled = errors.New("session ttl is not configured")

type Sessions interface {
	ListSessions(ctx context.Context, ownerID string, limit int) ([]session.Session, error)
	ListSessionsCreatedBefore(ctx context.Context, before time.Time, limit int) ([]session.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

type Config struct {
	// SessionTTL of zero disables retention.
	SessionTTL        time.Duration
	RetentionInterval time.Duration
	IntegrityInterval time.Duration
	BatchSize         int
}

type Service struct {
	Sessions    Sessions
	ObjectStore storage.ObjectStore
	Config      Config
	Logger      *slog.Logger
	Clock       func() time.Time
}

type RetentionSummary struct {
	SessionsExpired int `json:"sessions_expired"`
	SessionsDeleted int `json:"sessions_deleted"`
	ObjectsDeleted  int `json:"objects_deleted"`
	Failures        int `json:"failures"`
}

type IntegritySummary struct {
	SessionsScanned     int      `json:"sessions_scanned"`
	ObjectsChecked      int      `json:"objects_checked"`
	MissingObjects      int      `json:"missing_objects"`
	MissingKeys         []string `json:"missing_keys,omitempty"`
	OperationalFailures int      `json:"operational_failures"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	retentionTicker := time.NewTicker(s.Config.RetentionInterval)
	defer retentionTicker.Stop()
	integrityTicker := time.NewTicker(s.Config.IntegrityInterval)
	defer integrityTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-retentionTicker.C:
			if s.Config.SessionTTL <= 0 {
				continue
			}
			summary, err := s.RunRetentionOnce(ctx)
			if err != nil {
				s.Logger.ErrorContext(ctx, "retention cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				continue
			}
			s.Logger.InfoContext(ctx, "retention cycle completed", slog.Any("summary", summary))
		case <-integrityTicker.C:
			summary, err := s.RunIntegrityCheckOnce(ctx, "")
			if err != nil {
				s.Logger.ErrorContext(ctx, "integrity check failed", slog.Any("error", err), slog.Any("summary", summary))
				continue
			}
			s.Logger.InfoContext(ctx, "integrity check completed", slog.Any("summary", summary))
		}
	}
}

// RunRetentionOnce deletes one batch of sessions older than SessionTTL.
// Objects go first so a failed run leaves the session row to retry from.
func (s *Service) RunRetentionOnce(ctx context.Context) (RetentionSummary, error) {
	s.ensureDefaults()
	if s.Sessions == nil {
		return RetentionSummary{}, fmt.Errorf("session store is required")
	}
	if s.ObjectStore == nil {
		return RetentionSummary{}, fmt.Errorf("object store is required")
	}
	if s.Config.SessionTTL <= 0 {
		return RetentionSummary{}, ErrRetentionDisabled
	}

	cutoff := s.Clock().Add(-s.Config.SessionTTL)
	expired, err := s.Sessions.ListSessionsCreatedBefore(ctx, cutoff, s.Config.BatchSize)
	if err != nil {
		retentionRunsTotal.WithLabelValues("failed").Inc()
		return RetentionSummary{}, fmt.Errorf("list expired sessions: %w", err)
	}

	summary := RetentionSummary{SessionsExpired: len(expired)}
	failures := make([]string, 0)
	for _, item := range expired {
		removed, err := s.deleteSessionObjects(ctx, item)
		summary.ObjectsDeleted += removed
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("session %s: %v", item.SessionID, err))
			continue
		}
		if err := s.Sessions.DeleteSession(ctx, item.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("session %s delete row: %v", item.SessionID, err))
			continue
		}
		summary.SessionsDeleted++
	}

	sessionsExpiredTotal.Add(float64(summary.SessionsDeleted))
	if len(failures) > 0 {
		retentionRunsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("retention encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
	}
	retentionRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

// RunIntegrityCheckOnce stats the source and parquet objects of up to
// BatchSize recent sessions. An empty ownerID checks every owner.
func (s *Service) RunIntegrityCheckOnce(ctx context.Context, ownerID string) (IntegritySummary, error) {
	s.ensureDefaults()
	if s.Sessions == nil {
		return IntegritySummary{}, fmt.Errorf("session store is required")
	}
	if s.ObjectStore == nil {
		return IntegritySummary{}, fmt.Errorf("object store is required")
	}

	sessions, err := s.Sessions.ListSessions(ctx, strings.TrimSpace(ownerID), s.Config.BatchSize)
	if err != nil {
		integrityRunsTotal.WithLabelValues("failed").Inc()
		return IntegritySummary{}, fmt.Errorf("list sessions: %w", err)
	}

	summary := IntegritySummary{SessionsScanned: len(sessions)}
	failures := make([]string, 0)
	for _, item := range sessions {
		for _, key := range sessionKeys(item) {
			summary.ObjectsChecked++
			if _, err := s.ObjectStore.Stat(ctx, key); err != nil {
				if errors.Is(err, storage.ErrObjectNotFound) {
					summary.MissingObjects++
					summary.MissingKeys = append(summary.MissingKeys, key)
					continue
				}
				summary.OperationalFailures++
				failures = append(failures, fmt.Sprintf("session %s stat %s: %v", item.SessionID, key, err))
			}
		}
	}

	integrityObjectsCheckedTotal.Add(float64(summary.ObjectsChecked))
	integrityMissingObjectsTotal.Add(float64(summary.MissingObjects))
	if len(failures) > 0 {
		integrityRunsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("integrity check encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
	}
	status := "completed"
	if summary.MissingObjects > 0 {
		status = "inconsistent"
	}
	integrityRunsTotal.WithLabelValues(status).Inc()
	return summary, nil
}

// deleteSessionObjects drops the whole session folder when the store can,
// and falls back to the keys recorded on the session.
func (s *Service) deleteSessionObjects(ctx context.Context, item session.Session) (int, error) {
	if deleter, ok := s.ObjectStore.(storage.PrefixDeleter); ok {
		if prefix, err := storage.SessionPrefix(item.OwnerID, item.SessionID); err == nil {
			removed, err := deleter.DeletePrefix(ctx, prefix)
			if err != nil {
				return removed, fmt.Errorf("delete prefix %s: %w", prefix, err)
			}
			return removed, nil
		}
	}
	removed := 0
	for _, key := range sessionKeys(item) {
		if err := s.ObjectStore.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return removed, fmt.Errorf("delete object %s: %w", key, err)
		}
		removed++
	}
	return removed, nil
}

func sessionKeys(item session.Session) []string {
	keys := make([]string, 0, 2)
	for _, key := range []string{item.SourceKey, item.ParquetKey} {
		if strings.TrimSpace(key) != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	s.Logger = observability.LoggerOrDiscard(s.Logger)
	if s.Config.RetentionInterval <= 0 {
		s.Config.RetentionInterval = time.Hour
	}
	if s.Config.IntegrityInterval <= 0 {
		s.Config.IntegrityInterval = 6 * time.Hour
	}
	if s.Config.BatchSize <= 0 {
		s.Config.BatchSize = 100
	}
}
