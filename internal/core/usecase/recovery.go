package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/core/ports"
)

// Checkpoint results reported to the observer.
const (
	CheckpointWritten   = "written"
	CheckpointUnchanged = "unchanged"
	CheckpointSkipped   = "skipped"
	CheckpointFailed    = "failed"
)

// SessionRecoveryManager keeps the durable snapshot of each session slot.
// Storage failures are logged and surfaced to the caller, which continues in
// memory. Callers serialize checkpoints of the same key.
type SessionRecoveryManager struct {
	repo     ports.SessionRepository
	maxAge   time.Duration
	observer ports.PipelineObserver
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastHash map[string][sha256.Size]byte
}

func NewSessionRecoveryManager(repo ports.SessionRepository, maxAge time.Duration, observer ports.PipelineObserver, logger *slog.Logger) *SessionRecoveryManager {
	if maxAge <= 0 {
		maxAge = domain.DefaultSessionMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRecoveryManager{
		repo:     repo,
		maxAge:   maxAge,
		observer: observer,
		logger:   logger,
		now:      time.Now,
		lastHash: make(map[string][sha256.Size]byte),
	}
}

// Checkpoint writes the session snapshot when its state is persistable and
// the snapshot differs from the last one written for the key.
func (m *SessionRecoveryManager) Checkpoint(ctx context.Context, session *domain.ScanSession) (bool, error) {
	if !session.State.Persistable() {
		m.observe(CheckpointSkipped)
		return false, nil
	}

	record := domain.ToRecord(session, m.now())
	digest, err := snapshotDigest(record)
	if err != nil {
		m.observe(CheckpointFailed)
		return false, fmt.Errorf("digest session snapshot: %w", err)
	}

	m.mu.Lock()
	prev, seen := m.lastHash[session.Key]
	m.mu.Unlock()
	if seen && prev == digest {
		m.observe(CheckpointUnchanged)
		return false, nil
	}

	if err := m.repo.Save(ctx, session.Key, record); err != nil {
		m.observe(CheckpointFailed)
		m.logger.Error("session_checkpoint_failed",
			"session_key", session.Key,
			"session_id", session.ID,
			"scan_state", session.State,
			"error", err,
		)
		return false, fmt.Errorf("save session snapshot: %w", err)
	}
	m.mu.Lock()
	m.lastHash[session.Key] = digest
	m.mu.Unlock()
	m.observe(CheckpointWritten)
	m.logger.Debug("session_checkpoint_written",
		"session_key", session.Key,
		"session_id", session.ID,
		"scan_state", session.State,
	)
	return true, nil
}

// Restore loads the snapshot for key. Stale or incomplete snapshots are
// cleared and reported as domain.ErrUnrecoverableSession. Restoring never
// re-runs grading.
func (m *SessionRecoveryManager) Restore(ctx context.Context, key string) (*domain.ScanSession, error) {
	record, err := m.repo.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			m.logger.Error("session_restore_failed", "session_key", key, "error", err)
			return nil, domain.WrapError(domain.ErrSessionNotFound, "restore session", err)
		}
		return nil, err
	}

	now := m.now()
	switch {
	case record.Expired(now, m.maxAge):
		m.discardStale(ctx, key, "expired", record)
		return nil, domain.WrapError(domain.ErrUnrecoverableSession, "restore session", fmt.Errorf("snapshot older than %s", m.maxAge))
	case !record.Recoverable():
		m.discardStale(ctx, key, "incomplete", record)
		return nil, domain.WrapError(domain.ErrUnrecoverableSession, "restore session", errors.New("snapshot has neither an image nor a result"))
	}

	session, err := domain.FromRecord(key, *record)
	if err != nil {
		m.discardStale(ctx, key, "corrupt", record)
		return nil, err
	}

	if digest, err := snapshotDigest(*record); err == nil {
		m.mu.Lock()
		m.lastHash[key] = digest
		m.mu.Unlock()
	}
	m.logger.Info("session_restored",
		"session_key", key,
		"session_id", session.ID,
		"scan_state", session.State,
	)
	return session, nil
}

// Discard clears the slot for key.
func (m *SessionRecoveryManager) Discard(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.lastHash, key)
	m.mu.Unlock()

	if err := m.repo.Clear(ctx, key); err != nil {
		m.logger.Error("session_clear_failed", "session_key", key, "error", err)
		return fmt.Errorf("clear session snapshot: %w", err)
	}
	return nil
}

// Sweep purges snapshots older than the maximum age.
func (m *SessionRecoveryManager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.maxAge)
	purged, err := m.repo.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge stale sessions: %w", err)
	}
	return purged, nil
}

func (m *SessionRecoveryManager) discardStale(ctx context.Context, key, reason string, record *domain.SessionRecord) {
	m.logger.Warn("session_snapshot_discarded",
		"session_key", key,
		"reason", reason,
		"scan_state", record.ScanState,
		"saved_at", record.SavedAt().UTC(),
	)
	_ = m.Discard(ctx, key)
}

func (m *SessionRecoveryManager) observe(result string) {
	if m.observer != nil {
		m.observer.ObserveCheckpoint(result)
	}
}

// snapshotDigest hashes a record without its timestamp so that rewriting an
// unchanged session is detected.
func snapshotDigest(record domain.SessionRecord) ([sha256.Size]byte, error) {
	record.Timestamp = 0
	raw, err := json.Marshal(record)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(raw), nil
}
