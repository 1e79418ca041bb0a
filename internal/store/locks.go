package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"
)

// DefaultLeaseTTL is how long an acquired or renewed lease lives without a
// heartbeat. Clients are expected to heartbeat at a third of this, so two
// missed beats still leave the lease intact.
const DefaultLeaseTTL = 90 * time.Second

// LockManager hands out session-scoped leases over stable IDs. A lease is
// not a hard mutex: a session that disappears without releasing simply
// times out and is reclaimed by the next acquirer. Expiry is evaluated
// lazily on every operation; there is no background sweep.
type LockManager struct {
	repo   Repository
	auth   Authorizer
	clock  Clock
	logger Logger
	ttl    time.Duration
}

// NewLockManager creates a LockManager. A non-positive ttl selects
// DefaultLeaseTTL.
func NewLockManager(repo Repository, auth Authorizer, clock Clock, logger Logger, ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &LockManager{repo: repo, auth: auth, clock: clock, logger: logger, ttl: ttl}
}

// Acquire takes the lease on stableID for the session. It fails with
// ErrPermissionDenied if the session lacks edit rights on the record,
// ErrNotFound if the record does not exist (or is soft-deleted), and
// ErrLocked while a live lease owned by a different session exists.
// Re-acquiring a lease the session already holds extends it.
func (m *LockManager) Acquire(ctx context.Context, session model.Session, stableID string) (*model.Lock, error) {
	rec, err := m.repo.GetRecord(ctx, stableID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, fmt.Errorf("record %s: %w", stableID, ErrNotFound)
	}
	if !m.auth.CanWrite(session, rec) {
		return nil, fmt.Errorf("session %s cannot edit %s: %w", session.ID, stableID, ErrPermissionDenied)
	}

	now := m.clock.Now()
	existing, err := m.repo.GetLock(ctx, stableID)
	if err != nil {
		return nil, fmt.Errorf("loading lock: %w", err)
	}
	if existing != nil && existing.SessionID != session.ID && !existing.Expired(now) {
		return nil, fmt.Errorf("%s held by session %s: %w", stableID, existing.SessionID, ErrLocked)
	}

	lock := &model.Lock{
		StableID:   stableID,
		SessionID:  session.ID,
		AcquiredAt: now,
		RenewedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if existing != nil && existing.SessionID == session.ID {
		lock.AcquiredAt = existing.AcquiredAt
	}
	if err := m.repo.PutLock(ctx, lock); err != nil {
		return nil, fmt.Errorf("storing lock: %w", err)
	}

	if existing != nil && existing.SessionID != session.ID {
		m.logger.Info("expired lock reclaimed", "stable_id", stableID, "previous_session", existing.SessionID, "session", session.ID)
	} else {
		m.logger.Debug("lock acquired", "stable_id", stableID, "session", session.ID)
	}
	return lock, nil
}

// Heartbeat extends the session's lease. It fails with ErrConflict if the
// lease is absent, expired away from the session, or owned by a different
// session; extending a lease the session still holds is idempotent.
func (m *LockManager) Heartbeat(ctx context.Context, session model.Session, stableID string) (*model.Lock, error) {
	now := m.clock.Now()
	existing, err := m.repo.GetLock(ctx, stableID)
	if err != nil {
		return nil, fmt.Errorf("loading lock: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("no lock on %s: %w", stableID, ErrConflict)
	}
	if existing.SessionID != session.ID {
		return nil, fmt.Errorf("%s held by session %s: %w", stableID, existing.SessionID, ErrConflict)
	}

	existing.RenewedAt = now
	existing.ExpiresAt = now.Add(m.ttl)
	if err := m.repo.PutLock(ctx, existing); err != nil {
		return nil, fmt.Errorf("renewing lock: %w", err)
	}
	return existing, nil
}

// Release gives up the session's lease. Releasing an absent or expired
// lease succeeds (idempotent); releasing a live lease owned by a different
// session fails with ErrConflict.
func (m *LockManager) Release(ctx context.Context, session model.Session, stableID string) error {
	now := m.clock.Now()
	existing, err := m.repo.GetLock(ctx, stableID)
	if err != nil {
		return fmt.Errorf("loading lock: %w", err)
	}
	if existing == nil {
		return nil
	}
	if existing.SessionID != session.ID && !existing.Expired(now) {
		return fmt.Errorf("%s held by session %s: %w", stableID, existing.SessionID, ErrConflict)
	}
	if err := m.repo.DeleteLock(ctx, stableID); err != nil {
		return fmt.Errorf("deleting lock: %w", err)
	}
	m.logger.Debug("lock released", "stable_id", stableID, "session", session.ID)
	return nil
}

// Check reports whether a live lease exists on stableID and who holds it.
func (m *LockManager) Check(ctx context.Context, stableID string) (locked bool, sessionID string, err error) {
	existing, err := m.repo.GetLock(ctx, stableID)
	if err != nil {
		return false, "", fmt.Errorf("loading lock: %w", err)
	}
	if existing == nil || existing.Expired(m.clock.Now()) {
		return false, "", nil
	}
	return true, existing.SessionID, nil
}

// ListSessionLocks returns the stable IDs of all live leases the session holds.
func (m *LockManager) ListSessionLocks(ctx context.Context, session model.Session) ([]string, error) {
	locks, err := m.repo.ListLocksBySession(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}
	now := m.clock.Now()
	var ids []string
	for i := range locks {
		if !locks[i].Expired(now) {
			ids = append(ids, locks[i].StableID)
		}
	}
	return ids, nil
}

// ReleaseSession drops every lease the session holds. Called on session
// shutdown; a crashed session that never calls this is covered by expiry.
func (m *LockManager) ReleaseSession(ctx context.Context, sessionID string) error {
	if err := m.repo.DeleteLocksBySession(ctx, sessionID); err != nil {
		return fmt.Errorf("releasing session locks: %w", err)
	}
	m.logger.Info("session locks released", "session", sessionID)
	return nil
}
