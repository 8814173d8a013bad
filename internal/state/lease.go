package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrLeaseLost is returned when a caller's lease token no longer grants
// write access: the lease expired, was superseded, or never existed.
// Callers must treat this as "unknown final state, re-poll the ledger",
// never as implicit cancellation of writes already applied.
var ErrLeaseLost = errors.New("LEASE_LOST: lease expired or superseded")

// Lease is the ownership record for one run id. At most one unexpired
// lease exists per run id at any time.
type Lease struct {
	RunID     string
	OwnerID   string
	Token     string
	ExpiresAt time.Time
}

// Acquire attempts to take the lease for a run id.
//
// Succeeds iff no unexpired lease is held by another owner, writing a fresh
// UUIDv7 token with the given TTL. Re-acquisition by the current owner
// succeeds and supersedes the previous token, so redelivered submissions to
// the same orchestrator are not self-denied. On failure the caller is not
// the leader for this attempt and must return the run's current persisted
// status rather than mutate.
func (s *Store) Acquire(ctx context.Context, runID, ownerID string, ttl time.Duration) (granted bool, token string, err error) {
	nowMS := s.now().UnixMilli()
	expiresMS := nowMS + ttl.Milliseconds()

	tok, err := uuid.NewV7()
	if err != nil {
		return false, "", fmt.Errorf("acquire lease: generate token: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("acquire lease: begin tx: %w", err)
	}
	defer tx.Rollback()

	var existingOwner string
	var existingExpiry int64
	err = tx.QueryRowContext(ctx, `
		SELECT owner_id, expires_at_ms FROM leases WHERE run_id = ?
	`, runID).Scan(&existingOwner, &existingExpiry)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no lease yet; fall through to upsert
	case err != nil:
		return false, "", fmt.Errorf("acquire lease: select: %w", err)
	case existingExpiry > nowMS && existingOwner != ownerID:
		// valid lease held by another owner; caller loses the race
		return false, "", nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO leases (run_id, owner_id, token, expires_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			token = excluded.token,
			expires_at_ms = excluded.expires_at_ms
	`, runID, ownerID, tok.String(), expiresMS); err != nil {
		return false, "", fmt.Errorf("acquire lease: upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("acquire lease: commit: %w", err)
	}
	return true, tok.String(), nil
}

// Renew extends the lease iff the caller presents the currently-stored
// token and it has not expired. The new expiry is measured from now.
func (s *Store) Renew(ctx context.Context, runID, token string, ttl time.Duration) (bool, error) {
	nowMS := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at_ms = ?
		WHERE run_id = ? AND token = ? AND expires_at_ms > ?
	`, nowMS+ttl.Milliseconds(), runID, token, nowMS)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew lease: rows affected: %w", err)
	}
	return affected > 0, nil
}

// Check reports whether the token still holds a valid lease on the run id.
func (s *Store) Check(ctx context.Context, runID, token string) (bool, error) {
	nowMS := s.now().UnixMilli()
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM leases
		WHERE run_id = ? AND token = ? AND expires_at_ms > ?
	`, runID, token, nowMS).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check lease: %w", err)
	}
	return true, nil
}

// LeaseFor returns the stored lease record for a run id, expired or not.
// Diagnostic surface; orchestration decisions go through Acquire/Check.
func (s *Store) LeaseFor(ctx context.Context, runID string) (*Lease, error) {
	var l Lease
	var expiresMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, owner_id, token, expires_at_ms FROM leases WHERE run_id = ?
	`, runID).Scan(&l.RunID, &l.OwnerID, &l.Token, &expiresMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease for %s: %w", runID, err)
	}
	l.ExpiresAt = time.UnixMilli(expiresMS)
	return &l, nil
}
