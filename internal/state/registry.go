package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/simrun/internal/intent"
)

// CollisionError reports an equivalence key reused with different canonical
// content. This is fatal to the request: the key is a true idempotency key,
// so conflicting reuse is refused rather than silently executed twice.
type CollisionError struct {
	EquivalenceKey string
	RunID          string
	Stored         string // fingerprint recorded on first sight
	Submitted      string // fingerprint of the colliding request
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("EQUIV_KEY_COLLISION: key %q already bound to fingerprint %s, got %s",
		e.EquivalenceKey, e.Stored, e.Submitted)
}

// IsCollision reports whether err is an equivalence key collision.
func IsCollision(err error) bool {
	var ce *CollisionError
	return errors.As(err, &ce)
}

// Resolve derives the run id for an equivalence key and records the binding.
//
// Unseen key: atomically records {run_id, fingerprint, first_seen_at} and
// returns firstSeen=true. Seen with matching fingerprint: returns the
// existing run id, firstSeen=false. Seen with a different fingerprint:
// returns a CollisionError and no orchestration may proceed.
func (s *Store) Resolve(ctx context.Context, equivalenceKey, intentFingerprint string) (runID string, firstSeen bool, err error) {
	runID = intent.RunID(equivalenceKey)
	nowUTC := s.now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("resolve: begin tx: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	res, err := tx.ExecContext(ctx, `
		INSERT INTO equivalence_keys
		(equivalence_key, run_id, intent_fingerprint, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(equivalence_key) DO NOTHING
	`, equivalenceKey, runID, intentFingerprint, nowUTC, nowUTC)
	if err != nil {
		return "", false, fmt.Errorf("resolve: insert: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("resolve: rows affected: %w", err)
	}
	if affected > 0 {
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("resolve: commit: %w", err)
		}
		return runID, true, nil
	}

	// Key already recorded: the stored fingerprint decides between
	// idempotent replay and collision.
	var storedRunID, storedFingerprint string
	err = tx.QueryRowContext(ctx, `
		SELECT run_id, intent_fingerprint FROM equivalence_keys WHERE equivalence_key = ?
	`, equivalenceKey).Scan(&storedRunID, &storedFingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("resolve: key vanished mid-transaction")
		}
		return "", false, fmt.Errorf("resolve: select: %w", err)
	}

	if storedFingerprint != intentFingerprint {
		return "", false, &CollisionError{
			EquivalenceKey: equivalenceKey,
			RunID:          storedRunID,
			Stored:         storedFingerprint,
			Submitted:      intentFingerprint,
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE equivalence_keys SET last_seen_at = ? WHERE equivalence_key = ?
	`, nowUTC, equivalenceKey); err != nil {
		return "", false, fmt.Errorf("resolve: touch last_seen_at: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("resolve: commit: %w", err)
	}
	return storedRunID, false, nil
}
