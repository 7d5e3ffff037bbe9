package postgres

import (
	"context"
	"fmt"
	"time"

	"signal-relay/internal/storage"
)

// ReapprovalStore implements storage.ReapprovalStore using a single
// PostgreSQL transaction. The position-conflict check locks the live
// position row (FOR UPDATE), so a concurrent open of the same
// instrument serializes against the re-approval and exactly one side
// wins.
type ReapprovalStore struct {
	pool *Pool
	now  func() time.Time
}

// NewReapprovalStore creates a new ReapprovalStore.
func NewReapprovalStore(pool *Pool) *ReapprovalStore {
	return &ReapprovalStore{pool: pool, now: time.Now}
}

// Compile-time interface check.
var _ storage.ReapprovalStore = (*ReapprovalStore)(nil)

// ReapproveAndOpen flips a still-rejected signal to approved and opens
// an OPEN position for its instrument, atomically. A non-error outcome
// other than ReapproveOK means the whole operation was skipped and
// nothing was written.
func (s *ReapprovalStore) ReapproveAndOpen(ctx context.Context, signalID, instrument, reason string) (storage.ReapproveOutcome, error) {
	if signalID == "" || instrument == "" {
		return storage.ReapproveStatusChanged, storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.ReapproveStatusChanged, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var live string
	err = tx.QueryRow(ctx, `
		SELECT instrument FROM positions
		WHERE instrument = $1 AND status IN ('OPEN', 'CLOSING')
		FOR UPDATE
	`, instrument).Scan(&live)
	switch {
	case err == nil:
		return storage.ReapprovePositionExists, nil
	case !isNotFoundError(err):
		return storage.ReapproveStatusChanged, fmt.Errorf("check live position: %w", err)
	}

	ok, err := reapproveInTx(ctx, tx, signalID, reason, s.now().UnixMilli())
	if err != nil {
		return storage.ReapproveStatusChanged, err
	}
	if !ok {
		return storage.ReapproveStatusChanged, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO positions (instrument, status, entry_signal_id, opened_at)
		VALUES ($1, 'OPEN', $2, $3)
	`, instrument, signalID, s.now().UnixMilli())
	if err != nil {
		// Lost a race that slipped past the FOR UPDATE check; the
		// rollback also undoes the status flip.
		if isDuplicateKeyError(err) {
			return storage.ReapprovePositionExists, nil
		}
		return storage.ReapproveStatusChanged, fmt.Errorf("open position for reapproval: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storage.ReapproveStatusChanged, fmt.Errorf("commit tx: %w", err)
	}
	return storage.ReapproveOK, nil
}
