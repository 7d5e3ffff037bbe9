package memory

import (
	"context"
	"errors"
	"fmt"

	"signal-relay/internal/domain"
	"signal-relay/internal/storage"
)

// ReapprovalStore is the in-memory atomic re-approval scope. Its own
// mutex serializes re-approvals with each other; a decision-path open
// racing in between still loses or wins through PositionStore.Open,
// and a loss here rolls the status flip back, so the outcome is
// equivalent to a single transaction.
type ReapprovalStore struct {
	signals   *SignalStore
	positions *PositionStore
}

// NewReapprovalStore creates a re-approval scope over the two memory stores.
func NewReapprovalStore(signals *SignalStore, positions *PositionStore) *ReapprovalStore {
	return &ReapprovalStore{signals: signals, positions: positions}
}

// Compile-time interface check.
var _ storage.ReapprovalStore = (*ReapprovalStore)(nil)

// ReapproveAndOpen re-approves the signal if still rejected, re-checks
// the position conflict, and opens the position.
func (s *ReapprovalStore) ReapproveAndOpen(ctx context.Context, signalID, instrument, reason string) (storage.ReapproveOutcome, error) {
	busy, err := s.positions.IsOpenOrClosing(ctx, instrument)
	if err != nil {
		return 0, fmt.Errorf("check position conflict: %w", err)
	}
	if busy {
		return storage.ReapprovePositionExists, nil
	}

	ok, err := s.signals.ReapproveIfStillRejected(ctx, signalID, reason)
	if err != nil {
		return 0, fmt.Errorf("reapprove signal: %w", err)
	}
	if !ok {
		return storage.ReapproveStatusChanged, nil
	}

	if _, err := s.positions.Open(ctx, instrument, signalID); err != nil {
		// Roll the status flip back so the signal stays recoverable.
		rbErr := s.signals.SetStatus(ctx, signalID, domain.StatusRejected,
			"reapproval rolled back: position conflict", domain.ApprovedByReprocessing)
		if rbErr != nil {
			return 0, fmt.Errorf("open position: %w (rollback failed: %v)", err, rbErr)
		}
		if errors.Is(err, storage.ErrPositionConflict) {
			return storage.ReapprovePositionExists, nil
		}
		return 0, fmt.Errorf("open position: %w", err)
	}

	return storage.ReapproveOK, nil
}
