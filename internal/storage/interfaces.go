package storage

import (
	"context"

	"signal-relay/internal/domain"
)

// SignalStore provides access to signal records and their event history.
type SignalStore interface {
	// Create adds a new signal. Returns ErrDuplicateKey if signal_id exists.
	Create(ctx context.Context, s *domain.Signal) error

	// GetByID retrieves a signal by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, signalID string) (*domain.Signal, error)

	// SetStatus updates the signal's status and appends a status event
	// with a human-readable detail and the acting worker id.
	SetStatus(ctx context.Context, signalID string, status domain.SignalStatus, detail, workerID string) error

	// LogEvent appends an event without changing the signal's status.
	LogEvent(ctx context.Context, ev *domain.SignalEvent) error

	// Events retrieves the event history for a signal, ordered by time ASC.
	Events(ctx context.Context, signalID string) ([]*domain.SignalEvent, error)

	// GetRejectedForReprocessing retrieves up to limit rejected signals
	// for the instrument created within the trailing window.
	// windowSeconds == 0 means unbounded lookback.
	GetRejectedForReprocessing(ctx context.Context, instrument string, windowSeconds, limit int) ([]*domain.Signal, error)

	// HasSellAfter reports whether a SELL-classified signal for the
	// instrument exists with created_at in (afterMs, afterMs+windowSeconds].
	HasSellAfter(ctx context.Context, instrument string, afterMs int64, windowSeconds int) (bool, error)

	// ReapproveIfStillRejected re-approves the signal only if its stored
	// status is still exactly rejected (optimistic concurrency). Returns
	// false, nil when a concurrent change already moved the status.
	ReapproveIfStillRejected(ctx context.Context, signalID, reason string) (bool, error)
}

// PositionStore tracks the per-instrument position lifecycle.
// Implementations must enforce the single OPEN/CLOSING position
// invariant atomically; callers rely on Open losing cleanly in a race.
type PositionStore interface {
	// Open creates an OPEN position. Returns ErrPositionConflict if an
	// OPEN or CLOSING position already exists for the instrument.
	Open(ctx context.Context, instrument, entrySignalID string) (*domain.Position, error)

	// MarkClosing transitions OPEN → CLOSING and records the intended
	// exit signal. Returns ErrNoOpenPosition otherwise.
	MarkClosing(ctx context.Context, instrument, exitSignalID string) error

	// Close transitions CLOSING → CLOSED for the position whose exit
	// signal id matches. Returns ErrNoClosingPosition otherwise.
	Close(ctx context.Context, exitSignalID string) error

	// Get retrieves the live (OPEN/CLOSING) position for the instrument,
	// or the most recently closed one. Returns ErrNotFound if none.
	Get(ctx context.Context, instrument string) (*domain.Position, error)

	// IsOpen reports whether an OPEN position exists for the instrument.
	IsOpen(ctx context.Context, instrument string) (bool, error)

	// IsOpenOrClosing reports whether an OPEN or CLOSING position exists.
	IsOpenOrClosing(ctx context.Context, instrument string) (bool, error)

	// AllOpenInstruments returns instruments with an OPEN position,
	// used by external bulk-close tooling.
	AllOpenInstruments(ctx context.Context) ([]string, error)
}

// ReapproveOutcome classifies the result of an atomic re-approval.
type ReapproveOutcome int

const (
	// ReapproveOK: status flipped to approved and position opened.
	ReapproveOK ReapproveOutcome = iota

	// ReapproveStatusChanged: the signal was no longer rejected.
	ReapproveStatusChanged

	// ReapprovePositionExists: an OPEN/CLOSING position appeared between
	// the caller's guard check and the transaction.
	ReapprovePositionExists
)

// ReapprovalStore performs the reprocessing re-approval atomically:
// status flip, in-transaction conflict re-check, and position open all
// commit or roll back together. This closes the race window between the
// engine's guard check and the commit.
type ReapprovalStore interface {
	ReapproveAndOpen(ctx context.Context, signalID, instrument, reason string) (ReapproveOutcome, error)
}

// SignalEventArchive is an append-only analytics archive for signal
// events. Fire-and-forget: absence or failure never affects pipeline
// correctness.
type SignalEventArchive interface {
	InsertBulk(ctx context.Context, events []*domain.SignalEvent) error
}
