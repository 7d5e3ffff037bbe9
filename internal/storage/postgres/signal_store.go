package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"signal-relay/internal/domain"
	"signal-relay/internal/storage"
)

// SignalStore implements storage.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *Pool
	now  func() time.Time
}

// NewSignalStore creates a new SignalStore.
func NewSignalStore(pool *Pool) *SignalStore {
	return &SignalStore{pool: pool, now: time.Now}
}

// Compile-time interface check.
var _ storage.SignalStore = (*SignalStore)(nil)

const signalColumns = `
	signal_id, instrument, instrument_raw, side_text, action_text, side,
	price, source_time, status, created_at, raw_payload
`

// Create adds a new signal. Returns ErrDuplicateKey if signal_id exists.
func (s *SignalStore) Create(ctx context.Context, sig *domain.Signal) error {
	if sig == nil || sig.SignalID == "" || sig.Instrument == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO signals (` + signalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.pool.Exec(ctx, query,
		sig.SignalID, sig.Instrument, sig.InstrumentRaw, sig.SideText, sig.ActionText,
		sig.Side.String(), sig.Price, sig.SourceTime, sig.Status.String(),
		sig.CreatedAt, sig.RawPayload,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// GetByID retrieves a signal by its ID. Returns ErrNotFound if not exists.
func (s *SignalStore) GetByID(ctx context.Context, signalID string) (*domain.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE signal_id = $1`

	row := s.pool.QueryRow(ctx, query, signalID)
	sig, err := scanSignal(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get signal by id: %w", err)
	}
	return sig, nil
}

// SetStatus updates the status and appends a status event, atomically.
func (s *SignalStore) SetStatus(ctx context.Context, signalID string, status domain.SignalStatus, detail, workerID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE signals SET status = $2 WHERE signal_id = $1`,
		signalID, status.String(),
	)
	if err != nil {
		return fmt.Errorf("update signal status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	if err := insertEvent(ctx, tx, &domain.SignalEvent{
		SignalID:  signalID,
		Status:    status,
		Detail:    detail,
		WorkerID:  workerID,
		CreatedAt: s.now().UnixMilli(),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// LogEvent appends an event without changing the signal's status.
func (s *SignalStore) LogEvent(ctx context.Context, ev *domain.SignalEvent) error {
	if ev == nil || ev.SignalID == "" {
		return storage.ErrInvalidInput
	}

	cp := *ev
	if cp.CreatedAt == 0 {
		cp.CreatedAt = s.now().UnixMilli()
	}
	if err := insertEvent(ctx, s.pool, &cp); err != nil {
		return err
	}
	return nil
}

// Events retrieves the event history for a signal, ordered by time ASC.
func (s *SignalStore) Events(ctx context.Context, signalID string) ([]*domain.SignalEvent, error) {
	query := `
		SELECT signal_id, status, detail, worker_id, http_status, error, created_at
		FROM signal_events
		WHERE signal_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, signalID)
	if err != nil {
		return nil, fmt.Errorf("get signal events: %w", err)
	}
	defer rows.Close()

	var events []*domain.SignalEvent
	for rows.Next() {
		var ev domain.SignalEvent
		var status string
		var errText *string
		if err := rows.Scan(&ev.SignalID, &status, &ev.Detail, &ev.WorkerID, &ev.HTTPStatus, &errText, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal event row: %w", err)
		}
		ev.Status, err = domain.ParseSignalStatus(status)
		if err != nil {
			return nil, fmt.Errorf("decode signal event status: %w", err)
		}
		if errText != nil {
			ev.Error = *errText
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signal event rows: %w", err)
	}
	return events, nil
}

// GetRejectedForReprocessing retrieves up to limit rejected signals for
// the instrument created within the trailing window (0 = unbounded).
func (s *SignalStore) GetRejectedForReprocessing(ctx context.Context, instrument string, windowSeconds, limit int) ([]*domain.Signal, error) {
	var cutoff int64
	if windowSeconds > 0 {
		cutoff = s.now().UnixMilli() - int64(windowSeconds)*1000
	}

	query := `
		SELECT ` + signalColumns + `
		FROM signals
		WHERE instrument = $1 AND status = 'rejected'
		  AND ($2 = 0 OR created_at >= $3)
		ORDER BY created_at ASC, signal_id ASC
		LIMIT $4
	`

	rows, err := s.pool.Query(ctx, query, instrument, windowSeconds, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("get rejected signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

// HasSellAfter reports whether a SELL signal for the instrument exists
// with created_at in (afterMs, afterMs+windowSeconds].
func (s *SignalStore) HasSellAfter(ctx context.Context, instrument string, afterMs int64, windowSeconds int) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM signals
			WHERE instrument = $1 AND side = 'SELL'
			  AND created_at > $2 AND created_at <= $3
		)
	`

	var exists bool
	upper := afterMs + int64(windowSeconds)*1000
	if err := s.pool.QueryRow(ctx, query, instrument, afterMs, upper).Scan(&exists); err != nil {
		return false, fmt.Errorf("check sell chronology: %w", err)
	}
	return exists, nil
}

// ReapproveIfStillRejected re-approves only if still exactly rejected.
func (s *SignalStore) ReapproveIfStillRejected(ctx context.Context, signalID, reason string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ok, err := reapproveInTx(ctx, tx, signalID, reason, s.now().UnixMilli())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// pgxExecutor covers both pool and transaction for event inserts.
type pgxExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// insertEvent appends one row to signal_events.
func insertEvent(ctx context.Context, db pgxExecutor, ev *domain.SignalEvent) error {
	query := `
		INSERT INTO signal_events (signal_id, status, detail, worker_id, http_status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	var errText *string
	if ev.Error != "" {
		errText = &ev.Error
	}
	_, err := db.Exec(ctx, query,
		ev.SignalID, ev.Status.String(), ev.Detail, ev.WorkerID, ev.HTTPStatus, errText, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert signal event: %w", err)
	}
	return nil
}

// reapproveInTx performs the guarded status flip inside the given
// transaction and records the event. Shared with ReapprovalStore.
func reapproveInTx(ctx context.Context, tx pgx.Tx, signalID, reason string, nowMs int64) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE signals SET status = 'approved' WHERE signal_id = $1 AND status = 'rejected'`,
		signalID,
	)
	if err != nil {
		return false, fmt.Errorf("reapprove signal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertEvent(ctx, tx, &domain.SignalEvent{
		SignalID:  signalID,
		Status:    domain.StatusApproved,
		Detail:    reason,
		WorkerID:  domain.ApprovedByReprocessing,
		CreatedAt: nowMs,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// scanSignal scans a single row into a Signal.
func scanSignal(row pgx.Row) (*domain.Signal, error) {
	var sig domain.Signal
	var side, status string

	err := row.Scan(
		&sig.SignalID, &sig.Instrument, &sig.InstrumentRaw, &sig.SideText, &sig.ActionText,
		&side, &sig.Price, &sig.SourceTime, &status, &sig.CreatedAt, &sig.RawPayload,
	)
	if err != nil {
		return nil, err
	}

	if sig.Side, err = domain.ParseSide(side); err != nil {
		return nil, fmt.Errorf("decode signal side: %w", err)
	}
	if sig.Status, err = domain.ParseSignalStatus(status); err != nil {
		return nil, fmt.Errorf("decode signal status: %w", err)
	}
	return &sig, nil
}

// scanSignals scans multiple rows into a slice of Signal.
func scanSignals(rows pgx.Rows) ([]*domain.Signal, error) {
	var signals []*domain.Signal

	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal row: %w", err)
		}
		signals = append(signals, sig)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signal rows: %w", err)
	}
	return signals, nil
}
