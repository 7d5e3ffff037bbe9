package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"signal-relay/internal/domain"
	"signal-relay/internal/storage"
)

// PositionStore implements storage.PositionStore using PostgreSQL.
// The single OPEN/CLOSING position invariant is enforced by the partial
// unique index ux_positions_live; a concurrent open loses with
// ErrPositionConflict instead of relying on application-level locking.
type PositionStore struct {
	pool *Pool
	now  func() time.Time
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool, now: time.Now}
}

// Compile-time interface check.
var _ storage.PositionStore = (*PositionStore)(nil)

const positionColumns = `
	instrument, status, entry_signal_id, exit_signal_id, opened_at, closed_at
`

// Open creates an OPEN position. Returns ErrPositionConflict if an OPEN
// or CLOSING position already exists for the instrument.
func (s *PositionStore) Open(ctx context.Context, instrument, entrySignalID string) (*domain.Position, error) {
	if instrument == "" || entrySignalID == "" {
		return nil, storage.ErrInvalidInput
	}

	p := &domain.Position{
		Instrument:    instrument,
		Status:        domain.PositionOpen,
		EntrySignalID: entrySignalID,
		OpenedAt:      s.now().UnixMilli(),
	}

	query := `
		INSERT INTO positions (instrument, status, entry_signal_id, opened_at)
		VALUES ($1, 'OPEN', $2, $3)
	`

	_, err := s.pool.Exec(ctx, query, instrument, entrySignalID, p.OpenedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, storage.ErrPositionConflict
		}
		return nil, fmt.Errorf("open position: %w", err)
	}
	return p, nil
}

// MarkClosing transitions OPEN → CLOSING and records the intended exit.
func (s *PositionStore) MarkClosing(ctx context.Context, instrument, exitSignalID string) error {
	if instrument == "" || exitSignalID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE positions SET status = 'CLOSING', exit_signal_id = $2
		WHERE instrument = $1 AND status = 'OPEN'
	`

	tag, err := s.pool.Exec(ctx, query, instrument, exitSignalID)
	if err != nil {
		return fmt.Errorf("mark position closing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNoOpenPosition
	}
	return nil
}

// Close transitions CLOSING → CLOSED for the matching exit signal id.
func (s *PositionStore) Close(ctx context.Context, exitSignalID string) error {
	query := `
		UPDATE positions SET status = 'CLOSED', closed_at = $2
		WHERE exit_signal_id = $1 AND status = 'CLOSING'
	`

	tag, err := s.pool.Exec(ctx, query, exitSignalID, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNoClosingPosition
	}
	return nil
}

// Get retrieves the live position for the instrument, or the most
// recently closed one. Returns ErrNotFound if none.
func (s *PositionStore) Get(ctx context.Context, instrument string) (*domain.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE instrument = $1
		ORDER BY (status IN ('OPEN', 'CLOSING')) DESC, opened_at DESC
		LIMIT 1
	`

	row := s.pool.QueryRow(ctx, query, instrument)
	p, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// IsOpen reports whether an OPEN position exists for the instrument.
func (s *PositionStore) IsOpen(ctx context.Context, instrument string) (bool, error) {
	return s.exists(ctx, instrument, []string{"OPEN"})
}

// IsOpenOrClosing reports whether an OPEN or CLOSING position exists.
func (s *PositionStore) IsOpenOrClosing(ctx context.Context, instrument string) (bool, error) {
	return s.exists(ctx, instrument, []string{"OPEN", "CLOSING"})
}

// AllOpenInstruments returns instruments with an OPEN position, sorted.
func (s *PositionStore) AllOpenInstruments(ctx context.Context) ([]string, error) {
	query := `SELECT instrument FROM positions WHERE status = 'OPEN' ORDER BY instrument ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get open instruments: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var instrument string
		if err := rows.Scan(&instrument); err != nil {
			return nil, fmt.Errorf("scan open instrument row: %w", err)
		}
		result = append(result, instrument)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open instrument rows: %w", err)
	}
	return result, nil
}

func (s *PositionStore) exists(ctx context.Context, instrument string, statuses []string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM positions WHERE instrument = $1 AND status = ANY($2)
		)
	`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, instrument, statuses).Scan(&exists); err != nil {
		return false, fmt.Errorf("check position exists: %w", err)
	}
	return exists, nil
}

// scanPosition scans a single row into a Position.
func scanPosition(row pgx.Row) (*domain.Position, error) {
	var p domain.Position
	var status string

	err := row.Scan(
		&p.Instrument, &status, &p.EntrySignalID, &p.ExitSignalID, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}

	if p.Status, err = domain.ParsePositionStatus(status); err != nil {
		return nil, fmt.Errorf("decode position status: %w", err)
	}
	return &p, nil
}
