package clickhouse

import (
	"context"
	"fmt"

	"signal-relay/internal/domain"
	"signal-relay/internal/storage"
)

// SignalEventStore implements storage.SignalEventArchive using ClickHouse.
// The archive is append-only; duplicates are tolerated and folded away
// at query time.
type SignalEventStore struct {
	conn *Conn
}

// NewSignalEventStore creates a new SignalEventStore.
func NewSignalEventStore(conn *Conn) *SignalEventStore {
	return &SignalEventStore{conn: conn}
}

// Compile-time interface check.
var _ storage.SignalEventArchive = (*SignalEventStore)(nil)

// InsertBulk archives multiple events in a single batch.
func (s *SignalEventStore) InsertBulk(ctx context.Context, events []*domain.SignalEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO signal_events_archive (
			signal_id, status, detail, worker_id, http_status, error, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, ev := range events {
		var httpStatus int32
		if ev.HTTPStatus != nil {
			httpStatus = int32(*ev.HTTPStatus)
		}
		err = batch.Append(
			ev.SignalID, ev.Status.String(), ev.Detail, ev.WorkerID,
			httpStatus, ev.Error, uint64(ev.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetBySignalID retrieves archived events for a signal, ordered by time ASC.
func (s *SignalEventStore) GetBySignalID(ctx context.Context, signalID string) ([]*domain.SignalEvent, error) {
	query := `
		SELECT signal_id, status, detail, worker_id, http_status, error, created_at
		FROM signal_events_archive
		WHERE signal_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.conn.Query(ctx, query, signalID)
	if err != nil {
		return nil, fmt.Errorf("query by signal id: %w", err)
	}
	defer rows.Close()

	var events []*domain.SignalEvent
	for rows.Next() {
		var ev domain.SignalEvent
		var status string
		var httpStatus int32
		var createdAt uint64
		if err := rows.Scan(&ev.SignalID, &status, &ev.Detail, &ev.WorkerID, &httpStatus, &ev.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		ev.Status, err = domain.ParseSignalStatus(status)
		if err != nil {
			return nil, fmt.Errorf("decode archive status: %w", err)
		}
		if httpStatus != 0 {
			code := int(httpStatus)
			ev.HTTPStatus = &code
		}
		ev.CreatedAt = int64(createdAt)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive rows: %w", err)
	}
	return events, nil
}
