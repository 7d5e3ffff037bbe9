package dispatch

import (
	"context"

	"github.com/rs/zerolog"

	"signal-relay/internal/domain"
	"signal-relay/internal/storage"
)

// StoreMiddleware decorates a SignalStore with cross-cutting behavior.
// Middlewares are composed once at startup, innermost first.
type StoreMiddleware func(storage.SignalStore) storage.SignalStore

// Chain applies middlewares to the store, first middleware outermost.
func Chain(store storage.SignalStore, middlewares ...StoreMiddleware) storage.SignalStore {
	for i := len(middlewares) - 1; i >= 0; i-- {
		store = middlewares[i](store)
	}
	return store
}

// WithLogging logs every status transition and event write.
func WithLogging(logger zerolog.Logger) StoreMiddleware {
	return func(next storage.SignalStore) storage.SignalStore {
		return &loggingStore{next: next, logger: logger.With().Str("component", "signal_store").Logger()}
	}
}

// WithArchive offers every terminal status event to the archive channel.
// The offer never blocks; a full channel drops the event, archiving is
// fire-and-forget.
func WithArchive(out chan<- *domain.SignalEvent) StoreMiddleware {
	return func(next storage.SignalStore) storage.SignalStore {
		return &archivingStore{next: next, out: out}
	}
}

type loggingStore struct {
	next   storage.SignalStore
	logger zerolog.Logger
}

var _ storage.SignalStore = (*loggingStore)(nil)

func (s *loggingStore) Create(ctx context.Context, sig *domain.Signal) error {
	err := s.next.Create(ctx, sig)
	if err != nil {
		s.logger.Error().Err(err).Str("signal_id", sig.SignalID).Msg("create signal failed")
		return err
	}
	s.logger.Debug().
		Str("signal_id", sig.SignalID).
		Str("instrument", sig.Instrument).
		Msg("signal created")
	return nil
}

func (s *loggingStore) SetStatus(ctx context.Context, signalID string, status domain.SignalStatus, detail, workerID string) error {
	err := s.next.SetStatus(ctx, signalID, status, detail, workerID)
	ev := s.logger.Info()
	if err != nil {
		ev = s.logger.Error().Err(err)
	}
	ev.Str("signal_id", signalID).
		Str("status", status.String()).
		Str("detail", detail).
		Str("worker_id", workerID).
		Msg("signal status")
	return err
}

func (s *loggingStore) LogEvent(ctx context.Context, event *domain.SignalEvent) error {
	err := s.next.LogEvent(ctx, event)
	if err != nil {
		s.logger.Error().Err(err).Str("signal_id", event.SignalID).Msg("log event failed")
	}
	return err
}

func (s *loggingStore) GetByID(ctx context.Context, signalID string) (*domain.Signal, error) {
	return s.next.GetByID(ctx, signalID)
}

func (s *loggingStore) Events(ctx context.Context, signalID string) ([]*domain.SignalEvent, error) {
	return s.next.Events(ctx, signalID)
}

func (s *loggingStore) GetRejectedForReprocessing(ctx context.Context, instrument string, windowSeconds, limit int) ([]*domain.Signal, error) {
	return s.next.GetRejectedForReprocessing(ctx, instrument, windowSeconds, limit)
}

func (s *loggingStore) HasSellAfter(ctx context.Context, instrument string, afterMs int64, windowSeconds int) (bool, error) {
	return s.next.HasSellAfter(ctx, instrument, afterMs, windowSeconds)
}

func (s *loggingStore) ReapproveIfStillRejected(ctx context.Context, signalID, reason string) (bool, error) {
	ok, err := s.next.ReapproveIfStillRejected(ctx, signalID, reason)
	if err == nil && ok {
		s.logger.Info().Str("signal_id", signalID).Str("reason", reason).Msg("signal reapproved")
	}
	return ok, err
}

type archivingStore struct {
	next storage.SignalStore
	out  chan<- *domain.SignalEvent
}

var _ storage.SignalStore = (*archivingStore)(nil)

func (s *archivingStore) SetStatus(ctx context.Context, signalID string, status domain.SignalStatus, detail, workerID string) error {
	if err := s.next.SetStatus(ctx, signalID, status, detail, workerID); err != nil {
		return err
	}
	if status.IsTerminal() {
		s.offer(&domain.SignalEvent{SignalID: signalID, Status: status, Detail: detail, WorkerID: workerID})
	}
	return nil
}

func (s *archivingStore) LogEvent(ctx context.Context, event *domain.SignalEvent) error {
	if err := s.next.LogEvent(ctx, event); err != nil {
		return err
	}
	if event.Status.IsTerminal() {
		cp := *event
		s.offer(&cp)
	}
	return nil
}

func (s *archivingStore) offer(event *domain.SignalEvent) {
	select {
	case s.out <- event:
	default:
	}
}

func (s *archivingStore) Create(ctx context.Context, sig *domain.Signal) error {
	return s.next.Create(ctx, sig)
}

func (s *archivingStore) GetByID(ctx context.Context, signalID string) (*domain.Signal, error) {
	return s.next.GetByID(ctx, signalID)
}

func (s *archivingStore) Events(ctx context.Context, signalID string) ([]*domain.SignalEvent, error) {
	return s.next.Events(ctx, signalID)
}

func (s *archivingStore) GetRejectedForReprocessing(ctx context.Context, instrument string, windowSeconds, limit int) ([]*domain.Signal, error) {
	return s.next.GetRejectedForReprocessing(ctx, instrument, windowSeconds, limit)
}

func (s *archivingStore) HasSellAfter(ctx context.Context, instrument string, afterMs int64, windowSeconds int) (bool, error) {
	return s.next.HasSellAfter(ctx, instrument, afterMs, windowSeconds)
}

func (s *archivingStore) ReapproveIfStillRejected(ctx context.Context, signalID, reason string) (bool, error) {
	return s.next.ReapproveIfStillRejected(ctx, signalID, reason)
}
