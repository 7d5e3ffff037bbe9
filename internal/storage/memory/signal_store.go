package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"signal-relay/internal/domain"
	"signal-relay/internal/storage"
)

// SignalStore is an in-memory implementation of storage.SignalStore.
type SignalStore struct {
	mu     sync.RWMutex
	data   map[string]*domain.Signal // keyed by signal_id
	events map[string][]*domain.SignalEvent
	now    func() time.Time
}

// NewSignalStore creates a new in-memory signal store.
func NewSignalStore() *SignalStore {
	return &SignalStore{
		data:   make(map[string]*domain.Signal),
		events: make(map[string][]*domain.SignalEvent),
		now:    time.Now,
	}
}

// Compile-time interface check.
var _ storage.SignalStore = (*SignalStore)(nil)

// Create adds a new signal. Returns ErrDuplicateKey if signal_id exists.
func (s *SignalStore) Create(_ context.Context, sig *domain.Signal) error {
	if sig == nil || sig.SignalID == "" || sig.Instrument == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[sig.SignalID]; exists {
		return storage.ErrDuplicateKey
	}

	cp := *sig
	s.data[sig.SignalID] = &cp
	return nil
}

// GetByID retrieves a signal by its ID. Returns ErrNotFound if not exists.
func (s *SignalStore) GetByID(_ context.Context, signalID string) (*domain.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, exists := s.data[signalID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	cp := *sig
	return &cp, nil
}

// SetStatus updates the status and appends a status event.
func (s *SignalStore) SetStatus(_ context.Context, signalID string, status domain.SignalStatus, detail, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig, exists := s.data[signalID]
	if !exists {
		return storage.ErrNotFound
	}

	sig.Status = status
	s.events[signalID] = append(s.events[signalID], &domain.SignalEvent{
		SignalID:  signalID,
		Status:    status,
		Detail:    detail,
		WorkerID:  workerID,
		CreatedAt: s.now().UnixMilli(),
	})
	return nil
}

// LogEvent appends an event without changing the signal's status.
func (s *SignalStore) LogEvent(_ context.Context, ev *domain.SignalEvent) error {
	if ev == nil || ev.SignalID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[ev.SignalID]; !exists {
		return storage.ErrNotFound
	}

	cp := *ev
	if cp.CreatedAt == 0 {
		cp.CreatedAt = s.now().UnixMilli()
	}
	s.events[ev.SignalID] = append(s.events[ev.SignalID], &cp)
	return nil
}

// Events retrieves the event history for a signal, ordered by time ASC.
func (s *SignalStore) Events(_ context.Context, signalID string) ([]*domain.SignalEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[signalID]
	result := make([]*domain.SignalEvent, 0, len(events))
	for _, ev := range events {
		cp := *ev
		result = append(result, &cp)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt < result[j].CreatedAt
	})
	return result, nil
}

// GetRejectedForReprocessing retrieves up to limit rejected signals for
// the instrument created within the trailing window (0 = unbounded).
func (s *SignalStore) GetRejectedForReprocessing(_ context.Context, instrument string, windowSeconds, limit int) ([]*domain.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cutoff int64
	if windowSeconds > 0 {
		cutoff = s.now().UnixMilli() - int64(windowSeconds)*1000
	}

	var result []*domain.Signal
	for _, sig := range s.data {
		if sig.Instrument != instrument || sig.Status != domain.StatusRejected {
			continue
		}
		if windowSeconds > 0 && sig.CreatedAt < cutoff {
			continue
		}
		cp := *sig
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt < result[j].CreatedAt
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// HasSellAfter reports whether a SELL signal for the instrument exists
// with created_at in (afterMs, afterMs+windowSeconds].
func (s *SignalStore) HasSellAfter(_ context.Context, instrument string, afterMs int64, windowSeconds int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	upper := afterMs + int64(windowSeconds)*1000
	for _, sig := range s.data {
		if sig.Instrument != instrument || sig.Side != domain.SideSell {
			continue
		}
		if sig.CreatedAt > afterMs && sig.CreatedAt <= upper {
			return true, nil
		}
	}
	return false, nil
}

// ReapproveIfStillRejected re-approves only if still exactly rejected.
func (s *SignalStore) ReapproveIfStillRejected(_ context.Context, signalID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig, exists := s.data[signalID]
	if !exists || sig.Status != domain.StatusRejected {
		return false, nil
	}

	sig.Status = domain.StatusApproved
	s.events[signalID] = append(s.events[signalID], &domain.SignalEvent{
		SignalID:  signalID,
		Status:    domain.StatusApproved,
		Detail:    reason,
		WorkerID:  domain.ApprovedByReprocessing,
		CreatedAt: s.now().UnixMilli(),
	})
	return true, nil
}
