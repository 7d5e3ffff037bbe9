package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"signal-relay/internal/domain"
	"signal-relay/internal/storage"
)

// PositionStore is an in-memory implementation of storage.PositionStore.
// The mutex is held across every check-and-mutate sequence, which is what
// makes the single-open-position invariant atomic in this backend.
type PositionStore struct {
	mu     sync.RWMutex
	live   map[string]*domain.Position // OPEN/CLOSING, keyed by instrument
	closed []*domain.Position
	now    func() time.Time
}

// NewPositionStore creates a new in-memory position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		live: make(map[string]*domain.Position),
		now:  time.Now,
	}
}

// Compile-time interface check.
var _ storage.PositionStore = (*PositionStore)(nil)

// Open creates an OPEN position. Returns ErrPositionConflict if an OPEN
// or CLOSING position already exists for the instrument.
func (s *PositionStore) Open(_ context.Context, instrument, entrySignalID string) (*domain.Position, error) {
	if instrument == "" || entrySignalID == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.live[instrument]; exists {
		return nil, storage.ErrPositionConflict
	}

	p := &domain.Position{
		Instrument:    instrument,
		Status:        domain.PositionOpen,
		EntrySignalID: entrySignalID,
		OpenedAt:      s.now().UnixMilli(),
	}
	s.live[instrument] = p

	cp := *p
	return &cp, nil
}

// MarkClosing transitions OPEN → CLOSING. Returns ErrNoOpenPosition otherwise.
func (s *PositionStore) MarkClosing(_ context.Context, instrument, exitSignalID string) error {
	if instrument == "" || exitSignalID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.live[instrument]
	if !exists || p.Status != domain.PositionOpen {
		return storage.ErrNoOpenPosition
	}

	p.Status = domain.PositionClosing
	p.ExitSignalID = &exitSignalID
	return nil
}

// Close transitions CLOSING → CLOSED for the matching exit signal id.
func (s *PositionStore) Close(_ context.Context, exitSignalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for instrument, p := range s.live {
		if p.Status != domain.PositionClosing || p.ExitSignalID == nil || *p.ExitSignalID != exitSignalID {
			continue
		}
		p.Status = domain.PositionClosed
		closedAt := s.now().UnixMilli()
		p.ClosedAt = &closedAt
		delete(s.live, instrument)
		s.closed = append(s.closed, p)
		return nil
	}
	return storage.ErrNoClosingPosition
}

// Get retrieves the live position for the instrument, or the most
// recently closed one. Returns ErrNotFound if none.
func (s *PositionStore) Get(_ context.Context, instrument string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, exists := s.live[instrument]; exists {
		cp := *p
		return &cp, nil
	}

	for i := len(s.closed) - 1; i >= 0; i-- {
		if s.closed[i].Instrument == instrument {
			cp := *s.closed[i]
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// IsOpen reports whether an OPEN position exists for the instrument.
func (s *PositionStore) IsOpen(_ context.Context, instrument string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.live[instrument]
	return exists && p.Status == domain.PositionOpen, nil
}

// IsOpenOrClosing reports whether an OPEN or CLOSING position exists.
func (s *PositionStore) IsOpenOrClosing(_ context.Context, instrument string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.live[instrument]
	return exists, nil
}

// AllOpenInstruments returns instruments with an OPEN position, sorted.
func (s *PositionStore) AllOpenInstruments(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []string
	for instrument, p := range s.live {
		if p.Status == domain.PositionOpen {
			result = append(result, instrument)
		}
	}
	sort.Strings(result)
	return result, nil
}
