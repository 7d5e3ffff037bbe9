// Package provider exposes the externally computed set of instruments
// currently eligible for buy approval. The ranking computation itself
// lives outside this module; consumers only read the current set.
package provider

import (
	"context"
	"sync"
	"time"
)

// ApprovedInstrumentProvider returns the live approved-instrument set.
// Instruments are normalized (trimmed, uppercased) by the producer.
type ApprovedInstrumentProvider interface {
	CurrentSet(ctx context.Context) (map[string]struct{}, error)
}

// Static is an in-memory provider whose set is replaced wholesale by
// Update. It backs tests and deployments where an external process
// pushes eligibility changes into the relay.
type Static struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewStatic creates a Static provider seeded with the given instruments.
func NewStatic(instruments ...string) *Static {
	s := &Static{set: make(map[string]struct{})}
	for _, instrument := range instruments {
		s.set[instrument] = struct{}{}
	}
	return s
}

// Compile-time interface check.
var _ ApprovedInstrumentProvider = (*Static)(nil)

// CurrentSet returns a copy of the current set.
func (s *Static) CurrentSet(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]struct{}, len(s.set))
	for instrument := range s.set {
		out[instrument] = struct{}{}
	}
	return out, nil
}

// Update replaces the whole set and returns the instruments that are
// newly eligible relative to the previous set. The caller typically
// feeds those into the reprocessing engine.
func (s *Static) Update(instruments []string) []string {
	next := make(map[string]struct{}, len(instruments))
	for _, instrument := range instruments {
		next[instrument] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for instrument := range next {
		if _, ok := s.set[instrument]; !ok {
			added = append(added, instrument)
		}
	}
	s.set = next
	return added
}

// Cached wraps a slower provider with a TTL cache so decision workers
// never block on upstream refreshes in the hot path.
type Cached struct {
	inner ApprovedInstrumentProvider
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	cached    map[string]struct{}
	fetchedAt time.Time
}

// NewCached creates a caching wrapper. TTL <= 0 defaults to 30 seconds.
func NewCached(inner ApprovedInstrumentProvider, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cached{inner: inner, ttl: ttl, now: time.Now}
}

// Compile-time interface check.
var _ ApprovedInstrumentProvider = (*Cached)(nil)

// CurrentSet returns the cached set, refreshing it when the TTL lapsed.
// A failed refresh falls back to the stale cache when one exists.
func (c *Cached) CurrentSet(ctx context.Context) (map[string]struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.cached, nil
	}

	fresh, err := c.inner.CurrentSet(ctx)
	if err != nil {
		if c.cached != nil {
			return c.cached, nil
		}
		return nil, err
	}

	c.cached = fresh
	c.fetchedAt = c.now()
	return c.cached, nil
}
