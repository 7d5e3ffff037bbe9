// Package ratelimit implements the sliding-window token bucket gating
// outbound forward calls. Each consumed permit is returned individually,
// exactly one window-length after acquisition, by a background reclaimer.
// This is a true sliding window, not a fixed-window refill.
package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidCapacity is returned by New and UpdateConfig before any
// state is mutated. Capacity must be at least 1.
var ErrInvalidCapacity = errors.New("rate limiter capacity must be >= 1")

// DefaultWindow is the permit return delay and the trailing metric window.
const DefaultWindow = 60 * time.Second

// returnHeap is a min-heap of scheduled permit return times.
type returnHeap []time.Time

func (h returnHeap) Len() int           { return len(h) }
func (h returnHeap) Less(i, j int) bool { return h[i].Before(h[j]) }
func (h returnHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *returnHeap) Push(x any)        { *h = append(*h, x.(time.Time)) }
func (h *returnHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Options configures a Limiter.
type Options struct {
	Capacity int
	Enabled  bool
	Window   time.Duration    // defaults to DefaultWindow
	Now      func() time.Time // defaults to time.Now, injectable for tests
}

// Limiter bounds the number of acquisitions within any trailing window.
// Invariant: available + len(pending) == capacity at all times.
type Limiter struct {
	mu        sync.Mutex
	capacity  int
	available int
	enabled   bool
	window    time.Duration
	now       func() time.Time

	pending  returnHeap  // scheduled permit returns, min-ordered
	requests []time.Time // trailing-window request log, metric only
	waited   uint64      // cumulative acquires that had to wait
	waiters  []chan struct{}

	wake chan struct{} // nudges the reclaimer when state changes
}

// New creates a Limiter. The reclaimer must be started with Run.
func New(opts Options) (*Limiter, error) {
	if opts.Capacity < 1 {
		return nil, ErrInvalidCapacity
	}

	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Limiter{
		capacity:  opts.Capacity,
		available: opts.Capacity,
		enabled:   opts.Enabled,
		window:    window,
		now:       now,
		wake:      make(chan struct{}, 1),
	}, nil
}

// Acquire blocks until a permit is available or ctx is done. It returns
// immediately with no effect when rate limiting is disabled.
func (l *Limiter) Acquire(ctx context.Context) error {
	counted := false
	for {
		l.mu.Lock()
		if !l.enabled {
			l.mu.Unlock()
			return nil
		}
		if l.available > 0 {
			l.available--
			now := l.now()
			heap.Push(&l.pending, now.Add(l.window))
			l.recordRequest(now)
			l.mu.Unlock()
			l.nudge()
			return nil
		}
		if !counted {
			l.waited++
			counted = true
		}
		w := make(chan struct{})
		l.waiters = append(l.waiters, w)
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			l.removeWaiter(w)
			return ctx.Err()
		case <-w:
			// A permit came back; loop and race for it.
		}
	}
}

// Run is the background reclaimer loop. It pops all due returns,
// restores their permits, and sleeps until the next due time or one
// second, whichever is sooner. It exits when ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	for {
		sleep := l.reclaim()

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// reclaim returns due permits and reports how long the reclaimer may sleep.
func (l *Limiter) reclaim() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for l.pending.Len() > 0 && !l.pending[0].After(now) {
		heap.Pop(&l.pending)
		l.available++
		l.signalWaiterLocked()
	}

	sleep := time.Second
	if l.pending.Len() > 0 {
		if d := l.pending[0].Sub(now); d < sleep {
			sleep = d
		}
	}
	return sleep
}

// UpdateConfig changes capacity and enablement at runtime. Capacity
// changes add or remove permits from the live pool and never affect
// returns already scheduled. Requests for capacity < 1 are rejected
// before mutating state.
func (l *Limiter) UpdateConfig(capacity int, enabled bool) error {
	if capacity < 1 {
		return ErrInvalidCapacity
	}

	l.mu.Lock()
	delta := capacity - l.capacity
	l.capacity = capacity
	l.available += delta
	l.enabled = enabled
	if l.available > 0 {
		l.signalWaiterLocked()
	}
	if !enabled {
		// Release everyone parked on Acquire; they re-check and pass through.
		for _, w := range l.waiters {
			close(w)
		}
		l.waiters = nil
	}
	l.mu.Unlock()
	l.nudge()
	return nil
}

// IsRateLimited reports whether the limiter is enabled with zero
// permits currently available.
func (l *Limiter) IsRateLimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled && l.available <= 0
}

// Snapshot is a point-in-time view of limiter state for metrics.
type Snapshot struct {
	Capacity           int
	Available          int
	PendingReturns     int
	RequestsLastWindow int
	Waited             uint64
	Enabled            bool
}

// Stats returns current limiter metrics.
func (l *Limiter) Stats() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneRequestsLocked(l.now())
	return Snapshot{
		Capacity:           l.capacity,
		Available:          l.available,
		PendingReturns:     l.pending.Len(),
		RequestsLastWindow: len(l.requests),
		Waited:             l.waited,
		Enabled:            l.enabled,
	}
}

func (l *Limiter) recordRequest(now time.Time) {
	l.requests = append(l.requests, now)
	l.pruneRequestsLocked(now)
}

func (l *Limiter) pruneRequestsLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.requests) && !l.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.requests = append(l.requests[:0], l.requests[i:]...)
	}
}

func (l *Limiter) signalWaiterLocked() {
	if len(l.waiters) == 0 {
		return
	}
	w := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(w)
}

func (l *Limiter) removeWaiter(w chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cand := range l.waiters {
		if cand == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// nudge wakes the reclaimer so it can recompute its sleep deadline.
func (l *Limiter) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
