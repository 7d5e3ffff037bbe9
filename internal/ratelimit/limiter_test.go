package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for deterministic window tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, capacity int, clock *fakeClock) *Limiter {
	t.Helper()
	l, err := New(Options{Capacity: capacity, Enabled: true, Now: clock.Now})
	require.NoError(t, err)
	return l
}

func TestNew_InvalidCapacity(t *testing.T) {
	_, err := New(Options{Capacity: 0, Enabled: true})
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = New(Options{Capacity: -3, Enabled: true})
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestAcquire_Disabled(t *testing.T) {
	l, err := New(Options{Capacity: 1, Enabled: false})
	require.NoError(t, err)

	// Never blocks, never consumes permits.
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}

	s := l.Stats()
	assert.Equal(t, 1, s.Available)
	assert.Equal(t, 0, s.PendingReturns)
	assert.False(t, l.IsRateLimited())
}

func TestInvariant_AvailablePlusPendingEqualsCapacity(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 5, clock)
	ctx := context.Background()

	check := func() {
		s := l.Stats()
		assert.Equal(t, s.Capacity, s.Available+s.PendingReturns,
			"available=%d pending=%d capacity=%d", s.Available, s.PendingReturns, s.Capacity)
	}

	check()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(ctx))
		check()
	}

	// Partial return.
	clock.Advance(30 * time.Second)
	l.reclaim()
	check()

	// Full return.
	clock.Advance(31 * time.Second)
	l.reclaim()
	check()

	s := l.Stats()
	assert.Equal(t, 5, s.Available)
	assert.Equal(t, 0, s.PendingReturns)
}

func TestSlidingWindow_PermitReturnsIndividually(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 2, clock)
	ctx := context.Background()

	// Exhaust both permits at t=0.
	require.NoError(t, l.Acquire(ctx))
	clock.Advance(10 * time.Second)
	require.NoError(t, l.Acquire(ctx))

	// t=59s: nothing is due yet (first return lands at t=60s).
	clock.Advance(49 * time.Second)
	l.reclaim()
	assert.True(t, l.IsRateLimited())

	// t=61s: exactly one permit is back. The second returns at t=70s.
	clock.Advance(2 * time.Second)
	l.reclaim()

	s := l.Stats()
	assert.Equal(t, 1, s.Available)
	assert.Equal(t, 1, s.PendingReturns)
	assert.False(t, l.IsRateLimited())
}

func TestAcquire_ThirdCallWaitsFullWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 2, clock)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		if err := l.Acquire(ctx); err == nil {
			close(acquired)
		}
	}()

	// t=59s: the third call must still be blocked.
	clock.Advance(59 * time.Second)
	l.reclaim()
	select {
	case <-acquired:
		t.Fatal("third acquire returned before the 60s window boundary")
	case <-time.After(50 * time.Millisecond):
	}

	// t=61s: at least one permit has returned; the waiter proceeds.
	clock.Advance(2 * time.Second)
	l.reclaim()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third acquire did not proceed after permit return")
	}

	assert.GreaterOrEqual(t, l.Stats().Waited, uint64(1))
}

func TestRun_ReclaimerReturnsPermits(t *testing.T) {
	// Real clock with a short window to exercise the background loop.
	l, err := New(Options{Capacity: 1, Enabled: true, Window: 150 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	start := time.Now()
	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx)) // must wait for the reclaimer
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond,
		"second acquire returned before the window elapsed")
}

func TestAcquire_ContextCancelledWhileWaiting(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 1, clock)

	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned waiter is removed.
	l.mu.Lock()
	assert.Empty(t, l.waiters)
	l.mu.Unlock()
}

func TestUpdateConfig(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 2, clock)
	ctx := context.Background()

	// Rejected before mutating state.
	err := l.UpdateConfig(0, true)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
	assert.Equal(t, 2, l.Stats().Capacity)

	// Growing adds live permits.
	require.NoError(t, l.UpdateConfig(4, true))
	s := l.Stats()
	assert.Equal(t, 4, s.Capacity)
	assert.Equal(t, 4, s.Available)

	// Shrinking below in-flight leaves scheduled returns untouched;
	// the invariant holds even with negative availability.
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	require.NoError(t, l.UpdateConfig(2, true))
	s = l.Stats()
	assert.Equal(t, 2, s.Capacity)
	assert.Equal(t, -2, s.Available)
	assert.Equal(t, 4, s.PendingReturns)
	assert.Equal(t, s.Capacity, s.Available+s.PendingReturns)

	clock.Advance(61 * time.Second)
	l.reclaim()
	s = l.Stats()
	assert.Equal(t, 2, s.Available)
	assert.Equal(t, 0, s.PendingReturns)
}

func TestUpdateConfig_DisableReleasesWaiters(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 1, clock)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))

	released := make(chan error, 1)
	go func() {
		released <- l.Acquire(ctx)
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, l.UpdateConfig(1, false))

	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released when limiting was disabled")
	}
}

func TestStats_RequestsLastWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 10, clock)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	clock.Advance(30 * time.Second)
	require.NoError(t, l.Acquire(ctx))

	assert.Equal(t, 2, l.Stats().RequestsLastWindow)

	// First request falls out of the trailing window.
	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, l.Stats().RequestsLastWindow)
}
