package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-relay/internal/domain"
	"signal-relay/internal/storage"
	pgstore "signal-relay/internal/storage/postgres"
)

func TestPositionStore_Lifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := pgstore.NewPositionStore(pool)
	ctx := context.Background()

	p, err := store.Open(ctx, "AAPL", "entry-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, p.Status)
	assert.NotZero(t, p.OpenedAt)

	require.NoError(t, store.MarkClosing(ctx, "AAPL", "exit-1"))

	got, err := store.Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosing, got.Status)
	require.NotNil(t, got.ExitSignalID)
	assert.Equal(t, "exit-1", *got.ExitSignalID)

	require.NoError(t, store.Close(ctx, "exit-1"))

	got, err = store.Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, got.Status)
	assert.NotNil(t, got.ClosedAt)

	// The instrument is free again.
	_, err = store.Open(ctx, "AAPL", "entry-2")
	require.NoError(t, err)
}

func TestPositionStore_OpenConflict(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := pgstore.NewPositionStore(pool)
	ctx := context.Background()

	_, err := store.Open(ctx, "AAPL", "entry-1")
	require.NoError(t, err)

	_, err = store.Open(ctx, "AAPL", "entry-2")
	assert.ErrorIs(t, err, storage.ErrPositionConflict)

	// CLOSING blocks a new open too.
	require.NoError(t, store.MarkClosing(ctx, "AAPL", "exit-1"))
	_, err = store.Open(ctx, "AAPL", "entry-3")
	assert.ErrorIs(t, err, storage.ErrPositionConflict)
}

func TestPositionStore_MarkClosingRequiresOpen(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := pgstore.NewPositionStore(pool)
	ctx := context.Background()

	err := store.MarkClosing(ctx, "AAPL", "exit-1")
	assert.ErrorIs(t, err, storage.ErrNoOpenPosition)

	_, err = store.Open(ctx, "AAPL", "entry-1")
	require.NoError(t, err)
	require.NoError(t, store.MarkClosing(ctx, "AAPL", "exit-1"))

	// CLOSING is not OPEN: a second sell approval must fail.
	err = store.MarkClosing(ctx, "AAPL", "exit-2")
	assert.ErrorIs(t, err, storage.ErrNoOpenPosition)
}

func TestPositionStore_CloseRequiresMatchingExit(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := pgstore.NewPositionStore(pool)
	ctx := context.Background()

	err := store.Close(ctx, "exit-1")
	assert.ErrorIs(t, err, storage.ErrNoClosingPosition)

	_, err = store.Open(ctx, "AAPL", "entry-1")
	require.NoError(t, err)
	require.NoError(t, store.MarkClosing(ctx, "AAPL", "exit-1"))

	err = store.Close(ctx, "exit-other")
	assert.ErrorIs(t, err, storage.ErrNoClosingPosition)
}

func TestPositionStore_Predicates(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := pgstore.NewPositionStore(pool)
	ctx := context.Background()

	_, err := store.Open(ctx, "AAPL", "entry-1")
	require.NoError(t, err)

	open, err := store.IsOpen(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, open)

	require.NoError(t, store.MarkClosing(ctx, "AAPL", "exit-1"))

	open, err = store.IsOpen(ctx, "AAPL")
	require.NoError(t, err)
	assert.False(t, open)

	busy, err := store.IsOpenOrClosing(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, busy)

	busy, err = store.IsOpenOrClosing(ctx, "TSLA")
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestPositionStore_AllOpenInstruments(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := pgstore.NewPositionStore(pool)
	ctx := context.Background()

	for _, instrument := range []string{"TSLA", "AAPL", "MSFT"} {
		_, err := store.Open(ctx, instrument, "entry-"+instrument)
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkClosing(ctx, "MSFT", "exit-MSFT"))

	result, err := store.AllOpenInstruments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "TSLA"}, result)
}

func TestPositionStore_ConcurrentOpenSingleWinner(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := pgstore.NewPositionStore(pool)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts int

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Open(ctx, "AAPL", "entry")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrPositionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one open must win (conflicts %d)", conflicts)
}
