package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotaledger/gas-station/internal/pool"
	"github.com/iotaledger/gas-station/internal/storage"
)

func TestSweeper_TickReclaimsExpiredReservations(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SeedPool(pool.CoinRef{ObjectID: "a", Balance: 100})

	res, err := store.ReserveGasCoins(context.Background(), 100, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	s := New(store, time.Hour)
	s.tick(context.Background())

	avail, reserved, err := store.PoolSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, avail)
	assert.Equal(t, 0, reserved)

	_, err = store.ReadyForExecution(context.Background(), res.ID)
	assert.ErrorIs(t, err, pool.ErrNotFound)
}

func TestSweeper_RunStopsCleanly(t *testing.T) {
	store := storage.NewMemoryStore()
	s := New(store, time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
