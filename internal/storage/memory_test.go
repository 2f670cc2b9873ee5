package storage

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotaledger/gas-station/internal/pool"
)

// S1: empty pool, reserve_gas(budget=1) -> Insufficient.
func TestMemoryStore_ReserveFromEmptyPool(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.ReserveGasCoins(context.Background(), 1, time.Minute)
	assert.ErrorIs(t, err, pool.ErrInsufficient)
}

// S2: pool [100,100,100], reserve_gas(150,60) succeeds with two coins
// summing >= 150 and leaves one coin behind; property 3 (budget cover).
func TestMemoryStore_ReserveCoversBudgetAndLeavesRemainder(t *testing.T) {
	s := NewMemoryStore()
	s.SeedPool(
		pool.CoinRef{ObjectID: "a", Balance: 100},
		pool.CoinRef{ObjectID: "b", Balance: 100},
		pool.CoinRef{ObjectID: "c", Balance: 100},
	)

	res, err := s.ReserveGasCoins(context.Background(), 150, 60*time.Second)
	require.NoError(t, err)
	assert.Len(t, res.CoinRefs, 2)
	assert.GreaterOrEqual(t, res.TotalBalance, uint64(150))

	avail, reserved, err := s.PoolSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, avail)
	assert.Equal(t, 1, reserved)
}

// S3: a reservation that outlives its expiry is returned to the pool
// exactly once by ExpireReservations (property 4).
func TestMemoryStore_ExpireReservationsReturnsCoinsOnce(t *testing.T) {
	s := NewMemoryStore()
	s.SeedPool(pool.CoinRef{ObjectID: "a", Balance: 100})

	res, err := s.ReserveGasCoins(context.Background(), 100, time.Second)
	require.NoError(t, err)

	reclaimed, err := s.ExpireReservations(context.Background(), time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []uint64{res.ID}, reclaimed)

	avail, reserved, err := s.PoolSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, avail)
	assert.Equal(t, 0, reserved)

	reclaimedAgain, err := s.ExpireReservations(context.Background(), time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Empty(t, reclaimedAgain)
}

// S4: after execution produces a change coin, the reservation is gone
// and the pool holds the new coin version instead of the spent one.
func TestMemoryStore_ReleaseReservationReplacesCoins(t *testing.T) {
	s := NewMemoryStore()
	s.SeedPool(pool.CoinRef{ObjectID: "a", Version: 1, Balance: 100})

	res, err := s.ReserveGasCoins(context.Background(), 100, time.Minute)
	require.NoError(t, err)
	_, err = s.ReadyForExecution(context.Background(), res.ID)
	require.NoError(t, err)

	err = s.ReleaseReservation(context.Background(), res.ID, []pool.CoinRef{
		{ObjectID: "a", Version: 2, Balance: 95},
	})
	require.NoError(t, err)

	avail, reserved, err := s.PoolSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, avail)
	assert.Equal(t, 0, reserved)
	assert.Equal(t, uint64(95), s.available[0].Balance)
}

// Property 5: init-lock mutual exclusion holds even once a second
// caller tries to acquire while the first still holds it.
func TestMemoryStore_InitLockMutualExclusion(t *testing.T) {
	s := NewMemoryStore()
	ok1, err := s.AcquireInitLock(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := s.AcquireInitLock(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok2, "a live holder must block a second acquirer")

	require.NoError(t, s.ReleaseInitLock(context.Background()))

	ok3, err := s.AcquireInitLock(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok3, "acquisition must succeed again once released")
}

// Property 6: counter increments clamp at math.MaxInt64 instead of
// wrapping.
func TestMemoryStore_AggrIncrementSumClampsAtMaxInt64(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.AggrIncrementSum(ctx, "k", math.MaxInt64-10, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-10), first)

	second, err := s.AggrIncrementSum(ctx, "k", 1000, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), second)
}

func TestMemoryStore_ReserveRestoresPoppedCoinsOnShortfall(t *testing.T) {
	s := NewMemoryStore()
	s.SeedPool(pool.CoinRef{ObjectID: "a", Balance: 10})

	_, err := s.ReserveGasCoins(context.Background(), 100, time.Minute)
	assert.ErrorIs(t, err, pool.ErrInsufficient)

	avail, _, err := s.PoolSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, avail, "the insufficient coin must be restored, not dropped")
}
