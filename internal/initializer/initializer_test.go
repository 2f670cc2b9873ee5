package initializer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotaledger/gas-station/internal/fullnode"
	"github.com/iotaledger/gas-station/internal/pool"
	"github.com/iotaledger/gas-station/internal/storage"
)

func TestInitializer_StartupSplitsOversizedCoins(t *testing.T) {
	store := storage.NewMemoryStore()
	fn := fullnode.NewFake()
	fn.SetOwned("sponsor", []fullnode.OwnedCoin{
		{Ref: pool.CoinRef{ObjectID: "big1", Version: 1, Digest: "d1", Balance: 3_000_000_000}, Balance: 3_000_000_000},
		{Ref: pool.CoinRef{ObjectID: "small1", Version: 1, Digest: "d2", Balance: 500}, Balance: 500},
	})

	init := New(store, fn, "sponsor", 1_000_000_000, time.Minute)
	require.NoError(t, init.RunStartup(context.Background()))

	avail, _, err := store.PoolSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, avail, "3 coins of size 1e9 split from the 3e9 coin, the undersized coin ignored")

	assert.True(t, init.known["big1"])
	assert.False(t, init.known["small1"], "never a candidate, never classified")
}

func TestInitializer_StartupSkipsWhenLockHeld(t *testing.T) {
	store := storage.NewMemoryStore()
	ok, err := store.AcquireInitLock(context.Background(), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	fn := fullnode.NewFake()
	fn.SetOwned("sponsor", []fullnode.OwnedCoin{
		{Ref: pool.CoinRef{ObjectID: "big1", Version: 1, Digest: "d1", Balance: 3_000_000_000}, Balance: 3_000_000_000},
	})

	init := New(store, fn, "sponsor", 1_000_000_000, time.Minute)
	init.lockWaitTimeout = time.Second // bound the retry loop for the test

	require.NoError(t, init.RunStartup(context.Background()))

	avail, _, err := store.PoolSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, avail, "no split happened because the lock was already held")
}

func TestInitializer_ReplenishmentUsesHigherThreshold(t *testing.T) {
	store := storage.NewMemoryStore()
	fn := fullnode.NewFake()
	fn.SetOwned("sponsor", []fullnode.OwnedCoin{
		// Exactly at target, below the replenishment factor threshold:
		// should not be split by the replenishment pass.
		{Ref: pool.CoinRef{ObjectID: "at-target", Version: 1, Digest: "d1", Balance: 1_000_000_000}, Balance: 1_000_000_000},
	})

	init := New(store, fn, "sponsor", 1_000_000_000, time.Minute)
	require.NoError(t, init.splitPass(context.Background(), newCoinBalanceFactorThreshold))

	avail, _, err := store.PoolSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, avail, "coin at exactly target-init-balance does not exceed factor*target, so it is not split")
}
