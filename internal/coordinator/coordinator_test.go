package coordinator

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotaledger/gas-station/internal/access"
	"github.com/iotaledger/gas-station/internal/config"
	"github.com/iotaledger/gas-station/internal/fullnode"
	"github.com/iotaledger/gas-station/internal/pool"
	"github.com/iotaledger/gas-station/internal/reservation"
	"github.com/iotaledger/gas-station/internal/signer"
	"github.com/iotaledger/gas-station/internal/storage"
	"github.com/iotaledger/gas-station/internal/usagecap"
)

func newTestSigner(t *testing.T) *signer.Local {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s, err := signer.NewLocal(base64.StdEncoding.EncodeToString(priv))
	require.NoError(t, err)
	return s
}

func newEnvelope(t *testing.T, sender, sponsor string, budget uint64, coins []pool.CoinRef) *Envelope {
	t.Helper()
	ids := make([]string, 0, len(coins))
	for _, c := range coins {
		ids = append(ids, c.ObjectID)
	}
	env := &Envelope{
		Sender:              sender,
		GasOwner:            sponsor,
		GasBudget:           budget,
		GasPaymentObjectIDs: ids,
	}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	parsed, err := ParseEnvelope(b)
	require.NoError(t, err)
	return parsed
}

func TestCoordinator_HappyPath(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SeedPool(pool.CoinRef{ObjectID: "c1", Version: 1, Digest: "d1", Balance: 1000})

	eng := reservation.New(store)
	res, err := eng.Reserve(context.Background(), 1000, 0)
	require.NoError(t, err)

	ac := access.New(config.AccessControllerConfig{AccessPolicy: "allow-all"}, store)
	fn := fullnode.NewFake()
	sg := newTestSigner(t)
	usage := usagecap.New(store, sg.Address(), 0)

	c := New(eng, ac, fn, sg, usage)
	env := newEnvelope(t, "0xuser", sg.Address(), 1000, res.CoinRefs)

	result := c.Execute(context.Background(), res.ID, env, sg.Address())
	assert.Equal(t, Finalized, result.State)
	assert.NoError(t, result.Error)
	assert.EqualValues(t, 500, result.GasUsed)

	avail, reserved, err := store.PoolSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, avail, "the change coin returns to the pool")
	assert.Equal(t, 0, reserved)
}

func TestCoordinator_DeniedByAccessController(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SeedPool(pool.CoinRef{ObjectID: "c1", Version: 1, Digest: "d1", Balance: 1000})

	eng := reservation.New(store)
	res, err := eng.Reserve(context.Background(), 1000, 0)
	require.NoError(t, err)

	ac := access.New(config.AccessControllerConfig{AccessPolicy: "deny-all"}, store)
	fn := fullnode.NewFake()
	sg := newTestSigner(t)

	c := New(eng, ac, fn, sg, nil)
	env := newEnvelope(t, "0xuser", sg.Address(), 1000, res.CoinRefs)

	result := c.Execute(context.Background(), res.ID, env, sg.Address())
	assert.Equal(t, Denied, result.State)

	avail, reserved, err := store.PoolSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, avail, "denied reservation's coins return to the pool")
	assert.Equal(t, 0, reserved)
}

func TestCoordinator_BudgetMismatchFailsValidation(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SeedPool(pool.CoinRef{ObjectID: "c1", Version: 1, Digest: "d1", Balance: 1000})

	eng := reservation.New(store)
	res, err := eng.Reserve(context.Background(), 1000, 0)
	require.NoError(t, err)

	ac := access.New(config.AccessControllerConfig{AccessPolicy: "allow-all"}, store)
	fn := fullnode.NewFake()
	sg := newTestSigner(t)

	c := New(eng, ac, fn, sg, nil)
	env := newEnvelope(t, "0xuser", sg.Address(), 1000, res.CoinRefs)
	env.GasBudget = 999 // mismatched against requestedBudget of 1000

	result := c.Execute(context.Background(), res.ID, env, sg.Address())
	assert.Equal(t, Failed, result.State)
	assert.ErrorIs(t, result.Error, pool.ErrInternal)
}

func TestCoordinator_OnChainFailureFinalizesSpentCoins(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SeedPool(pool.CoinRef{ObjectID: "c1", Version: 1, Digest: "d1", Balance: 1000})

	eng := reservation.New(store)
	res, err := eng.Reserve(context.Background(), 1000, 0)
	require.NoError(t, err)

	ac := access.New(config.AccessControllerConfig{AccessPolicy: "allow-all"}, store)
	fn := fullnode.NewFake()
	fn.SubmitEffect = &fullnode.Effects{Status: fullnode.EffectsFailure, GasUsed: 200, SpentCoins: []pool.CoinRef{
		{ObjectID: "c1", Version: 2, Digest: "d2", Balance: 800},
	}}
	sg := newTestSigner(t)

	c := New(eng, ac, fn, sg, nil)
	env := newEnvelope(t, "0xuser", sg.Address(), 1000, res.CoinRefs)

	result := c.Execute(context.Background(), res.ID, env, sg.Address())
	assert.Equal(t, Finalized, result.State, "on-chain failure still finalizes, releasing the spent coin's new version")
	assert.Error(t, result.Error)

	avail, _, err := store.PoolSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, avail, "the failed transaction's new coin version returns to the pool")
}
