package fullnode

import (
	"context"
	"fmt"
	"sync"

	"github.com/iotaledger/gas-station/internal/pool"
)

// Fake is an in-memory Client used by tests and local development,
// mirroring the shape of a real JSON-RPC client without any network
// dependency (spec.md §1 treats the full node as out-of-scope; the fake
// exists only so the coordinator and initializer are independently
// testable).
type Fake struct {
	mu      sync.Mutex
	owned   map[string][]OwnedCoin
	nextVer uint64

	DryRunErr    error
	SubmitEffect *Effects
	SubmitErr    error
}

func NewFake() *Fake {
	return &Fake{owned: make(map[string][]OwnedCoin), nextVer: 1000}
}

func (f *Fake) SetOwned(address string, coins []OwnedCoin) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owned[address] = coins
}

func (f *Fake) OwnedCoins(ctx context.Context, address string) ([]OwnedCoin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OwnedCoin{}, f.owned[address]...), nil
}

func (f *Fake) DryRun(ctx context.Context, txBytes []byte) (*DryRunResult, error) {
	if f.DryRunErr != nil {
		return nil, f.DryRunErr
	}
	return &DryRunResult{PredictedGasUsed: 500}, nil
}

func (f *Fake) Submit(ctx context.Context, txBytes []byte) (*Effects, error) {
	if f.SubmitErr != nil {
		return nil, f.SubmitErr
	}
	if f.SubmitEffect != nil {
		return f.SubmitEffect, nil
	}
	f.mu.Lock()
	f.nextVer++
	ver := f.nextVer
	f.mu.Unlock()
	change := pool.CoinRef{ObjectID: fmt.Sprintf("change-%d", ver), Version: ver, Digest: fmt.Sprintf("digest-%d", ver)}
	return &Effects{Status: EffectsSuccess, GasUsed: 500, ChangeCoin: &change}, nil
}

func (f *Fake) SubmitSplit(ctx context.Context, coin OwnedCoin, denomination uint64, count uint64) ([]pool.CoinRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	refs := make([]pool.CoinRef, 0, count)
	for i := uint64(0); i < count; i++ {
		f.nextVer++
		refs = append(refs, pool.CoinRef{
			ObjectID: fmt.Sprintf("%s-split-%d", coin.Ref.ObjectID, i),
			Version:  f.nextVer,
			Digest:   fmt.Sprintf("digest-%d", f.nextVer),
			Balance:  denomination,
		})
	}
	residual := coin.Balance - denomination*count
	if residual > 0 {
		f.nextVer++
		refs = append(refs, pool.CoinRef{
			ObjectID: coin.Ref.ObjectID,
			Version:  f.nextVer,
			Digest:   fmt.Sprintf("digest-%d", f.nextVer),
			Balance:  residual,
		})
	}
	return refs, nil
}
