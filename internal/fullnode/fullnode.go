// Package fullnode declares the full-node client contract the execution
// coordinator and initializer depend on. Per spec.md §1 the full-node
// client itself is an external collaborator, out of scope for this
// repository — only the interface it must satisfy lives here: a small
// interface with a swappable implementation, the same shape every
// api/*.go handler is written against via api.Backend.
package fullnode

import (
	"context"

	"github.com/iotaledger/gas-station/internal/pool"
)

// OwnedCoin is one coin object the sponsor address owns, as enumerated
// by the full node (spec.md §4.4 step 1).
type OwnedCoin struct {
	Ref     pool.CoinRef
	Balance uint64
}

// DryRunResult is the predicted outcome of executing a transaction
// without committing it (spec.md §4.5 "Ready -> DryRunOK").
type DryRunResult struct {
	PredictedGasUsed uint64
	Error            string // non-empty if the dry-run itself predicts failure
}

// EffectsStatus is the on-chain outcome of a submitted transaction
// (spec.md §4.5 "Submitted -> Finalized").
type EffectsStatus string

const (
	EffectsSuccess EffectsStatus = "success"
	EffectsFailure EffectsStatus = "failure"
)

// Effects carries the post-execution facts the coordinator needs to
// compute the reservation's post-execution coin set (spec.md §4.5
// partial-failure semantics).
type Effects struct {
	Status      EffectsStatus
	GasUsed     uint64
	ChangeCoin  *pool.CoinRef // nil if the gas coins were fully consumed
	SpentCoins  []pool.CoinRef // the new (post-spend) versions of the input gas coins
}

// Client is the full-node surface the gas station depends on. A real
// implementation talks JSON-RPC to an IOTA-family full node; this
// repository only defines the contract and a bounded in-memory fake for
// tests (see fake.go).
type Client interface {
	// OwnedCoins enumerates every coin object the given address owns,
	// used by the initializer to discover split candidates.
	OwnedCoins(ctx context.Context, address string) ([]OwnedCoin, error)

	// DryRun predicts the gas cost of executing txBytes without
	// committing it.
	DryRun(ctx context.Context, txBytes []byte) (*DryRunResult, error)

	// Submit broadcasts a fully-signed transaction and awaits its
	// effects.
	Submit(ctx context.Context, txBytes []byte) (*Effects, error)

	// SubmitSplit builds and submits a transaction that splits coin
	// into count pieces of size denomination (plus a residual),
	// returning the resulting coin refs (spec.md §4.4 step 3).
	SubmitSplit(ctx context.Context, coin OwnedCoin, denomination uint64, count uint64) ([]pool.CoinRef, error)
}
