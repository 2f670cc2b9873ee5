// Package pool defines the coin and reservation data model shared by the
// storage driver, reservation engine, sweeper, and execution coordinator:
// plain exported fields, no behavior beyond (de)serialization helpers.
package pool

import "fmt"

// CoinRef identifies one on-chain coin object at a specific version
// (spec.md §3): (object_id, version, digest). Two refs with equal
// ObjectID but different Version/Digest represent successive states of
// the same object, never two live coins.
type CoinRef struct {
	ObjectID string `json:"object_id"`
	Version  uint64 `json:"version"`
	Digest   string `json:"digest"`
	Balance  uint64 `json:"balance"`
}

func (c CoinRef) String() string {
	return fmt.Sprintf("%s@%d/%s(%d)", c.ObjectID, c.Version, c.Digest, c.Balance)
}

// ReservationState is the lifecycle stage of a Reservation (spec.md §3).
type ReservationState string

const (
	StateLive      ReservationState = "Live"
	StateExecuting ReservationState = "Executing"
	StateFinalized ReservationState = "Finalized"
)

// Reservation is a time-bounded hold on a set of coins for one future
// submission (spec.md §3). RequestedBudget is the budget the caller
// asked reserve_gas to cover, persisted alongside the coins themselves
// so any coordinator instance behind the store can validate a later
// execute_tx against it, not just the instance that created it.
// TotalBalance is the coin-granularity sum that covers RequestedBudget
// and may exceed it.
type Reservation struct {
	ID              uint64           `json:"reservation_id"`
	CoinRefs        []CoinRef        `json:"coin_refs"`
	TotalBalance    uint64           `json:"total_balance"`
	RequestedBudget uint64           `json:"requested_budget"`
	ExpiresAt       int64            `json:"expires_at"`
	State           ReservationState `json:"state"`
}

// Sum returns the total balance across refs; the Redis store uses it to
// populate TotalBalance when a reservation is created.
func Sum(refs []CoinRef) uint64 {
	var total uint64
	for _, r := range refs {
		total += r.Balance
	}
	return total
}
