// Package storage implements the keyed storage driver (C1): every
// cross-key mutation spec.md §3 requires is expressed as one atomic
// operation here, so reservation engine, sweeper, initializer, and
// execution coordinator never perform a read-modify-write across keys
// themselves (spec.md §4.1, §9). One contract, multiple backends: Redis
// for production, an in-memory fake for tests.
package storage

import (
	"context"
	"time"

	"github.com/iotaledger/gas-station/internal/pool"
)

// Store is the full C1 contract.
type Store interface {
	// ReserveGasCoins pops coins from the available pool until their
	// summed balance covers budget, or fails with pool.ErrInsufficient
	// (pool exhausted) / pool.ErrCap (coin-count cap reached) while
	// restoring anything already popped. On success it allocates a
	// fresh reservation id and stores expires_at = now + duration and
	// requested_budget = budget, so the reservation record carries
	// everything needed to validate its own later execute_tx.
	ReserveGasCoins(ctx context.Context, budget uint64, duration time.Duration) (*pool.Reservation, error)

	// AddNewCoins appends coin refs to the available pool. Used by the
	// initializer after a split confirms and by finalize after execute.
	AddNewCoins(ctx context.Context, refs []pool.CoinRef) error

	// GetReservation reads back a reservation's coin refs, requested
	// budget, and state without mutating it. Any coordinator instance
	// can call this for a reservation id it did not itself create,
	// since the record lives in the shared store rather than in the
	// serving instance's memory. pool.ErrNotFound / pool.ErrExpired on
	// failure.
	GetReservation(ctx context.Context, reservationID uint64) (*pool.Reservation, error)

	// ReadyForExecution transitions Live -> Executing and returns the
	// reservation's coin refs. pool.ErrNotFound / pool.ErrExpired on
	// failure.
	ReadyForExecution(ctx context.Context, reservationID uint64) ([]pool.CoinRef, error)

	// ReleaseReservation deletes the reservation and, if updated is
	// non-nil, atomically appends updated to the pool (post-execution
	// coin versions). The single finalization point per spec.md §4.5.
	ReleaseReservation(ctx context.Context, reservationID uint64, updated []pool.CoinRef) error

	// ExpireReservations returns coins of every reservation whose
	// expiry has passed to the pool and deletes those reservations,
	// returning their ids.
	ExpireReservations(ctx context.Context, now time.Time) ([]uint64, error)

	// AcquireInitLock attempts to take the named init lock with the
	// given TTL, returning ok=false (not an error) on contention.
	AcquireInitLock(ctx context.Context, ttl time.Duration) (ok bool, err error)

	// ReleaseInitLock releases the init lock this process holds.
	ReleaseInitLock(ctx context.Context) error

	// AggrIncrementSum atomically increments the named bucket counter
	// by amount (first write sets window TTL), clamping at
	// math.MaxInt64 rather than overflowing, and returns the new total.
	AggrIncrementSum(ctx context.Context, bucketKey string, amount int64, windowTTL time.Duration) (int64, error)

	// PeekCounter reads a counter without incrementing it; 0 if absent.
	PeekCounter(ctx context.Context, bucketKey string) (int64, error)

	// GetRaw reads an arbitrary string value by key, used by the access
	// controller to resolve keyed-store-backed rego sources (spec.md
	// §4.6 "Rego sources may be ... keyed-store values").
	GetRaw(ctx context.Context, key string) (value string, found bool, err error)

	// PoolSize reports the advisory (non-atomic) pool and reservation
	// counts used by the liveness/status/metrics surface.
	PoolSize(ctx context.Context) (available int, reserved int, err error)

	// PurgeCoin administratively removes a coin from the pool (spec.md
	// SPEC_FULL.md §4.1A); not part of the hot path.
	PurgeCoin(ctx context.Context, objectID string) error

	Close() error
}
