// Package reservation implements the reservation engine (C2): it owns no
// state of its own, delegating every pool transition to the storage
// driver through a narrow interface rather than touching storage
// directly.
package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/iotaledger/gas-station/internal/log"
	"github.com/iotaledger/gas-station/internal/metrics"
	"github.com/iotaledger/gas-station/internal/pool"
	"github.com/iotaledger/gas-station/internal/storage"
)

var logger = log.NewModuleLogger(log.Reservation)

// Engine is the C2 contract used by the RPC surface and the execution
// coordinator.
type Engine struct {
	store   storage.Store
	metrics *metrics.Collectors
}

func New(store storage.Store) *Engine {
	return &Engine{store: store}
}

// SetMetrics attaches the Prometheus collectors reservation outcomes
// are reported through; a nil Collectors is a no-op.
func (e *Engine) SetMetrics(m *metrics.Collectors) {
	e.metrics = m
}

// Reserve maps a budget and a hold duration onto a set of coin refs
// (spec.md §4.2). The selection algorithm itself lives in the storage
// driver's atomic script; this layer only adds logging and the
// zero-duration guard a client-facing API needs.
func (e *Engine) Reserve(ctx context.Context, budget uint64, duration time.Duration) (*pool.Reservation, error) {
	if budget == 0 {
		return nil, pool.ErrInternal
	}
	if duration <= 0 {
		duration = time.Minute
	}

	res, err := e.store.ReserveGasCoins(ctx, budget, duration)
	if err != nil {
		logger.Warn("reserve failed", "budget", budget, "err", err)
		e.countOutcome(outcomeFor(err))
		return nil, err
	}
	logger.Info("reserved", "reservation_id", res.ID, "budget", budget, "coins", len(res.CoinRefs), "total", res.TotalBalance)
	e.countOutcome("reserved")
	e.refreshPoolGauges(ctx)
	return res, nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, pool.ErrCap):
		return "cap"
	case errors.Is(err, pool.ErrInsufficient):
		return "insufficient"
	default:
		return "error"
	}
}

func (e *Engine) countOutcome(outcome string) {
	if e.metrics != nil {
		e.metrics.ReservationOutcome.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) refreshPoolGauges(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	avail, reserved, err := e.store.PoolSize(ctx)
	if err != nil {
		return
	}
	e.metrics.PoolAvailable.Set(float64(avail))
	e.metrics.PoolReserved.Set(float64(reserved))
}

// Get reads back a reservation's coins, requested budget, and state
// without mutating it, so the execution coordinator can validate an
// execute_tx against a reservation regardless of which instance served
// the original reserve_gas call.
func (e *Engine) Get(ctx context.Context, reservationID uint64) (*pool.Reservation, error) {
	return e.store.GetReservation(ctx, reservationID)
}

// ReadyForExecution transitions a reservation Live -> Executing ahead of
// a dry-run/sign/submit sequence (spec.md §4.5 "Authorized -> Ready").
func (e *Engine) ReadyForExecution(ctx context.Context, reservationID uint64) ([]pool.CoinRef, error) {
	refs, err := e.store.ReadyForExecution(ctx, reservationID)
	if err != nil {
		logger.Warn("ready-for-execution failed", "reservation_id", reservationID, "err", err)
		return nil, err
	}
	return refs, nil
}

// Finalize is the single finalization point (spec.md §4.5): it deletes
// the reservation and appends whatever coin refs survive execution
// (possibly none, if the coins were fully consumed).
func (e *Engine) Finalize(ctx context.Context, reservationID uint64, updated []pool.CoinRef) error {
	if err := e.store.ReleaseReservation(ctx, reservationID, updated); err != nil {
		logger.Error("finalize failed", "reservation_id", reservationID, "err", err)
		return err
	}
	logger.Info("finalized", "reservation_id", reservationID, "returned_coins", len(updated))
	e.refreshPoolGauges(ctx)
	return nil
}

// Abandon releases a reservation without execution (e.g. the access
// controller denied the request after the reservation was created), in
// effect an early, explicit sweep of a single reservation.
func (e *Engine) Abandon(ctx context.Context, reservationID uint64, refs []pool.CoinRef) error {
	return e.Finalize(ctx, reservationID, refs)
}
