// Package coordinator implements the execution coordinator (C5): the
// per-request state machine that validates a sponsor-gas transaction
// envelope, runs it past the access controller, hands it to the
// full-node client for a dry run, requests the sponsor signature, and
// submits it, releasing the reservation at the one finalization point
// regardless of on-chain outcome (spec.md §4.5). Every step reads the
// reservation back from the shared store rather than trusting state
// handed to it by the caller, so validate-then-apply holds even when
// reserve_gas and execute_tx for the same reservation land on
// different coordinator instances.
package coordinator

import (
	"context"

	"github.com/pkg/errors"

	"github.com/iotaledger/gas-station/internal/access"
	"github.com/iotaledger/gas-station/internal/fullnode"
	"github.com/iotaledger/gas-station/internal/log"
	"github.com/iotaledger/gas-station/internal/metrics"
	"github.com/iotaledger/gas-station/internal/pool"
	"github.com/iotaledger/gas-station/internal/reservation"
	"github.com/iotaledger/gas-station/internal/signer"
	"github.com/iotaledger/gas-station/internal/usagecap"
)

var logger = log.NewModuleLogger(log.Coordinator)

// Coordinator wires the five external collaborators an execute request
// touches (spec.md §1): storage (via the reservation engine), the
// access controller, the full-node client, the sponsor signer, and the
// daily usage tracker.
type Coordinator struct {
	reservations *reservation.Engine
	access       *access.Controller
	fullnode     fullnode.Client
	signer       signer.Signer
	usage        *usagecap.Tracker
	metrics      *metrics.Collectors
}

func New(reservations *reservation.Engine, ac *access.Controller, fn fullnode.Client, sg signer.Signer, usage *usagecap.Tracker) *Coordinator {
	return &Coordinator{reservations: reservations, access: ac, fullnode: fn, signer: sg, usage: usage}
}

// SetMetrics attaches the Prometheus collectors execute outcomes and
// gas usage are reported through; a nil Collectors is a no-op.
func (c *Coordinator) SetMetrics(m *metrics.Collectors) {
	c.metrics = m
}

func (c *Coordinator) countOutcome(r Result) Result {
	if c.metrics != nil {
		c.metrics.ExecuteOutcomes.WithLabelValues(string(r.State)).Inc()
		if r.GasUsed > 0 {
			c.metrics.GasUsedTotal.Add(float64(r.GasUsed))
		}
	}
	return r
}

// Execute drives one transaction through the full state machine.
// reservationID is looked up against the shared store on every call, so
// the instance serving execute_tx need not be the one that served the
// reservation's original reserve_gas call.
func (c *Coordinator) Execute(ctx context.Context, reservationID uint64, env *Envelope, sponsorAddress string) Result {
	return c.countOutcome(c.execute(ctx, reservationID, env, sponsorAddress))
}

func (c *Coordinator) execute(ctx context.Context, reservationID uint64, env *Envelope, sponsorAddress string) Result {
	res, err := c.reservations.Get(ctx, reservationID)
	if err != nil {
		return Result{State: Failed, ReservationID: reservationID, Error: errors.Wrapf(err, "reservation %d", reservationID)}
	}
	if res.State != pool.StateLive {
		return Result{State: Failed, ReservationID: res.ID, Error: errors.Wrapf(pool.ErrInternal, "reservation %d is not live", res.ID)}
	}

	// Received -> Validated
	if err := c.validate(env, res, sponsorAddress); err != nil {
		logger.Warn("validation failed", "reservation_id", res.ID, "err", err)
		return Result{State: Failed, ReservationID: res.ID, Error: err}
	}

	// Validated -> Authorized
	tx := envelopeToTransaction(env)
	verdict, err := c.access.Evaluate(ctx, tx)
	if err != nil {
		logger.Error("access controller error", "reservation_id", res.ID, "err", err)
		return Result{State: Failed, ReservationID: res.ID, Error: err}
	}
	if verdict == access.Deny {
		logger.Info("denied by access controller", "reservation_id", res.ID, "sender", env.Sender)
		_ = c.reservations.Abandon(ctx, res.ID, res.CoinRefs)
		return Result{State: Denied, ReservationID: res.ID, Error: pool.ErrDenied}
	}

	// Authorized -> Ready
	coins, err := c.reservations.ReadyForExecution(ctx, res.ID)
	if err != nil {
		logger.Warn("ready-for-execution failed", "reservation_id", res.ID, "err", err)
		return Result{State: Failed, ReservationID: res.ID, Error: err}
	}

	// Ready -> DryRunOK
	txBytes, err := env.Bytes()
	if err != nil {
		return c.fail(ctx, res.ID, coins, errors.Wrap(pool.ErrInternal, err.Error()))
	}
	dry, err := c.fullnode.DryRun(ctx, txBytes)
	if err != nil {
		return c.fail(ctx, res.ID, coins, errors.Wrap(pool.ErrLedgerUnavailable, "dry run: "+err.Error()))
	}
	if dry.Error != "" {
		return c.fail(ctx, res.ID, coins, errors.Wrapf(pool.ErrInternal, "dry run predicted failure: %s", dry.Error))
	}
	if c.usage != nil {
		if err := c.usage.CheckBeforeSubmit(ctx, dry.PredictedGasUsed); err != nil {
			return c.fail(ctx, res.ID, coins, err)
		}
	}

	// DryRunOK -> Signed
	sig, err := c.signer.Sign(ctx, txBytes)
	if err != nil {
		return c.fail(ctx, res.ID, coins, errors.Wrap(pool.ErrSignerUnavailable, err.Error()))
	}
	env.FeePayerSignature = sig
	signedBytes, err := env.Bytes()
	if err != nil {
		return c.fail(ctx, res.ID, coins, errors.Wrap(pool.ErrInternal, err.Error()))
	}

	// Signed -> Submitted -> Finalized
	effects, err := c.fullnode.Submit(ctx, signedBytes)
	if err != nil {
		// The coordinator cannot tell whether the full node actually
		// broadcast it; per spec.md §4.5 the sweeper reclaims the
		// reservation if nothing releases it, and the initializer's
		// next pass reconciles against what the chain actually shows.
		logger.Error("submit failed, reservation left for sweeper to reclaim", "reservation_id", res.ID, "err", err)
		return Result{State: Failed, ReservationID: res.ID, Error: errors.Wrap(pool.ErrLedgerUnavailable, "submit: "+err.Error())}
	}

	return c.finalize(ctx, res.ID, tx, effects)
}

func (c *Coordinator) validate(env *Envelope, res *pool.Reservation, sponsorAddress string) error {
	if env.GasOwner != sponsorAddress {
		return errors.Wrapf(pool.ErrInternal, "gas_owner %q does not match sponsor address", env.GasOwner)
	}
	if env.GasBudget != res.RequestedBudget {
		return errors.Wrapf(pool.ErrInternal, "envelope gas budget %d does not equal reservation's requested budget %d", env.GasBudget, res.RequestedBudget)
	}
	if !sameCoinSet(env.GasPaymentObjectIDs, res.CoinRefs) {
		return errors.Wrapf(pool.ErrInternal, "gas payment objects do not match reservation %d's coins", res.ID)
	}
	return nil
}

func sameCoinSet(objectIDs []string, refs []pool.CoinRef) bool {
	if len(objectIDs) != len(refs) {
		return false
	}
	want := make(map[string]bool, len(refs))
	for _, r := range refs {
		want[r.ObjectID] = true
	}
	for _, id := range objectIDs {
		if !want[id] {
			return false
		}
	}
	return true
}

// fail abandons the reservation (returning its coins, unchanged) and
// reports Failed. Used for every terminal failure from Ready onward,
// before any on-chain effects could have occurred.
func (c *Coordinator) fail(ctx context.Context, reservationID uint64, coins []pool.CoinRef, cause error) Result {
	if err := c.reservations.Abandon(ctx, reservationID, coins); err != nil {
		logger.Error("abandon after failure also failed, leaving for sweeper", "reservation_id", reservationID, "err", err)
	}
	return Result{State: Failed, ReservationID: reservationID, Error: cause}
}

// finalize computes the post-execution coin set from on-chain effects
// and performs the single finalization call (spec.md §4.5 partial-
// failure semantics): on success the change coin returns to the pool;
// on failure the gas coins are still spent and their new versions
// return to the pool. Either way release_reservation is called exactly
// once.
func (c *Coordinator) finalize(ctx context.Context, reservationID uint64, tx *access.Transaction, effects *fullnode.Effects) Result {
	var updated []pool.CoinRef
	updated = append(updated, effects.SpentCoins...)
	if effects.ChangeCoin != nil {
		updated = append(updated, *effects.ChangeCoin)
	}

	if err := c.reservations.Finalize(ctx, reservationID, updated); err != nil {
		logger.Error("finalize failed", "reservation_id", reservationID, "err", err)
		return Result{State: Failed, ReservationID: reservationID, GasUsed: effects.GasUsed, Error: err}
	}

	if c.usage != nil {
		if err := c.usage.RecordUsage(ctx, effects.GasUsed); err != nil {
			logger.Error("usage cap recording failed", "reservation_id", reservationID, "err", err)
		}
	}
	if err := c.access.RecordGasUsage(ctx, tx, effects.GasUsed); err != nil {
		logger.Error("access controller usage recording failed", "reservation_id", reservationID, "err", err)
	}

	if effects.Status == fullnode.EffectsFailure {
		logger.Info("transaction executed on-chain but failed", "reservation_id", reservationID)
		return Result{State: Finalized, ReservationID: reservationID, GasUsed: effects.GasUsed, Error: errors.Wrap(pool.ErrInternal, "transaction reverted on-chain")}
	}
	return Result{State: Finalized, ReservationID: reservationID, GasUsed: effects.GasUsed}
}

func envelopeToTransaction(env *Envelope) *access.Transaction {
	return &access.Transaction{
		Sender:           env.Sender,
		GasBudget:        env.GasBudget,
		GasOwner:         env.GasOwner,
		MoveCallPackages: env.MoveCallPackages,
		IsProgrammable:   env.Programmable,
		PTBCommandCount:  env.CommandCount,
		Raw:              env.Raw,
	}
}
