// Package initializer implements the initializer/replenisher (C4): it
// takes the init lock, discovers sponsor-owned coins via the full-node
// client, splits anything oversized into pool-sized denominations, and
// keeps doing so on a fixed interval so the pool never runs dry under
// steady load (spec.md §4.4). Bounded-parallel split submission uses
// golang.org/x/sync/errgroup for fan-out with a worker cap, run as a
// plain background goroutine the same way cmd/kcn/main.go launches its
// own long-running tasks.
package initializer

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/iotaledger/gas-station/internal/fullnode"
	"github.com/iotaledger/gas-station/internal/log"
	"github.com/iotaledger/gas-station/internal/storage"
)

var logger = log.NewModuleLogger(log.Initializer)

// newCoinBalanceFactorThreshold is the replenishment path's multiplier
// against target-init-balance: a previously-unknown coin must exceed
// this many multiples of the target before it is considered for a
// split (spec.md §4.4 "Replenishment path").
const newCoinBalanceFactorThreshold = 2

const initLockTTL = 12 * time.Hour

// defaultMaxParallelSplits bounds the initializer's own fan-out
// independent of any config knob, since spec.md names "bounded worker
// count" without specifying the bound.
const defaultMaxParallelSplits = 8

// Initializer drives C4's startup and replenishment paths.
type Initializer struct {
	store             storage.Store
	fullnode          fullnode.Client
	sponsor           string
	targetInitBalance uint64
	refreshInterval   time.Duration
	maxParallelSplits int64

	// lockWaitTimeout bounds how long acquireWithBackoff retries before
	// giving up; defaults to the lock's own TTL so contention against a
	// live holder is never waited out longer than the lock could
	// possibly be held. Tests shrink this to avoid a 12h retry loop.
	lockWaitTimeout time.Duration

	known map[string]bool // object ids already classified, across runs
}

func New(store storage.Store, fn fullnode.Client, sponsor string, targetInitBalance uint64, refreshInterval time.Duration) *Initializer {
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Minute
	}
	return &Initializer{
		store:             store,
		fullnode:          fn,
		sponsor:           sponsor,
		targetInitBalance: targetInitBalance,
		refreshInterval:   refreshInterval,
		maxParallelSplits: defaultMaxParallelSplits,
		lockWaitTimeout:   initLockTTL,
		known:             make(map[string]bool),
	}
}

// RunStartup performs spec.md §4.4's startup path once: acquire the
// init lock with backoff, split oversized coins if this process won the
// lock, then release it. If another instance still holds the lock once
// lockWaitTimeout has passed, it returns without error and without
// splitting ("skip initialization and proceed to serve").
func (init *Initializer) RunStartup(ctx context.Context) error {
	acquired, err := init.acquireWithBackoff(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Info("init lock held by another instance, skipping initialization")
		return nil
	}
	defer func() {
		if err := init.store.ReleaseInitLock(ctx); err != nil {
			logger.Error("failed to release init lock", "err", err)
		}
	}()

	return init.splitPass(ctx, 1) // factor 1: any unknown coin above target-init-balance
}

// acquireWithBackoff retries AcquireInitLock with exponential backoff
// plus jitter, capped at 30s per attempt and bounded overall by the
// lock's own 12h TTL (an instance that can't acquire it within that
// window gives up rather than spinning forever).
func (init *Initializer) acquireWithBackoff(ctx context.Context) (bool, error) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second
	deadline := time.Now().Add(init.lockWaitTimeout)

	for {
		ok, err := init.store.AcquireInitLock(ctx, initLockTTL)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		jitter := time.Duration(float64(backoff) * (0.5 + 0.5*jitterFraction()))
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(jitter):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// jitterFraction returns a value in [0,1) without relying on math/rand's
// global seed semantics; good enough for backoff spread, not a security
// primitive.
func jitterFraction() float64 {
	return float64(time.Now().UnixNano()%1000) / 1000.0
}

// RunReplenisher blocks, running the replenishment path on
// refresh-interval-sec until ctx is cancelled (spec.md §4.4
// "Replenishment path").
func (init *Initializer) RunReplenisher(ctx context.Context) error {
	ticker := time.NewTicker(init.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := init.splitPass(ctx, newCoinBalanceFactorThreshold); err != nil {
				logger.Error("replenishment pass failed", "err", err)
			}
		}
	}
}

// splitPass enumerates sponsor-owned coins, classifies them, and splits
// every unknown coin whose balance exceeds factor*targetInitBalance
// (spec.md §4.4 steps 1-4). factor is 1 for the startup path and
// newCoinBalanceFactorThreshold for the replenishment path.
func (init *Initializer) splitPass(ctx context.Context, factor uint64) error {
	owned, err := init.fullnode.OwnedCoins(ctx, init.sponsor)
	if err != nil {
		return err
	}

	threshold := factor * init.targetInitBalance
	var candidates []fullnode.OwnedCoin
	for _, c := range owned {
		if init.known[c.Ref.ObjectID] {
			continue
		}
		if c.Balance > threshold {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	logger.Info("splitting oversized coins", "count", len(candidates), "sponsor", init.sponsor)

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(init.maxParallelSplits)

	for _, candidate := range candidates {
		candidate := candidate
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return init.splitAndAdd(gctx, candidate)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, c := range candidates {
		init.known[c.Ref.ObjectID] = true
	}
	return nil
}

// splitAndAdd submits a single split transaction and, once it confirms,
// appends the resulting coin refs to the pool (spec.md §4.4 steps 3-4).
// A crash here is safe to retry: the next pass re-discovers the
// partially-split state through OwnedCoins (spec.md "Idempotence").
func (init *Initializer) splitAndAdd(ctx context.Context, coin fullnode.OwnedCoin) error {
	count := coin.Balance / init.targetInitBalance
	if count == 0 {
		return nil
	}

	refs, err := init.fullnode.SubmitSplit(ctx, coin, init.targetInitBalance, count)
	if err != nil {
		logger.Error("split submission failed", "coin", coin.Ref.ObjectID, "err", err)
		return err
	}

	if err := init.store.AddNewCoins(ctx, refs); err != nil {
		logger.Error("adding split coins to pool failed", "coin", coin.Ref.ObjectID, "err", err)
		return err
	}
	logger.Info("split confirmed", "coin", coin.Ref.ObjectID, "new_coins", len(refs))
	return nil
}
