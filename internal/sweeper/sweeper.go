// Package sweeper implements the expiration sweeper (C3): a single
// cooperative ticker task that returns abandoned reservations' coins to
// the pool. It holds no state of its own — correctness depends entirely
// on the atomicity of the storage driver's expire_reservations script
// (spec.md §4.3) — using the same ticker-goroutine shape as
// storage/database/badger_database.go's runValueLogGC: time.NewTicker,
// select loop, log-and-continue on error, never panic.
package sweeper

import (
	"context"
	"time"

	"github.com/iotaledger/gas-station/internal/log"
	"github.com/iotaledger/gas-station/internal/metrics"
	"github.com/iotaledger/gas-station/internal/storage"
)

var logger = log.NewModuleLogger(log.Sweeper)

// Sweeper runs expire_reservations on a fixed interval until Stop.
type Sweeper struct {
	store    storage.Store
	interval time.Duration
	metrics  *metrics.Collectors

	stop chan struct{}
	done chan struct{}
}

// SetMetrics attaches the Prometheus collectors sweeper reclaims are
// reported through; a nil Collectors (the zero value) is a no-op.
func (s *Sweeper) SetMetrics(m *metrics.Collectors) {
	s.metrics = m
}

func New(store storage.Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, ticking until ctx is cancelled or Stop is called. It is
// meant to be launched in its own goroutine by the caller.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	reclaimed, err := s.store.ExpireReservations(ctx, time.Now())
	if err != nil {
		logger.Error("expire_reservations failed, retrying next tick", "err", err)
		return
	}
	if len(reclaimed) > 0 {
		logger.Info("reclaimed expired reservations", "count", len(reclaimed), "ids", reclaimed)
		if s.metrics != nil {
			s.metrics.SweeperReclaims.Add(float64(len(reclaimed)))
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
