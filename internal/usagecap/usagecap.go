// Package usagecap implements the global daily gas-usage ceiling (C7),
// sharing the storage driver's counter infrastructure with the access
// controller's gas-usage rule term (spec.md §1, §4.7).
package usagecap

import (
	"context"
	"time"

	"github.com/iotaledger/gas-station/internal/log"
	"github.com/iotaledger/gas-station/internal/pool"
	"github.com/iotaledger/gas-station/internal/storage"
)

var logger = log.NewModuleLogger(log.UsageCap)

const dailyWindow = 24 * time.Hour

// Tracker enforces daily-gas-usage-cap (spec.md §6).
type Tracker struct {
	store   storage.Store
	sponsor string
	cap     int64
}

func New(store storage.Store, sponsor string, dailyCap int64) *Tracker {
	return &Tracker{store: store, sponsor: sponsor, cap: dailyCap}
}

func (t *Tracker) key() string { return "usage:daily:" + t.sponsor }

// CheckBeforeSubmit reads the current counter and denies the request if
// adding predictedGas would exceed the cap (spec.md §4.7, and the
// "checks the pre-submit counter ... after adding the dry-run
// prediction" resolution recorded in DESIGN.md).
func (t *Tracker) CheckBeforeSubmit(ctx context.Context, predictedGas uint64) error {
	if t.cap <= 0 {
		return nil // 0 or unset means no ceiling configured
	}
	current, err := t.store.PeekCounter(ctx, t.key())
	if err != nil {
		return err
	}
	if current+int64(predictedGas) > t.cap {
		logger.Warn("daily cap would be exceeded", "current", current, "predicted", predictedGas, "cap", t.cap)
		return pool.ErrCapExceeded
	}
	return nil
}

// Peek reads the current daily counter without incrementing it, for the
// status endpoint.
func (t *Tracker) Peek(ctx context.Context) (int64, error) {
	return t.store.PeekCounter(ctx, t.key())
}

// RecordUsage increments the daily counter by the actually-consumed gas
// after finalization (spec.md §4.5 "Submitted -> Finalized").
func (t *Tracker) RecordUsage(ctx context.Context, gasUsed uint64) error {
	_, err := t.store.AggrIncrementSum(ctx, t.key(), int64(gasUsed), dailyWindow)
	return err
}
