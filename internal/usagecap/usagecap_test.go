package usagecap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotaledger/gas-station/internal/pool"
	"github.com/iotaledger/gas-station/internal/storage"
)

func TestTracker_CheckBeforeSubmitAllowsUnderCap(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := New(store, "sponsor", 1000)

	require.NoError(t, tr.CheckBeforeSubmit(context.Background(), 500))
}

// S6: two successive 600-gas transactions from the same sender against
// a 1000 daily cap; the second must be denied.
func TestTracker_CheckBeforeSubmitDeniesOverCapAfterRecording(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := New(store, "sponsor", 1000)
	ctx := context.Background()

	require.NoError(t, tr.CheckBeforeSubmit(ctx, 600))
	require.NoError(t, tr.RecordUsage(ctx, 600))

	err := tr.CheckBeforeSubmit(ctx, 600)
	assert.ErrorIs(t, err, pool.ErrCapExceeded)
}

func TestTracker_ZeroCapMeansUnbounded(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := New(store, "sponsor", 0)
	require.NoError(t, tr.CheckBeforeSubmit(context.Background(), 1_000_000))
}

func TestTracker_PeekReflectsRecordedUsage(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := New(store, "sponsor", 1000)
	ctx := context.Background()

	usage, err := tr.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage)

	require.NoError(t, tr.RecordUsage(ctx, 250))
	usage, err = tr.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(250), usage)
}
