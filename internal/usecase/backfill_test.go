package usecase

import (
	"context"
	"errors"
	"testing"

	applogger "CandleCast/pkg/logger"
	"CandleCast/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackfill(t *testing.T, src *fakeSource, nowMs int64) (*BackfillService, *clock) {
	t.Helper()
	clk := newClock(nowMs)
	bf := NewBackfillService(src, newStore(t), iv, metrics.Nop{}, applogger.NewNop())
	bf.now = clk.Now
	return bf, clk
}

func TestComputeMissingIntervals_EmptyStore(t *testing.T) {
	bf, _ := newBackfill(t, &fakeSource{}, at(100))
	got, err := bf.ComputeMissingIntervals(context.Background(), t0, at(5))
	require.NoError(t, err)
	assert.Equal(t, []int64{at(0), at(1), at(2), at(3), at(4)}, got)
}

func TestComputeMissingIntervals_SkipsStored(t *testing.T) {
	ctx := context.Background()
	bf, _ := newBackfill(t, &fakeSource{}, at(100))
	require.NoError(t, bf.store.Upsert(ctx, candleAt(1)))
	require.NoError(t, bf.store.Upsert(ctx, candleAt(3)))

	got, err := bf.ComputeMissingIntervals(ctx, t0, at(5))
	require.NoError(t, err)
	assert.Equal(t, []int64{at(0), at(2), at(4)}, got)

	got, err = bf.ComputeMissingIntervals(ctx, at(5), at(5))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFillGaps_ClampsToLastClosedInterval(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	bf, _ := newBackfill(t, src, at(4)+90_000)

	n, err := bf.FillGaps(ctx, t0, at(10))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []fetchCall{{at(0), at(4)}}, src.Calls())

	n, err = bf.FillGaps(ctx, at(4), at(10))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, src.Calls(), 1, "empty range must not hit upstream")
}

func TestFillGaps_WritesPartialProgress(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{partial: 2, err: errors.New("upstream 503")}
	bf, _ := newBackfill(t, src, at(50))

	n, err := bf.FillGaps(ctx, t0, at(10))
	require.Error(t, err)
	assert.Equal(t, 2, n)

	count, err := bf.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestInitializeWithGapFill(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	bf, clk := newBackfill(t, src, at(20)+1000)

	// empty store: whole window
	n, err := bf.InitializeWithGapFill(ctx, 10*iv.Duration())
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []fetchCall{{at(10), at(20)}}, src.Calls())

	// later run: only what is newer than the latest stored candle
	clk.Set(at(23) + 1000)
	n, err = bf.InitializeWithGapFill(ctx, 10*iv.Duration())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, fetchCall{at(20), at(23)}, src.Calls()[1])

	// stale store: never earlier than the window start
	clk.Set(at(100) + 1000)
	_, err = bf.InitializeWithGapFill(ctx, 10*iv.Duration())
	require.NoError(t, err)
	assert.Equal(t, fetchCall{at(90), at(100)}, src.Calls()[2])
}

func TestSchedule_RunsDetachedAndSkipsEmptyRanges(t *testing.T) {
	src := &fakeSource{}
	bf, _ := newBackfill(t, src, at(10))

	assert.Empty(t, bf.Schedule(context.Background(), at(10), at(12), "test"))

	ctx, cancel := context.WithCancel(context.Background())
	id := bf.Schedule(ctx, at(2), at(5), "test")
	cancel()
	assert.NotEmpty(t, id)
	bf.Wait()

	count, err := bf.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count, "cancelling the caller must not abort the task")
}
