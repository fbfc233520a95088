package blobcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/sharedcache/sharedbytes"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) now() int64  { return c.ms }
func (c *fakeClock) advance(d time.Duration) { c.ms += d.Milliseconds() }

func newTestService(t *testing.T, numRegions int, regionSize int64, minTimeDelta time.Duration) (*SharedBlobCacheService, *fakeClock) {
	t.Helper()
	sb, err := sharedbytes.Open(t.TempDir()+"/shared_cache.dat", numRegions, regionSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sb.Close() })

	clk := &fakeClock{}
	svc := NewSharedBlobCacheService(sb, minTimeDelta, clk.now, NopMetrics{}, nil, SyncExecutor{}, SyncExecutor{})
	return svc, clk
}

func key(id string) CacheKey { return CacheKey{ID: id} }

func TestBasicEvictionWhenFull(t *testing.T) {
	svc, _ := newTestService(t, 2, 10, time.Second)
	ctx := context.Background()

	r0, err := svc.Get(ctx, key("a"), 10, 0)
	require.NoError(t, err)
	r1, err := svc.Get(ctx, key("b"), 10, 0)
	require.NoError(t, err)
	r0.DecRef()
	r1.DecRef()

	assert.Equal(t, 0, svc.FreeRegionCount())

	// Both regions are unreferenced; a third distinct key must evict one
	// of them rather than blocking or erroring.
	r2, err := svc.Get(ctx, key("c"), 10, 0)
	require.NoError(t, err)
	defer r2.DecRef()

	assert.Equal(t, int64(1), svc.Stats().EvictionsTotal)
	assert.Equal(t, 2, svc.RegionCount())
}

func TestAutomaticEvictionOnMissBlocksWhileAllReferenced(t *testing.T) {
	svc, _ := newTestService(t, 1, 10, time.Second)
	ctx := context.Background()

	r0, err := svc.Get(ctx, key("a"), 10, 0)
	require.NoError(t, err)

	ctxTimeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = svc.Get(ctxTimeout, key("b"), 10, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	r0.DecRef()
	r1, err := svc.Get(ctx, key("b"), 10, 0)
	require.NoError(t, err)
	r1.DecRef()
}

func TestForceEvictByPredicate(t *testing.T) {
	svc, _ := newTestService(t, 3, 10, time.Second)
	ctx := context.Background()

	ra, err := svc.Get(ctx, key("a"), 10, 0)
	require.NoError(t, err)
	rb, err := svc.Get(ctx, key("b"), 10, 0)
	require.NoError(t, err)
	rc, err := svc.Get(ctx, key("c"), 10, 0)
	require.NoError(t, err)

	n := svc.ForceEvict(func(k CacheKey) bool { return k.ID != "c" })
	assert.Equal(t, 2, n)

	// a and b are marked evicted even though still referenced: their
	// slots are not yet returned to the pool.
	assert.True(t, ra.Evicted())
	assert.True(t, rb.Evicted())
	assert.False(t, rc.Evicted())
	assert.Equal(t, 0, svc.FreeRegionCount())

	ra.DecRef()
	assert.Equal(t, 1, svc.FreeRegionCount())
	rb.DecRef()
	assert.Equal(t, 2, svc.FreeRegionCount())
	rc.DecRef()
}

func TestFrequencyPromotionIsRateGatedAndCapped(t *testing.T) {
	svc, clk := newTestService(t, 1, 10, time.Second)
	ctx := context.Background()

	r, err := svc.Get(ctx, key("a"), 10, 0)
	require.NoError(t, err)
	r.DecRef()
	assert.Equal(t, 1, r.freq)

	// Re-accessing within the same window must not promote further.
	r2, err := svc.Get(ctx, key("a"), 10, 0)
	require.NoError(t, err)
	r2.DecRef()
	assert.Equal(t, 1, r2.freq)

	for i := 0; i < FreqMax+2; i++ {
		clk.advance(2 * time.Second)
		r3, err := svc.Get(ctx, key("a"), 10, 0)
		require.NoError(t, err)
		r3.DecRef()
	}
	assert.Equal(t, FreqMax, r.freq)
}

func TestDecayReducesFrequencyOfIdleRegions(t *testing.T) {
	svc, clk := newTestService(t, 1, 10, time.Second)
	ctx := context.Background()

	r, err := svc.Get(ctx, key("a"), 10, 0)
	require.NoError(t, err)
	clk.advance(2 * time.Second)
	r2, err := svc.Get(ctx, key("a"), 10, 0)
	require.NoError(t, err)
	r2.DecRef()
	require.Equal(t, 2, r.freq)
	r.DecRef()

	clk.advance(10 * time.Second)
	svc.ComputeDecay()
	assert.Equal(t, 1, r.freq)

	svc.ComputeDecay()
	assert.Equal(t, 1, r.freq) // the first call set lastDecayTick, so no second decrement in this window

	// Once another full window has passed, decay decrements again, and
	// it stops at zero.
	clk.advance(10 * time.Second)
	svc.ComputeDecay()
	assert.Equal(t, 0, r.freq)
	svc.ComputeDecay()
	assert.Equal(t, 0, r.freq)
}

func TestRepeatedPopulateOnlyFirstCallerSchedulesWork(t *testing.T) {
	svc, _ := newTestService(t, 1, 10, time.Second)
	ctx := context.Background()

	r, err := svc.Get(ctx, key("a"), 10, 0)
	require.NoError(t, err)

	w := fakeWriter{data: []byte("0123456789")}
	first := &recordingPopulateListener{}
	r.Populate(ctx, Range{0, 10}, w, SyncExecutor{}, first)
	assert.True(t, first.scheduled)

	second := &recordingPopulateListener{}
	r2, err := svc.Get(ctx, key("a"), 10, 0)
	require.NoError(t, err)
	r2.Populate(ctx, Range{0, 10}, w, SyncExecutor{}, second)
	assert.False(t, second.scheduled)
}

func TestMaybeFetchFullEntryRefusesWhenCapacityInsufficient(t *testing.T) {
	svc, _ := newTestService(t, 2, 100, time.Second)
	ctx := context.Background()
	w := fakeWriter{data: make([]byte, 500)}

	listener := &blockingFetchListener{done: make(chan error, 1)}
	ok := svc.MaybeFetchFullEntry(ctx, key("big"), 500, w, listener)
	assert.False(t, ok)
	assert.Equal(t, 2, svc.FreeRegionCount())
}

func TestMaybeFetchFullEntrySucceedsAndPopulatesAllRegions(t *testing.T) {
	svc, _ := newTestService(t, 5, 100, time.Second)
	ctx := context.Background()
	data := make([]byte, 500)
	for i := range data {
		data[i] = byte(i)
	}
	w := fakeWriter{data: data}

	listener := &blockingFetchListener{done: make(chan error, 1)}
	ok := svc.MaybeFetchFullEntry(ctx, key("big"), 500, w, listener)
	require.True(t, ok)

	select {
	case err := <-listener.done:
		require.NoError(t, err)
	default:
		t.Fatal("expected synchronous completion with a sync executor")
	}
	assert.Equal(t, 0, svc.FreeRegionCount())
}

type blockingFetchListener struct {
	done chan error
}

func (l *blockingFetchListener) OnComplete(err error) { l.done <- err }

func TestMaybeEvictLeastUsedOnlyEvictsFreqZero(t *testing.T) {
	svc, clk := newTestService(t, 2, 10, time.Second)
	ctx := context.Background()

	// "a" is populated once and then left idle long enough for decay to
	// bring its freq down to zero: only then is it eligible.
	r0, err := svc.Get(ctx, key("a"), 10, 0)
	require.NoError(t, err)
	r0.DecRef()
	require.Equal(t, 1, r0.freq)

	// "b" is accessed twice more, well spaced out, so its freq stays
	// above zero and decay alone cannot bring it down within the same
	// window as "a".
	r1, err := svc.Get(ctx, key("b"), 10, 0)
	require.NoError(t, err)
	r1.DecRef()
	clk.advance(2 * time.Second)
	r1b, err := svc.Get(ctx, key("b"), 10, 0)
	require.NoError(t, err)
	r1b.DecRef()
	require.Equal(t, 2, r1b.freq)

	clk.advance(10 * time.Second)
	svc.ComputeDecay()
	require.Equal(t, 0, r0.freq)
	require.Equal(t, 1, r1b.freq)

	assert.True(t, svc.MaybeEvictLeastUsed())
	assert.Equal(t, 1, svc.FreeRegionCount())

	// Only freq==0 region "a" is gone; "b" (freq 1) must survive a
	// second call, which now finds nothing eligible.
	assert.False(t, svc.MaybeEvictLeastUsed())
	assert.Equal(t, 1, svc.FreeRegionCount())
}
