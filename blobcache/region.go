package blobcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafana/sharedcache/sharedbytes"
)

// RangeWriter fills a byte range of a region channel from an external
// origin, reporting incremental progress via onProgress. The Gap records
// that progress, but Tracker.WaitForRange callers waiting on a sub-range
// are released only once the whole gap completes.
type RangeWriter interface {
	WriteRange(ctx context.Context, ch *sharedbytes.RegionChannel, channelPos, relativePos int64, length int64, onProgress func(n int64)) error
}

// RangeReader reads a byte range of a region channel that has already
// been populated.
type RangeReader interface {
	ReadRange(ctx context.Context, ch *sharedbytes.RegionChannel, channelPos, relativePos int64, length int64) (int, error)
}

// PopulateReadListener receives the outcome of CacheFileRegion.PopulateAndRead.
type PopulateReadListener interface {
	OnResponse(n int)
	OnFailure(err error)
}

// PopulateListener receives the outcome of CacheFileRegion.Populate.
type PopulateListener interface {
	// OnResponse reports whether this call scheduled at least one gap
	// (true) or was fully coalesced onto already-covered or
	// already-in-flight bytes (false).
	OnResponse(scheduled bool)
	OnFailure(err error)
}

// CacheFileRegion is one physical slot of the shared backing file,
// holding the bytes of one (CacheKey, regionIndex) pair. It is created
// on a cache miss and destroyed only once evicted and unreferenced; see
// SharedBlobCacheService for the state transitions.
type CacheFileRegion struct {
	key     RegionKey
	slot    int
	length  int64
	tracker *Tracker
	channel *sharedbytes.RegionChannel
	svc     *SharedBlobCacheService

	refCount atomic.Int32
	evicted  atomic.Bool
	once     sync.Once

	// freq, lastAccessTick and lastDecayTick are mutated only under svc.mu.
	freq           int
	lastAccessTick int64
	lastDecayTick  int64
}

// Key returns the (CacheKey, regionIndex) this region holds.
func (r *CacheFileRegion) Key() RegionKey { return r.key }

// Slot returns the physical slot index backing this region.
func (r *CacheFileRegion) Slot() int { return r.slot }

// Length returns the logical number of bytes this region holds (at most
// the configured region size, less at the tail of a blob).
func (r *CacheFileRegion) Length() int64 { return r.length }

// RefCount returns the current reference count. Exposed for tests and
// diagnostics.
func (r *CacheFileRegion) RefCount() int32 { return r.refCount.Load() }

// Evicted reports whether this region has been marked for eviction. A
// region that is Evicted will never satisfy a future cache lookup even
// while its refCount is still positive.
func (r *CacheFileRegion) Evicted() bool { return r.evicted.Load() }

// TryIncRef attempts to take a new reference on the region, refusing to
// resurrect a region that has already been marked evicted. Safe for
// concurrent use without any lock.
func (r *CacheFileRegion) TryIncRef() bool {
	r.refCount.Add(1)
	if r.evicted.Load() {
		r.refCount.Add(-1)
		return false
	}
	return true
}

// DecRef releases a reference taken by TryIncRef or by region creation.
// If this was the last reference on an evicted region, the physical
// slot is returned to the free pool.
func (r *CacheFileRegion) DecRef() {
	n := r.refCount.Add(-1)
	if n < 0 {
		panic("blobcache: CacheFileRegion refCount underflow")
	}
	if n == 0 && r.evicted.Load() {
		r.svc.reclaim(r)
	}
}

// tryEvict succeeds only if the region currently has no references,
// atomically transitioning it to evicted in that case. It must be
// called with the owning service's lock held. On failure the region is
// left exactly as it was (evicted stays false).
func (r *CacheFileRegion) tryEvict() bool {
	if r.evicted.Load() {
		return false
	}
	r.evicted.Store(true)
	if r.refCount.Load() == 0 {
		return true
	}
	// A concurrent TryIncRef raced us, or the region was genuinely
	// still referenced. Either way it cannot be evicted right now;
	// un-publish so future TryIncRef/get calls keep working. A
	// TryIncRef that observed evicted=true during the brief window above
	// rolls its own increment back and returns false; a DecRef that
	// observed it calls reclaim, whose finalizeIfIdle re-checks evicted
	// under the service lock and so leaves this region's slot alone.
	r.evicted.Store(false)
	return false
}

// markEvictedPending unconditionally marks the region evicted,
// regardless of its current reference count, and reports whether this
// call performed the transition (false if the region was already
// evicted). It must be called with the owning service's lock held.
// Reclamation of the slot happens later, when the reference count
// drops to zero.
func (r *CacheFileRegion) markEvictedPending() bool {
	return !r.evicted.Swap(true)
}

// finalizeIfIdle reclaims the slot immediately if the region is evicted
// and has no outstanding references. It must be called with the owning
// service's lock held, either immediately after a successful tryEvict or
// markEvictedPending call, or from reclaim.
func (r *CacheFileRegion) finalizeIfIdle() {
	if r.refCount.Load() == 0 && r.evicted.Load() {
		r.once.Do(func() { r.svc.freeSlotLocked(r.slot) })
	}
}

// PopulateAndRead ensures readRange is fully populated (issuing writes
// for writeRange, a superset of readRange, via w to fill whatever is
// currently missing) and then reads readRange via rd, reporting the
// outcome to listener. The caller must already hold a reference on r;
// PopulateAndRead releases it once readRange's gaps resolve, which
// assumes every gap of writeRange overlaps readRange: a caller passing
// a writeRange strictly larger than readRange would have its
// non-overlapping gap fills racing a reclaim of r after the ref drops.
// Every current call site passes writeRange == readRange.
func (r *CacheFileRegion) PopulateAndRead(ctx context.Context, writeRange, readRange Range, w RangeWriter, rd RangeReader, exec Executor, listener PopulateReadListener) {
	gaps := r.tracker.WaitForRange(writeRange, readRange, func(err error) {
		if err != nil {
			listener.OnFailure(fmt.Errorf("blobcache: %w: %v", ErrPopulateFailed, err))
			r.DecRef()
			return
		}
		exec.Submit(func() {
			defer r.DecRef()
			n, rerr := runReadRange(ctx, rd, r.channel, readRange)
			if rerr != nil {
				listener.OnFailure(rerr)
				return
			}
			listener.OnResponse(n)
		})
	})

	for _, g := range gaps {
		g := g
		exec.Submit(func() {
			r.runFillGapTimed(ctx, w, g)
		})
	}
}

// Populate ensures writeRange is fully populated via w, without
// reading anything back. The caller must already hold a reference on
// r; Populate releases it once writeRange is fully covered (which may
// mean waiting on gaps another caller is filling) or as soon as one of
// the gaps it waits on fails.
func (r *CacheFileRegion) Populate(ctx context.Context, writeRange Range, w RangeWriter, exec Executor, listener PopulateListener) {
	var gaps []*Gap
	gaps = r.tracker.WaitForRange(writeRange, writeRange, func(err error) {
		defer r.DecRef()
		if err != nil {
			listener.OnFailure(fmt.Errorf("blobcache: %w: %v", ErrPopulateFailed, err))
			return
		}
		listener.OnResponse(len(gaps) > 0)
	})

	for _, g := range gaps {
		g := g
		exec.Submit(func() {
			r.runFillGapTimed(ctx, w, g)
		})
	}
}

// runFillGapTimed runs runFillGap and reports the wall-clock time it
// took to the service's metrics sink, regardless of outcome.
func (r *CacheFileRegion) runFillGapTimed(ctx context.Context, w RangeWriter, g *Gap) {
	start := time.Now()
	runFillGap(ctx, w, r.channel, g)
	r.svc.metrics.RecordPopulateLatency(time.Since(start))
}

func runFillGap(ctx context.Context, w RangeWriter, ch *sharedbytes.RegionChannel, g *Gap) {
	defer func() {
		if rec := recover(); rec != nil {
			g.OnFailure(fmt.Errorf("blobcache: writer panicked: %v", rec))
		}
	}()
	rng := g.Range()
	err := w.WriteRange(ctx, ch, rng.Start, rng.Start, rng.Len(), g.OnProgress)
	if err != nil {
		g.OnFailure(err)
		return
	}
	g.OnCompletion()
}

func runReadRange(ctx context.Context, rd RangeReader, ch *sharedbytes.RegionChannel, readRange Range) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("blobcache: %w: reader panicked: %v", ErrPopulateFailed, rec)
		}
	}()
	n, err = rd.ReadRange(ctx, ch, readRange.Start, readRange.Start, readRange.Len())
	if err != nil {
		err = fmt.Errorf("blobcache: %w: %v", ErrPopulateFailed, err)
	}
	return n, err
}
