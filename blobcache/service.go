package blobcache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/sharedcache/sharedbytes"
)

// MetricsSink receives cache events. Implementations must be safe for
// concurrent use. See package metrics for the production
// Prometheus-backed implementation; tests typically use a no-op or a
// counting fake.
type MetricsSink interface {
	RecordHit(key CacheKey)
	RecordMiss(key CacheKey)
	RecordEviction(key CacheKey)
	RecordPopulateLatency(d time.Duration)
	RecordDecay(regions int)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) RecordHit(CacheKey)                    {}
func (NopMetrics) RecordMiss(CacheKey)                   {}
func (NopMetrics) RecordEviction(CacheKey)                {}
func (NopMetrics) RecordPopulateLatency(time.Duration)   {}
func (NopMetrics) RecordDecay(int)                       {}

// Stats is a point-in-time snapshot of service occupancy.
type Stats struct {
	NumRegions      int
	FreeRegions     int
	LiveRegions     int
	EvictionsTotal  int64
}

// FetchListener receives the outcome of a maybeFetchFullEntry or
// maybeFetchRegion background prefetch.
type FetchListener interface {
	OnComplete(err error)
}

// SharedBlobCacheService is the shared, fixed-size, disk-backed block
// cache. All public methods are safe for concurrent use. Region-local
// I/O is coordinated by each CacheFileRegion's own Tracker, never by
// the service lock, so long-running I/O never blocks unrelated cache
// operations.
type SharedBlobCacheService struct {
	logger log.Logger
	metrics MetricsSink
	clock  Clock

	minTimeDeltaMillis int64
	regionSize         int64
	numRegions         int

	genericExec Executor
	bulkExec    Executor

	sb *sharedbytes.SharedBytes

	mu         sync.Mutex
	closed     bool
	byKey      map[RegionKey]*CacheFileRegion
	slots      []*CacheFileRegion // nil for a free slot
	freeSlots  []int
	slotFreed  chan struct{}
	evictions  int64
}

// NewSharedBlobCacheService constructs a service backed by sb. minTimeDelta
// is the minimum interval between counting two accesses of the same
// region towards its frequency (spec.md's promotion gate).
func NewSharedBlobCacheService(sb *sharedbytes.SharedBytes, minTimeDelta time.Duration, clock Clock, metrics MetricsSink, logger log.Logger, genericExec, bulkExec Executor) *SharedBlobCacheService {
	if clock == nil {
		clock = SystemClock
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if genericExec == nil {
		genericExec = GoroutineExecutor{}
	}
	if bulkExec == nil {
		bulkExec = NewWorkerPool(4)
	}

	n := sb.NumRegions()
	free := make([]int, n)
	for i := range free {
		free[i] = n - 1 - i // pop from the tail; order is arbitrary but deterministic
	}

	return &SharedBlobCacheService{
		logger:             logger,
		metrics:            metrics,
		clock:              clock,
		minTimeDeltaMillis: minTimeDelta.Milliseconds(),
		regionSize:         sb.RegionSize(),
		numRegions:         n,
		genericExec:        genericExec,
		bulkExec:           bulkExec,
		sb:                 sb,
		byKey:              make(map[RegionKey]*CacheFileRegion, n),
		slots:              make([]*CacheFileRegion, n),
		freeSlots:          free,
		slotFreed:          make(chan struct{}),
	}
}

// RegionSize returns the fixed size of every region.
func (s *SharedBlobCacheService) RegionSize() int64 { return s.regionSize }

// RegionCount returns the total number of physical slots.
func (s *SharedBlobCacheService) RegionCount() int { return s.numRegions }

// FreeRegionCount returns the number of currently unoccupied slots.
func (s *SharedBlobCacheService) FreeRegionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.freeSlots)
}

// Stats returns a point-in-time occupancy snapshot.
func (s *SharedBlobCacheService) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		NumRegions:     s.numRegions,
		FreeRegions:    len(s.freeSlots),
		LiveRegions:    len(s.byKey),
		EvictionsTotal: s.evictions,
	}
}

// Close closes the backing SharedBytes. Further calls to Get fail with
// ErrAlreadyClosed. Already-resident regions are left as-is; callers
// still holding references may finish their in-flight I/O.
func (s *SharedBlobCacheService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.sb.Close()
}

// Get returns the region for (key, regionIndex), creating and
// registering it on a miss. blobLen is the total size of the blob key
// refers to, used to compute this region's logical length (it may be
// shorter than RegionSize at the tail of a blob). The returned region
// carries one reference that the caller must release with DecRef. If
// every region is currently referenced, Get blocks until one is freed
// or ctx is cancelled.
func (s *SharedBlobCacheService) Get(ctx context.Context, key CacheKey, blobLen int64, regionIndex int) (*CacheFileRegion, error) {
	rk := RegionKey{Key: key, RegionIndex: regionIndex}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrAlreadyClosed
		}

		if r, ok := s.byKey[rk]; ok {
			s.touchLocked(r)
			if r.TryIncRef() {
				s.mu.Unlock()
				s.metrics.RecordHit(key)
				return r, nil
			}
			// Lost a race with eviction; fall through and treat this
			// as a miss.
			delete(s.byKey, rk)
		}

		slot, ok := s.allocateSlotLocked()
		if !ok {
			waitCh := s.slotFreed
			s.mu.Unlock()
			select {
			case <-waitCh:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ch, err := s.sb.Channel(slot)
		if err != nil {
			s.freeSlots = append(s.freeSlots, slot)
			s.mu.Unlock()
			return nil, err
		}

		length := s.regionSize
		if tail := blobLen - int64(regionIndex)*s.regionSize; tail < length {
			length = tail
		}
		if length <= 0 {
			s.freeSlots = append(s.freeSlots, slot)
			s.mu.Unlock()
			return nil, fmt.Errorf("blobcache: regionIndex %d out of range for blob of length %d", regionIndex, blobLen)
		}

		now := s.clock()
		r := &CacheFileRegion{
			key:            rk,
			slot:           slot,
			length:         length,
			tracker:        NewTracker(length),
			channel:        ch,
			svc:            s,
			freq:           1,
			lastAccessTick: now,
			lastDecayTick:  now,
		}
		r.refCount.Store(1)

		s.byKey[rk] = r
		s.slots[slot] = r
		s.mu.Unlock()

		s.metrics.RecordMiss(key)
		return r, nil
	}
}

// touchLocked applies the frequency-promotion gate: freq only advances
// once per minTimeDelta window, and never past FreqMax.
func (s *SharedBlobCacheService) touchLocked(r *CacheFileRegion) {
	now := s.clock()
	if now-r.lastAccessTick >= s.minTimeDeltaMillis {
		if r.freq < FreqMax {
			r.freq++
		}
		r.lastAccessTick = now
	}
}

// allocateSlotLocked pops a free slot, evicting the current victim if
// none is free. Returns false if no slot could be made available
// without blocking.
func (s *SharedBlobCacheService) allocateSlotLocked() (int, bool) {
	if n := len(s.freeSlots); n > 0 {
		slot := s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
		return slot, true
	}

	victim := s.selectVictimLocked(false)
	if victim == nil {
		return 0, false
	}
	if !victim.tryEvict() {
		return 0, false
	}
	s.evictLocked(victim)
	victim.finalizeIfIdle()

	if n := len(s.freeSlots); n > 0 {
		slot := s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
		return slot, true
	}
	return 0, false
}

// selectVictimLocked returns the lowest (freq, lastAccessTick, slot)
// region with no outstanding references. If freqZeroOnly is true, only
// regions with freq == 0 are considered (used by MaybeEvictLeastUsed);
// otherwise the least-used region regardless of freq is returned (used
// by the miss-path eviction pass).
func (s *SharedBlobCacheService) selectVictimLocked(freqZeroOnly bool) *CacheFileRegion {
	var best *CacheFileRegion
	for _, r := range s.byKey {
		if r.RefCount() != 0 {
			continue
		}
		if freqZeroOnly && r.freq != 0 {
			continue
		}
		if best == nil || less(r, best) {
			best = r
		}
	}
	return best
}

func less(a, b *CacheFileRegion) bool {
	if a.freq != b.freq {
		return a.freq < b.freq
	}
	if a.lastAccessTick != b.lastAccessTick {
		return a.lastAccessTick < b.lastAccessTick
	}
	return a.slot < b.slot
}

// evictLocked removes r from the key map and slot table. It must be
// called immediately after a successful tryEvict or markEvictedPending
// on r, with the service lock held.
func (s *SharedBlobCacheService) evictLocked(r *CacheFileRegion) {
	delete(s.byKey, r.key)
	s.slots[r.slot] = nil
	s.evictions++
	s.metrics.RecordEviction(r.key.Key)
}

// freeSlotLocked returns slot to the free pool and wakes any Get calls
// blocked waiting for capacity. Called with the service lock held.
func (s *SharedBlobCacheService) freeSlotLocked(slot int) {
	s.freeSlots = append(s.freeSlots, slot)
	close(s.slotFreed)
	s.slotFreed = make(chan struct{})
}

// reclaim is called by CacheFileRegion.DecRef, without any lock held,
// once a reference count drops to zero on an already-evicted region.
func (s *SharedBlobCacheService) reclaim(r *CacheFileRegion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.finalizeIfIdle()
}

// ForceEvict evicts every resident region whose CacheKey satisfies
// predicate, regardless of whether it currently has outstanding
// references. Referenced regions are marked for eviction immediately
// (so they are never returned by a future Get) and their slot is
// reclaimed once the last reference is released. Returns the number of
// regions marked.
func (s *SharedBlobCacheService) ForceEvict(predicate func(CacheKey) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var marked []*CacheFileRegion
	for rk, r := range s.byKey {
		if !predicate(rk.Key) {
			continue
		}
		if r.markEvictedPending() {
			marked = append(marked, r)
		}
	}
	for _, r := range marked {
		s.evictLocked(r)
	}
	for _, r := range marked {
		r.finalizeIfIdle()
	}
	return len(marked)
}

// RemoveFromCache evicts the resident region(s) for key, if any. It is
// equivalent to ForceEvict restricted to a single key.
func (s *SharedBlobCacheService) RemoveFromCache(key CacheKey) int {
	return s.ForceEvict(func(k CacheKey) bool { return k == key })
}

// MaybeEvictLeastUsed evicts a single unreferenced region with freq==0,
// if one exists, preferring the one least recently accessed. It never
// evicts a region with freq > 0: that is decay's job, not this
// function's. Returns true if a region was evicted.
func (s *SharedBlobCacheService) MaybeEvictLeastUsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	victim := s.selectVictimLocked(true)
	if victim == nil {
		return false
	}
	if !victim.tryEvict() {
		return false
	}
	s.evictLocked(victim)
	victim.finalizeIfIdle()
	return true
}

// ComputeDecay decrements the freq counter (never below zero) of every
// resident region that has been idle, since whichever is more recent
// of its last real access or its last decay tick, for at least
// 2*minTimeDelta. Tracking a separate last-decay-tick keeps successive
// ComputeDecay calls (driven by a periodic ticker much finer-grained
// than the decay window) from decrementing more than once per window.
// It never evicts anything; eviction only happens via
// MaybeEvictLeastUsed or on a capacity miss.
func (s *SharedBlobCacheService) ComputeDecay() {
	s.mu.Lock()
	now := s.clock()
	decayed := 0
	for _, r := range s.byKey {
		reference := r.lastAccessTick
		if r.lastDecayTick > reference {
			reference = r.lastDecayTick
		}
		if now-reference >= 2*s.minTimeDeltaMillis {
			if r.freq > 0 {
				r.freq--
				decayed++
			}
			r.lastDecayTick = now
		}
	}
	s.mu.Unlock()
	if decayed > 0 {
		level.Debug(s.logger).Log("msg", "decayed region frequencies", "count", decayed)
		s.metrics.RecordDecay(decayed)
	}
}

// MaybeFetchRegion prefetches a single region from the origin, without
// reading anything back, if and only if a free slot is available. It
// never evicts to make room, and returns false if the region is
// already resident or if no slot is currently free. On success it
// returns true immediately; listener.OnComplete fires asynchronously
// once the write completes.
func (s *SharedBlobCacheService) MaybeFetchRegion(ctx context.Context, key CacheKey, regionIndex int, blobLen int64, w RangeWriter, listener FetchListener) bool {
	rk := RegionKey{Key: key, RegionIndex: regionIndex}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.byKey[rk]; ok {
		s.mu.Unlock()
		return false
	}
	if len(s.freeSlots) == 0 {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	r, err := s.Get(ctx, key, blobLen, regionIndex)
	if err != nil {
		listener.OnComplete(err)
		return false
	}
	r.Populate(ctx, Range{0, r.Length()}, w, s.bulkExec, singleRegionListener{listener})
	return true
}

// MaybeFetchFullEntry prefetches every region of a blobLen-byte blob
// from the origin, without reading anything back, if and only if
// enough free slots exist to hold all of them right now. It never
// evicts to make room. Returns false immediately, scheduling nothing,
// if capacity is insufficient.
func (s *SharedBlobCacheService) MaybeFetchFullEntry(ctx context.Context, key CacheKey, blobLen int64, w RangeWriter, listener FetchListener) bool {
	numRegions := int((blobLen + s.regionSize - 1) / s.regionSize)
	if numRegions <= 0 {
		listener.OnComplete(nil)
		return true
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	needed := 0
	for i := 0; i < numRegions; i++ {
		if _, ok := s.byKey[RegionKey{Key: key, RegionIndex: i}]; !ok {
			needed++
		}
	}
	if needed > len(s.freeSlots) {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	joiner := &fetchJoiner{remaining: numRegions, listener: listener}
	for i := 0; i < numRegions; i++ {
		r, err := s.Get(ctx, key, blobLen, i)
		if err != nil {
			joiner.done(err)
			continue
		}
		r.Populate(ctx, Range{0, r.Length()}, w, s.bulkExec, joiner)
	}
	return true
}

type fetchJoiner struct {
	mu        sync.Mutex
	remaining int
	err       error
	listener  FetchListener
}

func (j *fetchJoiner) OnResponse(bool)     { j.done(nil) }
func (j *fetchJoiner) OnFailure(err error) { j.done(err) }

func (j *fetchJoiner) done(err error) {
	j.mu.Lock()
	if j.err == nil {
		j.err = err
	}
	j.remaining--
	remaining := j.remaining
	finalErr := j.err
	j.mu.Unlock()
	if remaining == 0 {
		j.listener.OnComplete(finalErr)
	}
}

type singleRegionListener struct {
	listener FetchListener
}

func (l singleRegionListener) OnResponse(bool)     { l.listener.OnComplete(nil) }
func (l singleRegionListener) OnFailure(err error) { l.listener.OnComplete(err) }

// liveRegionsLocked returns a snapshot of resident regions ordered by
// slot. It must be called with the service lock held.
func (s *SharedBlobCacheService) liveRegionsLocked() []*CacheFileRegion {
	out := make([]*CacheFileRegion, 0, len(s.byKey))
	for _, r := range s.byKey {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].slot < out[j].slot })
	return out
}
