package blobcache

import (
	"fmt"
	"sort"
	"sync"
)

// Gap describes a byte range within a region that some caller has
// claimed responsibility for filling. The caller that receives a Gap
// from Tracker.WaitForRange must eventually call either OnCompletion or
// OnFailure exactly once; OnProgress may be called any number of times
// in between to report incremental writes.
type Gap struct {
	tracker *Tracker
	rng     Range

	mu        sync.Mutex
	progress  int64
	resolved  bool
	listeners []*rangeWaiter
}

// Range returns the byte range this gap is responsible for filling.
func (g *Gap) Range() Range { return g.rng }

// OnProgress records that n further contiguous bytes, starting right
// after whatever was previously reported, have been written. It is
// bookkeeping only in this implementation: coverage becomes visible to
// other waiters atomically at OnCompletion, not incrementally, which
// keeps waiter accounting simple at the cost of not letting a second
// reader observe a partially-filled gap early.
func (g *Gap) OnProgress(n int64) {
	g.mu.Lock()
	g.progress += n
	g.mu.Unlock()
}

// OnCompletion marks the gap as successfully and fully filled. It is a
// no-op if the gap was already resolved (by a prior OnCompletion or
// OnFailure call).
func (g *Gap) OnCompletion() {
	g.resolve(nil)
}

// OnFailure marks the gap as failed. The range remains uncovered and
// unclaimed, so a future WaitForRange call will hand it out again.
func (g *Gap) OnFailure(err error) {
	if err == nil {
		err = fmt.Errorf("blobcache: gap failed with nil error")
	}
	g.resolve(err)
}

func (g *Gap) resolve(err error) {
	t := g.tracker
	var fires []func()

	// t.mu must be acquired before g.mu here, matching the order
	// WaitForRange uses when it registers a new waiter against this gap
	// (tracker.go's WaitForRange holds t.mu for its whole call and locks
	// g.mu only while appending to g.listeners). Taking them in the
	// opposite order here would let a waiter register itself on this gap
	// in the gap between releasing g.mu and acquiring t.mu, after the
	// listeners slice below has already been snapshotted and the gap is
	// about to be removed from t.gaps — that waiter would then never be
	// resolved.
	t.mu.Lock()
	g.mu.Lock()
	if g.resolved {
		g.mu.Unlock()
		t.mu.Unlock()
		return
	}
	g.resolved = true
	waiters := g.listeners
	g.mu.Unlock()

	t.removeGap(g)
	if err == nil {
		t.markCoveredLocked(g.rng)
	}
	for _, w := range waiters {
		if fired := w.gapResolved(err); fired != nil {
			fires = append(fires, fired)
		}
	}
	t.mu.Unlock()

	for _, f := range fires {
		f()
	}
}

// rangeWaiter tracks completion of a caller's readRange across however
// many outstanding gaps overlap it.
type rangeWaiter struct {
	pending int
	done    bool
	onDone  func(error)
}

// gapResolved is called with the tracker lock held whenever one of the
// gaps this waiter depends on resolves. It returns a thunk to invoke
// (after the caller releases the tracker lock) if this resolution is
// the one that completes or fails the waiter, or nil otherwise.
func (w *rangeWaiter) gapResolved(err error) func() {
	if w.done {
		return nil
	}
	if err != nil {
		w.done = true
		cb, e := w.onDone, err
		return func() { cb(e) }
	}
	w.pending--
	if w.pending == 0 {
		w.done = true
		cb := w.onDone
		return func() { cb(nil) }
	}
	return nil
}

// Tracker records, for a single region, which byte ranges are
// definitively populated and coordinates callers racing to populate
// overlapping ranges so that at most one writer is ever active for any
// given byte.
type Tracker struct {
	mu      sync.Mutex
	length  int64
	covered []Range
	gaps    []*Gap
}

// NewTracker returns a Tracker for a region of the given logical
// length. length bytes at the tail of the physical region beyond a
// blob's actual size are never addressed by callers.
func NewTracker(length int64) *Tracker {
	return &Tracker{length: length}
}

// Length returns the logical length passed to NewTracker.
func (t *Tracker) Length() int64 { return t.length }

// WaitForRange claims responsibility for the parts of writeRange not
// already covered or claimed by another in-flight gap, returning the
// newly created Gaps (the caller must fill exactly these). onDone is
// invoked exactly once, with nil once readRange is fully covered by the
// combination of already-covered bytes and any relevant gaps'
// completions, or with the first error encountered from a relevant gap.
//
// If readRange is already fully covered, onDone fires synchronously,
// before WaitForRange returns.
func (t *Tracker) WaitForRange(writeRange, readRange Range, onDone func(error)) []*Gap {
	t.mu.Lock()

	existing := make([]Range, len(t.gaps))
	for i, g := range t.gaps {
		existing[i] = g.rng
	}

	missing := subtract(writeRange, t.covered)
	missing = subtractAll(missing, existing)

	var newGaps []*Gap
	for _, m := range missing {
		g := &Gap{tracker: t, rng: m}
		t.gaps = append(t.gaps, g)
		newGaps = append(newGaps, g)
	}
	sort.Slice(t.gaps, func(i, j int) bool { return t.gaps[i].rng.Start < t.gaps[j].rng.Start })

	if containsRange(t.covered, readRange) {
		t.mu.Unlock()
		onDone(nil)
		return newGaps
	}

	w := &rangeWaiter{onDone: onDone}
	for _, g := range t.gaps {
		if g.rng.overlaps(readRange) {
			g.mu.Lock()
			g.listeners = append(g.listeners, w)
			g.mu.Unlock()
			w.pending++
		}
	}
	fireNow := w.pending == 0
	t.mu.Unlock()

	if fireNow {
		// readRange has a hole that no covered range and no gap
		// claims; this can only happen if writeRange did not fully
		// contain readRange. Treat it as an immediate failure rather
		// than hanging forever.
		onDone(fmt.Errorf("blobcache: readRange %v is not covered by writeRange %v", readRange, writeRange))
	}
	return newGaps
}

func (t *Tracker) markCoveredLocked(r Range) {
	t.covered = insertMerge(t.covered, r)
}

func (t *Tracker) removeGap(g *Gap) {
	for i, existing := range t.gaps {
		if existing == g {
			t.gaps = append(t.gaps[:i], t.gaps[i+1:]...)
			return
		}
	}
}

// Covered reports whether r is fully covered by definitively completed
// writes.
func (t *Tracker) Covered(r Range) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return containsRange(t.covered, r)
}
