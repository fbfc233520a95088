package blobcache

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Executor runs background work submitted by populate/read paths. The
// "generic" executor (unbounded, used for foreground reads) and the
// "bulk" executor (bounded, used for prefetch) referenced throughout
// this package are both just Executors with different concurrency
// limits.
type Executor interface {
	Submit(fn func())
}

// SyncExecutor runs every submitted function immediately, on the
// calling goroutine. It exists for tests that need deterministic,
// synchronous population, matching the "run now" executor used to drive
// the scenario tests without sleeps or channels.
type SyncExecutor struct{}

// Submit implements Executor.
func (SyncExecutor) Submit(fn func()) { fn() }

// GoroutineExecutor submits every function to its own goroutine, with
// no bound on concurrency. It is the default "generic" executor.
type GoroutineExecutor struct{}

// Submit implements Executor.
func (GoroutineExecutor) Submit(fn func()) { go fn() }

// WorkerPool is a fixed-concurrency Executor backed by a weighted
// semaphore, mirroring the bounded background-write concurrency limit
// used by disk-backed caches to avoid saturating I/O with unbounded
// goroutines. It is the default "bulk" executor.
type WorkerPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewWorkerPool returns a WorkerPool that runs at most concurrency
// submissions at once. concurrency must be positive.
func NewWorkerPool(concurrency int) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &WorkerPool{sem: semaphore.NewWeighted(int64(concurrency))}
}

// Submit blocks until a worker slot is free, then runs fn on a new
// goroutine holding that slot. Submit itself does not block on fn's
// completion.
func (p *WorkerPool) Submit(fn func()) {
	_ = p.sem.Acquire(context.Background(), 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn()
	}()
}

// Wait blocks until every submitted task has finished. Intended for
// tests and for graceful shutdown.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
