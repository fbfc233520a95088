package blobcache

import "errors"

// ErrAlreadyClosed is returned by Get once the owning
// SharedBlobCacheService has been closed.
var ErrAlreadyClosed = errors.New("blobcache: service is closed")

// ErrPopulateFailed wraps a writer or reader callback failure. Callers
// detect it with errors.Is; the underlying cause is included in the
// error message only, not in the wrap chain.
var ErrPopulateFailed = errors.New("blobcache: populate failed")
