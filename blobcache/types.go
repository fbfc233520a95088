// Package blobcache implements a shared, fixed-size, disk-backed block
// cache for accelerating repeated reads of remote immutable blobs. A
// single backing file (see the sibling sharedbytes package) is divided
// into fixed-size regions; callers address a blob by an opaque
// CacheKey and a region index, populate a region once from the origin,
// and read it many times.
package blobcache

// CacheKey identifies the blob a region belongs to. It is intentionally
// a small comparable struct rather than an opaque interface so it can
// be used directly as a Go map key and printed in logs and metric
// labels. Callers with only a single string identifier leave Namespace
// empty.
type CacheKey struct {
	Namespace string
	ID        string
}

// RegionKey identifies one region of one blob: (cacheKey, regionIndex).
type RegionKey struct {
	Key         CacheKey
	RegionIndex int
}

// FreqMax is the cap on a region's access-frequency counter. The source
// specification leaves the exact promotion cap as an open question;
// this value matches the convention referenced in spec section 4.4.
const FreqMax = 3
