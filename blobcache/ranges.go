package blobcache

import "sort"

// Range is a half-open byte range [Start, End) relative to the start of
// a region.
type Range struct {
	Start, End int64
}

// Len returns the number of bytes covered by r.
func (r Range) Len() int64 { return r.End - r.Start }

// Empty reports whether r covers zero bytes.
func (r Range) Empty() bool { return r.End <= r.Start }

func (r Range) overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r Range) adjacent(o Range) bool {
	return r.End == o.Start || o.End == r.Start
}

// mergeSorted merges a set of possibly-overlapping, possibly-unsorted
// ranges into the minimal sorted set of disjoint ranges covering the
// same bytes. Adjacent ranges (r.End == o.Start) are merged too, so the
// covered set never carries a zero-length gap between entries.
func mergeSorted(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	cp := make([]Range, len(ranges))
	copy(cp, ranges)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Start < cp[j].Start })

	out := cp[:1]
	for _, r := range cp[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// subtract returns the portion of target not covered by any range in
// covered. Both target and covered are treated as sets of ranges;
// covered need not be sorted or disjoint.
func subtract(target Range, covered []Range) []Range {
	if target.Empty() {
		return nil
	}
	merged := mergeSorted(covered)
	remaining := []Range{target}
	for _, c := range merged {
		var next []Range
		for _, r := range remaining {
			if !r.overlaps(c) {
				next = append(next, r)
				continue
			}
			if r.Start < c.Start {
				next = append(next, Range{r.Start, c.Start})
			}
			if r.End > c.End {
				next = append(next, Range{c.End, r.End})
			}
		}
		remaining = next
		if len(remaining) == 0 {
			break
		}
	}
	return remaining
}

// subtractAll subtracts covered from every range in targets and
// concatenates the results.
func subtractAll(targets []Range, covered []Range) []Range {
	var out []Range
	for _, t := range targets {
		out = append(out, subtract(t, covered)...)
	}
	return out
}

// insertMerge inserts r into a sorted, disjoint slice of ranges,
// merging with neighbours as needed, and returns the updated slice.
func insertMerge(sorted []Range, r Range) []Range {
	return mergeSorted(append(append([]Range{}, sorted...), r))
}

func containsRange(covered []Range, target Range) bool {
	return len(subtract(target, covered)) == 0
}
