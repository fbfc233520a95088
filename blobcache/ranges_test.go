package blobcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeSortedCombinesOverlappingAndAdjacent(t *testing.T) {
	got := mergeSorted([]Range{{10, 20}, {0, 5}, {5, 10}, {25, 30}})
	assert.Equal(t, []Range{{0, 20}, {25, 30}}, got)
}

func TestSubtractPunchesHoles(t *testing.T) {
	got := subtract(Range{0, 100}, []Range{{10, 20}, {50, 60}})
	assert.Equal(t, []Range{{0, 10}, {20, 50}, {60, 100}}, got)
}

func TestSubtractFullyCovered(t *testing.T) {
	got := subtract(Range{10, 20}, []Range{{0, 100}})
	assert.Empty(t, got)
}

func TestContainsRange(t *testing.T) {
	covered := []Range{{0, 10}, {20, 30}}
	assert.True(t, containsRange(covered, Range{2, 8}))
	assert.False(t, containsRange(covered, Range{5, 25}))
}

func TestInsertMerge(t *testing.T) {
	covered := []Range{{0, 10}, {20, 30}}
	got := insertMerge(covered, Range{10, 20})
	assert.Equal(t, []Range{{0, 30}}, got)
}
