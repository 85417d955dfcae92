package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinHeapOrder(t *testing.T) {
	pq := NewMin(4)
	pq.PushItem(PriorityQueueItem{Node: 1, Distance: 3.0})
	pq.PushItem(PriorityQueueItem{Node: 2, Distance: 1.0})
	pq.PushItem(PriorityQueueItem{Node: 3, Distance: 2.0})

	item, ok := pq.PopItem()
	require.True(t, ok)
	assert.Equal(t, uint64(2), item.Node)

	item, _ = pq.PopItem()
	assert.Equal(t, uint64(3), item.Node)

	item, _ = pq.PopItem()
	assert.Equal(t, uint64(1), item.Node)

	_, ok = pq.PopItem()
	assert.False(t, ok)
}

func TestMaxHeapOrder(t *testing.T) {
	pq := NewMax(4)
	pq.PushItem(PriorityQueueItem{Node: 1, Distance: 3.0})
	pq.PushItem(PriorityQueueItem{Node: 2, Distance: 1.0})
	pq.PushItem(PriorityQueueItem{Node: 3, Distance: 2.0})

	top := pq.Top()
	require.NotNil(t, top)
	assert.Equal(t, uint64(1), top.Node)

	item, _ := pq.PopItem()
	assert.Equal(t, float32(3.0), item.Distance)
}

func TestTieBreakByNode(t *testing.T) {
	// Equal distances pop in ascending node order on a min-heap.
	pq := NewMin(4)
	pq.PushItem(PriorityQueueItem{Node: 7, Distance: 1.0})
	pq.PushItem(PriorityQueueItem{Node: 3, Distance: 1.0})
	pq.PushItem(PriorityQueueItem{Node: 5, Distance: 1.0})

	var got []uint64
	for pq.Len() > 0 {
		item, _ := pq.PopItem()
		got = append(got, item.Node)
	}
	assert.Equal(t, []uint64{3, 5, 7}, got)
}

func TestTopEmpty(t *testing.T) {
	pq := NewMin(0)
	assert.Nil(t, pq.Top())
}
