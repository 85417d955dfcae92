// Package queue provides the priority queues used by graph search.
package queue

import "container/heap"

// Compile time check to ensure PriorityQueue satisfies the heap interface.
var _ heap.Interface = (*PriorityQueue)(nil)

// PriorityQueueItem represents an item in the priority queue.
type PriorityQueueItem struct {
	Node     uint64  // Node is the id of the graph node.
	Distance float32 // Distance is the priority of the item in the queue.
	Index    int     // Index is maintained by the heap.Interface methods.
}

// PriorityQueue implements heap.Interface and holds PriorityQueueItems.
// With Order false it behaves as a min-heap (closest on top), with Order
// true as a max-heap (farthest on top). Equal distances are ordered by
// node id so that heap contents are deterministic across runs.
type PriorityQueue struct {
	Order bool
	Items []*PriorityQueueItem
}

// NewMin creates a min-heap with the given initial capacity.
func NewMin(capacity int) *PriorityQueue {
	pq := &PriorityQueue{Order: false, Items: make([]*PriorityQueueItem, 0, capacity)}
	heap.Init(pq)
	return pq
}

// NewMax creates a max-heap with the given initial capacity.
func NewMax(capacity int) *PriorityQueue {
	pq := &PriorityQueue{Order: true, Items: make([]*PriorityQueueItem, 0, capacity)}
	heap.Init(pq)
	return pq
}

// Len returns the number of elements in the priority queue.
func (pq *PriorityQueue) Len() int { return len(pq.Items) }

// Less reports whether the element with index i should sort before the element with index j.
func (pq *PriorityQueue) Less(i, j int) bool {
	a, b := pq.Items[i], pq.Items[j]
	if a.Distance == b.Distance {
		if !pq.Order {
			return a.Node < b.Node
		}
		return a.Node > b.Node
	}
	if !pq.Order {
		return a.Distance < b.Distance
	}
	return a.Distance > b.Distance
}

// Swap swaps the elements with indexes i and j.
func (pq *PriorityQueue) Swap(i, j int) {
	pq.Items[i], pq.Items[j] = pq.Items[j], pq.Items[i]
	pq.Items[i].Index, pq.Items[j].Index = i, j
}

// Push adds x to the priority queue.
func (pq *PriorityQueue) Push(x any) {
	item, _ := x.(*PriorityQueueItem)
	item.Index = len(pq.Items)
	pq.Items = append(pq.Items, item)
}

// Pop removes and returns the top element from the priority queue.
func (pq *PriorityQueue) Pop() any {
	if len(pq.Items) == 0 {
		return nil
	}

	old := pq.Items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // Avoid memory leak
	item.Index = -1 // For safety
	pq.Items = old[:n-1]

	return item
}

// Top returns the top element of the priority queue without removing it.
func (pq *PriorityQueue) Top() *PriorityQueueItem {
	if len(pq.Items) == 0 {
		return nil
	}
	return pq.Items[0]
}

// PushItem pushes an item onto the heap.
func (pq *PriorityQueue) PushItem(item PriorityQueueItem) {
	it := item
	heap.Push(pq, &it)
}

// PopItem removes and returns the top item of the heap.
func (pq *PriorityQueue) PopItem() (PriorityQueueItem, bool) {
	if pq.Len() == 0 {
		return PriorityQueueItem{}, false
	}
	item, _ := heap.Pop(pq).(*PriorityQueueItem)
	return *item, true
}
