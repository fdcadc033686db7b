package index

import (
	"container/heap"
	"math"
)

var inf32 = float32(math.Inf(1))

// candidate is one (key, distance) pair. key is a vector.ID for
// KD-tree/ball-tree, or a dense integer node handle for HNSW.
type candidate[K comparable] struct {
	key      K
	distance float32
}

// resultHeap is a bounded max-heap of the k closest candidates seen so
// far: the worst-so-far sits at the root so it can be evicted in
// O(log k) as better candidates arrive. Shared by KD-tree, ball-tree,
// and HNSW's search_layer result set.
type resultHeap[K comparable] struct {
	items []candidate[K]
	limit int
}

func newResultHeap[K comparable](limit int) *resultHeap[K] {
	return &resultHeap[K]{limit: limit}
}

func (h *resultHeap[K]) Len() int           { return len(h.items) }
func (h *resultHeap[K]) Less(i, j int) bool { return h.items[i].distance > h.items[j].distance }
func (h *resultHeap[K]) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *resultHeap[K]) Push(x any) { h.items = append(h.items, x.(candidate[K])) }

func (h *resultHeap[K]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// Full reports whether the heap has reached its size limit.
func (h *resultHeap[K]) Full() bool { return h.limit > 0 && len(h.items) >= h.limit }

// Worst returns the current worst (largest) distance, or +Inf if not full.
func (h *resultHeap[K]) Worst() float32 {
	if !h.Full() {
		return inf32
	}
	return h.items[0].distance
}

// Offer considers adding (key, d); evicts the current worst if the
// heap is already full and d improves on it.
func (h *resultHeap[K]) Offer(key K, d float32) {
	if !h.Full() {
		heap.Push(h, candidate[K]{key: key, distance: d})
		return
	}
	if d < h.items[0].distance {
		heap.Pop(h)
		heap.Push(h, candidate[K]{key: key, distance: d})
	}
}

// Sorted drains a copy of the heap's contents into ascending-distance
// order, leaving h untouched.
func (h *resultHeap[K]) Sorted() []candidate[K] {
	out := make([]candidate[K], len(h.items))
	copy(out, h.items)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].distance < out[j-1].distance; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// minHeap is HNSW's search_layer candidate frontier: a plain min-heap
// on distance over hnswHandle keys.
type minHeap struct {
	items []candidate[hnswHandle]
}

func newMinHeap() *minHeap { return &minHeap{} }

func (h *minHeap) Len() int           { return len(h.items) }
func (h *minHeap) Less(i, j int) bool { return h.items[i].distance < h.items[j].distance }
func (h *minHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *minHeap) Push(x any)         { h.items = append(h.items, x.(candidate[hnswHandle])) }
func (h *minHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

func (h *minHeap) push(key hnswHandle, d float32) {
	heap.Push(h, candidate[hnswHandle]{key: key, distance: d})
}
func (h *minHeap) pop() { heap.Pop(h) }
func (h *minHeap) peek() (hnswHandle, float32) {
	top := h.items[0]
	return top.key, top.distance
}
