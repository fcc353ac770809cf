package search

import (
	"container/heap"
	"sort"

	"github.com/guesswewho/ftuner/internal/schedule"
)

type heapItem struct {
	state schedule.State
	key   string
	score float64
}

type minHeap []heapItem

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)         { *h = append(*h, x.(heapItem)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// bestHeap retains the cap highest-scored states seen across GA
// generations: a fixed-capacity min-at-top heap plus a canonical-key
// membership set for dedup. Keys preloaded into the membership set
// (already-measured states) are never admitted.
type bestHeap struct {
	cap    int
	items  minHeap
	member map[string]bool
}

func newBestHeap(capacity int, excluded map[string]bool) *bestHeap {
	member := make(map[string]bool, len(excluded)+capacity)
	for k := range excluded {
		member[k] = true
	}
	return &bestHeap{cap: capacity, member: member}
}

// Offer inserts the state if it is new and either the heap has room or
// the score beats the current minimum.
func (b *bestHeap) Offer(s schedule.State, score float64) {
	key := s.CanonKey()
	if b.member[key] {
		return
	}
	if len(b.items) < b.cap {
		heap.Push(&b.items, heapItem{state: s, key: key, score: score})
		b.member[key] = true
		return
	}
	if b.cap == 0 || score <= b.items[0].score {
		return
	}
	evicted := heap.Pop(&b.items).(heapItem)
	delete(b.member, evicted.key)
	heap.Push(&b.items, heapItem{state: s, key: key, score: score})
	b.member[key] = true
}

// Min returns the lowest retained score, or 0 on an empty heap.
func (b *bestHeap) Min() float64 {
	if len(b.items) == 0 {
		return 0
	}
	return b.items[0].score
}

func (b *bestHeap) Len() int { return len(b.items) }

// Sorted returns the retained states in descending score order.
func (b *bestHeap) Sorted() ([]schedule.State, []float64) {
	items := make([]heapItem, len(b.items))
	copy(items, b.items)
	sort.Slice(items, func(i, j int) bool { return items[i].score > items[j].score })
	states := make([]schedule.State, len(items))
	scores := make([]float64, len(items))
	for i, it := range items {
		states[i] = it.state
		scores[i] = it.score
	}
	return states, scores
}
