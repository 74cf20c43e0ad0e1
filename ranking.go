package bridge

import (
	"container/heap"
	"time"
)

// RankedEntry is one backlogged ImageKey awaiting a free display slot.
// Lives only while it is present in a RankingBuffer.
type RankedEntry struct {
	Key       ImageKey
	Count     uint32
	FirstSeen time.Time
}

// rankingHeapItem is the heap element; priority order is higher Count
// first, ties broken by smaller FirstSeen (FIFO within equal popularity).
type rankingHeapItem struct {
	entry *RankedEntry
	index int // position in the heap slice, maintained by container/heap
}

type rankingHeap []*rankingHeapItem

func (h rankingHeap) Len() int { return len(h) }

func (h rankingHeap) Less(i, j int) bool {
	a, b := h[i].entry, h[j].entry
	if a.Count != b.Count {
		return a.Count > b.Count
	}
	return a.FirstSeen.Before(b.FirstSeen)
}

func (h rankingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *rankingHeap) Push(x any) {
	item := x.(*rankingHeapItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *rankingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// RankingBuffer is an indexed priority structure over ImageKeys, owned
// exclusively by the Controller goroutine — no internal locking. Bump
// and Take are O(log n).
type RankingBuffer struct {
	byFingerprint map[string]*rankingHeapItem
	heap          rankingHeap
	now           func() time.Time
}

// NewRankingBuffer returns an empty buffer. now defaults to time.Now and
// is overridable for deterministic FIFO-tie tests.
func NewRankingBuffer() *RankingBuffer {
	return &RankingBuffer{
		byFingerprint: make(map[string]*rankingHeapItem),
		heap:          rankingHeap{},
		now:           time.Now,
	}
}

// Bump increments key's occurrence count, inserting it with Count=1 if
// absent.
func (r *RankingBuffer) Bump(key ImageKey) {
	fp := key.Fingerprint()
	if item, ok := r.byFingerprint[fp]; ok {
		item.entry.Count++
		heap.Fix(&r.heap, item.index)
		return
	}
	item := &rankingHeapItem{entry: &RankedEntry{Key: key, Count: 1, FirstSeen: r.now()}}
	r.byFingerprint[fp] = item
	heap.Push(&r.heap, item)
}

// Peek returns the highest-priority entry without removing it.
func (r *RankingBuffer) Peek() (RankedEntry, bool) {
	if len(r.heap) == 0 {
		return RankedEntry{}, false
	}
	return *r.heap[0].entry, true
}

// Take removes and returns the highest-priority entry. Count resets to 0
// and the key is removed from the buffer in the same step.
func (r *RankingBuffer) Take() (RankedEntry, bool) {
	if len(r.heap) == 0 {
		return RankedEntry{}, false
	}
	item := heap.Pop(&r.heap).(*rankingHeapItem)
	delete(r.byFingerprint, item.entry.Key.Fingerprint())
	return *item.entry, true
}

// Reinsert restores a key with its original count and first-seen time,
// used for the priority-inversion guard when a Busy/Unreachable race
// causes a just-taken key to go back on the backlog.
func (r *RankingBuffer) Reinsert(entry RankedEntry) {
	fp := entry.Key.Fingerprint()
	if item, ok := r.byFingerprint[fp]; ok {
		item.entry.Count += entry.Count
		if entry.FirstSeen.Before(item.entry.FirstSeen) {
			item.entry.FirstSeen = entry.FirstSeen
		}
		heap.Fix(&r.heap, item.index)
		return
	}
	item := &rankingHeapItem{entry: &entry}
	r.byFingerprint[fp] = item
	heap.Push(&r.heap, item)
}

// Clear removes all entries.
func (r *RankingBuffer) Clear() {
	r.byFingerprint = make(map[string]*rankingHeapItem)
	r.heap = rankingHeap{}
}

// Size returns the number of distinct backlogged keys.
func (r *RankingBuffer) Size() int { return len(r.heap) }
