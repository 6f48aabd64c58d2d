package iterator

import (
	"bytes"
	"container/heap"

	"lsmkv/pkg/types"
)

// SearchItem is a heap element during a merge. Rank encodes recency:
// among equal keys the smaller rank wins, so sources are handed to the
// heap newest first.
type SearchItem struct {
	Key   types.Key
	Value types.Value
	Rank  int
}

type heapEntry struct {
	item SearchItem
	slot int
}

type entryHeap []heapEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].item.Key, h[j].item.Key); c != 0 {
		return c < 0
	}
	return h[i].item.Rank < h[j].item.Rank
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(heapEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	out := old[n-1]
	*h = old[:n-1]
	return out
}

// HeapIterator merges several ascending sources into one ascending
// sequence with newest-wins deduplication. Sources must be passed in
// recency order, newest first; their position becomes the SearchItem
// rank.
type HeapIterator struct {
	sources []Source
	h       entryHeap
	cur     SearchItem
	ok      bool
}

func NewHeapIterator(sources ...Source) *HeapIterator {
	it := &HeapIterator{sources: sources}
	for slot := range sources {
		it.replenish(slot)
	}
	heap.Init(&it.h)
	it.Next()
	return it
}

func (it *HeapIterator) replenish(slot int) {
	k, v, ok := it.sources[slot].Next()
	if !ok {
		return
	}
	it.h = append(it.h, heapEntry{
		item: SearchItem{Key: k, Value: v, Rank: slot},
		slot: slot,
	})
}

// pull pops the heap top and immediately reloads that slot.
func (it *HeapIterator) pull() heapEntry {
	top := heap.Pop(&it.h).(heapEntry)
	k, v, ok := it.sources[top.slot].Next()
	if ok {
		heap.Push(&it.h, heapEntry{
			item: SearchItem{Key: k, Value: v, Rank: top.slot},
			slot: top.slot,
		})
	}
	return top
}

func (it *HeapIterator) Valid() bool        { return it.ok }
func (it *HeapIterator) Key() types.Key     { return it.cur.Key }
func (it *HeapIterator) Value() types.Value { return it.cur.Value }

// Next pops the newest entry for the smallest key and discards the
// older duplicates beneath it.
func (it *HeapIterator) Next() {
	if it.h.Len() == 0 {
		it.ok = false
		it.cur = SearchItem{}
		return
	}
	top := it.pull()
	for it.h.Len() > 0 && bytes.Equal(it.h[0].item.Key, top.item.Key) {
		it.pull()
	}
	it.cur = top.item
	it.ok = true
}
