package sst

import (
	"bytes"
	"log/slog"
	"sort"

	"lsmkv/pkg/iterator"
)

// Iterator walks one SST in ascending key order, pulling blocks through
// the cache as they are reached. An I/O failure ends the cursor; the
// error is kept on Err.
type Iterator struct {
	sst    *SST
	blkIdx int
	blk    *Block
	recIdx int
	err    error
}

func exhaustedIterator(s *SST) *Iterator {
	return &Iterator{sst: s, blkIdx: len(s.metas)}
}

func (it *Iterator) Valid() bool {
	return it.err == nil && it.blk != nil && it.recIdx < it.blk.NumRecords()
}

func (it *Iterator) Key() []byte {
	k, _ := it.blk.Record(it.recIdx)
	return k
}

func (it *Iterator) Value() []byte {
	_, v := it.blk.Record(it.recIdx)
	return v
}

func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.recIdx++
	for it.recIdx >= it.blk.NumRecords() {
		it.blkIdx++
		if it.blkIdx >= len(it.sst.metas) {
			it.blk = nil
			return
		}
		blk, err := it.sst.ReadBlock(it.blkIdx)
		if err != nil {
			it.err = err
			it.blk = nil
			return
		}
		it.blk = blk
		it.recIdx = 0
	}
}

// Err reports an I/O failure that terminated iteration early.
func (it *Iterator) Err() error {
	return it.err
}

// SST returns the table this cursor reads.
func (it *Iterator) SST() *SST {
	return it.sst
}

// MergeSSTIterators heap-merges cursors over possibly overlapping SSTs
// (level 0). Larger sst id means newer, so cursors are ordered by id
// descending before ranks are assigned.
func MergeSSTIterators(iters []*Iterator) *iterator.HeapIterator {
	sorted := make([]*Iterator, len(iters))
	copy(sorted, iters)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].sst.id > sorted[j].sst.id
	})

	sources := make([]iterator.Source, len(sorted))
	for i, it := range sorted {
		sources[i] = iterator.FromIterator(it)
	}
	return iterator.NewHeapIterator(sources...)
}

// ConcatIterator concatenates cursors over SSTs whose key ranges are
// disjoint and ascending (the level >= 1 invariant). No merging is
// needed: when one table ends, the next begins.
type ConcatIterator struct {
	ssts []*SST
	idx  int
	cur  *Iterator
	err  error
}

// NewConcatIterator takes tables sorted by first key. Out-of-order
// input is an invariant violation and panics.
func NewConcatIterator(ssts []*SST) *ConcatIterator {
	for i := 1; i < len(ssts); i++ {
		if bytes.Compare(ssts[i-1].LastKey(), ssts[i].FirstKey()) >= 0 {
			panic("sst: concat iterator input overlaps or is unsorted")
		}
	}
	it := &ConcatIterator{ssts: ssts, idx: -1}
	it.advanceTable()
	return it
}

func (it *ConcatIterator) advanceTable() {
	it.cur = nil
	for it.cur == nil || !it.cur.Valid() {
		it.idx++
		if it.idx >= len(it.ssts) {
			it.cur = nil
			return
		}
		cur, err := it.ssts[it.idx].Begin()
		if err != nil {
			slog.Error("failed to open sst cursor during concat", "sst_id", it.ssts[it.idx].ID(), "error", err)
			it.err = err
			it.cur = nil
			it.idx = len(it.ssts)
			return
		}
		it.cur = cur
	}
}

// Err reports an I/O failure that terminated iteration early, either
// its own or the current table cursor's.
func (it *ConcatIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if it.cur != nil {
		return it.cur.Err()
	}
	return nil
}

func (it *ConcatIterator) Valid() bool {
	return it.cur != nil && it.cur.Valid()
}

func (it *ConcatIterator) Key() []byte {
	return it.cur.Key()
}

func (it *ConcatIterator) Value() []byte {
	return it.cur.Value()
}

func (it *ConcatIterator) Next() {
	if !it.Valid() {
		return
	}
	it.cur.Next()
	if !it.cur.Valid() {
		it.advanceTable()
	}
}
