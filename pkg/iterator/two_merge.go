package iterator

import (
	"bytes"

	"lsmkv/pkg/types"
)

// TwoMergeIterator merges exactly two ascending cursors. On equal keys
// side A wins and both sides advance; A is conventionally the memtable
// side, B the SST side.
type TwoMergeIterator struct {
	a, b Iterator
}

// NewTwoMerge builds the merged cursor. Nil children are treated as
// exhausted.
func NewTwoMerge(a, b Iterator) *TwoMergeIterator {
	if a == nil {
		a = Empty{}
	}
	if b == nil {
		b = Empty{}
	}
	it := &TwoMergeIterator{a: a, b: b}
	it.skipB()
	return it
}

// skipB drops B's current entry when A shadows it.
func (it *TwoMergeIterator) skipB() {
	if it.a.Valid() && it.b.Valid() && bytes.Equal(it.a.Key(), it.b.Key()) {
		it.b.Next()
	}
}

func (it *TwoMergeIterator) chooseA() bool {
	if !it.a.Valid() {
		return false
	}
	if !it.b.Valid() {
		return true
	}
	return bytes.Compare(it.a.Key(), it.b.Key()) < 0
}

func (it *TwoMergeIterator) Valid() bool {
	return it.a.Valid() || it.b.Valid()
}

func (it *TwoMergeIterator) Key() types.Key {
	if it.chooseA() {
		return it.a.Key()
	}
	return it.b.Key()
}

func (it *TwoMergeIterator) Value() types.Value {
	if it.chooseA() {
		return it.a.Value()
	}
	return it.b.Value()
}

func (it *TwoMergeIterator) Next() {
	if it.chooseA() {
		it.a.Next()
	} else {
		it.b.Next()
	}
	it.skipB()
}
