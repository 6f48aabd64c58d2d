package iterator

import "lsmkv/pkg/types"

// Iterator is the uniform forward cursor over a sorted key sequence.
// An exhausted iterator reports Valid() == false.
type Iterator interface {
	Valid() bool
	Key() types.Key
	Value() types.Value
	Next()
}

// Source feeds successive entries into a merge. Each call returns the
// next entry in ascending key order, ok == false when drained.
type Source interface {
	Next() (key types.Key, value types.Value, ok bool)
}

// SliceSource adapts a pre-sorted snapshot into a Source.
func SliceSource(items []types.KeyValue) Source {
	return &sliceSource{items: items}
}

type sliceSource struct {
	items []types.KeyValue
	pos   int
}

func (s *sliceSource) Next() (types.Key, types.Value, bool) {
	if s.pos >= len(s.items) {
		return nil, nil, false
	}
	kv := s.items[s.pos]
	s.pos++
	return kv.Key, kv.Value, true
}

// FromIterator adapts an Iterator into a Source.
func FromIterator(it Iterator) Source {
	return &iterSource{it: it}
}

type iterSource struct {
	it Iterator
}

func (s *iterSource) Next() (types.Key, types.Value, bool) {
	if s.it == nil || !s.it.Valid() {
		return nil, nil, false
	}
	k, v := s.it.Key(), s.it.Value()
	s.it.Next()
	return k, v, true
}

// Empty is the canonical exhausted iterator.
type Empty struct{}

func (Empty) Valid() bool        { return false }
func (Empty) Key() types.Key     { return nil }
func (Empty) Value() types.Value { return nil }
func (Empty) Next()              {}

// SkipTombstones wraps an iterator so callers never observe deleted
// keys.
func SkipTombstones(it Iterator) Iterator {
	f := &tombstoneFilter{inner: it}
	f.settle()
	return f
}

type tombstoneFilter struct {
	inner Iterator
}

func (f *tombstoneFilter) settle() {
	for f.inner.Valid() && types.IsTombstone(f.inner.Value()) {
		f.inner.Next()
	}
}

func (f *tombstoneFilter) Valid() bool        { return f.inner.Valid() }
func (f *tombstoneFilter) Key() types.Key     { return f.inner.Key() }
func (f *tombstoneFilter) Value() types.Value { return f.inner.Value() }

func (f *tombstoneFilter) Next() {
	f.inner.Next()
	f.settle()
}
