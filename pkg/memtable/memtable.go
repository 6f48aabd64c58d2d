package memtable

import (
	"sync"
	"sync/atomic"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/skiplist"
	"lsmkv/pkg/sst"
	"lsmkv/pkg/types"
)

// MemTable is the in-memory write buffer: one active skiplist taking
// writes plus zero or more frozen ones waiting to flush, newest frozen
// first. For any key the topmost present value (active, then frozen in
// order) is the current one.
type MemTable struct {
	// mu guards the table list; each skiplist serializes its own
	// mutation internally.
	mu     sync.RWMutex
	active *skiplist.SkipList
	frozen []*skiplist.SkipList

	perMemLimit int64
	totalSize   atomic.Int64
}

// New creates a memtable whose active skiplist freezes at perMemLimit
// bytes.
func New(perMemLimit int64) *MemTable {
	return &MemTable{
		active:      skiplist.New(),
		perMemLimit: perMemLimit,
	}
}

// Put writes to the active skiplist, freezing it first when it has
// crossed the per-table watermark.
func (m *MemTable) Put(key types.Key, value types.Value) {
	m.maybeFreeze()

	m.mu.RLock()
	delta := m.active.Put(key, value)
	m.mu.RUnlock()

	m.totalSize.Add(delta)
}

// PutBatch applies the pairs in order.
func (m *MemTable) PutBatch(kvs []types.KeyValue) {
	for _, kv := range kvs {
		m.Put(kv.Key, kv.Value)
	}
}

// Remove writes a tombstone.
func (m *MemTable) Remove(key types.Key) {
	m.Put(key, nil)
}

// RemoveBatch tombstones the keys in order.
func (m *MemTable) RemoveBatch(keys []types.Key) {
	for _, k := range keys {
		m.Remove(k)
	}
}

// Get searches the active skiplist first, then frozen tables newest to
// oldest. A tombstone hit is returned as an empty value with ok set;
// the engine interprets it as deleted.
func (m *MemTable) Get(key types.Key) (types.Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.active.Get(key); ok {
		return v, true
	}
	for _, fr := range m.frozen {
		if v, ok := fr.Get(key); ok {
			return v, true
		}
	}
	return nil, false
}

// TotalSize is the byte total across every skiplist.
func (m *MemTable) TotalSize() int64 {
	return m.totalSize.Load()
}

// FrozenCount returns how many tables are waiting to flush.
func (m *MemTable) FrozenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.frozen)
}

// ActiveSize is the byte size of the active skiplist alone.
func (m *MemTable) ActiveSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.Size()
}

func (m *MemTable) maybeFreeze() {
	m.mu.RLock()
	over := m.active.Size() >= m.perMemLimit
	m.mu.RUnlock()
	if !over {
		return
	}

	m.mu.Lock()
	if m.active.Size() >= m.perMemLimit {
		m.freezeLocked()
	}
	m.mu.Unlock()
}

// FreezeCurrent moves the active skiplist to the front of the frozen
// list and installs a fresh active one.
func (m *MemTable) FreezeCurrent() {
	m.mu.Lock()
	m.freezeLocked()
	m.mu.Unlock()
}

func (m *MemTable) freezeLocked() {
	m.frozen = append([]*skiplist.SkipList{m.active}, m.frozen...)
	m.active = skiplist.New()
}

// FlushLast streams the oldest frozen skiplist into the builder, writes
// the SST and pops the flushed table. Calling it with no frozen table
// is an invariant violation; the engine freezes first.
func (m *MemTable) FlushLast(builder *sst.Builder, path string, id uint64, cache *sst.BlockCache) (*sst.SST, error) {
	m.mu.RLock()
	if len(m.frozen) == 0 {
		m.mu.RUnlock()
		panic("memtable: flush_last with no frozen skiplist")
	}
	oldest := m.frozen[len(m.frozen)-1]
	m.mu.RUnlock()

	// tombstones are flushed too: they must mask older values in
	// deeper levels
	for it := oldest.Begin(); it.Valid(); it.Next() {
		if err := builder.Add(it.Key(), it.Value()); err != nil {
			return nil, err
		}
	}

	table, err := builder.Build(id, 0, path, cache)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.frozen = m.frozen[:len(m.frozen)-1]
	m.mu.Unlock()
	m.totalSize.Add(-oldest.Size())

	return table, nil
}

// Clear drops every skiplist.
func (m *MemTable) Clear() {
	m.mu.Lock()
	m.active = skiplist.New()
	m.frozen = nil
	m.mu.Unlock()
	m.totalSize.Store(0)
}

// Begin returns a merged ascending cursor across all skiplists with
// newest-wins semantics. Entries are snapshotted per list, so the
// cursor is stable against later writes.
func (m *MemTable) Begin() *iterator.HeapIterator {
	return iterator.NewHeapIterator(m.snapshotSources(func(s *skiplist.SkipList) []types.KeyValue {
		return s.Items()
	})...)
}

// ItersMonotonyPredicate returns a merged cursor over the sub-range on
// which the monotone predicate is zero, or ok == false when no skiplist
// holds a matching key.
func (m *MemTable) ItersMonotonyPredicate(pred func([]byte) int) (*iterator.HeapIterator, bool) {
	sources := m.snapshotSources(func(s *skiplist.SkipList) []types.KeyValue {
		return s.ItemsInRange(pred)
	})
	it := iterator.NewHeapIterator(sources...)
	if !it.Valid() {
		return nil, false
	}
	return it, true
}

// snapshotSources collects one source per skiplist, newest first, so
// source order doubles as recency rank.
func (m *MemTable) snapshotSources(collect func(*skiplist.SkipList) []types.KeyValue) []iterator.Source {
	m.mu.RLock()
	lists := make([]*skiplist.SkipList, 0, 1+len(m.frozen))
	lists = append(lists, m.active)
	lists = append(lists, m.frozen...)
	m.mu.RUnlock()

	sources := make([]iterator.Source, len(lists))
	for i, l := range lists {
		sources[i] = iterator.SliceSource(collect(l))
	}
	return sources
}
