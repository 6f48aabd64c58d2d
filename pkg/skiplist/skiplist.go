package skiplist

import (
	"bytes"
	"sync"

	"github.com/zhangyunhao116/fastrand"

	"lsmkv/pkg/types"
)

const (
	maxHeight = 16
	// branching factor of the geometric height distribution
	branching = 4
)

type node struct {
	key   []byte
	value []byte
	next  []*node
}

// SkipList is a probabilistic ordered map from keys to values. It is
// safe for concurrent readers against a single concurrent writer; the
// mutex serializes mutation.
type SkipList struct {
	mu     sync.RWMutex
	head   *node
	height int
	length int
	size   int64
}

func New() *SkipList {
	return &SkipList{
		head:   &node{next: make([]*node, maxHeight)},
		height: 1,
	}
}

func randomHeight() int {
	h := 1
	for h < maxHeight && fastrand.Uint32n(branching) == 0 {
		h++
	}
	return h
}

// findGreaterOrEqual returns the first node with key >= target and, if
// prev is non-nil, fills it with the rightmost node before the target
// on every level.
func (s *SkipList) findGreaterOrEqual(key []byte, prev []*node) *node {
	cur := s.head
	for i := s.height - 1; i >= 0; i-- {
		for cur.next[i] != nil && bytes.Compare(cur.next[i].key, key) < 0 {
			cur = cur.next[i]
		}
		if prev != nil {
			prev[i] = cur
		}
	}
	return cur.next[0]
}

// Put inserts or overwrites a key and returns the byte delta applied to
// the accumulated size: len(key)+len(value) on insert, the value-length
// difference on overwrite.
func (s *SkipList) Put(key, value []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make([]*node, maxHeight)
	for i := range prev {
		prev[i] = s.head
	}
	found := s.findGreaterOrEqual(key, prev)

	if found != nil && bytes.Equal(found.key, key) {
		delta := int64(len(value)) - int64(len(found.value))
		found.value = value
		s.size += delta
		return delta
	}

	h := randomHeight()
	if h > s.height {
		s.height = h
	}

	n := &node{key: key, value: value, next: make([]*node, h)}
	for i := 0; i < h; i++ {
		n.next[i] = prev[i].next[i]
		prev[i].next[i] = n
	}

	delta := int64(len(key)) + int64(len(value))
	s.size += delta
	s.length++
	return delta
}

// Get returns the stored value. A present tombstone is returned as an
// empty value with ok set.
func (s *SkipList) Get(key []byte) (types.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.findGreaterOrEqual(key, nil)
	if n != nil && bytes.Equal(n.key, key) {
		return n.value, true
	}
	return nil, false
}

// Remove physically erases the node. Tombstoning is a memtable concern,
// not a skiplist one. Returns the byte delta (negative) or zero when
// the key is absent.
func (s *SkipList) Remove(key []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make([]*node, maxHeight)
	for i := range prev {
		prev[i] = s.head
	}
	found := s.findGreaterOrEqual(key, prev)
	if found == nil || !bytes.Equal(found.key, key) {
		return 0
	}

	for i := 0; i < len(found.next); i++ {
		if prev[i].next[i] == found {
			prev[i].next[i] = found.next[i]
		}
	}
	for s.height > 1 && s.head.next[s.height-1] == nil {
		s.height--
	}

	delta := -(int64(len(found.key)) + int64(len(found.value)))
	s.size += delta
	s.length--
	return delta
}

// Size returns the accumulated byte size of stored keys and values.
func (s *SkipList) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Len returns the number of entries, tombstones included.
func (s *SkipList) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

// Items snapshots all entries in ascending key order.
func (s *SkipList) Items() []types.KeyValue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.KeyValue, 0, s.length)
	for n := s.head.next[0]; n != nil; n = n.next[0] {
		out = append(out, types.KeyValue{Key: n.key, Value: n.value})
	}
	return out
}

// ItemsInRange snapshots the entries on which the monotone predicate is
// zero. pred must return negative, zero, positive in that order as keys
// ascend; both boundaries are located by skip-descent before a single
// sequential copy.
func (s *SkipList) ItemsInRange(pred func([]byte) int) []types.KeyValue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	begin := s.firstMatch(func(k []byte) bool { return pred(k) >= 0 })
	if begin == nil || pred(begin.key) != 0 {
		return nil
	}
	end := s.firstMatch(func(k []byte) bool { return pred(k) > 0 })

	var out []types.KeyValue
	for n := begin; n != end; n = n.next[0] {
		out = append(out, types.KeyValue{Key: n.key, Value: n.value})
	}
	return out
}

// firstMatch returns the first node satisfying a monotone condition,
// descending from the top level like a key search.
func (s *SkipList) firstMatch(cond func([]byte) bool) *node {
	cur := s.head
	for i := s.height - 1; i >= 0; i-- {
		for cur.next[i] != nil && !cond(cur.next[i].key) {
			cur = cur.next[i]
		}
	}
	return cur.next[0]
}
