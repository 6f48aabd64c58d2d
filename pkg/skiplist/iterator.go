package skiplist

// Iterator walks entries in ascending key order. It takes no lock:
// traversal is meant for frozen lists, or for callers that serialize
// against the single writer themselves.
type Iterator struct {
	cur *node
}

// Begin returns an iterator positioned on the smallest key.
func (s *SkipList) Begin() *Iterator {
	return &Iterator{cur: s.head.next[0]}
}

func (it *Iterator) Valid() bool {
	return it.cur != nil
}

func (it *Iterator) Key() []byte {
	return it.cur.key
}

func (it *Iterator) Value() []byte {
	return it.cur.value
}

func (it *Iterator) Next() {
	if it.cur != nil {
		it.cur = it.cur.next[0]
	}
}
