package batch

import "lsmkv/pkg/types"

// Op is a single mutation inside a WriteBatch. A nil or empty value
// marks a delete.
type Op struct {
	Key   types.Key
	Value types.Value
}

// WriteBatch groups multiple mutations applied together.
type WriteBatch struct {
	ops []Op
}

func (b *WriteBatch) Put(key types.Key, value types.Value) {
	b.ops = append(b.ops, Op{Key: key, Value: value})
}

func (b *WriteBatch) Delete(key types.Key) {
	b.ops = append(b.ops, Op{Key: key})
}

func (b *WriteBatch) Clear() {
	b.ops = b.ops[:0]
}

func (b *WriteBatch) Count() int {
	return len(b.ops)
}

// Ops exposes the accumulated mutations in insertion order.
func (b *WriteBatch) Ops() []Op {
	return b.ops
}
