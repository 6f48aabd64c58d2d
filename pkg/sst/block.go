package sst

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"lsmkv/pkg/dberrors"
)

// A data block is self-describing:
//
//	records:  repeat { klen u16 | key | vlen u16 | value }
//	offsets:  u16 per record, start of the record in the data section
//	count:    u16
//
// Records are sorted ascending by key, so lookups binary-search the
// offset table.

const recordOverhead = 4 // klen + vlen

// Block is a decoded data block.
type Block struct {
	data    []byte
	offsets []uint16
}

// DecodeBlock parses a raw block as written by BlockBuilder.
func DecodeBlock(raw []byte) (*Block, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("block of %d bytes: %w", len(raw), dberrors.ErrMalformedSST)
	}
	count := int(binary.LittleEndian.Uint16(raw[len(raw)-2:]))
	tail := 2 + count*2
	if len(raw) < tail {
		return nil, fmt.Errorf("block offset table truncated: %w", dberrors.ErrMalformedSST)
	}

	offsetsRaw := raw[len(raw)-tail : len(raw)-2]
	offsets := make([]uint16, count)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint16(offsetsRaw[i*2:])
	}

	return &Block{
		data:    raw[:len(raw)-tail],
		offsets: offsets,
	}, nil
}

// NumRecords returns the record count.
func (b *Block) NumRecords() int {
	return len(b.offsets)
}

// Record returns the i-th key and value.
func (b *Block) Record(i int) ([]byte, []byte) {
	off := int(b.offsets[i])
	klen := int(binary.LittleEndian.Uint16(b.data[off:]))
	key := b.data[off+2 : off+2+klen]
	voff := off + 2 + klen
	vlen := int(binary.LittleEndian.Uint16(b.data[voff:]))
	value := b.data[voff+2 : voff+2+vlen]
	return key, value
}

// Key returns the i-th key without decoding the value.
func (b *Block) Key(i int) []byte {
	off := int(b.offsets[i])
	klen := int(binary.LittleEndian.Uint16(b.data[off:]))
	return b.data[off+2 : off+2+klen]
}

// Seek returns the index of the first record with key >= target.
func (b *Block) Seek(target []byte) int {
	return sort.Search(len(b.offsets), func(i int) bool {
		return bytes.Compare(b.Key(i), target) >= 0
	})
}

// BlockBuilder accumulates sorted records into one encoded block.
type BlockBuilder struct {
	blockSize int

	data     []byte
	offsets  []uint16
	firstKey []byte
	lastKey  []byte
}

func NewBlockBuilder(blockSize int) *BlockBuilder {
	return &BlockBuilder{blockSize: blockSize}
}

// Add appends a record. It reports false when the block is full; the
// first record is always accepted so oversized entries still land in a
// block of their own.
func (bb *BlockBuilder) Add(key, value []byte) (bool, error) {
	recLen := recordOverhead + len(key) + len(value)
	if len(key) > math.MaxUint16 || len(value) > math.MaxUint16 || recLen > math.MaxUint16 {
		return false, dberrors.ErrKeyTooLarge
	}
	if len(bb.offsets) > 0 && bb.EstimatedSize()+recLen > bb.blockSize {
		return false, nil
	}

	bb.offsets = append(bb.offsets, uint16(len(bb.data)))
	bb.data = binary.LittleEndian.AppendUint16(bb.data, uint16(len(key)))
	bb.data = append(bb.data, key...)
	bb.data = binary.LittleEndian.AppendUint16(bb.data, uint16(len(value)))
	bb.data = append(bb.data, value...)

	if bb.firstKey == nil {
		bb.firstKey = append([]byte(nil), key...)
	}
	bb.lastKey = append(bb.lastKey[:0], key...)
	return true, nil
}

// EstimatedSize is the encoded size if the block were finished now.
func (bb *BlockBuilder) EstimatedSize() int {
	return len(bb.data) + len(bb.offsets)*2 + 2
}

func (bb *BlockBuilder) Empty() bool {
	return len(bb.offsets) == 0
}

func (bb *BlockBuilder) NumRecords() int {
	return len(bb.offsets)
}

func (bb *BlockBuilder) FirstKey() []byte { return bb.firstKey }
func (bb *BlockBuilder) LastKey() []byte  { return bb.lastKey }

// Finish encodes the block. The builder must not be reused afterwards.
func (bb *BlockBuilder) Finish() []byte {
	out := bb.data
	for _, off := range bb.offsets {
		out = binary.LittleEndian.AppendUint16(out, off)
	}
	out = binary.LittleEndian.AppendUint16(out, uint16(len(bb.offsets)))
	return out
}
