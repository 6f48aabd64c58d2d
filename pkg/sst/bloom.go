package sst

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"lsmkv/pkg/dberrors"
)

const bloomBitsPerKey = 10

// Bloom is a compact membership approximation over the keys of one SST.
// Double hashing over a single FNV-1a base hash, leveldb style.
type Bloom struct {
	bits []byte
	k    uint32
}

// NewBloom sizes a filter for the expected number of keys.
func NewBloom(numKeys int) *Bloom {
	if numKeys < 1 {
		numKeys = 1
	}
	nbits := numKeys * bloomBitsPerKey
	if nbits < 64 {
		nbits = 64
	}
	// k = bitsPerKey * ln2, clamped
	kf := float64(bloomBitsPerKey) * 0.69
	k := uint32(kf)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return &Bloom{
		bits: make([]byte, (nbits+7)/8),
		k:    k,
	}
}

func bloomHash(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

func (b *Bloom) set(pos uint64) {
	b.bits[pos/8] |= 1 << (pos % 8)
}

func (b *Bloom) test(pos uint64) bool {
	return b.bits[pos/8]&(1<<(pos%8)) != 0
}

// Add records a key.
func (b *Bloom) Add(key []byte) {
	b.AddHash(bloomHash(key))
}

// AddHash records a pre-computed key hash.
func (b *Bloom) AddHash(h uint64) {
	nbits := uint64(len(b.bits)) * 8
	delta := h>>17 | h<<47
	for i := uint32(0); i < b.k; i++ {
		b.set(h % nbits)
		h += delta
	}
}

// MayContain reports whether the key might have been added. False is
// definitive.
func (b *Bloom) MayContain(key []byte) bool {
	h := bloomHash(key)
	nbits := uint64(len(b.bits)) * 8
	delta := h>>17 | h<<47
	for i := uint32(0); i < b.k; i++ {
		if !b.test(h % nbits) {
			return false
		}
		h += delta
	}
	return true
}

// Encode serializes the filter: k u32 | nbytes u32 | bits.
func (b *Bloom) Encode() []byte {
	out := make([]byte, 0, 8+len(b.bits))
	out = binary.LittleEndian.AppendUint32(out, b.k)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.bits)))
	return append(out, b.bits...)
}

// DecodeBloom parses an encoded filter.
func DecodeBloom(raw []byte) (*Bloom, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("bloom block of %d bytes: %w", len(raw), dberrors.ErrMalformedSST)
	}
	k := binary.LittleEndian.Uint32(raw)
	n := binary.LittleEndian.Uint32(raw[4:])
	if len(raw) < 8+int(n) {
		return nil, fmt.Errorf("bloom bits truncated: %w", dberrors.ErrMalformedSST)
	}
	return &Bloom{bits: raw[8 : 8+n], k: k}, nil
}
