package sst

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Builder streams sorted records into the on-disk SST layout: data
// blocks, meta index, bloom block, footer.
type Builder struct {
	blockSize int
	withBloom bool

	blocks     [][]byte
	metas      []blockMeta
	cur        *BlockBuilder
	keyHashes  []uint64
	numRecords int
	doneBytes  int
}

func NewBuilder(blockSize int, withBloom bool) *Builder {
	return &Builder{
		blockSize: blockSize,
		withBloom: withBloom,
		cur:       NewBlockBuilder(blockSize),
	}
}

// Add appends one record. Input must arrive in ascending key order.
func (b *Builder) Add(key, value []byte) error {
	ok, err := b.cur.Add(key, value)
	if err != nil {
		return err
	}
	if !ok {
		b.finishBlock()
		if ok, err = b.cur.Add(key, value); err != nil {
			return err
		} else if !ok {
			// first add into a fresh block never refuses
			panic("sst: block builder refused first record")
		}
	}

	if b.withBloom {
		b.keyHashes = append(b.keyHashes, bloomHash(key))
	}
	b.numRecords++
	return nil
}

func (b *Builder) finishBlock() {
	if b.cur.Empty() {
		return
	}
	b.metas = append(b.metas, blockMeta{
		firstKey: b.cur.FirstKey(),
		lastKey:  b.cur.LastKey(),
	})
	encoded := b.cur.Finish()
	b.blocks = append(b.blocks, encoded)
	b.doneBytes += len(encoded)
	b.cur = NewBlockBuilder(b.blockSize)
}

// EstimatedSize is the total of finalized blocks plus the open one.
func (b *Builder) EstimatedSize() int {
	if b.cur.Empty() {
		return b.doneBytes
	}
	return b.doneBytes + b.cur.EstimatedSize()
}

// NumRecords returns how many records were added.
func (b *Builder) NumRecords() int {
	return b.numRecords
}

// Build finalizes the open block, writes the file and returns the
// opened SST registered against the cache.
func (b *Builder) Build(id uint64, level int, path string, cache *BlockCache) (*SST, error) {
	b.finishBlock()

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create sst file: %w", err)
	}

	var offset uint32
	for i, encoded := range b.blocks {
		if _, err := file.Write(encoded); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to write block: %w", err)
		}
		b.metas[i].offset = offset
		b.metas[i].length = uint32(len(encoded))
		offset += uint32(len(encoded))
	}

	metaRaw := b.encodeMeta()
	metaOff := offset
	if _, err := file.Write(metaRaw); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to write meta index: %w", err)
	}
	offset += uint32(len(metaRaw))

	var bloomRaw []byte
	bloomOff := offset
	if b.withBloom {
		bloom := NewBloom(b.numRecords)
		for _, h := range b.keyHashes {
			bloom.AddHash(h)
		}
		bloomRaw = bloom.Encode()
		if _, err := file.Write(bloomRaw); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to write bloom block: %w", err)
		}
	}

	footer := make([]byte, 0, footerSize)
	footer = binary.LittleEndian.AppendUint32(footer, metaOff)
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(metaRaw)))
	footer = binary.LittleEndian.AppendUint32(footer, bloomOff)
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(bloomRaw)))
	footer = binary.LittleEndian.AppendUint32(footer, sstMagic)
	if _, err := file.Write(footer); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to write footer: %w", err)
	}

	if err := file.Sync(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to sync sst file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close sst file: %w", err)
	}

	return Open(id, level, path, cache)
}

func (b *Builder) encodeMeta() []byte {
	out := make([]byte, 0, 8)
	out = binary.LittleEndian.AppendUint32(out, uint32(b.numRecords))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.metas)))
	for _, m := range b.metas {
		out = binary.LittleEndian.AppendUint32(out, m.offset)
		out = binary.LittleEndian.AppendUint32(out, m.length)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(m.firstKey)))
		out = append(out, m.firstKey...)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(m.lastKey)))
		out = append(out, m.lastKey...)
	}
	return out
}
