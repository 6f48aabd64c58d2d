package sst

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

const (
	sstMagic   uint32 = 0x4C534D4B // "LSMK"
	footerSize        = 20
)

type blockMeta struct {
	offset   uint32
	length   uint32
	firstKey []byte
	lastKey  []byte
}

// SST is an immutable on-disk sorted run. Blocks are fetched on demand
// through the shared block cache.
type SST struct {
	id    uint64
	level int
	path  string
	file  *os.File

	metas      []blockMeta
	bloom      *Bloom
	firstKey   []byte
	lastKey    []byte
	numRecords int

	cache *BlockCache
}

// Open maps an SST file: reads the footer, the meta index and the bloom
// block, leaving data blocks on disk.
func Open(id uint64, level int, path string, cache *BlockCache) (*SST, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sst file: %w", err)
	}

	s := &SST{
		id:    id,
		level: level,
		path:  path,
		file:  file,
		cache: cache,
	}
	if err := s.loadFooter(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("sst %d: %w", id, err)
	}
	return s, nil
}

func (s *SST) loadFooter() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat sst file: %w", err)
	}
	if info.Size() < footerSize {
		return fmt.Errorf("file of %d bytes: %w", info.Size(), dberrors.ErrMalformedSST)
	}

	footer := make([]byte, footerSize)
	if _, err := s.file.ReadAt(footer, info.Size()-footerSize); err != nil {
		return fmt.Errorf("failed to read footer: %w", err)
	}
	if binary.LittleEndian.Uint32(footer[16:]) != sstMagic {
		return fmt.Errorf("footer magic mismatch: %w", dberrors.ErrMalformedSST)
	}

	metaOff := binary.LittleEndian.Uint32(footer[0:])
	metaLen := binary.LittleEndian.Uint32(footer[4:])
	bloomOff := binary.LittleEndian.Uint32(footer[8:])
	bloomLen := binary.LittleEndian.Uint32(footer[12:])

	if int64(metaOff)+int64(metaLen) > info.Size() || int64(bloomOff)+int64(bloomLen) > info.Size() {
		return fmt.Errorf("index region out of bounds: %w", dberrors.ErrMalformedSST)
	}

	metaRaw := make([]byte, metaLen)
	if _, err := s.file.ReadAt(metaRaw, int64(metaOff)); err != nil {
		return fmt.Errorf("failed to read meta index: %w", err)
	}
	if err := s.decodeMeta(metaRaw); err != nil {
		return err
	}

	if bloomLen > 0 {
		bloomRaw := make([]byte, bloomLen)
		if _, err := s.file.ReadAt(bloomRaw, int64(bloomOff)); err != nil {
			return fmt.Errorf("failed to read bloom block: %w", err)
		}
		bloom, err := DecodeBloom(bloomRaw)
		if err != nil {
			return err
		}
		s.bloom = bloom
	}

	if len(s.metas) > 0 {
		s.firstKey = s.metas[0].firstKey
		s.lastKey = s.metas[len(s.metas)-1].lastKey
	}
	return nil
}

func (s *SST) decodeMeta(raw []byte) error {
	if len(raw) < 8 {
		return fmt.Errorf("meta index of %d bytes: %w", len(raw), dberrors.ErrMalformedSST)
	}
	s.numRecords = int(binary.LittleEndian.Uint32(raw))
	count := int(binary.LittleEndian.Uint32(raw[4:]))
	raw = raw[8:]

	s.metas = make([]blockMeta, 0, count)
	for i := 0; i < count; i++ {
		if len(raw) < 10 {
			return fmt.Errorf("meta entry truncated: %w", dberrors.ErrMalformedSST)
		}
		var m blockMeta
		m.offset = binary.LittleEndian.Uint32(raw)
		m.length = binary.LittleEndian.Uint32(raw[4:])
		fkLen := int(binary.LittleEndian.Uint16(raw[8:]))
		raw = raw[10:]
		if len(raw) < fkLen+2 {
			return fmt.Errorf("meta entry truncated: %w", dberrors.ErrMalformedSST)
		}
		m.firstKey = raw[:fkLen]
		raw = raw[fkLen:]
		lkLen := int(binary.LittleEndian.Uint16(raw))
		raw = raw[2:]
		if len(raw) < lkLen {
			return fmt.Errorf("meta entry truncated: %w", dberrors.ErrMalformedSST)
		}
		m.lastKey = raw[:lkLen]
		raw = raw[lkLen:]
		s.metas = append(s.metas, m)
	}
	return nil
}

// ReadBlock fetches one data block, consulting the cache first. A
// failed load is not cached.
func (s *SST) ReadBlock(idx int) (*Block, error) {
	if block, ok := s.cache.Get(s.id, idx); ok {
		return block, nil
	}

	m := s.metas[idx]
	raw := make([]byte, m.length)
	if _, err := s.file.ReadAt(raw, int64(m.offset)); err != nil {
		return nil, fmt.Errorf("failed to read block %d of sst %d: %w", idx, s.id, err)
	}
	block, err := DecodeBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("sst %d block %d: %w", s.id, idx, err)
	}

	s.cache.Insert(s.id, idx, block)
	return block, nil
}

// Get returns an iterator positioned on key, or an exhausted iterator
// when the key is absent. The bloom filter short-circuits definite
// misses before any block is touched.
func (s *SST) Get(key []byte) (*Iterator, error) {
	if s.bloom != nil && !s.bloom.MayContain(key) {
		return exhaustedIterator(s), nil
	}

	idx := sort.Search(len(s.metas), func(i int) bool {
		return bytes.Compare(s.metas[i].lastKey, key) >= 0
	})
	if idx == len(s.metas) || bytes.Compare(s.metas[idx].firstKey, key) > 0 {
		return exhaustedIterator(s), nil
	}

	block, err := s.ReadBlock(idx)
	if err != nil {
		return nil, err
	}
	rec := block.Seek(key)
	if rec == block.NumRecords() || !bytes.Equal(block.Key(rec), key) {
		return exhaustedIterator(s), nil
	}
	return &Iterator{sst: s, blkIdx: idx, blk: block, recIdx: rec}, nil
}

// Begin returns an ascending iterator over every record.
func (s *SST) Begin() (*Iterator, error) {
	if len(s.metas) == 0 {
		return exhaustedIterator(s), nil
	}
	block, err := s.ReadBlock(0)
	if err != nil {
		return nil, err
	}
	return &Iterator{sst: s, blkIdx: 0, blk: block, recIdx: 0}, nil
}

func (s *SST) ID() uint64        { return s.id }
func (s *SST) Level() int        { return s.level }
func (s *SST) Path() string      { return s.path }
func (s *SST) FirstKey() []byte  { return s.firstKey }
func (s *SST) LastKey() []byte   { return s.lastKey }
func (s *SST) NumRecords() int   { return s.numRecords }
func (s *SST) NumBlocks() int    { return len(s.metas) }

// ItemsInRange collects the records on which the monotone predicate is
// zero. Whole blocks are pruned through the meta index before any read:
// a block whose last key is still negative is skipped, and scanning
// stops at the first positive first-key.
func (s *SST) ItemsInRange(pred func([]byte) int) ([]types.KeyValue, error) {
	var out []types.KeyValue
	for idx, m := range s.metas {
		if pred(m.lastKey) < 0 {
			continue
		}
		if pred(m.firstKey) > 0 {
			break
		}
		block, err := s.ReadBlock(idx)
		if err != nil {
			return nil, err
		}
		for i := 0; i < block.NumRecords(); i++ {
			k, v := block.Record(i)
			switch c := pred(k); {
			case c < 0:
				continue
			case c == 0:
				out = append(out, types.KeyValue{Key: k, Value: v})
			default:
				return out, nil
			}
		}
	}
	return out, nil
}

// Close releases the file handle.
func (s *SST) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// DelSST closes the SST, evicts its cached blocks and unlinks the file.
func (s *SST) DelSST() error {
	if err := s.Close(); err != nil {
		return fmt.Errorf("failed to close sst %d: %w", s.id, err)
	}
	s.cache.RemoveSST(s.id)
	if err := os.Remove(s.path); err != nil {
		return fmt.Errorf("failed to remove sst %d: %w", s.id, err)
	}
	return nil
}
