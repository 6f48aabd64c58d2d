package lsm

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"lsmkv/pkg/batch"
	"lsmkv/pkg/clock"
	"lsmkv/pkg/config"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/sst"
	"lsmkv/pkg/types"
)

const sstFilePrefix = "sst_"

// Engine orchestrates the memtable, the on-disk levels and tiered
// compaction. Flush and compaction run synchronously on the write
// thread that crosses a watermark.
type Engine struct {
	cfg     config.DBConfig
	dataDir string

	mt      *memtable.MemTable
	cache   *sst.BlockCache
	idAlloc *clock.AtomicCounter

	// mu guards levelSSTIDs and curMaxLevel; registry mutations happen
	// under it as well. The registry itself is a concurrent ordered
	// map, so readers resolve ids without extra locking.
	mu          sync.RWMutex
	ssts        *skipmap.FuncMap[uint64, *sst.SST]
	levelSSTIDs map[int][]uint64
	curMaxLevel int

	collector metrics.Collector
}

// Open creates the data directory when missing, otherwise scans it for
// sst_<id>.<level> files and rebuilds the level map. Unknown files are
// ignored; unreadable SSTs are skipped with a log entry.
func Open(dataDir string, cfg config.DBConfig) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		dataDir:     dataDir,
		mt:          memtable.New(cfg.PerMemSizeLimit),
		cache:       sst.NewBlockCache(cfg.BlockCacheCapacity, cfg.BlockCacheK),
		idAlloc:     clock.NewAtomic(0),
		ssts:        newRegistry(),
		levelSSTIDs: make(map[int][]uint64),
		collector:   metrics.Nop{},
	}

	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return e, nil
	}

	if err := e.scanDataDir(); err != nil {
		return nil, err
	}
	return e, nil
}

func newRegistry() *skipmap.FuncMap[uint64, *sst.SST] {
	return skipmap.NewFunc[uint64, *sst.SST](func(a, b uint64) bool {
		return a < b
	})
}

// UseCollector installs a metrics collector; the default discards
// observations.
func (e *Engine) UseCollector(c metrics.Collector) {
	e.collector = c
}

func (e *Engine) scanDataDir() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries, err := os.ReadDir(e.dataDir)
	if err != nil {
		return fmt.Errorf("failed to scan data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, level, ok := parseSSTName(entry.Name())
		if !ok {
			continue
		}

		path := filepath.Join(e.dataDir, entry.Name())
		table, err := sst.Open(id, level, path, e.cache)
		if err != nil {
			slog.Error("skipping unreadable sst", "path", path, "error", err)
			continue
		}

		e.ssts.Store(id, table)
		e.levelSSTIDs[level] = append(e.levelSSTIDs[level], id)
		e.idAlloc.Observe(id)
		if level > e.curMaxLevel {
			e.curMaxLevel = level
		}
	}

	for level, ids := range e.levelSSTIDs {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if level == 0 {
			// newest first; deeper levels stay first-key ascending,
			// which id order already gives
			for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	return nil
}

func parseSSTName(name string) (id uint64, level int, ok bool) {
	if !strings.HasPrefix(name, sstFilePrefix) {
		return 0, 0, false
	}
	idStr, levelStr, found := strings.Cut(name[len(sstFilePrefix):], ".")
	if !found || idStr == "" || levelStr == "" {
		return 0, 0, false
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	lvl, err := strconv.Atoi(levelStr)
	if err != nil || lvl < 0 {
		return 0, 0, false
	}
	return id, lvl, true
}

func (e *Engine) sstPath(id uint64, level int) string {
	return filepath.Join(e.dataDir, fmt.Sprintf("%s%032d.%d", sstFilePrefix, id, level))
}

// Put writes one pair, flushing when the memtable total crosses the
// tolerated limit.
func (e *Engine) Put(key types.Key, value types.Value) error {
	e.mt.Put(key, value)
	return e.maybeFlush()
}

// PutBatch writes the pairs in order, then applies the flush check
// once.
func (e *Engine) PutBatch(kvs []types.KeyValue) error {
	e.mt.PutBatch(kvs)
	return e.maybeFlush()
}

// Remove tombstones a key.
func (e *Engine) Remove(key types.Key) error {
	e.mt.Remove(key)
	return nil
}

// RemoveBatch tombstones the keys in order.
func (e *Engine) RemoveBatch(keys []types.Key) error {
	e.mt.RemoveBatch(keys)
	return nil
}

// Write applies a batch of mixed puts and deletes.
func (e *Engine) Write(b *batch.WriteBatch) error {
	for _, op := range b.Ops() {
		e.mt.Put(op.Key, op.Value)
	}
	return e.maybeFlush()
}

func (e *Engine) maybeFlush() error {
	if e.mt.TotalSize() >= e.cfg.TolMemSizeLimit {
		return e.Flush()
	}
	return nil
}

// Get resolves a key through the memtable, then level 0 newest first,
// then deeper levels by per-level binary search. A tombstone anywhere
// is a definitive miss.
func (e *Engine) Get(key types.Key) (types.Value, bool, error) {
	if v, ok := e.mt.Get(key); ok {
		if types.IsTombstone(v) {
			return nil, false, nil
		}
		return v, true, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, id := range e.levelSSTIDs[0] {
		table, ok := e.ssts.Load(id)
		if !ok {
			continue
		}
		v, found, err := lookupSST(table, key)
		if err != nil {
			return nil, false, err
		}
		if found {
			if types.IsTombstone(v) {
				return nil, false, nil
			}
			return v, true, nil
		}
	}

	for level := 1; level <= e.curMaxLevel; level++ {
		ids := e.levelSSTIDs[level]
		idx := sort.Search(len(ids), func(i int) bool {
			table, ok := e.ssts.Load(ids[i])
			return ok && bytes.Compare(table.LastKey(), key) >= 0
		})
		if idx == len(ids) {
			continue
		}
		table, ok := e.ssts.Load(ids[idx])
		if !ok || bytes.Compare(table.FirstKey(), key) > 0 {
			continue
		}
		v, found, err := lookupSST(table, key)
		if err != nil {
			return nil, false, err
		}
		if found {
			if types.IsTombstone(v) {
				return nil, false, nil
			}
			return v, true, nil
		}
	}

	return nil, false, nil
}

func lookupSST(table *sst.SST, key types.Key) (types.Value, bool, error) {
	it, err := table.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !it.Valid() {
		return nil, false, nil
	}
	return it.Value(), true, nil
}

// Flush writes the oldest frozen memtable into a new level-0 SST,
// compacting level 0 first when it is at the fan-out threshold.
func (e *Engine) Flush() error {
	if e.mt.TotalSize() == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.levelSSTIDs[0]) >= e.cfg.SSTLevelRatio {
		if err := e.fullCompactLocked(0); err != nil {
			return err
		}
	}

	if e.mt.FrozenCount() == 0 {
		e.mt.FreezeCurrent()
	}

	id := e.idAlloc.Next()
	builder := sst.NewBuilder(e.cfg.BlockSize, true)
	table, err := e.mt.FlushLast(builder, e.sstPath(id, 0), id, e.cache)
	if err != nil {
		return fmt.Errorf("flush of sst %d failed: %w", id, err)
	}

	e.ssts.Store(id, table)
	e.levelSSTIDs[0] = append([]uint64{id}, e.levelSSTIDs[0]...)

	e.collector.IncCounter("lsm_flush_total", 1)
	e.collector.SetGauge("lsm_level0_ssts", float64(len(e.levelSSTIDs[0])))
	return nil
}

// FullCompact merges every SST of src into src+1.
func (e *Engine) FullCompact(src int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fullCompactLocked(src)
}

// FlushAll drains the memtable completely.
func (e *Engine) FlushAll() error {
	for e.mt.TotalSize() > 0 {
		if err := e.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Clear erases all in-memory state and removes every file in the data
// directory.
func (e *Engine) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.mt.Clear()

	e.ssts.Range(func(id uint64, table *sst.SST) bool {
		if err := table.DelSST(); err != nil {
			slog.Warn("failed to delete sst during clear", "sst_id", id, "error", err)
		}
		return true
	})
	e.ssts = newRegistry()
	e.levelSSTIDs = make(map[int][]uint64)
	e.curMaxLevel = 0

	entries, err := os.ReadDir(e.dataDir)
	if err != nil {
		return fmt.Errorf("failed to list data directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(e.dataDir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Close flushes the whole memtable to disk, the active skiplist
// included, and releases every SST handle.
func (e *Engine) Close() error {
	if err := e.FlushAll(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.ssts.Range(func(id uint64, table *sst.SST) bool {
		if err := table.Close(); err != nil {
			slog.Warn("failed to close sst", "sst_id", id, "error", err)
		}
		return true
	})
	return nil
}

// Begin returns an ascending cursor over the memtable merged with every
// level-0 SST, newest wins, tombstones elided.
func (e *Engine) Begin() (iterator.Iterator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	l0Iters := make([]*sst.Iterator, 0, len(e.levelSSTIDs[0]))
	for _, id := range e.levelSSTIDs[0] {
		table, ok := e.ssts.Load(id)
		if !ok {
			continue
		}
		it, err := table.Begin()
		if err != nil {
			return nil, err
		}
		l0Iters = append(l0Iters, it)
	}

	merged := iterator.NewTwoMerge(e.mt.Begin(), sst.MergeSSTIterators(l0Iters))
	return iterator.SkipTombstones(merged), nil
}

// ItersMonotonyPredicate returns an ascending cursor over the sub-range
// where the monotone predicate is zero, merged across the memtable and
// every SST at every level. ok is false when nothing matches.
func (e *Engine) ItersMonotonyPredicate(pred func([]byte) int) (iterator.Iterator, bool, error) {
	memIt, memOK := e.mt.ItersMonotonyPredicate(pred)

	e.mu.RLock()
	tables := make([]*sst.SST, 0)
	for _, ids := range e.levelSSTIDs {
		for _, id := range ids {
			if table, ok := e.ssts.Load(id); ok {
				tables = append(tables, table)
			}
		}
	}

	// newest sst first so source order encodes recency
	sort.Slice(tables, func(i, j int) bool { return tables[i].ID() > tables[j].ID() })

	// matching entries are collected under the shared lock: a compaction
	// may delete these files the moment it is released
	sources := make([]iterator.Source, 0, len(tables))
	for _, table := range tables {
		items, err := table.ItemsInRange(pred)
		if err != nil {
			e.mu.RUnlock()
			return nil, false, err
		}
		if len(items) > 0 {
			sources = append(sources, iterator.SliceSource(items))
		}
	}
	e.mu.RUnlock()

	if !memOK && len(sources) == 0 {
		return nil, false, nil
	}

	var memSide iterator.Iterator = iterator.Empty{}
	if memOK {
		memSide = memIt
	}
	merged := iterator.NewTwoMerge(memSide, iterator.NewHeapIterator(sources...))
	return iterator.SkipTombstones(merged), true, nil
}

// LevelSSTIDs exposes a copy of one level's id list, newest first at
// level 0, first-key order deeper.
func (e *Engine) LevelSSTIDs(level int) []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]uint64(nil), e.levelSSTIDs[level]...)
}

// MaxLevel returns the deepest populated level.
func (e *Engine) MaxLevel() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.curMaxLevel
}

// TotalMemSize returns the memtable byte total.
func (e *Engine) TotalMemSize() int64 {
	return e.mt.TotalSize()
}
