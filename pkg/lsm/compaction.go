package lsm

import (
	"fmt"
	"log/slog"
	"sort"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/sst"
)

// fullCompactLocked merges every SST of src into src+1, recursing first
// when the destination is itself at the fan-out threshold. The caller
// holds the exclusive lock. Old files are deleted only after the new
// SSTs are built and registered, so a failed compaction leaves the tree
// intact.
func (e *Engine) fullCompactLocked(src int) error {
	if len(e.levelSSTIDs[src+1]) >= e.cfg.SSTLevelRatio {
		if err := e.fullCompactLocked(src + 1); err != nil {
			return err
		}
	}

	xIDs := append([]uint64(nil), e.levelSSTIDs[src]...)
	yIDs := append([]uint64(nil), e.levelSSTIDs[src+1]...)

	var (
		newSSTs []*sst.SST
		err     error
	)
	if src == 0 {
		newSSTs, err = e.fullL0L1Compact(xIDs, yIDs)
	} else {
		newSSTs, err = e.fullCommonCompact(xIDs, yIDs, src+1)
	}
	if err != nil {
		return fmt.Errorf("compaction of level %d failed: %w", src, err)
	}

	newIDs := make([]uint64, 0, len(newSSTs))
	for _, table := range newSSTs {
		e.ssts.Store(table.ID(), table)
		newIDs = append(newIDs, table.ID())
	}
	sort.Slice(newIDs, func(i, j int) bool { return newIDs[i] < newIDs[j] })

	for _, id := range append(xIDs, yIDs...) {
		if table, ok := e.ssts.Load(id); ok {
			if derr := table.DelSST(); derr != nil {
				slog.Warn("failed to delete compacted sst", "sst_id", id, "error", derr)
			}
			e.ssts.Delete(id)
		}
	}
	e.levelSSTIDs[src] = nil
	e.levelSSTIDs[src+1] = newIDs

	if src+1 > e.curMaxLevel {
		e.curMaxLevel = src + 1
	}

	e.collector.IncCounter("lsm_compaction_total", 1)
	return nil
}

// fullL0L1Compact merges level 0 (overlapping, heap-merged) against
// level 1 (disjoint, concatenated).
func (e *Engine) fullL0L1Compact(l0IDs, l1IDs []uint64) ([]*sst.SST, error) {
	l0Iters := make([]*sst.Iterator, 0, len(l0IDs))
	for _, id := range l0IDs {
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

	l1Iter := sst.NewConcatIterator(e.tablesByID(l1IDs))
	merged := iterator.NewTwoMerge(sst.MergeSSTIterators(l0Iters), l1Iter)
	out, err := e.genSSTFromIter(merged, e.targetSSTSize(1), 1)
	if err != nil {
		return nil, err
	}
	for _, it := range l0Iters {
		if ierr := it.Err(); ierr != nil {
			e.discardSSTs(out)
			return nil, ierr
		}
	}
	if ierr := l1Iter.Err(); ierr != nil {
		e.discardSSTs(out)
		return nil, ierr
	}
	return out, nil
}

// fullCommonCompact merges two disjoint levels with a pair of concat
// iterators.
func (e *Engine) fullCommonCompact(xIDs, yIDs []uint64, levelY int) ([]*sst.SST, error) {
	xIter := sst.NewConcatIterator(e.tablesByID(xIDs))
	yIter := sst.NewConcatIterator(e.tablesByID(yIDs))

	// TODO: when levelY is the bottom-most level tombstones could be
	// dropped here instead of carried forward
	merged := iterator.NewTwoMerge(xIter, yIter)
	out, err := e.genSSTFromIter(merged, e.targetSSTSize(levelY), levelY)
	if err != nil {
		return nil, err
	}
	if ierr := xIter.Err(); ierr != nil {
		e.discardSSTs(out)
		return nil, ierr
	}
	if ierr := yIter.Err(); ierr != nil {
		e.discardSSTs(out)
		return nil, ierr
	}
	return out, nil
}

// genSSTFromIter streams a merged cursor into SSTs at the target level,
// rolling over whenever the builder reaches the target size.
func (e *Engine) genSSTFromIter(it iterator.Iterator, targetSize int64, targetLevel int) ([]*sst.SST, error) {
	var out []*sst.SST
	builder := sst.NewBuilder(e.cfg.BlockSize, true)

	flush := func() error {
		id := e.idAlloc.Next()
		table, err := builder.Build(id, targetLevel, e.sstPath(id, targetLevel), e.cache)
		if err != nil {
			return err
		}
		out = append(out, table)
		builder = sst.NewBuilder(e.cfg.BlockSize, true)
		return nil
	}

	for it.Valid() {
		if err := builder.Add(it.Key(), it.Value()); err != nil {
			e.discardSSTs(out)
			return nil, err
		}
		it.Next()

		if int64(builder.EstimatedSize()) >= targetSize {
			if err := flush(); err != nil {
				e.discardSSTs(out)
				return nil, err
			}
		}
	}
	if builder.NumRecords() > 0 {
		if err := flush(); err != nil {
			e.discardSSTs(out)
			return nil, err
		}
	}
	return out, nil
}

// discardSSTs removes half-built outputs after a failed compaction.
func (e *Engine) discardSSTs(tables []*sst.SST) {
	for _, table := range tables {
		if err := table.DelSST(); err != nil {
			slog.Warn("failed to discard sst", "sst_id", table.ID(), "error", err)
		}
	}
}

// targetSSTSize is per-memtable-limit at level 0 and grows by the level
// ratio per level below.
func (e *Engine) targetSSTSize(level int) int64 {
	size := e.cfg.PerMemSizeLimit
	for i := 0; i < level; i++ {
		size *= int64(e.cfg.SSTLevelRatio)
	}
	return size
}

// tablesByID resolves ids preserving list order.
func (e *Engine) tablesByID(ids []uint64) []*sst.SST {
	out := make([]*sst.SST, 0, len(ids))
	for _, id := range ids {
		if table, ok := e.ssts.Load(id); ok {
			out = append(out, table)
		}
	}
	return out
}
