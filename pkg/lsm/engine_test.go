package lsm

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"lsmkv/pkg/config"
	"lsmkv/pkg/types"
)

func writeJunkFile(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("junk"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func testConfig() config.DBConfig {
	return config.DBConfig{
		BlockSize:          4096,
		PerMemSizeLimit:    1024,
		TolMemSizeLimit:    4096,
		SSTLevelRatio:      4,
		BlockCacheCapacity: 256,
		BlockCacheK:        2,
	}
}

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	engine, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return engine
}

func TestEngine_BasicOverwrite(t *testing.T) {
	engine := openTestEngine(t, t.TempDir())

	if err := engine.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := engine.Put([]byte("a"), []byte("2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	v, found, err := engine.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || string(v) != "2" {
		t.Fatalf("Expected a=2, got %q (found=%v)", v, found)
	}

	if err := engine.Remove([]byte("a")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	_, found, err = engine.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Fatal("Expected removed key to be absent")
	}
}

func TestEngine_FlushSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	engine := openTestEngine(t, dir)

	const numKeys = 10000
	for i := 0; i < numKeys; i++ {
		if err := engine.Put([]byte(fmt.Sprintf("key%d", i)), []byte(fmt.Sprintf("value%d", i))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := engine.FlushAll(); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	if engine.TotalMemSize() != 0 {
		t.Fatalf("Expected drained memtable, got %d bytes", engine.TotalMemSize())
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := openTestEngine(t, dir)
	defer reopened.Close()

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key%d", i)
		expected := fmt.Sprintf("value%d", i)
		v, found, err := reopened.Get([]byte(key))
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", key, err)
		}
		if !found {
			t.Fatalf("Key %s lost across restart", key)
		}
		if string(v) != expected {
			t.Fatalf("Expected %s, got %s", expected, v)
		}
	}
}

func TestEngine_TombstoneMasksOlderSST(t *testing.T) {
	engine := openTestEngine(t, t.TempDir())
	defer engine.Close()

	if err := engine.Put([]byte("k"), []byte("old")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := engine.FlushAll(); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}

	if err := engine.Remove([]byte("k")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := engine.FlushAll(); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}

	_, found, err := engine.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Fatal("Expected tombstone in newer sst to mask older value")
	}

	if err := engine.FullCompact(0); err != nil {
		t.Fatalf("FullCompact failed: %v", err)
	}
	_, found, err = engine.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Fatal("Expected key to remain deleted after compaction")
	}
}

func TestEngine_L0OverflowCompaction(t *testing.T) {
	engine := openTestEngine(t, t.TempDir())
	defer engine.Close()

	// four flushes of non-overlapping ranges fill level 0 to the ratio
	for r := 0; r < 4; r++ {
		for i := 0; i < 50; i++ {
			key := fmt.Sprintf("r%d_key%03d", r, i)
			if err := engine.Put([]byte(key), []byte(fmt.Sprintf("v%d_%d", r, i))); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		if err := engine.FlushAll(); err != nil {
			t.Fatalf("FlushAll failed: %v", err)
		}
	}

	if got := len(engine.LevelSSTIDs(0)); got < 4 {
		t.Fatalf("Expected at least 4 level-0 ssts before compaction, got %d", got)
	}

	if err := engine.FullCompact(0); err != nil {
		t.Fatalf("FullCompact failed: %v", err)
	}

	if got := len(engine.LevelSSTIDs(0)); got != 0 {
		t.Fatalf("Expected empty level 0 after compaction, got %d", got)
	}
	if got := len(engine.LevelSSTIDs(1)); got < 1 {
		t.Fatalf("Expected populated level 1, got %d", got)
	}

	for r := 0; r < 4; r++ {
		for i := 0; i < 50; i++ {
			key := fmt.Sprintf("r%d_key%03d", r, i)
			expected := fmt.Sprintf("v%d_%d", r, i)
			v, found, err := engine.Get([]byte(key))
			if err != nil {
				t.Fatalf("Get(%s) failed: %v", key, err)
			}
			if !found || string(v) != expected {
				t.Fatalf("Key %s: expected %s, got %q (found=%v)", key, expected, v, found)
			}
		}
	}
}

func TestEngine_Level0NewestFirst(t *testing.T) {
	engine := openTestEngine(t, t.TempDir())
	defer engine.Close()

	for r := 0; r < 3; r++ {
		if err := engine.Put([]byte(fmt.Sprintf("key%d", r)), []byte("v")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := engine.FlushAll(); err != nil {
			t.Fatalf("FlushAll failed: %v", err)
		}
	}

	ids := engine.LevelSSTIDs(0)
	if len(ids) != 3 {
		t.Fatalf("Expected 3 level-0 ssts, got %d", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] <= ids[i] {
			t.Fatalf("Level 0 not ordered newest first: %v", ids)
		}
	}
}

func TestEngine_LevelsDisjointAfterCompaction(t *testing.T) {
	engine := openTestEngine(t, t.TempDir())
	defer engine.Close()

	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("key%05d", rand.Intn(5000))
		if err := engine.Put([]byte(key), []byte(fmt.Sprintf("value%d", i))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := engine.FlushAll(); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	if err := engine.FullCompact(0); err != nil {
		t.Fatalf("FullCompact failed: %v", err)
	}

	engine.mu.RLock()
	defer engine.mu.RUnlock()
	for level := 1; level <= engine.curMaxLevel; level++ {
		ids := engine.levelSSTIDs[level]
		for i := 1; i < len(ids); i++ {
			prev, _ := engine.ssts.Load(ids[i-1])
			cur, _ := engine.ssts.Load(ids[i])
			if bytes.Compare(prev.LastKey(), cur.FirstKey()) >= 0 {
				t.Fatalf("Level %d ssts overlap: %q >= %q", level, prev.LastKey(), cur.FirstKey())
			}
		}
	}
}

func TestEngine_RangeScan(t *testing.T) {
	engine := openTestEngine(t, t.TempDir())
	defer engine.Close()

	puts := [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}, {"b", "X"}}
	for _, kv := range puts {
		if err := engine.Put([]byte(kv[0]), []byte(kv[1])); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	it, err := engine.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	expected := [][2]string{{"a", "1"}, {"b", "X"}, {"c", "3"}}
	for i, e := range expected {
		if !it.Valid() {
			t.Fatalf("Cursor ended early at position %d", i)
		}
		if string(it.Key()) != e[0] || string(it.Value()) != e[1] {
			t.Fatalf("Position %d: expected %s=%s, got %s=%s", i, e[0], e[1], it.Key(), it.Value())
		}
		it.Next()
	}
	if it.Valid() {
		t.Fatalf("Expected cursor to end, still at %s", it.Key())
	}
}

func TestEngine_RangeScanAcrossFlush(t *testing.T) {
	engine := openTestEngine(t, t.TempDir())
	defer engine.Close()

	if err := engine.Put([]byte("a"), []byte("old_a")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := engine.Put([]byte("b"), []byte("old_b")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := engine.FlushAll(); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	if err := engine.Put([]byte("b"), []byte("new_b")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := engine.Remove([]byte("a")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	it, err := engine.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if !it.Valid() || string(it.Key()) != "b" || string(it.Value()) != "new_b" {
		t.Fatalf("Expected single entry b=new_b, got %s=%s", it.Key(), it.Value())
	}
	it.Next()
	if it.Valid() {
		t.Fatal("Expected cursor to end after b")
	}
}

func TestEngine_MonotonePredicate(t *testing.T) {
	engine := openTestEngine(t, t.TempDir())
	defer engine.Close()

	for i := 0; i < 100; i++ {
		if err := engine.Put([]byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	// move the keyspace into an sst, then override k40 in the memtable
	if err := engine.FlushAll(); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	if err := engine.Put([]byte("k40"), []byte("updated")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	pred := func(k []byte) int {
		switch {
		case bytes.Compare(k, []byte("k30")) < 0:
			return -1
		case bytes.Compare(k, []byte("k50")) < 0:
			return 0
		default:
			return 1
		}
	}

	it, ok, err := engine.ItersMonotonyPredicate(pred)
	if err != nil {
		t.Fatalf("ItersMonotonyPredicate failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected matching range")
	}

	for i := 30; i < 50; i++ {
		expected := fmt.Sprintf("k%02d", i)
		if !it.Valid() {
			t.Fatalf("Cursor ended early at k%02d", i)
		}
		if string(it.Key()) != expected {
			t.Fatalf("Expected %s, got %s", expected, it.Key())
		}
		if i == 40 && string(it.Value()) != "updated" {
			t.Fatalf("Expected memtable override for k40, got %q", it.Value())
		}
		it.Next()
	}
	if it.Valid() {
		t.Fatalf("Expected cursor to end at k49, still at %s", it.Key())
	}

	_, ok, err = engine.ItersMonotonyPredicate(func(k []byte) int { return 1 })
	if err != nil {
		t.Fatalf("ItersMonotonyPredicate failed: %v", err)
	}
	if ok {
		t.Fatal("Expected no range for never-zero predicate")
	}
}

func TestEngine_Clear(t *testing.T) {
	engine := openTestEngine(t, t.TempDir())
	defer engine.Close()

	for i := 0; i < 200; i++ {
		if err := engine.Put([]byte(fmt.Sprintf("key%03d", i)), []byte("v")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := engine.FlushAll(); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}

	if err := engine.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if engine.TotalMemSize() != 0 {
		t.Fatal("Expected empty memtable after clear")
	}
	if len(engine.LevelSSTIDs(0)) != 0 {
		t.Fatal("Expected empty level 0 after clear")
	}
	_, found, err := engine.Get([]byte("key000"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Fatal("Expected all keys gone after clear")
	}
}

func TestEngine_PutBatchRemoveBatch(t *testing.T) {
	engine := openTestEngine(t, t.TempDir())
	defer engine.Close()

	kvs := make([]types.KeyValue, 0, 10)
	for i := 0; i < 10; i++ {
		kvs = append(kvs, types.KeyValue{
			Key:   []byte(fmt.Sprintf("batch%d", i)),
			Value: []byte(fmt.Sprintf("v%d", i)),
		})
	}
	if err := engine.PutBatch(kvs); err != nil {
		t.Fatalf("PutBatch failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		v, found, err := engine.Get([]byte(fmt.Sprintf("batch%d", i)))
		if err != nil || !found {
			t.Fatalf("Get(batch%d) failed: %v (found=%v)", i, err, found)
		}
		if string(v) != fmt.Sprintf("v%d", i) {
			t.Fatalf("batch%d: got %q", i, v)
		}
	}

	keys := make([]types.Key, 0, 5)
	for i := 0; i < 5; i++ {
		keys = append(keys, []byte(fmt.Sprintf("batch%d", i)))
	}
	if err := engine.RemoveBatch(keys); err != nil {
		t.Fatalf("RemoveBatch failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, found, _ := engine.Get([]byte(fmt.Sprintf("batch%d", i))); found {
			t.Fatalf("batch%d should be removed", i)
		}
	}
	for i := 5; i < 10; i++ {
		if _, found, _ := engine.Get([]byte(fmt.Sprintf("batch%d", i))); !found {
			t.Fatalf("batch%d should survive", i)
		}
	}
}

func TestEngine_ConcurrentReadersWriters(t *testing.T) {
	engine := openTestEngine(t, t.TempDir())
	defer engine.Close()

	const (
		numWriters    = 4
		numReaders    = 4
		keysPerWriter = 500
	)

	var wg sync.WaitGroup
	for w := 0; w < numWriters; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < keysPerWriter; i++ {
				key := fmt.Sprintf("w%d_key%04d", w, i)
				value := fmt.Sprintf("w%d_value%04d", w, i)
				if err := engine.Put([]byte(key), []byte(value)); err != nil {
					t.Errorf("Put failed: %v", err)
					return
				}
			}
		}(w)
	}

	for r := 0; r < numReaders; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(r)))
			for i := 0; i < 1000; i++ {
				w := rng.Intn(numWriters)
				k := rng.Intn(keysPerWriter)
				key := fmt.Sprintf("w%d_key%04d", w, k)
				v, found, err := engine.Get([]byte(key))
				if err != nil {
					t.Errorf("Get failed: %v", err)
					return
				}
				if found {
					expected := fmt.Sprintf("w%d_value%04d", w, k)
					if string(v) != expected {
						t.Errorf("Torn read for %s: got %q", key, v)
						return
					}
				}
			}
		}(r)
	}
	wg.Wait()

	// no key is emitted more than once in a full scan
	it, err := engine.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	seen := make(map[string]int)
	for ; it.Valid(); it.Next() {
		seen[string(it.Key())]++
	}

	// Begin covers the memtable and level 0; fold in deeper levels via
	// point reads to verify nothing was lost
	for w := 0; w < numWriters; w++ {
		for i := 0; i < keysPerWriter; i++ {
			key := fmt.Sprintf("w%d_key%04d", w, i)
			if seen[key] > 1 {
				t.Fatalf("Key %s emitted %d times", key, seen[key])
			}
			if _, found, err := engine.Get([]byte(key)); err != nil || !found {
				t.Fatalf("Key %s lost (err=%v)", key, err)
			}
		}
	}
}

func TestEngine_IgnoresUnknownFiles(t *testing.T) {
	dir := t.TempDir()
	engine := openTestEngine(t, dir)
	if err := engine.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := engine.FlushAll(); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	junk := []string{"notes.txt", "sst_garbage", "sst_.5"}
	for _, name := range junk {
		writeJunkFile(t, dir, name)
	}

	reopened := openTestEngine(t, dir)
	defer reopened.Close()

	v, found, err := reopened.Get([]byte("a"))
	if err != nil || !found || string(v) != "1" {
		t.Fatalf("Expected a=1 after reopen with junk files, got %q (found=%v, err=%v)", v, found, err)
	}
}
