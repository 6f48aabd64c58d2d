package skiplist

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

func TestSkipList_BasicOperations(t *testing.T) {
	sl := New()

	delta := sl.Put([]byte("key1"), []byte("value1"))
	if delta != int64(len("key1")+len("value1")) {
		t.Fatalf("Expected insert delta %d, got %d", len("key1")+len("value1"), delta)
	}

	v, ok := sl.Get([]byte("key1"))
	if !ok || string(v) != "value1" {
		t.Fatalf("Expected value1, got %q (found=%v)", v, ok)
	}

	// overwrite applies the value-length difference
	delta = sl.Put([]byte("key1"), []byte("new_value"))
	if delta != int64(len("new_value")-len("value1")) {
		t.Fatalf("Expected overwrite delta %d, got %d", len("new_value")-len("value1"), delta)
	}
	v, _ = sl.Get([]byte("key1"))
	if string(v) != "new_value" {
		t.Fatalf("Expected new_value, got %q", v)
	}

	sl.Remove([]byte("key1"))
	if _, ok := sl.Get([]byte("key1")); ok {
		t.Fatal("Expected key1 to be removed")
	}
	if sl.Size() != 0 {
		t.Fatalf("Expected size 0 after removal, got %d", sl.Size())
	}
}

func TestSkipList_TombstoneValue(t *testing.T) {
	sl := New()
	sl.Put([]byte("k"), nil)

	v, ok := sl.Get([]byte("k"))
	if !ok {
		t.Fatal("Expected tombstone to be present")
	}
	if len(v) != 0 {
		t.Fatalf("Expected empty value, got %q", v)
	}
}

func TestSkipList_LargeScaleInsertAndGet(t *testing.T) {
	sl := New()
	const numElements = 10000

	for i := 0; i < numElements; i++ {
		sl.Put([]byte(fmt.Sprintf("key%05d", i)), []byte(fmt.Sprintf("value%d", i)))
	}

	if sl.Len() != numElements {
		t.Fatalf("Expected %d entries, got %d", numElements, sl.Len())
	}

	for i := 0; i < numElements; i++ {
		key := fmt.Sprintf("key%05d", i)
		expected := fmt.Sprintf("value%d", i)
		v, ok := sl.Get([]byte(key))
		if !ok {
			t.Fatalf("Key %s not found", key)
		}
		if string(v) != expected {
			t.Fatalf("Expected %s, got %s", expected, v)
		}
	}
}

func TestSkipList_ItemsAscending(t *testing.T) {
	sl := New()
	keys := []string{"delta", "alpha", "charlie", "bravo"}
	for _, k := range keys {
		sl.Put([]byte(k), []byte("v"))
	}

	items := sl.Items()
	if len(items) != len(keys) {
		t.Fatalf("Expected %d items, got %d", len(keys), len(items))
	}
	for i := 1; i < len(items); i++ {
		if bytes.Compare(items[i-1].Key, items[i].Key) >= 0 {
			t.Fatalf("Items out of order: %q before %q", items[i-1].Key, items[i].Key)
		}
	}
}

func TestSkipList_Iterator(t *testing.T) {
	sl := New()
	for i := 0; i < 100; i++ {
		sl.Put([]byte(fmt.Sprintf("key%03d", i)), []byte(fmt.Sprintf("value%d", i)))
	}

	count := 0
	var last []byte
	for it := sl.Begin(); it.Valid(); it.Next() {
		if last != nil && bytes.Compare(last, it.Key()) >= 0 {
			t.Fatalf("Iterator out of order at %q", it.Key())
		}
		last = append(last[:0], it.Key()...)
		count++
	}
	if count != 100 {
		t.Fatalf("Expected 100 entries, got %d", count)
	}
}

func TestSkipList_ItemsInRange(t *testing.T) {
	sl := New()
	for i := 0; i < 100; i++ {
		sl.Put([]byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("v%d", i)))
	}

	pred := func(k []byte) int {
		switch {
		case string(k) < "k30":
			return -1
		case string(k) < "k50":
			return 0
		default:
			return 1
		}
	}

	items := sl.ItemsInRange(pred)
	if len(items) != 20 {
		t.Fatalf("Expected 20 items, got %d", len(items))
	}
	if string(items[0].Key) != "k30" {
		t.Fatalf("Expected first key k30, got %s", items[0].Key)
	}
	if string(items[len(items)-1].Key) != "k49" {
		t.Fatalf("Expected last key k49, got %s", items[len(items)-1].Key)
	}
}

func TestSkipList_ItemsInRangeNoMatch(t *testing.T) {
	sl := New()
	sl.Put([]byte("aaa"), []byte("1"))
	sl.Put([]byte("zzz"), []byte("2"))

	pred := func(k []byte) int {
		switch {
		case string(k) < "mmm":
			return -1
		case string(k) < "nnn":
			return 0
		default:
			return 1
		}
	}
	if items := sl.ItemsInRange(pred); items != nil {
		t.Fatalf("Expected no items, got %d", len(items))
	}
}

func TestSkipList_ConcurrentReadsOneWriter(t *testing.T) {
	sl := New()
	const numElements = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numElements; i++ {
			sl.Put([]byte(fmt.Sprintf("key%05d", i)), []byte(fmt.Sprintf("value%d", i)))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < numElements; i++ {
				key := fmt.Sprintf("key%05d", i%numElements)
				if v, ok := sl.Get([]byte(key)); ok {
					expected := fmt.Sprintf("value%d", i%numElements)
					if string(v) != expected {
						t.Errorf("Torn read for %s: got %q", key, v)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < numElements; i++ {
		if _, ok := sl.Get([]byte(fmt.Sprintf("key%05d", i))); !ok {
			t.Fatalf("key%05d missing after concurrent phase", i)
		}
	}
}
