package redis

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"lsmkv/pkg/lsm"
)

// Key-encoding conventions for the Redis-style value types. Everything
// below the wrapper is opaque bytes in the engine.
const (
	expirePrefix    = "expire_"
	fieldPrefix     = "field_"
	hashValuePrefix = "HASH_VALUE_"
	fieldSeparator  = "$"
	listSeparator   = "#"
	zsetPrefix      = "ZSET_"
	zsetScoreLen    = 32
)

// Wrapper adapts Redis-flavored commands onto the KV engine. The mutex
// serializes compound operations that touch several keys; it is a
// dispatcher-level lock, the engine keeps its own.
type Wrapper struct {
	mu sync.RWMutex
	db *lsm.Engine
}

func New(db *lsm.Engine) *Wrapper {
	return &Wrapper{db: db}
}

func expireKey(key string) string {
	return expirePrefix + key
}

func hashFieldKey(key, field string) string {
	return fieldPrefix + key + "_" + field
}

func zsetScoreKey(key string, score uint64, elem string) string {
	return fmt.Sprintf("%s%s_SCORE_%0*d_%s", zsetPrefix, key, zsetScoreLen, score, elem)
}

func zsetElemKey(key, elem string) string {
	return zsetPrefix + key + "_ELEM_" + elem
}

func zsetScorePrefix(key string) string {
	return zsetPrefix + key + "_SCORE_"
}

// prefixPred builds a monotone predicate selecting keys with a prefix:
// negative below it, zero inside, positive above.
func prefixPred(prefix string) func([]byte) int {
	p := []byte(prefix)
	return func(k []byte) int {
		if bytes.HasPrefix(k, p) {
			return 0
		}
		return bytes.Compare(k, p)
	}
}

// expired reports whether an expire record holds a deadline in the
// past.
func expired(deadline string) bool {
	sec, err := strconv.ParseInt(deadline, 10, 64)
	if err != nil {
		return false
	}
	return sec < time.Now().Unix()
}

// Set stores a string value and clears any previous TTL.
func (w *Wrapper) Set(key, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.db.Put([]byte(key), []byte(value)); err != nil {
		return err
	}
	return w.db.Remove([]byte(expireKey(key)))
}

// Get resolves a string value, honoring TTL: an expired key is removed
// and reported as absent.
func (w *Wrapper) Get(key string) (string, bool, error) {
	w.mu.RLock()
	value, ok, err := w.db.Get([]byte(key))
	if err != nil || !ok {
		w.mu.RUnlock()
		return "", false, err
	}
	deadline, hasTTL, err := w.db.Get([]byte(expireKey(key)))
	w.mu.RUnlock()
	if err != nil {
		return "", false, err
	}

	if hasTTL && expired(string(deadline)) {
		w.mu.Lock()
		defer w.mu.Unlock()
		if err := w.db.Remove([]byte(key)); err != nil {
			return "", false, err
		}
		if err := w.db.Remove([]byte(expireKey(key))); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	return string(value), true, nil
}

// Del removes a key and its TTL, reporting whether it existed.
func (w *Wrapper) Del(key string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, existed, err := w.db.Get([]byte(key))
	if err != nil {
		return false, err
	}
	if err := w.db.Remove([]byte(key)); err != nil {
		return false, err
	}
	if err := w.db.Remove([]byte(expireKey(key))); err != nil {
		return false, err
	}
	return existed, nil
}

// Expire sets a TTL in seconds on an existing key.
func (w *Wrapper) Expire(key string, seconds int64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok, err := w.db.Get([]byte(key))
	if err != nil || !ok {
		return false, err
	}
	deadline := strconv.FormatInt(time.Now().Unix()+seconds, 10)
	if err := w.db.Put([]byte(expireKey(key)), []byte(deadline)); err != nil {
		return false, err
	}
	return true, nil
}

// TTL returns the remaining seconds, ok == false when the key has no
// TTL or does not exist.
func (w *Wrapper) TTL(key string) (int64, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	deadline, ok, err := w.db.Get([]byte(expireKey(key)))
	if err != nil || !ok {
		return 0, false, err
	}
	sec, err := strconv.ParseInt(string(deadline), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt expire record for %q: %w", key, err)
	}
	remaining := sec - time.Now().Unix()
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true, nil
}

// Incr atomically increments the integer stored at key, creating it at
// 1 when absent. Returns the new value.
func (w *Wrapper) Incr(key string) (int64, error) {
	return w.addInt(key, 1)
}

// Decr atomically decrements the integer stored at key, creating it at
// -1 when absent.
func (w *Wrapper) Decr(key string) (int64, error) {
	return w.addInt(key, -1)
}

func (w *Wrapper) addInt(key string, delta int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	raw, ok, err := w.db.Get([]byte(key))
	if err != nil {
		return 0, err
	}
	n := int64(0)
	if ok {
		n, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %q is not an integer: %w", key, err)
		}
	}
	n += delta
	if err := w.db.Put([]byte(key), []byte(strconv.FormatInt(n, 10))); err != nil {
		return 0, err
	}
	return n, nil
}

// listElems parses the separator-joined list stored at key.
func (w *Wrapper) listElems(key string) ([]string, error) {
	raw, ok, err := w.db.Get([]byte(key))
	if err != nil || !ok {
		return nil, err
	}
	return strings.Split(string(raw), listSeparator), nil
}

func (w *Wrapper) storeList(key string, elems []string) error {
	if len(elems) == 0 {
		return w.db.Remove([]byte(key))
	}
	return w.db.Put([]byte(key), []byte(strings.Join(elems, listSeparator)))
}

// LPush prepends one element and returns the new length.
func (w *Wrapper) LPush(key, value string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	elems, err := w.listElems(key)
	if err != nil {
		return 0, err
	}
	elems = append([]string{value}, elems...)
	if err := w.storeList(key, elems); err != nil {
		return 0, err
	}
	return len(elems), nil
}

// RPush appends one element and returns the new length.
func (w *Wrapper) RPush(key, value string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	elems, err := w.listElems(key)
	if err != nil {
		return 0, err
	}
	elems = append(elems, value)
	if err := w.storeList(key, elems); err != nil {
		return 0, err
	}
	return len(elems), nil
}

// LPop removes and returns the head element. The list key is dropped
// when the last element goes.
func (w *Wrapper) LPop(key string) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	elems, err := w.listElems(key)
	if err != nil || len(elems) == 0 {
		return "", false, err
	}
	head := elems[0]
	if err := w.storeList(key, elems[1:]); err != nil {
		return "", false, err
	}
	return head, true, nil
}

// RPop removes and returns the tail element.
func (w *Wrapper) RPop(key string) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	elems, err := w.listElems(key)
	if err != nil || len(elems) == 0 {
		return "", false, err
	}
	tail := elems[len(elems)-1]
	if err := w.storeList(key, elems[:len(elems)-1]); err != nil {
		return "", false, err
	}
	return tail, true, nil
}

// LLen returns the list length, zero for an absent key.
func (w *Wrapper) LLen(key string) (int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	elems, err := w.listElems(key)
	if err != nil {
		return 0, err
	}
	return len(elems), nil
}

// LRange returns the elements between start and stop inclusive.
// Negative indices count from the tail, Redis style.
func (w *Wrapper) LRange(key string, start, stop int) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	elems, err := w.listElems(key)
	if err != nil || len(elems) == 0 {
		return nil, err
	}

	if start < 0 {
		start += len(elems)
	}
	if stop < 0 {
		stop += len(elems)
	}
	if start < 0 {
		start = 0
	}
	if stop >= len(elems) {
		stop = len(elems) - 1
	}
	if start > stop {
		return nil, nil
	}
	return append([]string(nil), elems[start:stop+1]...), nil
}

// hashFields parses the field list stored at the hash's primary key.
func hashFields(raw string) []string {
	if raw == "" {
		return nil
	}
	raw = strings.TrimPrefix(raw, hashValuePrefix)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, fieldSeparator)
}

func encodeHashFields(fields []string) string {
	return hashValuePrefix + strings.Join(fields, fieldSeparator)
}

// HSet stores one hash field. The primary key tracks the field list,
// each field lives under its own derived key.
func (w *Wrapper) HSet(key, field, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	raw, _, err := w.db.Get([]byte(key))
	if err != nil {
		return err
	}
	fields := hashFields(string(raw))

	present := false
	for _, f := range fields {
		if f == field {
			present = true
			break
		}
	}
	if !present {
		fields = append(fields, field)
		if err := w.db.Put([]byte(key), []byte(encodeHashFields(fields))); err != nil {
			return err
		}
	}
	return w.db.Put([]byte(hashFieldKey(key, field)), []byte(value))
}

// HGet resolves one hash field.
func (w *Wrapper) HGet(key, field string) (string, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	v, ok, err := w.db.Get([]byte(hashFieldKey(key, field)))
	if err != nil || !ok {
		return "", false, err
	}
	return string(v), true, nil
}

// HDel removes one field, dropping the hash entirely when it was the
// last one.
func (w *Wrapper) HDel(key, field string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	raw, ok, err := w.db.Get([]byte(key))
	if err != nil || !ok {
		return false, err
	}
	fields := hashFields(string(raw))

	kept := fields[:0]
	removed := false
	for _, f := range fields {
		if f == field {
			removed = true
			continue
		}
		kept = append(kept, f)
	}
	if !removed {
		return false, nil
	}

	if err := w.db.Remove([]byte(hashFieldKey(key, field))); err != nil {
		return false, err
	}
	if len(kept) == 0 {
		return true, w.db.Remove([]byte(key))
	}
	return true, w.db.Put([]byte(key), []byte(encodeHashFields(kept)))
}

// HKeys lists the hash's fields.
func (w *Wrapper) HKeys(key string) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	raw, ok, err := w.db.Get([]byte(key))
	if err != nil || !ok {
		return nil, err
	}
	return hashFields(string(raw)), nil
}

// ZAdd inserts or rescores a sorted-set member.
func (w *Wrapper) ZAdd(key string, score uint64, elem string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// drop the old score node on rescore
	if old, ok, err := w.db.Get([]byte(zsetElemKey(key, elem))); err != nil {
		return err
	} else if ok {
		oldScore, perr := strconv.ParseUint(string(old), 10, 64)
		if perr == nil {
			if err := w.db.Remove([]byte(zsetScoreKey(key, oldScore, elem))); err != nil {
				return err
			}
		}
	}

	if err := w.db.Put([]byte(zsetElemKey(key, elem)), []byte(strconv.FormatUint(score, 10))); err != nil {
		return err
	}
	return w.db.Put([]byte(zsetScoreKey(key, score, elem)), []byte(elem))
}

// ZScore resolves a member's score.
func (w *Wrapper) ZScore(key, elem string) (uint64, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	raw, ok, err := w.db.Get([]byte(zsetElemKey(key, elem)))
	if err != nil || !ok {
		return 0, false, err
	}
	score, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt zset score for %q: %w", elem, err)
	}
	return score, true, nil
}

// ZRem removes a member.
func (w *Wrapper) ZRem(key, elem string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	raw, ok, err := w.db.Get([]byte(zsetElemKey(key, elem)))
	if err != nil || !ok {
		return false, err
	}
	score, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return false, fmt.Errorf("corrupt zset score for %q: %w", elem, err)
	}
	if err := w.db.Remove([]byte(zsetScoreKey(key, score, elem))); err != nil {
		return false, err
	}
	return true, w.db.Remove([]byte(zsetElemKey(key, elem)))
}

// ZRange lists members in ascending score order via a prefix range scan
// through the engine's predicate iterator.
func (w *Wrapper) ZRange(key string) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	it, ok, err := w.db.ItersMonotonyPredicate(prefixPred(zsetScorePrefix(key)))
	if err != nil || !ok {
		return nil, err
	}

	var out []string
	for ; it.Valid(); it.Next() {
		out = append(out, string(it.Value()))
	}
	return out, nil
}

// ZCard returns the member count.
func (w *Wrapper) ZCard(key string) (int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	it, ok, err := w.db.ItersMonotonyPredicate(prefixPred(zsetScorePrefix(key)))
	if err != nil || !ok {
		return 0, err
	}

	count := 0
	for ; it.Valid(); it.Next() {
		count++
	}
	return count, nil
}

// ZRank returns a member's zero-based position in ascending score
// order, ok == false when the member is absent.
func (w *Wrapper) ZRank(key, elem string) (int, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	raw, ok, err := w.db.Get([]byte(zsetElemKey(key, elem)))
	if err != nil || !ok {
		return 0, false, err
	}
	score, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt zset score for %q: %w", elem, err)
	}
	target := zsetScoreKey(key, score, elem)

	it, ok, err := w.db.ItersMonotonyPredicate(prefixPred(zsetScorePrefix(key)))
	if err != nil || !ok {
		return 0, false, err
	}

	rank := 0
	for ; it.Valid(); it.Next() {
		if string(it.Key()) == target {
			return rank, true, nil
		}
		rank++
	}
	return 0, false, nil
}
