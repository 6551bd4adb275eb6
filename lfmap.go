// Package lfmap implements a lock-free concurrent hash map over a single
// split-ordered linked list, following Shalev and Shavit's design: buckets
// are dummy nodes spliced into one globally sorted list, so growing the
// table never requires rehashing or moving a single key/value pair.
//
// Underneath, concurrent readers and writers are coordinated the way
// Harris's lock-free list is: deletions mark a node's outgoing pointer
// before physically unlinking it, and any thread that walks past a marked
// node helps finish the unlink. A hazard-pointer scheme keeps a retired
// node's allocation from being recycled into a new key/value while another
// goroutine might still dereference it mid-traversal (see hazard.go); Go's
// garbage collector makes literal use-after-free impossible, so here hazard
// pointers guard against reusing a freed node's storage for an unrelated
// key, not against dereferencing unmapped memory.
package lfmap

import (
	"fmt"
	"hash/maphash"
)

// LoadFactor is the size-to-bucket-count ratio that triggers doubling the
// bucket count (§4.6/§6 of the design this map follows).
const LoadFactor = loadFactor

// HazardsPerThread is the number of hazard-pointer slots each in-flight
// operation holds: two for the traversal witness, one scratch slot for the
// rotation between iterations of search.
const HazardsPerThread = hazardsPerReclaimer

// ReclaimThresholdMultiplier is how far a reclaimer's retire list is
// allowed to grow, relative to the number of hazard records in the
// registry, before a scan-and-free pass runs.
const ReclaimThresholdMultiplier = reclaimThresholdMultiplier

// Map is a concurrent hash map safe for use by multiple goroutines without
// any external locking. The zero value is not usable; construct one with
// NewMap or NewHashMap.
type Map[K comparable, V comparable] struct {
	t *table[K, V]
}

// NewMap constructs a Map with caller-supplied hash and ordering functions.
// hash need not be cryptographically strong, only well-distributed across
// its 64 bits; less must implement a strict weak ordering over K and is
// used only to break ties between keys whose hashes are equal.
//
// NewMap panics if hash or less is nil: both are load-bearing for every
// operation, and a nil either would turn into a panic on first use anyway,
// just later and less clearly.
func NewMap[K comparable, V comparable](hash func(K) uint64, less func(a, b K) bool) *Map[K, V] {
	if hash == nil {
		panic("lfmap: NewMap called with nil hash function")
	}
	if less == nil {
		panic("lfmap: NewMap called with nil less function")
	}
	return &Map[K, V]{t: newTable[K, V](hash, less)}
}

// NewHashMap constructs a Map for a key type whose built-in identity is
// enough: hashing goes through maphash.Comparable (seeded once per map),
// and ordering falls back to each key's canonical %v representation, which
// is enough to break ties between equal hashes consistently without
// requiring K to satisfy cmp.Ordered.
func NewHashMap[K comparable, V comparable]() *Map[K, V] {
	seed := maphash.MakeSeed()
	hash := func(k K) uint64 { return maphash.Comparable(seed, k) }
	return NewMap[K, V](hash, lessByRepr[K])
}

// lessByRepr orders two keys by their fmt.Sprintf("%v", ...) text. It only
// needs to be a strict weak ordering, not a meaningful one, since it is
// used solely to break ties between keys whose hashes are equal.
func lessByRepr[K comparable](a, b K) bool {
	return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
}

// Insert stores value under key, reporting whether it replaced an existing
// entry (§9's resolved "inserted vs replaced" report).
func (m *Map[K, V]) Insert(key K, value V) (replaced bool) {
	return m.t.insert(key, value)
}

// Find reports the value currently stored under key, if any.
func (m *Map[K, V]) Find(key K) (value V, ok bool) {
	return m.t.find(key)
}

// Delete removes key, reporting whether it was present.
func (m *Map[K, V]) Delete(key K) (removed bool) {
	return m.t.delete(key)
}

// Size returns the number of live key/value entries. It is a best-effort
// snapshot under concurrent modification, not a linearizable count.
func (m *Map[K, V]) Size() int {
	return m.t.Size()
}

// BucketCount returns the current number of buckets. Always a power of
// two; grows automatically as Size crosses LoadFactor times BucketCount.
func (m *Map[K, V]) BucketCount() int {
	return m.t.BucketCount()
}

// LoadOrStore returns the existing value for key if present; otherwise it
// stores and returns value. loaded reports whether the value was already
// present.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	return m.t.loadOrStore(key, value)
}

// Swap stores value under key and returns the previous value, if any.
func (m *Map[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	return m.t.swap(key, value)
}

// CompareAndSwap stores newValue under key only if the current value is
// equal to old, reporting whether the swap took place.
func (m *Map[K, V]) CompareAndSwap(key K, old, newValue V) (swapped bool) {
	return m.t.compareAndSwap(key, old, newValue)
}

// CompareAndDelete removes key only if its current value equals old,
// reporting whether the delete took place.
func (m *Map[K, V]) CompareAndDelete(key K, old V) (deleted bool) {
	return m.t.compareAndDelete(key, old)
}

// LoadAndDelete removes key if present and returns the value it held.
func (m *Map[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	return m.t.loadAndDelete(key)
}

// Range calls f for every key/value pair currently in the map, in sorted
// (reverse-hash, key) order, stopping early if f returns false. Range
// observes a moving snapshot: keys inserted or removed during the call may
// or may not be seen, but every key present for the whole call is seen
// exactly once.
func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	m.t.rangeFunc(f)
}

// Close releases every reclaimer this map has ever checked out, first
// waiting for each node still waiting on a hazard-pointer scan to become
// hazard-free and moving it onto its reclaimer's free list, and then drops
// the table's segment and bucket arrays. A Map need not be closed to avoid
// leaking memory — Go's garbage collector would eventually reclaim
// everything reachable only from a dropped Map. Size and BucketCount only
// read counters and remain safe to call after Close; calling any other
// method on m after Close is not supported.
func (m *Map[K, V]) Close() {
	m.t.close()
}
