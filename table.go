package lfmap

import (
	"math/bits"
	"sync/atomic"
)

// loadFactor is LOAD_FACTOR (§6): the table grows once size exceeds
// loadFactor * bucketCount.
const loadFactor = 0.5

// table is C6: the split-ordered list itself, fronted by the segment tree
// that turns a bucket index into its dummy node's head, plus the size and
// bucket-count accounting that drives growth (§4.6).
type table[K comparable, V comparable] struct {
	hash func(K) uint64
	less func(a, b K) bool

	list sortedList[K, V]
	tree segmentTree[K, V]
	pool *reclaimerPool[K, V]

	// root is bucket 0's dummy node, installed once at construction so
	// every other bucket's dummy has somewhere to splice into (Invariant
	// 3: a bucket's parent is always initialized before the bucket).
	root *node[K, V]

	size        atomic.Int64
	bucketCount atomic.Uint64
}

func newTable[K comparable, V comparable](hash func(K) uint64, less func(a, b K) bool) *table[K, V] {
	t := &table[K, V]{
		hash: hash,
		less: less,
		list: sortedList[K, V]{less: less},
		pool: newReclaimerPool[K, V](),
	}
	t.root = newDummyNode[K, V](0)
	t.tree.bucketSlot(0).Store(t.root)
	t.bucketCount.Store(1)
	return t
}

// bucketOf returns the bucket index a hash falls into, masked to the
// current bucket count (always a power of two, §4.6).
func (t *table[K, V]) bucketOf(hash uint64) uint64 {
	return hash & (t.bucketCount.Load() - 1)
}

// searchKey builds a lookup-only node for key: one never installed in the
// list, used only as the right-hand side of node.compare when searching
// for an existing key.
func (t *table[K, V]) searchKey(key K, hash uint64) *node[K, V] {
	return &node[K, V]{hash: hash, reverseHash: reverse64(hash | topBit), key: key}
}

// bucketParent returns the bucket whose dummy must exist before bucket's
// can be installed: clearing bucket's highest set bit (§4.6
// GetBucketParent), found via bits.Len64 rather than the reference's
// hand-rolled highest-bit loop.
func bucketParent(bucket uint64) uint64 {
	if bucket == 0 {
		return 0
	}
	top := uint64(1) << (bits.Len64(bucket) - 1)
	return bucket &^ top
}

// getOrInitBucket returns bucket's dummy node head, recursively
// initializing any uninitialized ancestor first (§4.6
// GetBucketHeadByIndex). Every regular node is always reachable through
// bucket 0's list regardless of which buckets have been initialized
// (Invariant 3), so a lookup that finds no dummy yet must create one
// before the caller can splice into it.
func (t *table[K, V]) getOrInitBucket(rc *reclaimer[K, V], bucket uint64) *node[K, V] {
	if bucket == 0 {
		return t.root
	}

	// tree.lookup is the non-allocating fast path: if bucket's dummy (or
	// even its containing segment) was never installed, this returns nil
	// without CAS-installing anything, unlike bucketSlot below which
	// walks the tree allocating any missing segment along the way. On a
	// miss, read-only callers such as find fall through to bucketSlot as
	// well, so they allocate segments and initialize the bucket too.
	if head := t.tree.lookup(bucket); head != nil {
		return head
	}

	slot := t.tree.bucketSlot(bucket)
	if head := slot.Load(); head != nil {
		return head
	}

	parentHead := t.getOrInitBucket(rc, bucketParent(bucket))

	// Splice the dummy into the sorted list rooted at its parent before
	// publishing it in the slot, so no caller ever starts from a dummy
	// that traversals from bucket 0 do not reach yet. If a racing thread
	// linked a dummy for the same bucket first, that node is adopted.
	dummy := newDummyNode[K, V](bucket)
	for {
		prev, cur, found := t.list.search(rc, parentHead, dummy)
		if found {
			dummy = cur
			break
		}
		dummy.next = toRaw(cur)
		if casPtr(prev.nextPtr(), toRaw(cur), toRaw(dummy)) {
			break
		}
	}
	rc.clearHazards()
	slot.CompareAndSwap(nil, dummy)
	return slot.Load()
}

// maybeGrow doubles the bucket count once size crosses loadFactor times
// the current bucket count, the trigger of §4.6/§6. Lost races to grow
// are harmless: whichever CAS wins, the count only ever doubles once per
// crossing, and a missed doubling just means the next insert retries it.
func (t *table[K, V]) maybeGrow() {
	count := t.bucketCount.Load()
	if count >= maxBuckets {
		return
	}
	if float64(t.size.Load()) <= loadFactor*float64(count) {
		return
	}
	t.bucketCount.CompareAndSwap(count, count*2)
}

func (t *table[K, V]) insert(key K, value V) (replaced bool) {
	rc := t.pool.get()
	defer t.pool.put(rc)

	hash := t.hash(key)
	bucket := t.bucketOf(hash)
	head := t.getOrInitBucket(rc, bucket)

	newNode := rc.newRegularNode(hash, key, value)
	replaced = t.list.insert(rc, head, newNode)
	if !replaced {
		t.size.Add(1)
		t.maybeGrow()
	}
	return replaced
}

func (t *table[K, V]) find(key K) (value V, ok bool) {
	rc := t.pool.get()
	defer t.pool.put(rc)

	hash := t.hash(key)
	bucket := t.bucketOf(hash)
	head := t.getOrInitBucket(rc, bucket)

	target := t.searchKey(key, hash)
	return t.list.find(rc, head, target)
}

func (t *table[K, V]) delete(key K) bool {
	rc := t.pool.get()
	defer t.pool.put(rc)

	hash := t.hash(key)
	bucket := t.bucketOf(hash)
	head := t.getOrInitBucket(rc, bucket)

	target := t.searchKey(key, hash)
	removed := t.list.delete(rc, head, target)
	if removed {
		t.size.Add(-1)
	}
	return removed
}

func (t *table[K, V]) loadOrStore(key K, value V) (actual V, loaded bool) {
	rc := t.pool.get()
	defer t.pool.put(rc)

	hash := t.hash(key)
	bucket := t.bucketOf(hash)
	head := t.getOrInitBucket(rc, bucket)

	newNode := rc.newRegularNode(hash, key, value)
	actual, loaded = t.list.loadOrStore(rc, head, newNode)
	if !loaded {
		t.size.Add(1)
		t.maybeGrow()
	}
	return actual, loaded
}

func (t *table[K, V]) swap(key K, value V) (previous V, loaded bool) {
	rc := t.pool.get()
	defer t.pool.put(rc)

	hash := t.hash(key)
	bucket := t.bucketOf(hash)
	head := t.getOrInitBucket(rc, bucket)

	newNode := rc.newRegularNode(hash, key, value)
	previous, loaded = t.list.swap(rc, head, newNode)
	if !loaded {
		t.size.Add(1)
		t.maybeGrow()
	}
	return previous, loaded
}

func (t *table[K, V]) compareAndSwap(key K, old, newVal V) bool {
	rc := t.pool.get()
	defer t.pool.put(rc)

	hash := t.hash(key)
	bucket := t.bucketOf(hash)
	head := t.getOrInitBucket(rc, bucket)

	target := t.searchKey(key, hash)
	return t.list.compareAndSwap(rc, head, target, old, newVal)
}

func (t *table[K, V]) compareAndDelete(key K, old V) bool {
	rc := t.pool.get()
	defer t.pool.put(rc)

	hash := t.hash(key)
	bucket := t.bucketOf(hash)
	head := t.getOrInitBucket(rc, bucket)

	target := t.searchKey(key, hash)
	removed := t.list.compareAndDelete(rc, head, target, old)
	if removed {
		t.size.Add(-1)
	}
	return removed
}

func (t *table[K, V]) loadAndDelete(key K) (value V, loaded bool) {
	rc := t.pool.get()
	defer t.pool.put(rc)

	hash := t.hash(key)
	bucket := t.bucketOf(hash)
	head := t.getOrInitBucket(rc, bucket)

	target := t.searchKey(key, hash)
	value, loaded = t.list.loadAndDelete(rc, head, target)
	if loaded {
		t.size.Add(-1)
	}
	return value, loaded
}

func (t *table[K, V]) Size() int {
	return int(t.size.Load())
}

func (t *table[K, V]) BucketCount() int {
	return int(t.bucketCount.Load())
}

// rangeFunc walks every regular node reachable from bucket 0, in list
// order, stopping early if f returns false. It follows the same
// read-publish-reverify-restart discipline as sortedList.search: a raw
// pointer is never dereferenced until the hazard slot it was published to
// has been confirmed still current, so a node concurrently unlinked and
// recycled by delete/compareAndDelete can never be read here mid-retire.
func (t *table[K, V]) rangeFunc(f func(key K, value V) bool) {
	rc := t.pool.get()
	defer t.pool.put(rc)

	var prev, cur *node[K, V]
	var curRaw rawptr

	// last holds the (reverseHash, key) position of the most recent node
	// handed to f, so a restart from bucket 0 skips nodes already seen.
	var last node[K, V]
	visited := false

restart:
	prev = t.root
	rc.markHazard(0, prev)
	curRaw = prev.loadNextRaw()

	for {
		cur = toNode[K, V](curRaw)
		rc.markHazard(1, cur)
		if prev.loadNextRaw() != curRaw {
			goto restart
		}
		if cur == nil {
			break
		}

		nextRaw := cur.loadNextRaw()
		if isMarked(nextRaw) {
			unmarkedNext := unmarked(nextRaw)
			if casPtr(prev.nextPtr(), curRaw, unmarkedNext) {
				rc.retire(cur, rc.freeNode)
				curRaw = unmarkedNext
				continue
			}
			goto restart
		}

		if prev.loadNextRaw() != curRaw {
			goto restart
		}

		if !cur.isDummy() && (!visited || cur.compare(&last, t.less) > 0) {
			if valPtr := cur.value.Load(); valPtr != nil {
				visited = true
				last.reverseHash, last.key = cur.reverseHash, cur.key
				if !f(cur.key, *valPtr) {
					rc.clearHazards()
					return
				}
			}
		}

		// Advance using the same slot-2 scratch rotation as search, so
		// neither prev nor cur is ever left unprotected mid-rotation.
		next := toNode[K, V](nextRaw)
		rc.markHazard(2, cur)
		rc.markHazard(0, cur)
		rc.markHazard(1, next)
		rc.markHazard(2, nil)

		prev = cur
		curRaw = nextRaw
	}
	rc.clearHazards()
}

// close drains and releases every reclaimer, then drops the segment tree
// below its embedded top level so the segment and bucket arrays can be
// collected.
func (t *table[K, V]) close() {
	t.pool.closeAll()
	for i := range t.tree.top.subseg {
		t.tree.top.subseg[i].Store(nil)
	}
}
