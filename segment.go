package lfmap

import "sync/atomic"

// SegmentFanout and SegmentLevels are the compile-time tuning constants of
// §6: 64-way fanout, 4 levels, admitting 64^4 buckets.
const (
	SegmentFanout = 64
	SegmentLevels = 4

	segmentBits = 6 // log2(SegmentFanout)
	segmentMask = SegmentFanout - 1

	// maxBuckets is 64^4, the ceiling §4.5 describes.
	maxBuckets = 1 << (segmentBits * SegmentLevels)
)

// segment is one node of C5's tree. Rather than following the reference's
// void*-punned Segment (distinguishing segment-of-segments from
// segment-of-buckets by a runtime level field and an unsafe cast), this
// keeps a single uniformly-typed node with a leaf flag: a non-leaf
// segment's children are sub-segments, a leaf segment's children are
// bucket heads. Both arrays exist on every allocated segment; the unused
// one costs 512 bytes of nil pointers and buys type safety over the
// reference's void* cast, a trade worth making in Go. Allocation is
// CAS-install-if-null at every level (§4.5).
type segment[K comparable, V comparable] struct {
	leaf    bool
	subseg  [SegmentFanout]atomic.Pointer[segment[K, V]]
	buckets [SegmentFanout]atomic.Pointer[node[K, V]]
}

// segmentTree is C5: the table's top-level (level 1) array plus whatever
// has been lazily allocated beneath it. The top level is embedded so it is
// never nil and never reallocated, mirroring the reference's
// Table::segments_ member array.
type segmentTree[K comparable, V comparable] struct {
	top segment[K, V]
}

// bucketDigits splits a bucket index into the four 6-bit digits §4.5
// describes: the three most significant select segments top-down, the
// least significant selects the bucket head within the leaf array.
func bucketDigits(bucket uint64) (d0, d1, d2, d3 int) {
	return int((bucket >> (3 * segmentBits)) & segmentMask),
		int((bucket >> (2 * segmentBits)) & segmentMask),
		int((bucket >> segmentBits) & segmentMask),
		int(bucket & segmentMask)
}

// childAt returns parent's child segment at idx, lazily allocating and
// CAS-installing one if absent. A losing allocation is simply discarded —
// Go's garbage collector reclaims it, where the reference must explicitly
// `delete[]` the loser's allocation.
func childAt[K comparable, V comparable](parent *segment[K, V], idx int, leaf bool) *segment[K, V] {
	if child := parent.subseg[idx].Load(); child != nil {
		return child
	}
	fresh := &segment[K, V]{leaf: leaf}
	if parent.subseg[idx].CompareAndSwap(nil, fresh) {
		return fresh
	}
	return parent.subseg[idx].Load()
}

// bucketSlot returns the atomic slot holding bucket's dummy node head,
// allocating every segment on the path to it. It never installs the
// dummy node itself — that is table.go's getOrInitBucket (§4.6).
func (t *segmentTree[K, V]) bucketSlot(bucket uint64) *atomic.Pointer[node[K, V]] {
	d0, d1, d2, d3 := bucketDigits(bucket)
	l2 := childAt(&t.top, d0, false)
	l3 := childAt(l2, d1, false)
	leaf := childAt(l3, d2, true)
	return &leaf.buckets[d3]
}

// lookup walks the tree without allocating (§4.5 lookup()); a missing
// segment or bucket head yields nil.
func (t *segmentTree[K, V]) lookup(bucket uint64) *node[K, V] {
	d0, d1, d2, d3 := bucketDigits(bucket)

	l2 := t.top.subseg[d0].Load()
	if l2 == nil {
		return nil
	}
	l3 := l2.subseg[d1].Load()
	if l3 == nil {
		return nil
	}
	leaf := l3.subseg[d2].Load()
	if leaf == nil {
		return nil
	}
	return leaf.buckets[d3].Load()
}
