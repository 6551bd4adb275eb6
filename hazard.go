package lfmap

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// hazardsPerReclaimer is HAZARDS_PER_THREAD (§6): two slots for traversal,
// one as scratch during the rotation in search (§4.4 step 7).
const hazardsPerReclaimer = 3

// reclaimThresholdMultiplier is RECLAIM_THRESHOLD_MULTIPLIER (§6), the K
// "slightly above 4" of §4.3.
const reclaimThresholdMultiplier = 4.25

// hazardRecord is one slot of the process-wide (here: table-wide, see
// DESIGN.md) hazard-pointer list of C2. busy is the test-and-set flag a
// reclaimer claims on acquire and clears on release; next is set once,
// before the record is published via CAS onto the registry head, and
// never mutated again, so it needs no atomic access of its own.
type hazardRecord[K comparable, V comparable] struct {
	busy atomic.Bool
	slot atomic.Pointer[node[K, V]]
	next *hazardRecord[K, V]
}

func (h *hazardRecord[K, V]) release() {
	h.slot.Store(nil)
	h.busy.Store(false)
}

// hazardRegistry is C2: an append-only singly-linked list of hazard
// records, shared by every reclaimer of one table. Nodes are never
// unlinked for the registry's lifetime — only their busy flag toggles as
// reclaimers come and go.
//
// §1 describes the registry as process-wide; here it is scoped to one
// Map[K,V] instead, because Go generics give each key/value instantiation
// its own node type, so hazard slots for a Map[string,int] could never
// protect a Map[int, string]'s nodes anyway. Within a table's lifetime the
// registry still behaves exactly as §4.2 specifies.
type hazardRegistry[K comparable, V comparable] struct {
	head atomic.Pointer[hazardRecord[K, V]]
	size atomic.Int64
}

// scan snapshots every currently-published hazard pointer (§4.2 scan()).
func (r *hazardRegistry[K, V]) scan() map[*node[K, V]]struct{} {
	live := make(map[*node[K, V]]struct{}, r.size.Load())
	for rec := r.head.Load(); rec != nil; rec = rec.next {
		if p := rec.slot.Load(); p != nil {
			live[p] = struct{}{}
		}
	}
	return live
}

// acquire claims a free hazard record, allocating and publishing a new one
// if every existing record is busy (§4.2 acquire()).
func (r *hazardRegistry[K, V]) acquire() *hazardRecord[K, V] {
	for rec := r.head.Load(); rec != nil; rec = rec.next {
		if rec.busy.CompareAndSwap(false, true) {
			return rec
		}
	}

	rec := &hazardRecord[K, V]{}
	rec.busy.Store(true)
	for {
		head := r.head.Load()
		rec.next = head
		if r.head.CompareAndSwap(head, rec) {
			r.size.Add(1)
			return rec
		}
	}
}

// retireRecord pairs a retired node with its deleter. Recycled through a
// per-reclaimer free list rather than reallocated on every retirement
// (§4.3: "a free-list of retire-records (node recycling, not node-data
// recycling)").
type retireRecord[K comparable, V comparable] struct {
	ptr     *node[K, V]
	deleter func(*node[K, V])
	next    *retireRecord[K, V]
}

// reclaimer is C3: a goroutine-scoped handle on three hazard slots, a
// retire map, and a free list of recycled nodes. Go has no thread-exit
// hook, so instead of a long-lived per-thread singleton (§4.3, §9) a
// reclaimer is checked out of a reclaimerPool for the duration of one
// table operation and returned afterward — see reclaimerPool below and
// DESIGN.md's Open Question #5.
type reclaimer[K comparable, V comparable] struct {
	registry *hazardRegistry[K, V]
	hazards  [hazardsPerReclaimer]*hazardRecord[K, V]

	retired     map[*node[K, V]]*retireRecord[K, V]
	freeRecords *retireRecord[K, V]
	freeNodes   *node[K, V]
}

func newReclaimer[K comparable, V comparable](reg *hazardRegistry[K, V]) *reclaimer[K, V] {
	rc := &reclaimer[K, V]{
		registry: reg,
		retired:  make(map[*node[K, V]]*retireRecord[K, V]),
	}
	for i := range rc.hazards {
		rc.hazards[i] = reg.acquire()
	}
	return rc
}

// markHazard publishes n as about-to-be-dereferenced through slot i
// (§4.3 mark_hazard).
func (rc *reclaimer[K, V]) markHazard(i int, n *node[K, V]) { rc.hazards[i].slot.Store(n) }

// hazard reads back what was last published in slot i (§4.3 get_hazard).
func (rc *reclaimer[K, V]) hazard(i int) *node[K, V] { return rc.hazards[i].slot.Load() }

// clearHazards releases every slot this reclaimer holds without giving up
// ownership of the slots themselves; called at the end of every table
// operation per §4.4's insert/delete/find "clear hazard slots on return".
func (rc *reclaimer[K, V]) clearHazards() {
	for i := range rc.hazards {
		rc.hazards[i].slot.Store(nil)
	}
}

func (rc *reclaimer[K, V]) popFreeRecord() *retireRecord[K, V] {
	if rc.freeRecords == nil {
		return &retireRecord[K, V]{}
	}
	rr := rc.freeRecords
	rc.freeRecords = rr.next
	rr.next = nil
	return rr
}

func (rc *reclaimer[K, V]) pushFreeRecord(rr *retireRecord[K, V]) {
	rr.ptr = nil
	rr.deleter = nil
	rr.next = rc.freeRecords
	rc.freeRecords = rr
}

// retire appends (p, deleter) to the local retire map and opportunistically
// scans (§4.3 retire()).
func (rc *reclaimer[K, V]) retire(p *node[K, V], deleter func(*node[K, V])) {
	rr := rc.popFreeRecord()
	rr.ptr = p
	rr.deleter = deleter
	rc.retired[p] = rr
	rc.scanAndFree()
}

// scanAndFree frees every retired node no hazard slot protects, once the
// retire map has grown to K * |hazard_registry| (§4.3 scan_and_free()).
func (rc *reclaimer[K, V]) scanAndFree() {
	threshold := int(reclaimThresholdMultiplier * float64(rc.registry.size.Load()))
	if threshold < 1 {
		threshold = 1
	}
	if len(rc.retired) < threshold {
		return
	}
	rc.forceScanAndFree()
}

func (rc *reclaimer[K, V]) forceScanAndFree() {
	if len(rc.retired) == 0 {
		return
	}
	live := rc.registry.scan()
	for ptr, rr := range rc.retired {
		if _, hazard := live[ptr]; hazard {
			continue
		}
		rr.deleter(ptr)
		delete(rc.retired, ptr)
		rc.pushFreeRecord(rr)
	}
}

// freeNode is the reclaimer's node-recycling deleter: instead of handing
// the node to the garbage collector immediately, it is pushed onto this
// reclaimer's free list so a future insert can reuse the allocation. This
// is also where the ABA hazard the registry guards against actually lives
// in a GC'd language — see SPEC_FULL.md §1.
func (rc *reclaimer[K, V]) freeNode(n *node[K, V]) {
	var zero K
	n.key = zero
	n.value.Store(nil)
	n.next = nil
	n.freeNext = rc.freeNodes
	rc.freeNodes = n
}

func (rc *reclaimer[K, V]) allocNode() *node[K, V] {
	if rc.freeNodes == nil {
		return &node[K, V]{}
	}
	n := rc.freeNodes
	rc.freeNodes = n.freeNext
	n.freeNext = nil
	return n
}

// newRegularNode builds a regular node (§3) from a recycled allocation when
// one is available, falling back to a fresh one otherwise.
func (rc *reclaimer[K, V]) newRegularNode(hash uint64, key K, value V) *node[K, V] {
	n := rc.allocNode()
	n.hash = hash
	n.reverseHash = reverse64(hash | topBit)
	n.key = key
	n.value.Store(&value)
	return n
}

// drain blocks until every node this reclaimer has retired is hazard-free
// and frees it, yielding the processor between scans. Used by Map.Close to
// realize the reference's destructor teardown (§9).
func (rc *reclaimer[K, V]) drain() {
	for len(rc.retired) > 0 {
		rc.forceScanAndFree()
		if len(rc.retired) > 0 {
			runtime.Gosched()
		}
	}
}

func (rc *reclaimer[K, V]) close() {
	rc.drain()
	for _, h := range rc.hazards {
		h.release()
	}
}

// reclaimerPool hands out reclaimers for the duration of a single table
// operation and keeps a registry of every reclaimer it has ever created so
// Map.Close can drain and release all of them — a plain sync.Pool cannot
// be enumerated, so it is paired with an explicit slice the way the
// reference's ReclaimPool keeps its own free list alongside the process
// hazard-pointer list (original_source/reclaimer.h).
type reclaimerPool[K comparable, V comparable] struct {
	registry *hazardRegistry[K, V]
	pool     sync.Pool

	mu  sync.Mutex
	all []*reclaimer[K, V]
}

func newReclaimerPool[K comparable, V comparable]() *reclaimerPool[K, V] {
	rp := &reclaimerPool[K, V]{registry: &hazardRegistry[K, V]{}}
	rp.pool.New = func() any {
		rc := newReclaimer[K, V](rp.registry)
		rp.mu.Lock()
		rp.all = append(rp.all, rc)
		rp.mu.Unlock()
		return rc
	}
	return rp
}

func (rp *reclaimerPool[K, V]) get() *reclaimer[K, V] {
	return rp.pool.Get().(*reclaimer[K, V])
}

func (rp *reclaimerPool[K, V]) put(rc *reclaimer[K, V]) {
	rc.clearHazards()
	rp.pool.Put(rc)
}

// closeAll drains and releases every reclaimer this pool has ever created.
func (rp *reclaimerPool[K, V]) closeAll() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	for _, rc := range rp.all {
		rc.close()
	}
	rp.all = nil
}
