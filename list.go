package lfmap

// sortedList is C4: a singly-linked list sorted by (reverseHash, key)
// using the Harris mark-then-unlink scheme. It never holds its own head —
// every call is rooted at a bucket's dummy node, supplied by the caller
// (C6), since the same list spans every bucket.
type sortedList[K comparable, V comparable] struct {
	less func(a, b K) bool
}

// search is the central primitive of §4.4. It returns a (prev, cur)
// witness such that prev precedes cur, cur is nil or the first node with
// key >= target's key, and both are hazard-protected in rc's slots 0 and 1
// for as long as the caller needs them. It helps complete any logical
// deletion it walks past.
func (l *sortedList[K, V]) search(rc *reclaimer[K, V], head, target *node[K, V]) (prev, cur *node[K, V], found bool) {
restart:
	prev = head
	rc.markHazard(0, prev)
	curRaw := prev.loadNextRaw()

	for {
		cur = toNode[K, V](curRaw)
		rc.markHazard(1, cur)
		if prev.loadNextRaw() != curRaw {
			goto restart
		}
		if cur == nil {
			return prev, nil, false
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

		if c := cur.compare(target, l.less); c >= 0 {
			return prev, cur, c == 0
		}

		// Advance. cur becomes the new prev and must stay protected
		// throughout; next becomes the new cur and must be protected
		// before we dereference it next iteration. Slot 2 is held as
		// a scratch overlap while the rotation happens so neither
		// pointer is ever left unprotected, per §4.4 step 7.
		next := toNode[K, V](nextRaw)
		rc.markHazard(2, cur)
		rc.markHazard(0, cur)
		rc.markHazard(1, next)
		rc.markHazard(2, nil)

		prev = cur
		curRaw = nextRaw
	}
}

// insert implements §4.4 insert(head, new_node). It reports whether an
// existing node's value was replaced, per spec.md §9's resolved "inserted
// vs replaced" report. Size accounting and the growth trigger are owned by
// the table layer (C6), per the component table in §2.
func (l *sortedList[K, V]) insert(rc *reclaimer[K, V], head, newNode *node[K, V]) (replaced bool) {
	for {
		prev, cur, found := l.search(rc, head, newNode)
		if found {
			newValue := newNode.value.Load()
			cur.value.Swap(newValue) // old *V is simply dropped; Go's GC reclaims it once unreachable, see DESIGN.md
			rc.freeNode(newNode)
			rc.clearHazards()
			return true
		}

		newNode.next = toRaw(cur)
		if casPtr(prev.nextPtr(), toRaw(cur), toRaw(newNode)) {
			rc.clearHazards()
			return false
		}
	}
}

// delete implements §4.4 delete(head, key): mark then unlink, helping
// along any deletion lost to a racing thread.
func (l *sortedList[K, V]) delete(rc *reclaimer[K, V], head, target *node[K, V]) bool {
	for {
		prev, cur, found := l.search(rc, head, target)
		if !found {
			rc.clearHazards()
			return false
		}

		nextRaw := cur.loadNextRaw()
		if isMarked(nextRaw) {
			continue
		}
		if !casPtr(cur.nextPtr(), nextRaw, mark(nextRaw)) {
			continue
		}

		if casPtr(prev.nextPtr(), toRaw(cur), nextRaw) {
			rc.retire(cur, rc.freeNode)
		} else {
			l.search(rc, head, target) // help a racing thread finish the unlink
		}

		rc.clearHazards()
		return true
	}
}

// find implements §4.4 find(head, key).
func (l *sortedList[K, V]) find(rc *reclaimer[K, V], head, target *node[K, V]) (value V, ok bool) {
	_, cur, found := l.search(rc, head, target)
	if found {
		value = *cur.value.Load()
	}
	rc.clearHazards()
	return value, found
}

// loadOrStore is the LoadOrStore expansion of §9: insert newNode only if no
// node for its key exists yet, otherwise report the value already there.
func (l *sortedList[K, V]) loadOrStore(rc *reclaimer[K, V], head, newNode *node[K, V]) (actual V, loaded bool) {
	for {
		prev, cur, found := l.search(rc, head, newNode)
		if found {
			if valPtr := cur.value.Load(); valPtr != nil {
				actual = *valPtr
			}
			rc.freeNode(newNode)
			rc.clearHazards()
			return actual, true
		}

		newNode.next = toRaw(cur)
		if casPtr(prev.nextPtr(), toRaw(cur), toRaw(newNode)) {
			rc.clearHazards()
			if valPtr := newNode.value.Load(); valPtr != nil {
				actual = *valPtr
			}
			return actual, false
		}
	}
}

// swap is the Swap expansion of §9: unconditionally store newNode's value,
// reporting whatever was previously there, if anything.
func (l *sortedList[K, V]) swap(rc *reclaimer[K, V], head, newNode *node[K, V]) (previous V, loaded bool) {
	for {
		prev, cur, found := l.search(rc, head, newNode)
		if found {
			oldPtr := cur.value.Swap(newNode.value.Load())
			if oldPtr != nil {
				previous = *oldPtr
			}
			rc.freeNode(newNode)
			rc.clearHazards()
			return previous, true
		}

		newNode.next = toRaw(cur)
		if casPtr(prev.nextPtr(), toRaw(cur), toRaw(newNode)) {
			rc.clearHazards()
			return previous, false
		}
	}
}

// compareAndSwap is the CompareAndSwap expansion of §9. It is best-effort
// with respect to a concurrent delete: if target has been marked deleted
// by the time it is checked just before the value CAS, compareAndSwap
// simply fails (the node it would have updated is gone), matching the
// "node not found" case. The core
// insert/find/delete operations §5 reasons about are unaffected by this.
func (l *sortedList[K, V]) compareAndSwap(rc *reclaimer[K, V], head, target *node[K, V], old, newVal V) (swapped bool) {
	defer rc.clearHazards()

	_, cur, found := l.search(rc, head, target)
	if !found {
		return false
	}
	for {
		if isMarked(cur.loadNextRaw()) {
			return false
		}
		curPtr := cur.value.Load()
		if curPtr == nil || *curPtr != old {
			return false
		}
		replacement := newVal
		if cur.value.CompareAndSwap(curPtr, &replacement) {
			return true
		}
	}
}

// compareAndDelete is the CompareAndDelete expansion of §9, built on the
// same mark-then-unlink sequence as delete once the value check passes.
func (l *sortedList[K, V]) compareAndDelete(rc *reclaimer[K, V], head, target *node[K, V], old V) bool {
	defer rc.clearHazards()

	for {
		prev, cur, found := l.search(rc, head, target)
		if !found {
			return false
		}
		if curPtr := cur.value.Load(); curPtr == nil || *curPtr != old {
			return false
		}

		nextRaw := cur.loadNextRaw()
		if isMarked(nextRaw) {
			continue
		}
		if !casPtr(cur.nextPtr(), nextRaw, mark(nextRaw)) {
			continue
		}

		if casPtr(prev.nextPtr(), toRaw(cur), nextRaw) {
			rc.retire(cur, rc.freeNode)
		} else {
			l.search(rc, head, target)
		}
		return true
	}
}

// loadAndDelete removes target if present and reports its value, backing
// the public API's need to hand back what was deleted.
func (l *sortedList[K, V]) loadAndDelete(rc *reclaimer[K, V], head, target *node[K, V]) (value V, loaded bool) {
	defer rc.clearHazards()

	for {
		prev, cur, found := l.search(rc, head, target)
		if !found {
			return value, false
		}

		nextRaw := cur.loadNextRaw()
		if isMarked(nextRaw) {
			continue
		}
		if !casPtr(cur.nextPtr(), nextRaw, mark(nextRaw)) {
			continue
		}
		if valPtr := cur.value.Load(); valPtr != nil {
			value = *valPtr
		}

		if casPtr(prev.nextPtr(), toRaw(cur), nextRaw) {
			rc.retire(cur, rc.freeNode)
		} else {
			l.search(rc, head, target)
		}
		return value, true
	}
}
