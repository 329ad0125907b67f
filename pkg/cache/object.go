package cache

import (
	"container/list"
	"fmt"
	"sort"
)

// Object is the cache's view of one logical blob: a sorted map of
// non-overlapping BufferHeads, plus what is known about the backing store.
// complete means any uncovered byte range is zero; exists means the object
// is present on the backing store.
type Object struct {
	oc *ObjectCacher

	oid  ObjectID
	snap SnapID
	loc  ObjectLocator
	oset *ObjectSet

	data []*BufferHead // sorted by start, non-overlapping

	complete bool
	exists   bool

	dirtyOrTx     int64
	lastWriteTid  uint64
	lastCommitTid uint64
	waitforCommit map[uint64][]OnFinish

	lruEnt *list.Element
}

func newObject(oc *ObjectCacher, oid ObjectID, oset *ObjectSet, loc ObjectLocator, snap SnapID) *Object {
	return &Object{
		oc:            oc,
		oid:           oid,
		snap:          snap,
		loc:           loc,
		oset:          oset,
		exists:        true,
		waitforCommit: make(map[uint64][]OnFinish),
	}
}

func (ob *Object) soid() soid { return soid{ob.oid, ob.snap} }

func (ob *Object) String() string {
	return fmt.Sprintf("object[%s/%d extents %d]", ob.oid, ob.snap, len(ob.data))
}

// canClose reports whether the object holds no state worth keeping: no
// extents, no commit waiters, nothing dirty or in flight.
func (ob *Object) canClose() bool {
	return len(ob.data) == 0 && len(ob.waitforCommit) == 0 && ob.dirtyOrTx == 0
}

// lowerBound returns the index of the first extent that covers or follows
// off: the extent containing off when one does, otherwise the first extent
// starting after it.
func (ob *Object) lowerBound(off int64) int {
	i := sort.Search(len(ob.data), func(i int) bool { return ob.data[i].start >= off })
	if i > 0 && ob.data[i-1].end() > off {
		i--
	}
	return i
}

func (ob *Object) indexOf(bh *BufferHead) int {
	i := sort.Search(len(ob.data), func(i int) bool { return ob.data[i].start >= bh.start })
	if i == len(ob.data) || ob.data[i] != bh {
		panic(fmt.Sprintf("%v not in extent map of %v", bh, ob))
	}
	return i
}

func (ob *Object) addBH(bh *BufferHead) {
	i := sort.Search(len(ob.data), func(i int) bool { return ob.data[i].start >= bh.start })
	ob.data = append(ob.data, nil)
	copy(ob.data[i+1:], ob.data[i:])
	ob.data[i] = bh
}

func (ob *Object) removeBH(bh *BufferHead) {
	i := ob.indexOf(bh)
	copy(ob.data[i:], ob.data[i+1:])
	ob.data[len(ob.data)-1] = nil
	ob.data = ob.data[:len(ob.data)-1]
}

// split divides left at off, which must fall strictly inside it. The new
// right extent takes the suffix of the data and any waiters registered at
// or past off.
func (ob *Object) split(left *BufferHead, off int64) *BufferHead {
	logger.Debugf("split %v at %d", left, off)

	right := newBufferHead(ob)
	right.lastWriteTid = left.lastWriteTid
	right.state = left.state
	right.snapc = left.snapc

	newleftlen := off - left.start
	right.start = off
	right.length = left.length - newleftlen

	// shorten left
	ob.oc.bhStatSub(left)
	left.length = newleftlen
	ob.oc.bhStatAdd(left)

	ob.oc.bhAdd(ob, right)

	// split the data too
	if len(left.data) > 0 {
		if int64(len(left.data)) != newleftlen+right.length {
			panic(fmt.Sprintf("split %v: %d data bytes for %d+%d range",
				left, len(left.data), newleftlen, right.length))
		}
		right.data = append([]byte(nil), left.data[newleftlen:]...)
		left.data = left.data[:newleftlen:newleftlen]
	}

	// move read waiters at or past the cut
	for o, ls := range left.waitforRead {
		if o >= off {
			if right.waitforRead == nil {
				right.waitforRead = make(map[int64][]OnFinish)
			}
			right.waitforRead[o] = ls
			delete(left.waitforRead, o)
		}
	}

	logger.Debugf("split   left is %v", left)
	logger.Debugf("split  right is %v", right)
	return right
}

// mergeLeft folds right into left; they must be adjacent and share a state.
// Merging across write tids takes the max of both sides, which is only
// sound for dirty neighbors that are about to be co-flushed; rx and tx
// extents are never offered to it.
func (ob *Object) mergeLeft(left, right *BufferHead) {
	if left.end() != right.start || left.state != right.state {
		panic(fmt.Sprintf("merge_left %v + %v: not adjacent same-state", left, right))
	}
	logger.Debugf("merge_left %v + %v", left, right)

	ob.oc.bhRemove(ob, right)
	ob.oc.bhStatSub(left)

	// keep byte positions stable; sides that never carried data pad as zeros
	if left.data != nil || right.data != nil {
		left.data = append(left.paddedData(), right.paddedData()...)
	}
	left.length += right.length
	ob.oc.bhStatAdd(left)

	if right.lastWriteTid > left.lastWriteTid {
		left.lastWriteTid = right.lastWriteTid
	}
	if right.lastWrite.After(left.lastWrite) {
		left.lastWrite = right.lastWrite
	}

	// right's waiters run ahead of any already queued at the same offset
	for off, ls := range right.waitforRead {
		if left.waitforRead == nil {
			left.waitforRead = make(map[int64][]OnFinish)
		}
		left.waitforRead[off] = append(append([]OnFinish(nil), ls...), left.waitforRead[off]...)
	}
	right.waitforRead = nil

	logger.Debugf("merge_left result %v", left)
}

// tryMerge coalesces bh with equal-state adjacent neighbors. rx and tx
// extents each stand for one in-flight operation and are left alone.
func (ob *Object) tryMerge(bh *BufferHead) {
	if bh.isRx() || bh.isTx() {
		return
	}
	p := ob.indexOf(bh)
	if p > 0 {
		prev := ob.data[p-1]
		if prev.end() == bh.start && prev.state == bh.state {
			ob.mergeLeft(prev, bh)
			bh = prev
			p--
		}
	}
	if p+1 < len(ob.data) {
		next := ob.data[p+1]
		if next.start == bh.end() && next.state == bh.state {
			ob.mergeLeft(bh, next)
		}
	}
}

// isCached reports whether [cur, cur+left) is fully covered by extents.
func (ob *Object) isCached(cur, left int64) bool {
	p := ob.lowerBound(cur)
	for left > 0 {
		if p == len(ob.data) {
			return false
		}
		bh := ob.data[p]
		if bh.start > cur {
			return false
		}
		lenfromcur := min(bh.end()-cur, left)
		cur += lenfromcur
		left -= lenfromcur
		p++
	}
	return true
}

// mapRead walks the extent map over one object extent and classifies every
// byte. Gaps are materialized in place: as zero extents (and hits) when the
// object is complete, as missing extents otherwise, so that retries of the
// same read find them and attach waiters.
func (ob *Object) mapRead(ex *ObjectExtent) (hits, missing, rx, errs map[int64]*BufferHead) {
	hits = make(map[int64]*BufferHead)
	missing = make(map[int64]*BufferHead)
	rx = make(map[int64]*BufferHead)
	errs = make(map[int64]*BufferHead)

	logger.Debugf("map_read %s %d~%d", ex.OID, ex.Offset, ex.Length)

	cur := ex.Offset
	left := ex.Length
	p := ob.lowerBound(cur)
	for left > 0 {
		// past the last extent: the rest is one gap
		if p == len(ob.data) {
			n := newBufferHead(ob)
			n.start = cur
			n.length = left
			ob.oc.bhAdd(ob, n)
			if ob.complete {
				ob.oc.markZero(n)
				hits[cur] = n
				logger.Debugf("map_read miss+complete+zero %d left, %v", left, n)
			} else {
				missing[cur] = n
				logger.Debugf("map_read miss %d left, %v", left, n)
			}
			cur += left
			left = 0
			break
		}

		e := ob.data[p]
		if e.start <= cur {
			// have it, or part of it
			switch {
			case e.isClean() || e.isDirty() || e.isTx() || e.isZero():
				hits[cur] = e
				logger.Debugf("map_read hit %v", e)
			case e.isRx():
				rx[cur] = e
				logger.Debugf("map_read rx %v", e)
			case e.isError():
				errs[cur] = e
				logger.Debugf("map_read error %v", e)
			default:
				// missing extents are materialized by this walk, never found
				panic(fmt.Sprintf("map_read found %v", e))
			}
			lenfromcur := min(e.end()-cur, left)
			cur += lenfromcur
			left -= lenfromcur
			p++
			continue
		}

		// gap before the next extent
		n := newBufferHead(ob)
		n.start = cur
		n.length = min(e.start-cur, left)
		ob.oc.bhAdd(ob, n)
		if ob.complete {
			ob.oc.markZero(n)
			hits[cur] = n
			logger.Debugf("map_read gap+complete+zero %v", n)
		} else {
			missing[cur] = n
			logger.Debugf("map_read gap %v", n)
		}
		cur += n.length
		left -= n.length
		p++ // step over the extent just inserted at p
	}
	return hits, missing, rx, errs
}

// mapWrite coalesces everything under one object extent into a single
// final extent covering the write end to end, splitting partially covered
// extents at the boundaries and absorbing gaps by growing final.
func (ob *Object) mapWrite(ex *ObjectExtent) *BufferHead {
	var final *BufferHead

	logger.Debugf("map_write oex %s %d~%d", ex.OID, ex.Offset, ex.Length)

	cur := ex.Offset
	left := ex.Length
	for left > 0 {
		max := left
		p := ob.lowerBound(cur)

		// at end?
		if p == len(ob.data) {
			if final == nil {
				final = newBufferHead(ob)
				final.start = cur
				final.length = max
				ob.oc.bhAdd(ob, final)
				logger.Debugf("map_write adding trailing %v", final)
			} else {
				ob.oc.bhStatSub(final)
				final.length += max
				ob.oc.bhStatAdd(final)
			}
			cur += max
			left -= max
			continue
		}

		bh := ob.data[p]
		logger.Debugf("cur is %d, p is %v", cur, bh)

		if bh.start <= cur {
			logger.Debugf("map_write bh %v intersected", bh)
			if bh.start < cur {
				if final != nil {
					panic("map_write: extent straddles the write start after coalescing began")
				}
				if cur+max >= bh.end() {
					// we want the right piece (one splice)
					final = ob.split(bh, cur)
				} else {
					// we want the middle piece (two splices)
					final = ob.split(bh, cur)
					ob.split(final, cur+max)
				}
			} else {
				if bh.length > max {
					// we want the left piece (one splice)
					ob.split(bh, cur+max)
				}
				if final != nil {
					ob.oc.markDirty(bh)
					ob.oc.markDirty(final)
					ob.mergeLeft(final, bh)
				} else {
					final = bh
				}
			}
			lenfromcur := final.end() - cur
			cur += lenfromcur
			left -= lenfromcur
			continue
		}

		// gap
		glen := min(bh.start-cur, max)
		logger.Debugf("map_write gap %d~%d", cur, glen)
		if final != nil {
			ob.oc.bhStatSub(final)
			final.length += glen
			ob.oc.bhStatAdd(final)
		} else {
			final = newBufferHead(ob)
			final.start = cur
			final.length = glen
			ob.oc.bhAdd(ob, final)
		}
		cur += glen
		left -= glen
	}

	if final == nil {
		panic("map_write produced no extent")
	}
	logger.Debugf("map_write final is %v", final)
	return final
}

// truncate drops every extent past s, splitting the straddler.
func (ob *Object) truncate(s int64) {
	logger.Debugf("truncate %v to %d", ob, s)

	for len(ob.data) > 0 {
		bh := ob.data[len(ob.data)-1]
		if bh.end() <= s {
			break
		}
		if bh.start < s {
			ob.split(bh, s)
			continue
		}
		ob.oc.bhRemove(ob, bh)
	}
}

// discard clears [off, off+length): boundary extents are split, interior
// ones removed. The discard implies the object exists and that completeness
// is no longer known.
func (ob *Object) discard(off, length int64) {
	logger.Debugf("discard %v %d~%d", ob, off, length)

	if !ob.exists {
		logger.Debugf("discard setting exists on %v", ob)
		ob.exists = true
	}
	if ob.complete {
		logger.Debugf("discard clearing complete on %v", ob)
		ob.complete = false
	}

	p := ob.lowerBound(off)
	for p < len(ob.data) {
		bh := ob.data[p]
		if bh.start >= off+length {
			break
		}
		if bh.start < off {
			ob.split(bh, off)
			p++
			continue
		}
		if bh.end() > off+length {
			ob.split(bh, off+length)
		}
		logger.Debugf("discard %v dropping %v", ob, bh)
		ob.oc.bhRemove(ob, bh) // the slice shifts left, p stays put
	}
}

// audit checks the structural invariants of the extent map; tests run it
// after every mutation.
func (ob *Object) audit() error {
	offset := int64(0)
	for i, bh := range ob.data {
		if i > 0 && bh.start < offset {
			return fmt.Errorf("%v: %v overlaps previous extent ending at %d", ob, bh, offset)
		}
		if bh.length < 0 {
			return fmt.Errorf("%v: %v has negative length", ob, bh)
		}
		for off := range bh.waitforRead {
			if off < bh.start || off >= bh.end() {
				return fmt.Errorf("%v: waiter at %d outside %v", ob, off, bh)
			}
		}
		offset = bh.end()
	}
	return nil
}
