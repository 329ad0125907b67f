package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

// ObjectCacher is a write-back buffer cache over an object-storage backend.
// It runs entirely under one external mutex owned by the embedding client:
// every public method except Start/Stop must be called with that lock held,
// and the writeback handler delivers completions under it too. The only
// points that release the lock are write admission control and write-through
// waits.
type ObjectCacher struct {
	name string
	lock sync.Locker
	wb   WritebackHandler
	conf Config

	// fires when a set transitions from dirty-or-tx to fully clean
	flushSetCallback func(*ObjectSet)

	objects map[int64]map[soid]*Object

	obLru      lruList
	bhLruRest  lruList
	bhLruDirty lruList
	dirtyBH    map[*BufferHead]struct{}

	statMissing int64
	statClean   int64
	statZero    int64
	statDirty   int64
	statRx      int64
	statTx      int64
	statError   int64

	statDirtyWaiting int64

	statWait    *waitq
	flusherWait *waitq
	flusherStop bool
	flusherDone chan struct{}
	flushLimit  *ratelimit.Bucket

	perf Counters
}

// New creates a cache over wb, protected by the caller's lock. The
// flushCallback, when non-nil, is invoked (under the lock) whenever an
// ObjectSet transitions to fully clean.
func New(name string, wb WritebackHandler, lock sync.Locker, flushCallback func(*ObjectSet), conf Config) *ObjectCacher {
	conf = conf.withDefaults()
	oc := &ObjectCacher{
		name:             name,
		lock:             lock,
		wb:               wb,
		conf:             conf,
		flushSetCallback: flushCallback,
		objects:          make(map[int64]map[soid]*Object),
		dirtyBH:          make(map[*BufferHead]struct{}),
		flusherDone:      make(chan struct{}),
	}
	oc.statWait = newWaitq(lock)
	oc.flusherWait = newWaitq(lock)
	if conf.FlushBandwidth > 0 {
		oc.flushLimit = ratelimit.NewBucketWithRate(float64(conf.FlushBandwidth), conf.FlushBandwidth)
	}
	return oc
}

// Start launches the flusher. Call without the lock held.
func (oc *ObjectCacher) Start() {
	go oc.flusherEntry()
}

// Stop shuts the flusher down and waits for it to exit. Call without the
// lock held, after Start.
func (oc *ObjectCacher) Stop() {
	oc.lock.Lock()
	oc.flusherStop = true
	oc.flusherWait.poke()
	oc.lock.Unlock()
	<-oc.flusherDone
}

// Close verifies the cache is empty; the host must have released or purged
// everything first. Call with the lock held.
func (oc *ObjectCacher) Close() {
	for _, pool := range oc.objects {
		if len(pool) > 0 {
			panic(fmt.Sprintf("objectcacher %s closed with %d objects cached", oc.name, len(pool)))
		}
	}
	if oc.bhLruRest.size() != 0 || oc.bhLruDirty.size() != 0 || oc.obLru.size() != 0 || len(oc.dirtyBH) != 0 {
		panic(fmt.Sprintf("objectcacher %s closed with extents still indexed", oc.name))
	}
}

// Counters returns a snapshot of the perf counters. Call with the lock held.
func (oc *ObjectCacher) Counters() Counters {
	return oc.perf
}

/* object index */

func (oc *ObjectCacher) getObject(sid soid, oset *ObjectSet, loc ObjectLocator) *Object {
	pool := oc.objects[loc.Pool]
	if pool == nil {
		pool = make(map[soid]*Object)
		oc.objects[loc.Pool] = pool
	}
	if o, ok := pool[sid]; ok {
		return o
	}
	o := newObject(oc, sid.oid, oset, loc, sid.snap)
	pool[sid] = o
	oset.objects[o] = struct{}{}
	o.lruEnt = oc.obLru.insertTop(o)
	return o
}

func (oc *ObjectCacher) getObjectMaybe(sid soid, loc ObjectLocator) *Object {
	return oc.objects[loc.Pool][sid]
}

func (oc *ObjectCacher) closeObject(ob *Object) {
	logger.Debugf("close_object %v", ob)
	if !ob.canClose() {
		panic(fmt.Sprintf("close_object on busy %v", ob))
	}
	oc.obLru.remove(ob.lruEnt)
	delete(oc.objects[ob.loc.Pool], ob.soid())
	delete(ob.oset.objects, ob)
}

/* backend submission */

func (oc *ObjectCacher) bhRead(bh *BufferHead) {
	logger.Debugf("bh_read on %v", bh)

	oc.markRx(bh)

	ob := bh.ob
	poolid := ob.loc.Pool
	sid := ob.soid()
	start, length := bh.start, bh.length
	oset := ob.oset

	oc.wb.Read(ob.oid, ob.loc, start, length, ob.snap, oset.TruncSize, oset.TruncSeq,
		func(data []byte, r int) {
			oc.bhReadFinish(poolid, sid, start, length, data, r)
		})
}

func (oc *ObjectCacher) bhWrite(bh *BufferHead) {
	logger.Debugf("bh_write %v", bh)

	ob := bh.ob
	poolid := ob.loc.Pool
	sid := ob.soid()
	start, length := bh.start, bh.length
	oset := ob.oset

	tid := oc.wb.Write(ob.oid, ob.loc, start, length, bh.snapc, bh.data, bh.lastWrite,
		oset.TruncSize, oset.TruncSeq,
		func(tid uint64, r int) {
			oc.bhWriteCommit(poolid, sid, start, length, tid, r)
		})
	logger.Debugf(" tid %d on %s", tid, ob.oid)

	ob.lastWriteTid = tid
	bh.lastWriteTid = tid

	oc.perf.DataFlushed += uint64(length)

	oc.markTx(bh)
}

/* completion handlers */

func (oc *ObjectCacher) bhReadFinish(poolid int64, sid soid, start, length int64, data []byte, r int) {
	logger.Debugf("bh_read_finish %s %d~%d (%d bytes) returned %d", sid.oid, start, length, len(data), r)

	if int64(len(data)) < length {
		logger.Debugf("bh_read_finish %s padding %d~%d with %d bytes of zeros",
			sid.oid, start, length, length-int64(len(data)))
		nd := make([]byte, length)
		copy(nd, data)
		data = nd
	}

	var ls []OnFinish
	err := 0

	ob := oc.objects[poolid][sid]
	if ob == nil {
		logger.Debugf("bh_read_finish no object cache")
	} else {
		if r == errENOENT && !ob.complete {
			logger.Debugf("bh_read_finish ENOENT, marking complete and !exists on %v", ob)
			ob.complete = true
			ob.exists = false

			// wake up *all* rx waiters, or else we risk reordering identical
			// reads. e.g.
			//   read 1~1
			//   reply to unrelated 3~1 -> !exists
			//   read 1~1 -> immediate ENOENT
			//   reply to first 1~1 -> ooo ENOENT
			for _, bh := range ob.data {
				ls = append(ls, bh.takeWaiters()...)
			}
		}

		// apply to the extents under the reply
		opos := start
		for {
			p := ob.lowerBound(opos)
			if p == len(ob.data) {
				break
			}
			if opos >= start+length {
				break
			}
			bh := ob.data[p]
			logger.Debugf("checking %v", bh)

			ls = append(ls, bh.takeWaiters()...)

			if bh.start > opos {
				logger.Warnf("weirdness: gap when applying read results, %d~%d", opos, bh.start-opos)
				opos = bh.start
				continue
			}
			if !bh.isRx() {
				logger.Debugf("bh_read_finish skipping non-rx %v", bh)
				opos = bh.end()
				continue
			}

			if bh.start != opos {
				panic(fmt.Sprintf("bh_read_finish: %v not aligned at %d, rx extents are never merged", bh, opos))
			}
			if bh.length > start+length-opos {
				panic(fmt.Sprintf("bh_read_finish: %v runs past the reply %d~%d", bh, start, length))
			}

			if bh.error < 0 {
				err = bh.error
			}

			oldpos := opos
			opos = bh.end()

			if r == errENOENT {
				logger.Debugf("bh_read_finish removing %v", bh)
				oc.bhRemove(ob, bh)
				continue
			}
			if r < 0 {
				bh.error = r
				oc.markError(bh)
			} else {
				bh.data = append([]byte(nil), data[oldpos-start:oldpos-start+bh.length]...)
				oc.markClean(bh)
			}

			logger.Debugf("bh_read_finish read %v", bh)

			ob.tryMerge(bh)
		}
	}

	logger.Debugf("finishing %d waiters with %d", len(ls), err)
	for _, fin := range ls {
		fin(err)
	}
}

func (oc *ObjectCacher) bhWriteCommit(poolid int64, sid soid, start, length int64, tid uint64, r int) {
	logger.Debugf("bh_write_commit %s tid %d %d~%d returned %d", sid.oid, tid, start, length, r)

	ob := oc.objects[poolid][sid]
	if ob == nil {
		logger.Debugf("bh_write_commit no object cache")
		return
	}
	wasDirtyOrTx := ob.oset.dirtyOrTx

	if !ob.exists {
		logger.Debugf("bh_write_commit marking exists on %v", ob)
		ob.exists = true

		if oc.wb.MayCopyOnWrite(ob.oid, start, length, ob.snap) {
			logger.Debugf("bh_write_commit may copy on write, clearing complete on %v", ob)
			ob.complete = false
		}
	}

	for p := ob.lowerBound(start); p < len(ob.data); p++ {
		bh := ob.data[p]

		if bh.start > start+length {
			break
		}
		if bh.start < start && bh.end() > start+length {
			logger.Debugf("bh_write_commit skipping %v", bh)
			continue
		}
		if !bh.isTx() {
			logger.Debugf("bh_write_commit skipping non-tx %v", bh)
			continue
		}
		if bh.lastWriteTid != tid {
			if bh.lastWriteTid < tid {
				panic(fmt.Sprintf("bh_write_commit: %v has tid older than commit %d", bh, tid))
			}
			logger.Debugf("bh_write_commit newer tid on %v", bh)
			continue
		}

		if r >= 0 {
			oc.markClean(bh)
			logger.Debugf("bh_write_commit clean %v", bh)
		} else {
			oc.markDirty(bh)
			logger.Debugf("bh_write_commit marking dirty again due to error %v r = %d", bh, r)
		}
	}

	if ob.lastCommitTid >= tid {
		panic(fmt.Sprintf("bh_write_commit: commit tid %d not past %d on %v", tid, ob.lastCommitTid, ob))
	}
	ob.lastCommitTid = tid

	if ls, ok := ob.waitforCommit[tid]; ok {
		delete(ob.waitforCommit, tid)
		for _, fin := range ls {
			fin(r)
		}
	}

	// is the entire object set now clean and fully committed?
	oset := ob.oset
	if oc.flushSetCallback != nil && wasDirtyOrTx > 0 && oset.dirtyOrTx == 0 {
		oc.flushSetCallback(oset)
	}
}

/* read path */

// Readx serves a striped read from cache. It returns the byte count when
// everything hit, a negative errno on error, or 0 when the read went
// pending: misses were issued to the backend and onfinish will fire once
// the retry completes. With a nil onfinish a miss is only prefetched.
func (oc *ObjectCacher) Readx(rd *ReadRequest, oset *ObjectSet, onfinish OnFinish) int {
	return oc.readx(rd, oset, onfinish, true)
}

// retryRead re-runs a pending read once the extent it waited on settles.
func (oc *ObjectCacher) retryRead(rd *ReadRequest, oset *ObjectSet, onfinish OnFinish) OnFinish {
	return func(r int) {
		ret := oc.readx(rd, oset, onfinish, false)
		if ret != 0 && onfinish != nil {
			onfinish(ret)
		}
	}
}

func (oc *ObjectCacher) readx(rd *ReadRequest, oset *ObjectSet, onfinish OnFinish, external bool) int {
	success := true
	errRet := 0
	var hitLs []*BufferHead
	var bytesInCache, bytesNotInCache, totalBytesRead int64
	stripeMap := make(map[uint64][]byte) // caller buffer offset -> fragment

	for i := range rd.Extents {
		ex := &rd.Extents[i]
		logger.Debugf("readx %s %d~%d", ex.OID, ex.Offset, ex.Length)

		totalBytesRead += ex.Length

		sid := soid{ex.OID, rd.Snap}
		o := oc.getObject(sid, oset, ex.Loc)

		// does not exist and no hits?
		if oset.ReturnEnoent && !o.exists {
			// ENOENT is only meaningful for single-extent reads; callers who
			// want it instead of zeroed buffers feed extents in one at a time.
			if len(rd.Extents) != 1 {
				panic("readx: enoent semantics require a single extent")
			}
			logger.Debugf("readx object !exists, 1 extent...")

			// a COW underneath us could observe dirty data; flush it first
			if oc.wb.MayCopyOnWrite(ex.OID, ex.Offset, ex.Length, rd.Snap) {
				logger.Debugf("readx may copy on write")
				wait := false
				for _, bh := range o.data {
					if bh.isDirty() || bh.isTx() {
						logger.Debugf("readx flushing %v", bh)
						wait = true
						if bh.isDirty() {
							oc.bhWrite(bh)
						}
					}
				}
				if wait {
					logger.Debugf("readx waiting on tid %d on %v", o.lastWriteTid, o)
					o.waitforCommit[o.lastWriteTid] = append(o.waitforCommit[o.lastWriteTid],
						oc.retryRead(rd, oset, onfinish))
					return 0
				}
			}

			// can we return ENOENT?
			allzero := true
			for _, bh := range o.data {
				if !bh.isZero() && !bh.isRx() {
					allzero = false
					break
				}
			}
			if allzero {
				logger.Debugf("readx ob has all zero|rx, returning ENOENT")
				return errENOENT
			}
		}

		hits, missing, rx, errs := o.mapRead(ex)
		if external {
			// retry reading error extents
			for k, v := range errs {
				missing[k] = v
			}
		} else {
			// some reads had errors; treat them as hits so the error
			// surfaces instead of looping
			for k, v := range errs {
				hits[k] = v
			}
		}

		if len(missing) > 0 || len(rx) > 0 {
			for _, k := range sortedBHKeys(missing) {
				bh := missing[k]
				oc.bhRead(bh)
				if success && onfinish != nil {
					logger.Debugf("readx missed, waiting on %v off %d", bh, k)
					bh.addWaiter(k, oc.retryRead(rd, oset, onfinish))
				}
				bytesNotInCache += bh.length
				success = false
			}
			for _, k := range sortedBHKeys(rx) {
				bh := rx[k]
				oc.touchBH(bh) // bump in lru, so we don't lose it
				if success && onfinish != nil {
					logger.Debugf("readx missed, waiting on %v off %d", bh, k)
					bh.addWaiter(k, oc.retryRead(rd, oset, onfinish))
				}
				bytesNotInCache += bh.length
				success = false
			}
			continue
		}

		keys := sortedBHKeys(hits)
		for _, k := range keys {
			bh := hits[k]
			logger.Debugf("readx hit %v", bh)
			if bh.isError() && bh.error != 0 && errRet == 0 {
				errRet = bh.error
			}
			hitLs = append(hitLs, bh)
			bytesInCache += bh.length
		}
		if len(keys) == 0 || len(ex.Buffer) == 0 {
			continue
		}

		// map the contiguous hit run back onto the caller's buffer pieces
		opos := ex.Offset
		idx := 0
		bh := hits[keys[idx]]
		if bh.start > opos {
			panic(fmt.Sprintf("readx: first hit %v starts past %d", bh, opos))
		}
		bhoff := opos - bh.start
		fi := 0
		foff := uint64(0)
		for {
			bh = hits[keys[idx]]
			f := ex.Buffer[fi]

			l := min(int64(f.Len-foff), bh.length-bhoff)
			logger.Debugf("readx rmap opos %d: %v +%d frag %d~%d +%d~%d",
				opos, bh, bhoff, f.Off, f.Len, foff, l)

			if bh.isZero() || bh.data == nil {
				stripeMap[f.Off] = append(stripeMap[f.Off], make([]byte, l)...)
			} else {
				stripeMap[f.Off] = append(stripeMap[f.Off], bh.data[bhoff:bhoff+l]...)
			}

			opos += l
			bhoff += l
			foff += uint64(l)
			if opos == bh.end() {
				idx++
				bhoff = 0
			}
			if foff == f.Len {
				fi++
				foff = 0
			}
			if idx == len(keys) || fi == len(ex.Buffer) {
				break
			}
		}
	}

	// bump hits in lru
	for _, bh := range hitLs {
		oc.touchBH(bh)
	}

	if !success {
		if external {
			oc.perf.DataRead += uint64(totalBytesRead)
			oc.perf.CacheBytesMiss += uint64(bytesNotInCache)
			oc.perf.CacheOpsMiss++
		}
		if onfinish == nil {
			logger.Debugf("readx drop (no completion, but no waiter)")
		} else {
			logger.Debugf("readx defer")
		}
		return 0 // wait!
	}
	if external {
		oc.perf.DataRead += uint64(totalBytesRead)
		oc.perf.CacheBytesHit += uint64(bytesInCache)
		oc.perf.CacheOpsHit++
	}

	// no misses... assemble the result
	pos := uint64(0)
	if rd.Out != nil && errRet == 0 {
		out := (*rd.Out)[:0]
		for _, k := range sortedStripeKeys(stripeMap) {
			if pos != k {
				panic(fmt.Sprintf("readx: fragment at %d, expected %d", k, pos))
			}
			logger.Debugf("readx adding buffer len %d at %d", len(stripeMap[k]), pos)
			out = append(out, stripeMap[k]...)
			pos += uint64(len(stripeMap[k]))
		}
		*rd.Out = out
		logger.Debugf("readx result is %d", pos)
	} else {
		logger.Debugf("readx no output buffer, done")
	}

	ret := int(pos)
	if errRet != 0 {
		ret = errRet
	}
	logger.Debugf("readx done %d", ret)

	oc.trim()

	return ret
}

func sortedBHKeys(m map[int64]*BufferHead) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedStripeKeys(m map[uint64][]byte) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

/* write path */

// Writex ingests a striped write, coalescing each extent into one dirty
// extent, then applies admission control: it may release the lock and
// block until dirty bytes drain (or, in write-through mode, until the
// write commits).
func (oc *ObjectCacher) Writex(wr *WriteRequest, oset *ObjectSet) int {
	if len(wr.Extents) == 0 {
		return 0
	}
	now := time.Now()
	var bytesWritten, bytesWrittenInFlush int64

	for i := range wr.Extents {
		ex := &wr.Extents[i]

		sid := soid{ex.OID, NoSnap}
		o := oc.getObject(sid, oset, ex.Loc)

		// map it all into a single extent
		bh := o.mapWrite(ex)
		bh.snapc = wr.Snapc

		bytesWritten += bh.length
		if bh.isTx() {
			bytesWrittenInFlush += bh.length
		}

		// copy the caller's bytes in; anything of the pre-existing extent
		// the write does not touch keeps its position
		if int64(len(bh.data)) != bh.length {
			bh.data = bh.paddedData()
		}
		opos := ex.Offset
		for _, f := range ex.Buffer {
			logger.Debugf("writex writing %d~%d into %v at %d", f.Off, f.Len, bh, opos)
			bhoff := opos - bh.start
			copy(bh.data[bhoff:bhoff+int64(f.Len)], wr.Data[f.Off:f.Off+f.Len])
			opos += int64(f.Len)
		}

		// ok, now bh is dirty
		oc.markDirty(bh)
		oc.touchBH(bh)
		bh.lastWrite = now

		o.tryMerge(bh)
	}

	oc.perf.DataWritten += uint64(bytesWritten)
	if bytesWrittenInFlush > 0 {
		oc.perf.OverwrittenInFlush += uint64(bytesWrittenInFlush)
	}

	r := oc.waitForWrite(wr, bytesWritten, oset)

	oc.trim()
	return r
}

// waitForWrite blocks the writer while dirty+tx bytes exceed the ceiling.
// Waiters add their own length to the ceiling through the dirty-waiting
// accumulator so they only wait on the bytes ahead of them, not on each
// other. With MaxDirty == 0 the write is flushed through and waited on.
func (oc *ObjectCacher) waitForWrite(wr *WriteRequest, length int64, oset *ObjectSet) int {
	blocked := 0
	start := time.Now()
	ret := 0

	if oc.conf.MaxDirty > 0 {
		for oc.statDirty+oc.statTx > oc.conf.MaxDirty+oc.statDirtyWaiting {
			logger.Debugf("wait_for_write waiting on %d, dirty|tx %d > max %d + dirty_waiting %d",
				length, oc.statDirty+oc.statTx, oc.conf.MaxDirty, oc.statDirtyWaiting)
			oc.flusherWait.poke()
			oc.statDirtyWaiting += length
			oc.statWait.sleep()
			oc.statDirtyWaiting -= length
			blocked++
			logger.Debugf("wait_for_write woke up")
		}
	} else {
		// write-thru! flush what we just wrote
		done := false
		commitWait := newWaitq(oc.lock)
		flushed := oc.FlushSetExtents(oset, wr.Extents, func(r int) {
			done = true
			ret = r
			commitWait.poke()
		})
		if flushed {
			panic("wait_for_write: write-through flush found nothing dirty")
		}
		logger.Debugf("wait_for_write waiting on write-thru of %d bytes", length)
		for !done {
			commitWait.sleep()
		}
		logger.Debugf("wait_for_write woke up, ret %d", ret)
	}

	// start writeback anyway?
	if oc.statDirty > oc.conf.TargetDirty {
		logger.Debugf("wait_for_write %d > target %d, nudging flusher", oc.statDirty, oc.conf.TargetDirty)
		oc.flusherWait.poke()
	}
	if blocked > 0 {
		oc.perf.WriteOpsBlocked++
		oc.perf.WriteBytesBlocked += uint64(length)
		oc.perf.WriteTimeBlocked += time.Since(start)
	}
	return ret
}

/* flushing and trimming */

// flush submits up to amount dirty bytes from the cold end of the dirty
// LRU; amount == 0 means everything already written before now. The
// submissions move each extent to tx, which takes it off the dirty LRU, so
// peeking at the tail again sees the next one.
func (oc *ObjectCacher) flush(amount int64) {
	cutoff := time.Now()

	logger.Debugf("flush %d", amount)

	did := int64(0)
	for amount == 0 || did < amount {
		v := oc.bhLruDirty.nextExpire()
		if v == nil {
			break
		}
		bh := v.(*BufferHead)
		if bh.lastWrite.After(cutoff) {
			break
		}
		did += bh.length
		oc.bhWrite(bh)
	}
}

// flushObject submits everything dirty under [offset, offset+length) of
// one object; length == 0 means the whole object. It is sloppy about
// boundaries and flushes any extent it touches. Returns true if the range
// was already clean.
func (oc *ObjectCacher) flushObject(ob *Object, offset, length int64) bool {
	clean := true
	logger.Debugf("flush %v %d~%d", ob, offset, length)
	for p := ob.lowerBound(offset); p < len(ob.data); p++ {
		bh := ob.data[p]
		if length != 0 && bh.start > offset+length {
			break
		}
		if bh.isTx() {
			clean = false
			continue
		}
		if !bh.isDirty() {
			continue
		}
		oc.bhWrite(bh)
		clean = false
	}
	return clean
}

// trim evicts clean and zero extents past the byte ceiling, coldest first,
// then closes cold idle objects past the object ceiling.
func (oc *ObjectCacher) trim() {
	logger.Debugf("trim start: bytes: max %d clean %d, objects: max %d current %d",
		oc.conf.MaxBytes, oc.statClean+oc.statZero, oc.conf.MaxObjects, oc.obLru.size())

	for oc.statClean+oc.statZero > oc.conf.MaxBytes {
		v := oc.bhLruRest.nextExpire()
		if v == nil {
			break
		}
		bh := v.(*BufferHead)
		logger.Debugf("trim trimming %v", bh)
		if !bh.isClean() && !bh.isZero() {
			panic(fmt.Sprintf("trim expired %v", bh))
		}

		ob := bh.ob
		oc.bhRemove(ob, bh)

		if ob.complete {
			logger.Debugf("trim clearing complete on %v", ob)
			ob.complete = false
		}
	}

	for oc.obLru.size() > oc.conf.MaxObjects {
		v := oc.obLru.nextExpire()
		if v == nil {
			break
		}
		ob := v.(*Object)
		if !ob.canClose() {
			break
		}
		logger.Debugf("trim trimming %v", ob)
		oc.closeObject(ob)
	}

	logger.Debugf("trim finish: max %d clean %d, objects: max %d current %d",
		oc.conf.MaxBytes, oc.statClean+oc.statZero, oc.conf.MaxObjects, oc.obLru.size())
}

/* set operations */

// IsCached reports whether every given extent is fully covered by the
// cache.
func (oc *ObjectCacher) IsCached(oset *ObjectSet, extents []ObjectExtent, snap SnapID) bool {
	for i := range extents {
		ex := &extents[i]
		logger.Debugf("is_cached %s %d~%d", ex.OID, ex.Offset, ex.Length)
		o := oc.getObjectMaybe(soid{ex.OID, snap}, ex.Loc)
		if o == nil {
			return false
		}
		if !o.isCached(ex.Offset, ex.Length) {
			return false
		}
	}
	return true
}

// FlushSet starts writeback of everything dirty in the set. It returns
// true when nothing needed flushing; onfinish then never fires. Otherwise
// onfinish (when non-nil) fires once every started flush has committed.
func (oc *ObjectCacher) FlushSet(oset *ObjectSet, onfinish OnFinish) bool {
	if len(oset.objects) == 0 {
		logger.Debugf("flush_set on empty set")
		return true
	}

	logger.Debugf("flush_set with %d objects", len(oset.objects))

	// we'll need to wait for all objects to flush
	g := newGather(onfinish)

	safe := true
	for ob := range oset.objects {
		if !oc.flushObject(ob, 0, 0) {
			safe = false
			logger.Debugf("flush_set will wait for commit tid %d on %v", ob.lastWriteTid, ob)
			if onfinish != nil {
				ob.waitforCommit[ob.lastWriteTid] = append(ob.waitforCommit[ob.lastWriteTid], g.sub())
			}
		}
	}
	if onfinish != nil {
		g.activate()
	}

	if safe {
		logger.Debugf("flush_set has no dirty|tx extents")
		return true
	}
	return false
}

// FlushSetExtents is FlushSet restricted to the given extents.
func (oc *ObjectCacher) FlushSetExtents(oset *ObjectSet, extents []ObjectExtent, onfinish OnFinish) bool {
	if len(oset.objects) == 0 {
		logger.Debugf("flush_set on empty set")
		return true
	}

	logger.Debugf("flush_set on %d extents", len(extents))

	g := newGather(onfinish)

	safe := true
	for i := range extents {
		ex := &extents[i]
		ob := oc.getObjectMaybe(soid{ex.OID, NoSnap}, ex.Loc)
		if ob == nil {
			continue
		}
		logger.Debugf("flush_set ex %d~%d ob %v", ex.Offset, ex.Length, ob)

		if !oc.flushObject(ob, ex.Offset, ex.Length) {
			safe = false
			logger.Debugf("flush_set will wait for commit tid %d on %v", ob.lastWriteTid, ob)
			if onfinish != nil {
				ob.waitforCommit[ob.lastWriteTid] = append(ob.waitforCommit[ob.lastWriteTid], g.sub())
			}
		}
	}
	if onfinish != nil {
		g.activate()
	}

	if safe {
		logger.Debugf("flush_set has no dirty|tx extents")
		return true
	}
	return false
}

// CommitSet flushes the set and registers onfinish to fire once every
// object's last write has committed. Returns true when everything was
// already committed; onfinish then never fires.
func (oc *ObjectCacher) CommitSet(oset *ObjectSet, onfinish OnFinish) bool {
	if onfinish == nil {
		panic("commit_set without completion")
	}

	if len(oset.objects) == 0 {
		logger.Debugf("commit_set on empty set")
		return true
	}

	logger.Debugf("commit_set")

	// make sure it's flushing
	oc.FlushSet(oset, nil)

	g := newGather(onfinish)

	safe := true
	for ob := range oset.objects {
		if ob.lastWriteTid > ob.lastCommitTid {
			logger.Debugf("commit_set %v will finish on commit tid %d", ob, ob.lastWriteTid)
			safe = false
			ob.waitforCommit[ob.lastWriteTid] = append(ob.waitforCommit[ob.lastWriteTid], g.sub())
		}
	}
	g.activate()

	if safe {
		logger.Debugf("commit_set all committed")
		return true
	}
	return false
}

// release drops the clean and zero extents of one object and returns the
// byte count it could not release. A fully released idle object is closed.
func (oc *ObjectCacher) release(ob *Object) int64 {
	var clean []*BufferHead
	var unclean int64

	for _, bh := range ob.data {
		if bh.isClean() || bh.isZero() {
			clean = append(clean, bh)
		} else {
			unclean += bh.length
		}
	}
	for _, bh := range clean {
		oc.bhRemove(ob, bh)
	}

	if ob.canClose() {
		logger.Debugf("release trimming %v", ob)
		oc.closeObject(ob)
		if unclean != 0 {
			panic(fmt.Sprintf("release: closed %v with %d unreleased bytes", ob, unclean))
		}
		return 0
	}

	if ob.complete {
		logger.Debugf("release clearing complete on %v", ob)
		ob.complete = false
	}
	if !ob.exists {
		logger.Debugf("release setting exists on %v", ob)
		ob.exists = true
	}

	return unclean
}

// ReleaseSet drops every clean and zero extent of the set and returns the
// dirty, in-flight and errored byte count it had to leave behind.
func (oc *ObjectCacher) ReleaseSet(oset *ObjectSet) int64 {
	var unclean int64

	if len(oset.objects) == 0 {
		logger.Debugf("release_set on empty set")
		return 0
	}

	obs := make([]*Object, 0, len(oset.objects))
	for ob := range oset.objects {
		obs = append(obs, ob)
	}
	for _, ob := range obs {
		o := oc.release(ob)
		if o != 0 {
			logger.Debugf("release_set %v has %d bytes left", ob, o)
		}
		unclean += o
	}

	if unclean != 0 {
		logger.Debugf("release_set %d bytes left", unclean)
	}
	return unclean
}

// ReleaseAll releases every object in the cache and returns the bytes it
// could not drop.
func (oc *ObjectCacher) ReleaseAll() int64 {
	logger.Debugf("release_all")
	var unclean int64

	for _, pool := range oc.objects {
		obs := make([]*Object, 0, len(pool))
		for _, ob := range pool {
			obs = append(obs, ob)
		}
		for _, ob := range obs {
			o := oc.release(ob)
			if o != 0 {
				logger.Debugf("release_all %v has %d bytes left", ob, o)
			}
			unclean += o
		}
	}

	if unclean != 0 {
		logger.Debugf("release_all unclean %d bytes left", unclean)
	}
	return unclean
}

// PurgeSet violently truncates every object of the set to nothing,
// discarding dirty data without flushing it. The caller owns the fallout.
func (oc *ObjectCacher) PurgeSet(oset *ObjectSet) {
	if len(oset.objects) == 0 {
		logger.Debugf("purge_set on empty set")
		return
	}

	logger.Debugf("purge_set")
	for ob := range oset.objects {
		ob.truncate(0)
	}
}

// DiscardSet drops the given extents from the cache. If that cleared the
// set's last dirty or in-flight byte, the flush callback fires.
func (oc *ObjectCacher) DiscardSet(oset *ObjectSet, extents []ObjectExtent) {
	if len(oset.objects) == 0 {
		logger.Debugf("discard_set on empty set")
		return
	}

	logger.Debugf("discard_set on %d extents", len(extents))

	wereDirty := oset.dirtyOrTx > 0

	for i := range extents {
		ex := &extents[i]
		ob := oc.getObjectMaybe(soid{ex.OID, NoSnap}, ex.Loc)
		if ob == nil {
			continue
		}
		ob.discard(ex.Offset, ex.Length)
	}

	// did we truncate off dirty data?
	if oc.flushSetCallback != nil && wereDirty && oset.dirtyOrTx == 0 {
		oc.flushSetCallback(oset)
	}
}

// SetIsCached reports whether the set holds any extent that is neither
// dirty nor being written back.
func (oc *ObjectCacher) SetIsCached(oset *ObjectSet) bool {
	for ob := range oset.objects {
		for _, bh := range ob.data {
			if !bh.isDirty() && !bh.isTx() {
				return true
			}
		}
	}
	return false
}

// SetIsDirtyOrCommitting reports whether the set has dirty or in-flight
// writes.
func (oc *ObjectCacher) SetIsDirtyOrCommitting(oset *ObjectSet) bool {
	for ob := range oset.objects {
		for _, bh := range ob.data {
			if bh.isDirty() || bh.isTx() {
				return true
			}
		}
	}
	return false
}

/* flusher */

func (oc *ObjectCacher) flusherEntry() {
	logger.Debugf("flusher start")
	oc.lock.Lock()
	for !oc.flusherStop {
		all := oc.statTx + oc.statRx + oc.statClean + oc.statDirty
		logger.Debugf("flusher %d / %d: %d tx, %d rx, %d clean, %d dirty (%d target, %d max)",
			all, oc.conf.MaxBytes, oc.statTx, oc.statRx, oc.statClean, oc.statDirty,
			oc.conf.TargetDirty, oc.conf.MaxDirty)

		actual := oc.statDirty + oc.statDirtyWaiting
		if actual > oc.conf.TargetDirty {
			// flush some dirty extents
			logger.Debugf("flusher %d dirty + %d dirty_waiting > target %d, flushing some dirty extents",
				oc.statDirty, oc.statDirtyWaiting, oc.conf.TargetDirty)
			amount := actual - oc.conf.TargetDirty
			if oc.flushLimit != nil {
				amount = oc.flushLimit.TakeAvailable(amount)
			}
			if amount > 0 {
				oc.flush(amount)
			}
		} else {
			// check the tail of the lru for aged dirty extents
			cutoff := time.Now().Add(-oc.conf.MaxDirtyAge)
			for {
				v := oc.bhLruDirty.nextExpire()
				if v == nil {
					break
				}
				bh := v.(*BufferHead)
				if !bh.lastWrite.Before(cutoff) {
					break
				}
				if oc.flushLimit != nil && oc.flushLimit.TakeAvailable(bh.length) < bh.length {
					break
				}
				logger.Debugf("flusher flushing aged dirty %v", bh)
				oc.bhWrite(bh)
			}
		}
		if oc.flusherStop {
			break
		}
		oc.flusherWait.sleepAtMost(time.Second)
	}
	oc.lock.Unlock()
	logger.Debugf("flusher finish")
	close(oc.flusherDone)
}
