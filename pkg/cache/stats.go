package cache

import (
	"fmt"
	"time"
)

// Counters are the cache's observability counters. Snapshot them with
// ObjectCacher.Counters under the cache lock.
type Counters struct {
	CacheOpsHit    uint64
	CacheOpsMiss   uint64
	CacheBytesHit  uint64
	CacheBytesMiss uint64

	DataRead           uint64
	DataWritten        uint64
	DataFlushed        uint64
	OverwrittenInFlush uint64

	WriteOpsBlocked   uint64
	WriteBytesBlocked uint64
	WriteTimeBlocked  time.Duration
}

func (oc *ObjectCacher) bhStatAdd(bh *BufferHead) {
	switch bh.state {
	case StateMissing:
		oc.statMissing += bh.length
	case StateClean:
		oc.statClean += bh.length
	case StateZero:
		oc.statZero += bh.length
	case StateDirty:
		oc.statDirty += bh.length
		bh.ob.dirtyOrTx += bh.length
		bh.ob.oset.dirtyOrTx += bh.length
	case StateTx:
		oc.statTx += bh.length
		bh.ob.dirtyOrTx += bh.length
		bh.ob.oset.dirtyOrTx += bh.length
	case StateRx:
		oc.statRx += bh.length
	case StateError:
		oc.statError += bh.length
	default:
		panic("bh_stat_add: invalid bufferhead state")
	}
	if oc.statDirtyWaiting > 0 {
		oc.statWait.poke()
	}
}

func (oc *ObjectCacher) bhStatSub(bh *BufferHead) {
	switch bh.state {
	case StateMissing:
		oc.statMissing -= bh.length
	case StateClean:
		oc.statClean -= bh.length
	case StateZero:
		oc.statZero -= bh.length
	case StateDirty:
		oc.statDirty -= bh.length
		bh.ob.dirtyOrTx -= bh.length
		bh.ob.oset.dirtyOrTx -= bh.length
	case StateTx:
		oc.statTx -= bh.length
		bh.ob.dirtyOrTx -= bh.length
		bh.ob.oset.dirtyOrTx -= bh.length
	case StateRx:
		oc.statRx -= bh.length
	case StateError:
		oc.statError -= bh.length
	default:
		panic("bh_stat_sub: invalid bufferhead state")
	}
}

// bhSetState is the one place extents change state: counters, the per-set
// dirty accumulators and LRU membership all move together here.
func (oc *ObjectCacher) bhSetState(bh *BufferHead, s BufState) {
	if s == StateDirty && !bh.isDirty() {
		oc.bhLruRest.remove(bh.lruEnt)
		bh.lruEnt = oc.bhLruDirty.insertTop(bh)
		oc.dirtyBH[bh] = struct{}{}
	} else if s != StateDirty && bh.isDirty() {
		oc.bhLruDirty.remove(bh.lruEnt)
		bh.lruEnt = oc.bhLruRest.insertTop(bh)
		delete(oc.dirtyBH, bh)
	}
	if s != StateError && bh.isError() {
		bh.error = 0
	}

	oc.bhStatSub(bh)
	bh.state = s
	oc.bhStatAdd(bh)
}

func (oc *ObjectCacher) markClean(bh *BufferHead) { oc.bhSetState(bh, StateClean) }
func (oc *ObjectCacher) markZero(bh *BufferHead)  { oc.bhSetState(bh, StateZero) }
func (oc *ObjectCacher) markDirty(bh *BufferHead) { oc.bhSetState(bh, StateDirty) }
func (oc *ObjectCacher) markRx(bh *BufferHead)    { oc.bhSetState(bh, StateRx) }
func (oc *ObjectCacher) markTx(bh *BufferHead)    { oc.bhSetState(bh, StateTx) }
func (oc *ObjectCacher) markError(bh *BufferHead) { oc.bhSetState(bh, StateError) }

func (oc *ObjectCacher) bhAdd(ob *Object, bh *BufferHead) {
	logger.Debugf("bh_add %v %v", ob, bh)
	ob.addBH(bh)
	if bh.isDirty() {
		bh.lruEnt = oc.bhLruDirty.insertTop(bh)
		oc.dirtyBH[bh] = struct{}{}
	} else {
		bh.lruEnt = oc.bhLruRest.insertTop(bh)
	}
	oc.bhStatAdd(bh)
}

func (oc *ObjectCacher) bhRemove(ob *Object, bh *BufferHead) {
	logger.Debugf("bh_remove %v %v", ob, bh)
	ob.removeBH(bh)
	if bh.isDirty() {
		oc.bhLruDirty.remove(bh.lruEnt)
		delete(oc.dirtyBH, bh)
	} else {
		oc.bhLruRest.remove(bh.lruEnt)
	}
	bh.lruEnt = nil
	oc.bhStatSub(bh)
}

func (oc *ObjectCacher) touchBH(bh *BufferHead) {
	if bh.isDirty() {
		oc.bhLruDirty.touch(bh.lruEnt)
	} else {
		oc.bhLruRest.touch(bh.lruEnt)
	}
}

// verifyStats sweeps every extent and cross-checks the per-state byte
// counters, the dirty accumulators and the LRU indexes. Tests run it after
// every operation.
func (oc *ObjectCacher) verifyStats() error {
	var missing, clean, zero, dirty, rx, tx, errb int64
	var total, dirtyCount int
	osets := make(map[*ObjectSet]int64)

	for _, pool := range oc.objects {
		for _, ob := range pool {
			if err := ob.audit(); err != nil {
				return err
			}
			var obDirtyOrTx int64
			for _, bh := range ob.data {
				total++
				switch bh.state {
				case StateMissing:
					missing += bh.length
				case StateClean:
					clean += bh.length
				case StateZero:
					zero += bh.length
				case StateDirty:
					dirty += bh.length
					obDirtyOrTx += bh.length
					dirtyCount++
					if _, ok := oc.dirtyBH[bh]; !ok {
						return fmt.Errorf("%v: dirty %v not in dirty set", ob, bh)
					}
				case StateTx:
					tx += bh.length
					obDirtyOrTx += bh.length
				case StateRx:
					rx += bh.length
				case StateError:
					errb += bh.length
				default:
					return fmt.Errorf("%v: %v in unknown state", ob, bh)
				}
			}
			if obDirtyOrTx != ob.dirtyOrTx {
				return fmt.Errorf("%v: dirty_or_tx %d, extents sum to %d", ob, ob.dirtyOrTx, obDirtyOrTx)
			}
			osets[ob.oset] += obDirtyOrTx
		}
	}

	if missing != oc.statMissing || clean != oc.statClean || zero != oc.statZero ||
		dirty != oc.statDirty || rx != oc.statRx || tx != oc.statTx || errb != oc.statError {
		return fmt.Errorf("stat drift: missing %d/%d clean %d/%d zero %d/%d dirty %d/%d rx %d/%d tx %d/%d error %d/%d",
			missing, oc.statMissing, clean, oc.statClean, zero, oc.statZero,
			dirty, oc.statDirty, rx, oc.statRx, tx, oc.statTx, errb, oc.statError)
	}
	for oset, sum := range osets {
		if sum != oset.dirtyOrTx {
			return fmt.Errorf("object set dirty_or_tx %d, objects sum to %d", oset.dirtyOrTx, sum)
		}
	}
	if oc.bhLruDirty.size() != dirtyCount || len(oc.dirtyBH) != dirtyCount {
		return fmt.Errorf("dirty lru has %d entries, dirty set %d, want %d",
			oc.bhLruDirty.size(), len(oc.dirtyBH), dirtyCount)
	}
	if oc.bhLruRest.size() != total-dirtyCount {
		return fmt.Errorf("rest lru has %d entries, want %d", oc.bhLruRest.size(), total-dirtyCount)
	}
	return nil
}
