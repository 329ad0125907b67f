package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// addBHWithState materializes an extent with the given state directly, the
// way completions and map walks would have left it.
func addBHWithState(oc *ObjectCacher, ob *Object, start, length int64, s BufState, fillByte byte) *BufferHead {
	bh := newBufferHead(ob)
	bh.start = start
	bh.length = length
	oc.bhAdd(ob, bh)
	if s != StateMissing {
		oc.bhSetState(bh, s)
	}
	if s == StateClean || s == StateDirty || s == StateTx {
		bh.data = fill(fillByte, int(length))
	}
	return bh
}

func testObject(oc *ObjectCacher, oset *ObjectSet, oid ObjectID) *Object {
	return oc.getObject(soid{oid, NoSnap}, oset, ObjectLocator{Pool: 0})
}

func TestSplitMidExtent(t *testing.T) {
	oc, _, mu := newTestCache(t, Config{MaxDirty: 1 << 30})
	mu.Lock()
	defer mu.Unlock()

	oset := NewObjectSet(0)
	ob := testObject(oc, oset, "obj")
	bh := addBHWithState(oc, ob, 0, 4096, StateClean, 0xAA)
	bh.lastWriteTid = 7

	var woken []int64
	bh.addWaiter(100, func(r int) { woken = append(woken, 100) })
	bh.addWaiter(3000, func(r int) { woken = append(woken, 3000) })

	right := ob.split(bh, 1024)

	require.Equal(t, int64(0), bh.start)
	require.Equal(t, int64(1024), bh.length)
	require.Equal(t, int64(1024), right.start)
	require.Equal(t, int64(3072), right.length)
	require.Equal(t, StateClean, right.state)
	require.Equal(t, uint64(7), right.lastWriteTid)
	require.Equal(t, fill(0xAA, 1024), bh.data)
	require.Equal(t, fill(0xAA, 3072), right.data)

	// the waiter at 100 stays, the one at 3000 moved
	require.Len(t, bh.waitforRead, 1)
	require.Contains(t, bh.waitforRead, int64(100))
	require.Len(t, right.waitforRead, 1)
	require.Contains(t, right.waitforRead, int64(3000))

	// counters are length-neutral across a split
	require.Equal(t, int64(4096), oc.statClean)
	require.NoError(t, oc.verifyStats())
}

func TestMergeLeft(t *testing.T) {
	oc, _, mu := newTestCache(t, Config{MaxDirty: 1 << 30})
	mu.Lock()
	defer mu.Unlock()

	oset := NewObjectSet(0)
	ob := testObject(oc, oset, "obj")
	left := addBHWithState(oc, ob, 0, 1024, StateDirty, 0x11)
	right := addBHWithState(oc, ob, 1024, 1024, StateDirty, 0x22)
	left.lastWriteTid = 3
	right.lastWriteTid = 9
	left.lastWrite = time.Unix(100, 0)
	right.lastWrite = time.Unix(200, 0)

	var order []string
	right.addWaiter(1500, func(r int) { order = append(order, "right") })

	ob.mergeLeft(left, right)

	require.Len(t, ob.data, 1)
	require.Equal(t, int64(0), left.start)
	require.Equal(t, int64(2048), left.length)
	require.Equal(t, append(fill(0x11, 1024), fill(0x22, 1024)...), left.data)
	require.Equal(t, uint64(9), left.lastWriteTid)
	require.Equal(t, time.Unix(200, 0), left.lastWrite)
	require.Contains(t, left.waitforRead, int64(1500))

	require.Equal(t, int64(2048), oc.statDirty)
	require.Equal(t, int64(2048), ob.dirtyOrTx)
	require.Equal(t, int64(2048), oset.dirtyOrTx)
	require.NoError(t, oc.verifyStats())
}

func TestTryMergeCoalescesEqualStates(t *testing.T) {
	oc, _, mu := newTestCache(t, Config{MaxDirty: 1 << 30})
	mu.Lock()
	defer mu.Unlock()

	oset := NewObjectSet(0)
	ob := testObject(oc, oset, "obj")
	addBHWithState(oc, ob, 0, 1024, StateDirty, 0x11)
	mid := addBHWithState(oc, ob, 1024, 1024, StateDirty, 0x22)
	addBHWithState(oc, ob, 2048, 1024, StateDirty, 0x33)

	ob.tryMerge(mid)

	require.Len(t, ob.data, 1)
	require.Equal(t, int64(3072), ob.data[0].length)
	require.NoError(t, oc.verifyStats())
}

func TestTryMergeLeavesInflightAlone(t *testing.T) {
	oc, _, mu := newTestCache(t, Config{MaxDirty: 1 << 30})
	mu.Lock()
	defer mu.Unlock()

	oset := NewObjectSet(0)
	ob := testObject(oc, oset, "obj")
	a := addBHWithState(oc, ob, 0, 1024, StateRx, 0)
	addBHWithState(oc, ob, 1024, 1024, StateRx, 0)
	c := addBHWithState(oc, ob, 2048, 1024, StateTx, 0x33)
	addBHWithState(oc, ob, 3072, 1024, StateTx, 0x44)

	// each rx/tx extent stands for one in-flight operation
	ob.tryMerge(a)
	ob.tryMerge(c)

	require.Len(t, ob.data, 4)
	require.NoError(t, oc.verifyStats())
}

func TestTryMergeSkipsDifferentStates(t *testing.T) {
	oc, _, mu := newTestCache(t, Config{MaxDirty: 1 << 30})
	mu.Lock()
	defer mu.Unlock()

	oset := NewObjectSet(0)
	ob := testObject(oc, oset, "obj")
	addBHWithState(oc, ob, 0, 1024, StateClean, 0x11)
	d := addBHWithState(oc, ob, 1024, 1024, StateDirty, 0x22)

	ob.tryMerge(d)

	require.Len(t, ob.data, 2)
	require.NoError(t, oc.verifyStats())
}

func TestMapReadMaterializesGaps(t *testing.T) {
	oc, _, mu := newTestCache(t, Config{MaxDirty: 1 << 30})
	mu.Lock()
	defer mu.Unlock()

	oset := NewObjectSet(0)
	ob := testObject(oc, oset, "obj")
	addBHWithState(oc, ob, 1024, 1024, StateClean, 0xAA)

	ex := ext("obj", 0, 4096)
	hits, missing, rx, errs := ob.mapRead(&ex)

	require.Len(t, hits, 1)
	require.Len(t, missing, 2)
	require.Empty(t, rx)
	require.Empty(t, errs)
	require.Contains(t, missing, int64(0))
	require.Contains(t, missing, int64(2048))
	require.Equal(t, int64(1024), missing[0].length)
	require.Equal(t, int64(2048), missing[2048].length)

	// the map was mutated: once the misses are issued (rx, as readx does),
	// a second walk finds the same extents
	oc.markRx(missing[0])
	oc.markRx(missing[2048])
	hits2, missing2, rx2, _ := ob.mapRead(&ex)
	require.Len(t, hits2, 1)
	require.Empty(t, missing2)
	require.Len(t, rx2, 2)
	require.Len(t, ob.data, 3)
	require.NoError(t, oc.verifyStats())
}

func TestMapReadCompleteSynthesizesZero(t *testing.T) {
	oc, _, mu := newTestCache(t, Config{MaxDirty: 1 << 30})
	mu.Lock()
	defer mu.Unlock()

	oset := NewObjectSet(0)
	ob := testObject(oc, oset, "obj")
	ob.complete = true
	addBHWithState(oc, ob, 0, 1024, StateClean, 0xAA)

	ex := ext("obj", 0, 4096)
	hits, missing, rx, errs := ob.mapRead(&ex)

	require.Len(t, hits, 2)
	require.Empty(t, missing)
	require.Empty(t, rx)
	require.Empty(t, errs)
	require.True(t, hits[1024].isZero())
	require.Equal(t, int64(3072), hits[1024].length)
	require.Equal(t, int64(3072), oc.statZero)
	require.NoError(t, oc.verifyStats())
}

func TestMapWriteSplitsMiddle(t *testing.T) {
	oc, _, mu := newTestCache(t, Config{MaxDirty: 1 << 30})
	mu.Lock()
	defer mu.Unlock()

	oset := NewObjectSet(0)
	ob := testObject(oc, oset, "obj")
	addBHWithState(oc, ob, 0, 4096, StateClean, 0xAA)

	ex := ext("obj", 1024, 2048)
	final := ob.mapWrite(&ex)

	require.Len(t, ob.data, 3)
	require.Equal(t, int64(1024), final.start)
	require.Equal(t, int64(2048), final.length)
	require.True(t, ob.data[0].isClean())
	require.True(t, ob.data[2].isClean())
	require.Equal(t, int64(1024), ob.data[0].length)
	require.Equal(t, int64(1024), ob.data[2].length)
	require.NoError(t, oc.verifyStats())
}

func TestMapWriteSpansGapAndIslands(t *testing.T) {
	oc, _, mu := newTestCache(t, Config{MaxDirty: 1 << 30})
	mu.Lock()
	defer mu.Unlock()

	oset := NewObjectSet(0)
	ob := testObject(oc, oset, "obj")
	addBHWithState(oc, ob, 0, 1024, StateClean, 0xAA)
	addBHWithState(oc, ob, 2048, 1024, StateClean, 0xBB)

	ex := ext("obj", 0, 4096)
	final := ob.mapWrite(&ex)

	// one extent covers the whole write
	require.Len(t, ob.data, 1)
	require.Same(t, final, ob.data[0])
	require.Equal(t, int64(0), final.start)
	require.Equal(t, int64(4096), final.length)
	require.NoError(t, oc.verifyStats())
}

func TestMapWriteTrailing(t *testing.T) {
	oc, _, mu := newTestCache(t, Config{MaxDirty: 1 << 30})
	mu.Lock()
	defer mu.Unlock()

	oset := NewObjectSet(0)
	ob := testObject(oc, oset, "obj")

	ex := ext("obj", 4096, 4096)
	final := ob.mapWrite(&ex)

	require.Len(t, ob.data, 1)
	require.Equal(t, int64(4096), final.start)
	require.Equal(t, int64(4096), final.length)
	require.NoError(t, oc.verifyStats())
}

func TestTruncate(t *testing.T) {
	oc, _, mu := newTestCache(t, Config{MaxDirty: 1 << 30})
	mu.Lock()
	defer mu.Unlock()

	oset := NewObjectSet(0)
	ob := testObject(oc, oset, "obj")
	addBHWithState(oc, ob, 0, 4096, StateClean, 0xAA)
	addBHWithState(oc, ob, 4096, 4096, StateClean, 0xBB)

	ob.truncate(1024)

	require.Len(t, ob.data, 1)
	require.Equal(t, int64(0), ob.data[0].start)
	require.Equal(t, int64(1024), ob.data[0].length)
	require.Equal(t, fill(0xAA, 1024), ob.data[0].data)
	require.Equal(t, int64(1024), oc.statClean)
	require.NoError(t, oc.verifyStats())
}

func TestDiscard(t *testing.T) {
	oc, _, mu := newTestCache(t, Config{MaxDirty: 1 << 30})
	mu.Lock()
	defer mu.Unlock()

	oset := NewObjectSet(0)
	ob := testObject(oc, oset, "obj")
	ob.complete = true
	ob.exists = false
	addBHWithState(oc, ob, 0, 8192, StateClean, 0xAA)

	ob.discard(1024, 2048)

	require.True(t, ob.exists)
	require.False(t, ob.complete)
	require.Len(t, ob.data, 2)
	require.Equal(t, int64(0), ob.data[0].start)
	require.Equal(t, int64(1024), ob.data[0].length)
	require.Equal(t, int64(3072), ob.data[1].start)
	require.Equal(t, int64(5120), ob.data[1].length)
	require.Equal(t, int64(6144), oc.statClean)
	require.NoError(t, oc.verifyStats())
}

func TestIsCached(t *testing.T) {
	oc, _, mu := newTestCache(t, Config{MaxDirty: 1 << 30})
	mu.Lock()
	defer mu.Unlock()

	oset := NewObjectSet(0)
	ob := testObject(oc, oset, "obj")
	addBHWithState(oc, ob, 0, 4096, StateClean, 0xAA)

	require.True(t, ob.isCached(0, 4096))
	require.True(t, ob.isCached(1024, 1024))
	require.False(t, ob.isCached(0, 8192))
	require.False(t, ob.isCached(8192, 1))

	exs := []ObjectExtent{ext("obj", 0, 4096)}
	require.True(t, oc.IsCached(oset, exs, NoSnap))
	exs[0].Length = 8192
	require.False(t, oc.IsCached(oset, exs, NoSnap))
}
