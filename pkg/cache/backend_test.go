package cache

import (
	"sync"
	"testing"
	"time"
)

// fakeBackend queues submissions and lets tests deliver completions by
// hand, so async interleavings are exercised deterministically. All calls
// happen under the cache lock, which the tests hold when delivering.
type pendingRead struct {
	oid      ObjectID
	off      int64
	length   int64
	onfinish ReadFinisher
}

type pendingWrite struct {
	oid      ObjectID
	off      int64
	length   int64
	data     []byte
	tid      uint64
	oncommit CommitFinisher
}

type fakeBackend struct {
	store map[ObjectID][]byte
	tids  map[ObjectID]uint64
	cow   bool

	reads  []*pendingRead
	writes []*pendingWrite
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		store: make(map[ObjectID][]byte),
		tids:  make(map[ObjectID]uint64),
	}
}

func (fb *fakeBackend) Read(oid ObjectID, loc ObjectLocator, off, length int64, snap SnapID,
	truncSize uint64, truncSeq uint32, onfinish ReadFinisher) {
	fb.reads = append(fb.reads, &pendingRead{oid, off, length, onfinish})
}

func (fb *fakeBackend) Write(oid ObjectID, loc ObjectLocator, off, length int64, snapc SnapContext,
	data []byte, mtime time.Time, truncSize uint64, truncSeq uint32, oncommit CommitFinisher) uint64 {
	fb.tids[oid]++
	w := &pendingWrite{oid, off, length, append([]byte(nil), data...), fb.tids[oid], oncommit}
	fb.writes = append(fb.writes, w)
	return w.tid
}

func (fb *fakeBackend) MayCopyOnWrite(oid ObjectID, off, length int64, snap SnapID) bool {
	return fb.cow
}

func (fb *fakeBackend) popRead(i int) *pendingRead {
	op := fb.reads[i]
	fb.reads = append(fb.reads[:i], fb.reads[i+1:]...)
	return op
}

// completeRead answers the oldest queued read from the store; an absent
// object answers ENOENT.
func (fb *fakeBackend) completeRead() {
	fb.completeReadAt(0)
}

// completeReadAt answers the i-th queued read, letting tests deliver
// replies out of submission order.
func (fb *fakeBackend) completeReadAt(i int) {
	op := fb.popRead(i)
	data, ok := fb.store[op.oid]
	if !ok {
		op.onfinish(nil, errENOENT)
		return
	}
	var out []byte
	if op.off < int64(len(data)) {
		end := op.off + op.length
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		out = append([]byte(nil), data[op.off:end]...)
	}
	op.onfinish(out, 0)
}

// completeReadErr fails the oldest queued read.
func (fb *fakeBackend) completeReadErr(r int) {
	op := fb.popRead(0)
	op.onfinish(nil, r)
}

// completeWrite pops the oldest queued write, applies it to the store on
// success, and delivers the commit.
func (fb *fakeBackend) completeWrite(r int) {
	op := fb.writes[0]
	fb.writes = fb.writes[1:]
	if r >= 0 {
		obj := fb.store[op.oid]
		if int64(len(obj)) < op.off+op.length {
			grown := make([]byte, op.off+op.length)
			copy(grown, obj)
			obj = grown
		}
		copy(obj[op.off:op.off+op.length], op.data)
		fb.store[op.oid] = obj
	}
	op.oncommit(op.tid, r)
}

func (fb *fakeBackend) completeAllWrites(r int) {
	for len(fb.writes) > 0 {
		fb.completeWrite(r)
	}
}

func newTestCache(t *testing.T, conf Config) (*ObjectCacher, *fakeBackend, *sync.Mutex) {
	t.Helper()
	mu := &sync.Mutex{}
	fb := newFakeBackend()
	oc := New("test", fb, mu, nil, conf)
	return oc, fb, mu
}

/* request builders */

func ext(oid ObjectID, off, length int64) ObjectExtent {
	return ObjectExtent{
		OID:    oid,
		Loc:    ObjectLocator{Pool: 0},
		Offset: off,
		Length: length,
		Buffer: []BufferExtent{{Off: 0, Len: uint64(length)}},
	}
}

func writeAt(oc *ObjectCacher, oset *ObjectSet, oid ObjectID, off int64, data []byte) int {
	wr := &WriteRequest{
		Extents: []ObjectExtent{ext(oid, off, int64(len(data)))},
		Data:    data,
	}
	return oc.Writex(wr, oset)
}

func readAt(oc *ObjectCacher, oset *ObjectSet, oid ObjectID, off, length int64, onfinish OnFinish) (int, *[]byte) {
	out := []byte{}
	rd := &ReadRequest{
		Snap:    NoSnap,
		Extents: []ObjectExtent{ext(oid, off, length)},
		Out:     &out,
	}
	r := oc.Readx(rd, oset, onfinish)
	return r, &out
}

func fill(b byte, n int) []byte {
	d := make([]byte, n)
	for i := range d {
		d[i] = b
	}
	return d
}
