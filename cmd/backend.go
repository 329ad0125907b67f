package main

import (
	"sync"
	"syscall"
	"time"

	"AveCache/pkg/cache"
)

// memBackend is an in-memory writeback handler with simulated latency.
// Submissions run under the cache lock; a single dispatcher goroutine
// delivers completions in submission order, re-acquiring the lock the way
// a real transport thread would.
type memBackend struct {
	mu      sync.Locker
	latency time.Duration

	objects map[cache.ObjectID][]byte
	tids    map[cache.ObjectID]uint64

	ops  chan func()
	done chan struct{}
}

func newMemBackend(mu sync.Locker, latency time.Duration) *memBackend {
	b := &memBackend{
		mu:      mu,
		latency: latency,
		objects: make(map[cache.ObjectID][]byte),
		tids:    make(map[cache.ObjectID]uint64),
		ops:     make(chan func(), 4096),
		done:    make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *memBackend) dispatch() {
	for fn := range b.ops {
		if b.latency > 0 {
			time.Sleep(b.latency)
		}
		b.mu.Lock()
		fn()
		b.mu.Unlock()
	}
	close(b.done)
}

// stop drains the dispatcher; no further submissions may follow.
func (b *memBackend) stop() {
	close(b.ops)
	<-b.done
}

func (b *memBackend) Read(oid cache.ObjectID, loc cache.ObjectLocator, off, length int64,
	snap cache.SnapID, truncSize uint64, truncSeq uint32, onfinish cache.ReadFinisher) {
	b.ops <- func() {
		data, ok := b.objects[oid]
		if !ok {
			onfinish(nil, -int(syscall.ENOENT))
			return
		}
		var out []byte
		if off < int64(len(data)) {
			end := off + length
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			out = append([]byte(nil), data[off:end]...)
		}
		onfinish(out, 0)
	}
}

func (b *memBackend) Write(oid cache.ObjectID, loc cache.ObjectLocator, off, length int64,
	snapc cache.SnapContext, data []byte, mtime time.Time, truncSize uint64, truncSeq uint32,
	oncommit cache.CommitFinisher) uint64 {
	b.tids[oid]++
	tid := b.tids[oid]
	buf := append([]byte(nil), data...)
	b.ops <- func() {
		obj := b.objects[oid]
		if int64(len(obj)) < off+length {
			grown := make([]byte, off+length)
			copy(grown, obj)
			obj = grown
		}
		copy(obj[off:off+length], buf)
		b.objects[oid] = obj
		oncommit(tid, 0)
	}
	return tid
}

func (b *memBackend) MayCopyOnWrite(oid cache.ObjectID, off, length int64, snap cache.SnapID) bool {
	return false
}
