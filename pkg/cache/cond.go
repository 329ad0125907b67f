package cache

import (
	"sync"
	"time"
)

// waitq parks a goroutine on the cache's external lock until another one
// pokes it. The cache has exactly three sleepers: writers throttled by
// admission control, write-through waits, and the flusher between cycles.
// All of them hold the lock when they go to sleep, so sleeping drops it
// and re-takes it before returning.
type waitq struct {
	lock sync.Locker
	wake chan struct{}
}

func newWaitq(lock sync.Locker) *waitq {
	return &waitq{lock: lock, wake: make(chan struct{}, 1)}
}

// poke wakes one sleeper, if any. Never blocks; called from state
// transitions under the lock.
func (w *waitq) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// sleep drops the cache lock until the next poke.
func (w *waitq) sleep() {
	w.lock.Unlock()
	<-w.wake
	w.lock.Lock()
}

// sleepAtMost drops the cache lock until the next poke or until d passes,
// whichever comes first. The flusher uses it for its idle cadence.
func (w *waitq) sleepAtMost(d time.Duration) {
	w.lock.Unlock()
	t := time.NewTimer(d)
	select {
	case <-w.wake:
	case <-t.C:
	}
	t.Stop()
	w.lock.Lock()
}
