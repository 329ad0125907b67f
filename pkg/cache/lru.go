package cache

import "container/list"

// lruList is a most-recently-used-first list with O(1) touch and remove via
// element tokens kept on the entries themselves.
type lruList struct {
	ls list.List
}

func (l *lruList) insertTop(v interface{}) *list.Element {
	return l.ls.PushFront(v)
}

func (l *lruList) touch(e *list.Element) {
	l.ls.MoveToFront(e)
}

func (l *lruList) remove(e *list.Element) {
	l.ls.Remove(e)
}

// nextExpire peeks at the coldest entry without removing it.
func (l *lruList) nextExpire() interface{} {
	e := l.ls.Back()
	if e == nil {
		return nil
	}
	return e.Value
}

// expire removes and returns the coldest entry.
func (l *lruList) expire() interface{} {
	e := l.ls.Back()
	if e == nil {
		return nil
	}
	l.ls.Remove(e)
	return e.Value
}

func (l *lruList) size() int {
	return l.ls.Len()
}
