package cache

import "syscall"

// ObjectID names a logical object on the backing store.
type ObjectID string

// SnapID selects a snapshot of an object. NoSnap addresses the head version.
type SnapID uint64

// NoSnap is the snapshot id of writable head objects.
const NoSnap SnapID = 1<<64 - 2

// SnapContext is the snapshot history a write is submitted under.
type SnapContext struct {
	Seq   SnapID
	Snaps []SnapID
}

// ObjectLocator tells where an object lives; the pool partitions the
// top-level index.
type ObjectLocator struct {
	Pool int64
}

// soid is the index key of an object: its name plus the snapshot it was
// read from.
type soid struct {
	oid  ObjectID
	snap SnapID
}

// BufferExtent maps a piece of an ObjectExtent back into the caller's
// buffer: Off is the byte position in the caller's buffer, Len its length.
type BufferExtent struct {
	Off uint64
	Len uint64
}

// ObjectExtent is one contiguous byte range of one object, as produced by
// the striping layer. Buffer lists where those bytes live in the caller's
// buffer; the pieces tile the extent, so their lengths sum to Length.
type ObjectExtent struct {
	OID    ObjectID
	Loc    ObjectLocator
	Offset int64
	Length int64
	Buffer []BufferExtent
}

// ReadRequest carries one logical read, already striped into object extents.
// Out, when non-nil, receives the assembled bytes in buffer order; a nil Out
// turns the read into a cache probe that still materializes misses.
type ReadRequest struct {
	Snap    SnapID
	Extents []ObjectExtent
	Out     *[]byte
}

// WriteRequest carries one logical write, already striped into object
// extents. Data is the caller's buffer, addressed by the extents' Buffer
// entries.
type WriteRequest struct {
	Snapc   SnapContext
	Extents []ObjectExtent
	Data    []byte
}

// Results and completion codes are negative errnos, the currency of the
// writeback transport.
const (
	errENOENT = -int(syscall.ENOENT)
	errEIO    = -int(syscall.EIO)
)
