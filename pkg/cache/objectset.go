package cache

// ObjectSet groups the objects of one client workload, typically one file.
// It is the unit of flush/commit callbacks and carries the truncate hints
// the striping layer computed for its objects.
type ObjectSet struct {
	Pool int64

	// ReturnEnoent asks Readx for ENOENT semantics instead of zeroed
	// buffers; it only works for single-extent reads.
	ReturnEnoent bool

	TruncSeq  uint32
	TruncSize uint64

	dirtyOrTx int64
	objects   map[*Object]struct{}
}

// NewObjectSet creates an empty set over the given pool.
func NewObjectSet(pool int64) *ObjectSet {
	return &ObjectSet{Pool: pool, objects: make(map[*Object]struct{})}
}

// DirtyOrTx returns the dirty+tx byte count of the set. Call with the cache
// lock held.
func (oset *ObjectSet) DirtyOrTx() int64 { return oset.dirtyOrTx }
