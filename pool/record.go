package pool

import (
	"time"

	"github.com/gogpu/compositor"
	"github.com/gogpu/compositor/alloc"
)

// Owner is a weak back-reference from a pooled buffer to the component
// caching it (typically a composition cache entry). When the pool is about
// to reuse or delete the buffer, it detaches the owner and calls Invalidate
// before the contents change.
//
// Invalidate runs with the pool lock held: implementations must be
// non-blocking, must not call back into the pool, and should do no more
// than flip a flag for the owning component to observe later.
type Owner struct {
	// ID names the owning component in logs.
	ID string

	// Invalidate is called once when the buffer is taken away. May be nil.
	Invalidate func(rec *Record)
}

// Record tracks one pooled buffer with its fence and usage information.
type Record struct {
	mem   *alloc.Memory
	fence *compositor.Fence

	shared     bool
	usedFrame  bool
	usedRecent bool
	lastUsed   time.Time

	owner *Owner
}

// Mem returns the buffer handle, nil when a previous reallocation failed
// and the record is awaiting reuse.
func (r *Record) Mem() *alloc.Memory { return r.mem }

func (r *Record) fenceClear() bool {
	return r.fence == nil || (r.fence != fenceAwaitingRelease && r.fence.Done())
}

// status builds the point-in-time view handed to scoring policies and
// snapshots. Caller must hold the pool lock.
func (r *Record) status() Status {
	st := Status{
		Shared:        r.shared,
		UsedThisFrame: r.usedFrame,
		UsedRecently:  r.usedRecent,
		Held:          r.owner != nil,
		FencePending:  !r.fenceClear(),
		LastUsed:      r.lastUsed,
	}
	if r.mem != nil {
		st.Width = r.mem.Width()
		st.Height = r.mem.Height()
		st.Format = r.mem.Format()
		st.Usage = r.mem.Usage()
		st.Bytes = r.mem.Size()
	}
	return st
}

// Status is a read-only view of one record, used by scoring policies and
// returned by Snapshot.
type Status struct {
	Width, Height int
	Format        alloc.Format
	Usage         alloc.Usage
	Bytes         uint64

	Shared        bool
	UsedThisFrame bool
	UsedRecently  bool
	Held          bool
	FencePending  bool
	LastUsed      time.Time
}

// Matches reports whether the record's configuration equals the request
// exactly.
func (s Status) Matches(req Request) bool {
	return s.Width == req.Width && s.Height == req.Height &&
		s.Format == req.Format && s.Usage == req.Usage
}
