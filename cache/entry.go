package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/gogpu/compositor"
	"github.com/gogpu/compositor/alloc"
	"github.com/gogpu/compositor/engine"
	"github.com/gogpu/compositor/pool"
)

// Entry is one cached composition: the engine chosen for a layer stack
// identity, the engine's private state, and, while acquired, the pooled
// destination it composes into. The manager owns all bookkeeping fields;
// methods on Entry are safe for callers that hold an acquisition.
type Entry struct {
	key      Key
	snapshot []layerState

	// handles are the buffers of the most recently seen stack plus the
	// destination, kept for free-notification scans. Guarded by the
	// manager's lock.
	handles map[*alloc.Memory]struct{}

	engine engine.Engine
	state  *engine.State

	// composeMu serializes the heavyweight per-entry operations: the
	// engine's Acquire, Compose and the state teardown. Never acquired
	// while holding the manager's lock.
	composeMu sync.Mutex

	// res and owner are set while the entry holds a destination buffer.
	res   *engine.Resource
	owner *pool.Owner

	element   *list.Element
	acquires  int
	locks     int
	lastFrame uint64
	valid     bool
	composed  bool

	// stolen flips when the pool takes the destination back. It is set
	// from the pool's Invalidate callback, which runs under the pool
	// lock, so it must stay lock-free here.
	stolen atomic.Bool
}

// usable reports whether the entry can still serve requests. Caller must
// hold the manager's lock.
func (e *Entry) usable() bool {
	return e.valid && !e.stolen.Load()
}

// refreshLocked rebinds the entry to the current frame's stack: the handle
// set follows the buffers, lastFrame follows the clock. Caller must hold
// the manager's lock.
func (e *Entry) refreshLocked(stack []compositor.Layer, frame uint64) {
	e.lastFrame = frame
	if e.handles == nil {
		e.handles = make(map[*alloc.Memory]struct{}, len(stack)+1)
	} else {
		clear(e.handles)
	}
	for i := range stack {
		if b := stack[i].Buffer; b != nil {
			e.handles[b] = struct{}{}
		}
	}
	if e.res != nil && e.res.Mem != nil {
		e.handles[e.res.Mem] = struct{}{}
	}
}

// Key returns the structural identity the entry was built for.
func (e *Entry) Key() Key { return e.key }

// EngineName returns the name of the engine that won selection.
func (e *Entry) EngineName() string { return e.engine.Name() }

// Result returns the composed output layer: the destination buffer fenced
// on composition completion. The zero layer is returned when the entry
// holds no destination. Valid only between Acquire and ReleaseEntry; the
// caller's acquisition orders access.
func (e *Entry) Result() compositor.Layer {
	if e.res == nil {
		return compositor.Layer{}
	}
	return e.res.Result
}
