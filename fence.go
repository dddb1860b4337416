package compositor

import (
	"sync"
	"time"
)

// closedChan is returned by Chan for nil fences so callers can always select
// on the result.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Fence is a one-shot synchronization point attached to buffer work.
//
// A producer signals the fence when its writes to a buffer are complete; a
// consumer waits on the fence before reading. Signal is idempotent, which is
// also how supersession works: a later producer that takes over a buffer
// signals the old fence so earlier waiters wake instead of deadlocking. A
// waiter cannot tell completion from supersession; callers that care track
// buffer ownership separately.
//
// A nil *Fence behaves as already signaled everywhere it is accepted.
type Fence struct {
	once sync.Once
	done chan struct{}
}

// NewFence returns a pending fence.
func NewFence() *Fence {
	return &Fence{done: make(chan struct{})}
}

// SignaledFence returns a fence that is already signaled.
func SignaledFence() *Fence {
	f := NewFence()
	f.Signal()
	return f
}

// Signal marks the fence as complete and wakes all waiters. Calling Signal
// more than once is harmless.
func (f *Fence) Signal() {
	if f == nil {
		return
	}
	f.once.Do(func() { close(f.done) })
}

// Done reports whether the fence has been signaled, without blocking.
func (f *Fence) Done() bool {
	if f == nil {
		return true
	}
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the fence is signaled or the timeout elapses, and
// reports whether the fence was signaled. A timeout of zero (or negative)
// polls without blocking.
func (f *Fence) Wait(timeout time.Duration) bool {
	if f == nil {
		return true
	}
	if timeout <= 0 {
		return f.Done()
	}
	select {
	case <-f.done:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.done:
		return true
	case <-t.C:
		return false
	}
}

// Chan returns a channel that is closed when the fence signals. It never
// returns nil, so the result is always safe to select on.
func (f *Fence) Chan() <-chan struct{} {
	if f == nil {
		return closedChan
	}
	return f.done
}
