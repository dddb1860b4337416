package alloc

import (
	"errors"
	"sync"
)

var (
	// ErrNoMemory is returned when an allocation cannot be satisfied.
	ErrNoMemory = errors.New("alloc: out of memory")
	// ErrFreed is returned for operations on a handle that was already
	// freed.
	ErrFreed = errors.New("alloc: use after free")
	// ErrBadConfig is returned for zero-area or invalid-format requests.
	ErrBadConfig = errors.New("alloc: invalid buffer configuration")
	// ErrCompression is returned when an allocator cannot represent the
	// requested compression class.
	ErrCompression = errors.New("alloc: compression class not supported")
	// ErrUnsupported is returned when an allocator cannot provide a
	// requested capability, such as protected memory from a CPU-mapped
	// backing.
	ErrUnsupported = errors.New("alloc: capability not supported by this allocator")
)

// Observer receives buffer lifetime notifications. Both allocations made
// through this module and ones initiated by the window system flow through
// the same observer list; a component that caches buffer handles relies on
// NotifyFree to drop them before the memory is reused.
//
// Callbacks run on the thread that triggered the event, while the allocator
// no longer holds its own lock. Implementations must not call back into the
// allocator from within a notification.
type Observer interface {
	NotifyAlloc(m *Memory)
	NotifyFree(m *Memory)
}

// Allocator hands out native buffers. Implementations are safe for
// concurrent use.
type Allocator interface {
	// Allocate returns a new buffer of the given configuration. The tag
	// is carried for debugging and accounting only.
	Allocate(tag string, w, h int, f Format, usage Usage) (*Memory, error)

	// AllocatePurged reserves a buffer without committing its contents.
	// The handle is valid for bookkeeping but has no CPU mapping until a
	// later Reallocate commits it.
	AllocatePurged(tag string, w, h int, f Format, usage Usage) (*Memory, error)

	// Reallocate re-backs an existing handle with a new configuration.
	// The handle pointer stays valid; contents are undefined afterwards.
	Reallocate(m *Memory, w, h int, f Format, usage Usage) error

	// Free returns the buffer to the allocator and notifies observers.
	// Freeing an already-freed handle is a no-op.
	Free(m *Memory)

	// SizeOf returns the allocator's accounted size for the handle.
	SizeOf(m *Memory) uint64

	// Compression returns the handle's current compression class.
	Compression(m *Memory) Compression

	// SetCompression changes the handle's compression class in place.
	// Allocators reject classes they cannot represent with
	// ErrCompression.
	SetCompression(m *Memory, c Compression) error

	// AddObserver registers for lifetime notifications.
	AddObserver(o Observer)

	// RemoveObserver drops a previously registered observer.
	RemoveObserver(o Observer)
}

// observers is the notification fan-out shared by allocator
// implementations. The list is copied under the lock and callbacks run
// outside it, so an observer may unregister itself from within a callback.
type observers struct {
	mu   sync.Mutex
	list []Observer
}

func (s *observers) add(o Observer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.list {
		if have == o {
			return
		}
	}
	s.list = append(s.list, o)
}

func (s *observers) remove(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, have := range s.list {
		if have == o {
			s.list = append(s.list[:i], s.list[i+1:]...)
			return
		}
	}
}

func (s *observers) snapshot() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.list) == 0 {
		return nil
	}
	out := make([]Observer, len(s.list))
	copy(out, s.list)
	return out
}

func (s *observers) notifyAlloc(m *Memory) {
	for _, o := range s.snapshot() {
		o.NotifyAlloc(m)
	}
}

func (s *observers) notifyFree(m *Memory) {
	for _, o := range s.snapshot() {
		o.NotifyFree(m)
	}
}
