package alloc

import (
	"fmt"
	"sync"
)

// SystemAllocator is the heap-backed allocator used when no platform
// allocator is wired in. It is also the allocator of choice in tests: a
// byte limit can be set to force allocation failure deterministically.
type SystemAllocator struct {
	mu    sync.Mutex
	limit uint64
	bytes uint64
	live  map[*Memory]struct{}

	allocs uint64
	frees  uint64

	observers observers
}

var _ Allocator = (*SystemAllocator)(nil)

// NewSystemAllocator returns a heap allocator. A limit of zero means
// unlimited.
func NewSystemAllocator(limit uint64) *SystemAllocator {
	return &SystemAllocator{
		limit: limit,
		live:  map[*Memory]struct{}{},
	}
}

func sizeFor(w, h int, f Format) (stride int, size uint64, err error) {
	bpp := f.BytesPerPixel()
	if w <= 0 || h <= 0 || bpp == 0 {
		return 0, 0, fmt.Errorf("%w: %dx%d %s", ErrBadConfig, w, h, f)
	}
	stride = w * bpp
	return stride, uint64(stride) * uint64(h), nil
}

func (a *SystemAllocator) allocate(tag string, w, h int, f Format, usage Usage, purged bool) (*Memory, error) {
	stride, size, err := sizeFor(w, h, f)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.limit > 0 && a.bytes+size > a.limit {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrNoMemory, size, a.bytes, a.limit)
	}
	m := &Memory{
		tag:    tag,
		width:  w,
		height: h,
		stride: stride,
		format: f,
		usage:  usage,
		size:   size,
		purged: purged,
	}
	if !purged {
		m.data = make([]byte, size)
	}
	a.bytes += size
	a.allocs++
	a.live[m] = struct{}{}
	a.mu.Unlock()

	a.observers.notifyAlloc(m)
	return m, nil
}

// Allocate implements Allocator.
func (a *SystemAllocator) Allocate(tag string, w, h int, f Format, usage Usage) (*Memory, error) {
	return a.allocate(tag, w, h, f, usage, false)
}

// AllocatePurged implements Allocator. The returned handle counts against
// the byte limit but carries no committed contents; Reallocate commits it.
func (a *SystemAllocator) AllocatePurged(tag string, w, h int, f Format, usage Usage) (*Memory, error) {
	return a.allocate(tag, w, h, f, usage, true)
}

// Reallocate implements Allocator.
func (a *SystemAllocator) Reallocate(m *Memory, w, h int, f Format, usage Usage) error {
	if m == nil || m.Freed() {
		return ErrFreed
	}
	stride, size, err := sizeFor(w, h, f)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.live[m]; !ok {
		return ErrFreed
	}
	if a.limit > 0 && a.bytes-m.size+size > a.limit {
		return fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrNoMemory, size, a.bytes, a.limit)
	}
	a.bytes -= m.size
	a.bytes += size
	m.width, m.height, m.stride = w, h, stride
	m.format, m.usage, m.size = f, usage, size
	m.compress = CompressionNone
	m.purged = false
	m.data = make([]byte, size)
	return nil
}

// Free implements Allocator.
func (a *SystemAllocator) Free(m *Memory) {
	if m == nil || !m.freed.CompareAndSwap(false, true) {
		return
	}

	a.mu.Lock()
	if _, ok := a.live[m]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.live, m)
	a.bytes -= m.size
	a.frees++
	m.data = nil
	a.mu.Unlock()

	a.observers.notifyFree(m)
}

// SizeOf implements Allocator.
func (a *SystemAllocator) SizeOf(m *Memory) uint64 {
	if m == nil || m.Freed() {
		return 0
	}
	return m.size
}

// Compression implements Allocator.
func (a *SystemAllocator) Compression(m *Memory) Compression {
	if m == nil {
		return CompressionNone
	}
	return m.compress
}

// SetCompression implements Allocator. The heap backing stores lossless
// layouts as plain bytes, so CompressionLossless is accepted as metadata;
// fixed-rate layouts need hardware assistance and are rejected.
func (a *SystemAllocator) SetCompression(m *Memory, c Compression) error {
	if m == nil || m.Freed() {
		return ErrFreed
	}
	if c > CompressionLossless {
		return fmt.Errorf("%w: %s", ErrCompression, c)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m.compress = c
	return nil
}

// AddObserver implements Allocator.
func (a *SystemAllocator) AddObserver(o Observer) { a.observers.add(o) }

// RemoveObserver implements Allocator.
func (a *SystemAllocator) RemoveObserver(o Observer) { a.observers.remove(o) }

// SystemStats is a point-in-time snapshot of allocator accounting.
type SystemStats struct {
	Live   int
	Bytes  uint64
	Limit  uint64
	Allocs uint64
	Frees  uint64
}

func (s SystemStats) String() string {
	if s.Limit == 0 {
		return fmt.Sprintf("alloc: %d buffers, %d bytes, %d/%d alloc/free", s.Live, s.Bytes, s.Allocs, s.Frees)
	}
	return fmt.Sprintf("alloc: %d buffers, %d/%d bytes, %d/%d alloc/free", s.Live, s.Bytes, s.Limit, s.Allocs, s.Frees)
}

// Stats returns current accounting.
func (a *SystemAllocator) Stats() SystemStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return SystemStats{
		Live:   len(a.live),
		Bytes:  a.bytes,
		Limit:  a.limit,
		Allocs: a.allocs,
		Frees:  a.frees,
	}
}

// Close checks that every allocation was returned. It exists for tests and
// orderly teardown; the allocator is unusable afterwards only by
// convention.
func (a *SystemAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.live) > 0 {
		return fmt.Errorf("alloc: %d buffers leaked (%d bytes)", len(a.live), a.bytes)
	}
	return nil
}
