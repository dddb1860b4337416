//go:build linux

package alloc

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ShmAllocator backs buffers with anonymous shared memory (memfd + mmap),
// the layout a Wayland window system expects when buffers cross process
// boundaries. Each buffer gets its own memfd so lifetimes are independent.
//
// Purged allocations create and size the memfd but defer the mapping;
// Reallocate commits them.
type ShmAllocator struct {
	mu    sync.Mutex
	limit uint64
	bytes uint64
	fds   map[*Memory]int

	allocs uint64
	frees  uint64

	observers observers
}

var _ Allocator = (*ShmAllocator)(nil)

// NewShmAllocator returns a shared-memory allocator. A limit of zero means
// unlimited.
func NewShmAllocator(limit uint64) (*ShmAllocator, error) {
	// Probe once so a kernel without memfd support fails at construction
	// rather than on the first frame.
	fd, err := unix.MemfdCreate("compositor-probe", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("alloc: memfd unavailable: %w", err)
	}
	unix.Close(fd)
	return &ShmAllocator{
		limit: limit,
		fds:   map[*Memory]int{},
	}, nil
}

func createShmFile(tag string, size uint64) (int, error) {
	fd, err := unix.MemfdCreate("compositor-"+tag, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("alloc: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("alloc: ftruncate: %w", err)
	}
	return fd, nil
}

func mapShm(fd int, size uint64) ([]byte, error) {
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("alloc: mmap: %w", err)
	}
	return data, nil
}

func (a *ShmAllocator) allocate(tag string, w, h int, f Format, usage Usage, purged bool) (*Memory, error) {
	if usage&UsageProtected != 0 {
		return nil, fmt.Errorf("%w: protected memory in a CPU mapping", ErrUnsupported)
	}
	stride, size, err := sizeFor(w, h, f)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.limit > 0 && a.bytes+size > a.limit {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrNoMemory, size, a.bytes, a.limit)
	}
	a.mu.Unlock()

	fd, err := createShmFile(tag, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	var data []byte
	if !purged {
		data, err = mapShm(fd, size)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("%w: %v", ErrNoMemory, err)
		}
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
		data:   data,
	}

	a.mu.Lock()
	a.bytes += size
	a.allocs++
	a.fds[m] = fd
	a.mu.Unlock()

	a.observers.notifyAlloc(m)
	return m, nil
}

// Allocate implements Allocator.
func (a *ShmAllocator) Allocate(tag string, w, h int, f Format, usage Usage) (*Memory, error) {
	return a.allocate(tag, w, h, f, usage, false)
}

// AllocatePurged implements Allocator.
func (a *ShmAllocator) AllocatePurged(tag string, w, h int, f Format, usage Usage) (*Memory, error) {
	return a.allocate(tag, w, h, f, usage, true)
}

// Reallocate implements Allocator.
func (a *ShmAllocator) Reallocate(m *Memory, w, h int, f Format, usage Usage) error {
	if m == nil || m.Freed() {
		return ErrFreed
	}
	if usage&UsageProtected != 0 {
		return fmt.Errorf("%w: protected memory in a CPU mapping", ErrUnsupported)
	}
	stride, size, err := sizeFor(w, h, f)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	oldFD, ok := a.fds[m]
	if !ok {
		return ErrFreed
	}
	if a.limit > 0 && a.bytes-m.size+size > a.limit {
		return fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrNoMemory, size, a.bytes, a.limit)
	}

	fd, err := createShmFile(m.tag, size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	data, err := mapShm(fd, size)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: %v", ErrNoMemory, err)
	}

	if m.data != nil {
		unix.Munmap(m.data)
	}
	unix.Close(oldFD)

	a.bytes -= m.size
	a.bytes += size
	a.fds[m] = fd
	m.width, m.height, m.stride = w, h, stride
	m.format, m.usage, m.size = f, usage, size
	m.compress = CompressionNone
	m.purged = false
	m.data = data
	return nil
}

// Free implements Allocator.
func (a *ShmAllocator) Free(m *Memory) {
	if m == nil || !m.freed.CompareAndSwap(false, true) {
		return
	}

	a.mu.Lock()
	fd, ok := a.fds[m]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.fds, m)
	a.bytes -= m.size
	a.frees++
	if m.data != nil {
		unix.Munmap(m.data)
		m.data = nil
	}
	unix.Close(fd)
	a.mu.Unlock()

	a.observers.notifyFree(m)
}

// SizeOf implements Allocator.
func (a *ShmAllocator) SizeOf(m *Memory) uint64 {
	if m == nil || m.Freed() {
		return 0
	}
	return m.size
}

// Compression implements Allocator.
func (a *ShmAllocator) Compression(m *Memory) Compression {
	if m == nil {
		return CompressionNone
	}
	return m.compress
}

// SetCompression implements Allocator. Shared memory is always linear, so
// only CompressionNone is representable.
func (a *ShmAllocator) SetCompression(m *Memory, c Compression) error {
	if m == nil || m.Freed() {
		return ErrFreed
	}
	if c != CompressionNone {
		return fmt.Errorf("%w: %s", ErrCompression, c)
	}
	return nil
}

// AddObserver implements Allocator.
func (a *ShmAllocator) AddObserver(o Observer) { a.observers.add(o) }

// RemoveObserver implements Allocator.
func (a *ShmAllocator) RemoveObserver(o Observer) { a.observers.remove(o) }

// FD returns the file descriptor backing a handle, -1 when unknown. Window
// systems need it to pass buffers across the wire.
func (a *ShmAllocator) FD(m *Memory) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if fd, ok := a.fds[m]; ok {
		return fd
	}
	return -1
}

// Stats returns current accounting.
func (a *ShmAllocator) Stats() SystemStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return SystemStats{
		Live:   len(a.fds),
		Bytes:  a.bytes,
		Limit:  a.limit,
		Allocs: a.allocs,
		Frees:  a.frees,
	}
}

// Close unmaps and closes every live buffer. Outstanding handles become
// invalid; it returns an error when any were still live.
func (a *ShmAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.fds)
	for m, fd := range a.fds {
		if m.data != nil {
			unix.Munmap(m.data)
			m.data = nil
		}
		unix.Close(fd)
		m.freed.Store(true)
		delete(a.fds, m)
	}
	a.bytes = 0
	if n > 0 {
		return fmt.Errorf("alloc: %d shm buffers leaked", n)
	}
	return nil
}
