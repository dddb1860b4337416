package alloc

import (
	"fmt"
	"sync/atomic"
)

// Memory is one native buffer allocation. The pointer itself is the buffer
// handle: components compare and key by *Memory identity, never by contents.
//
// Fields other than the freed flag are owned by the allocator that created
// the handle and change only through Reallocate and SetCompression, which
// the current holder of the buffer invokes. The freed flag is atomic so
// lifetime observers on other threads see frees promptly.
type Memory struct {
	tag      string
	width    int
	height   int
	stride   int
	format   Format
	usage    Usage
	size     uint64
	compress Compression
	purged   bool

	// data is the CPU mapping of the buffer, nil for purged allocations
	// and for allocators without CPU access.
	data []byte

	freed atomic.Bool
}

// Tag returns the debug tag the buffer was allocated under.
func (m *Memory) Tag() string { return m.tag }

// Width returns the buffer width in pixels.
func (m *Memory) Width() int { return m.width }

// Height returns the buffer height in pixels.
func (m *Memory) Height() int { return m.height }

// Stride returns the byte distance between rows.
func (m *Memory) Stride() int { return m.stride }

// Format returns the pixel format.
func (m *Memory) Format() Format { return m.format }

// Usage returns the usage flags the buffer was allocated with.
func (m *Memory) Usage() Usage { return m.usage }

// Size returns the allocated byte size, including any stride padding.
func (m *Memory) Size() uint64 { return m.size }

// Compression returns the buffer's current compression class.
func (m *Memory) Compression() Compression { return m.compress }

// Purged reports whether the allocation is address-space-only, with no
// committed contents yet.
func (m *Memory) Purged() bool { return m.purged }

// Bytes returns the CPU mapping of the buffer, nil when the buffer has no
// CPU access or has been freed.
func (m *Memory) Bytes() []byte {
	if m.freed.Load() {
		return nil
	}
	return m.data
}

// Freed reports whether the buffer has been returned to its allocator.
func (m *Memory) Freed() bool { return m.freed.Load() }

// Matches reports whether the buffer's configuration equals the given one
// exactly. Compression is not part of the configuration; holders change it
// in place.
func (m *Memory) Matches(w, h int, f Format, usage Usage) bool {
	return m.width == w && m.height == h && m.format == f && m.usage == usage
}

func (m *Memory) String() string {
	return fmt.Sprintf("%s %dx%d %s (%d bytes)", m.tag, m.width, m.height, m.format, m.size)
}
