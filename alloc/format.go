// Package alloc defines the native buffer allocator boundary: pixel formats,
// usage flags, compression classes, the Memory handle, and the Allocator
// contract the rest of the pipeline is written against.
//
// The package deliberately knows nothing about pools, planes, or caches.
// Allocators may be driven both by this module and by the window system;
// lifetime observers exist so that components holding buffer handles learn
// about frees they did not initiate.
package alloc

import (
	"github.com/gogpu/gputypes"
)

// Format is a display pixel format. Only formats the scanout paths actually
// carry are listed; the zero value is invalid on purpose so uninitialized
// requests fail loudly.
type Format int

const (
	FormatInvalid Format = iota
	// FormatXRGB8888 is 32-bit BGRX in memory order, alpha ignored.
	FormatXRGB8888
	// FormatARGB8888 is 32-bit BGRA in memory order.
	FormatARGB8888
	// FormatXBGR8888 is 32-bit RGBX in memory order, alpha ignored.
	FormatXBGR8888
	// FormatABGR8888 is 32-bit RGBA in memory order.
	FormatABGR8888
	// FormatRGB565 is 16-bit packed RGB.
	FormatRGB565
	// FormatR8 is single-channel 8-bit, used for cursor and mask planes.
	FormatR8
)

// BytesPerPixel returns the storage cost of one pixel, zero for invalid
// formats.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatXRGB8888, FormatARGB8888, FormatXBGR8888, FormatABGR8888:
		return 4
	case FormatRGB565:
		return 2
	case FormatR8:
		return 1
	default:
		return 0
	}
}

// HasAlpha reports whether the format carries a meaningful alpha channel.
func (f Format) HasAlpha() bool {
	return f == FormatARGB8888 || f == FormatABGR8888
}

// OpaqueVariant returns the alpha-ignoring format with the same channel
// layout, or f itself when there is none.
func (f Format) OpaqueVariant() Format {
	switch f {
	case FormatARGB8888:
		return FormatXRGB8888
	case FormatABGR8888:
		return FormatXBGR8888
	default:
		return f
	}
}

// AlphaVariant returns the alpha-carrying format with the same channel
// layout, or f itself when there is none.
func (f Format) AlphaVariant() Format {
	switch f {
	case FormatXRGB8888:
		return FormatARGB8888
	case FormatXBGR8888:
		return FormatABGR8888
	default:
		return f
	}
}

// Equivalent reports whether two formats share a channel layout and differ
// at most in whether alpha is honored. An equivalent buffer can substitute
// for the requested one as long as the consumer disables blending, since
// the bytes in memory line up exactly.
func (f Format) Equivalent(o Format) bool {
	if f == FormatInvalid || o == FormatInvalid {
		return false
	}
	return f == o || f.OpaqueVariant() == o.OpaqueVariant()
}

// TextureFormat maps to the GPU texture format with the same memory layout,
// TextureFormatUndefined when the format has no GPU equivalent.
func (f Format) TextureFormat() gputypes.TextureFormat {
	switch f {
	case FormatXRGB8888, FormatARGB8888:
		return gputypes.TextureFormatBGRA8Unorm
	case FormatXBGR8888, FormatABGR8888:
		return gputypes.TextureFormatRGBA8Unorm
	case FormatR8:
		return gputypes.TextureFormatR8Unorm
	default:
		return gputypes.TextureFormatUndefined
	}
}

func (f Format) String() string {
	switch f {
	case FormatXRGB8888:
		return "XRGB8888"
	case FormatARGB8888:
		return "ARGB8888"
	case FormatXBGR8888:
		return "XBGR8888"
	case FormatABGR8888:
		return "ABGR8888"
	case FormatRGB565:
		return "RGB565"
	case FormatR8:
		return "R8"
	default:
		return "invalid"
	}
}

// Usage is a bitmask describing how a buffer will be accessed. Exact usage
// matching is part of the pool's buffer configuration.
type Usage int

const (
	// UsageRenderTarget marks buffers composers write into.
	UsageRenderTarget Usage = 1 << iota
	// UsageTexture marks buffers sampled by a GPU composer.
	UsageTexture
	// UsageScanout marks buffers the display controller reads directly.
	UsageScanout
	// UsageCPURead marks buffers mapped for CPU reads.
	UsageCPURead
	// UsageCPUWrite marks buffers mapped for CPU writes.
	UsageCPUWrite
	// UsageProtected marks buffers in protected memory that the CPU must
	// never map.
	UsageProtected
)

// Compression is a buffer compression class, ordered from weakest to
// strongest. Composition requests walk downward from a display's strongest
// supported class until a composer accepts one.
type Compression int

const (
	// CompressionNone is a linear, uncompressed layout.
	CompressionNone Compression = iota
	// CompressionLossless is a bandwidth-saving lossless layout.
	CompressionLossless
	// CompressionFixedRate is a fixed-rate (lossy) layout.
	CompressionFixedRate
)

// Weaker returns the next weaker compression class, CompressionNone at the
// bottom.
func (c Compression) Weaker() Compression {
	if c <= CompressionNone {
		return CompressionNone
	}
	return c - 1
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLossless:
		return "lossless"
	case CompressionFixedRate:
		return "fixed-rate"
	default:
		return "unknown"
	}
}
