package compositor

import (
	"github.com/gogpu/compositor/alloc"
)

// BlendMode selects how a layer combines with the layers beneath it.
type BlendMode int

const (
	// BlendNone replaces destination pixels outright.
	BlendNone BlendMode = iota
	// BlendPremultiplied applies source-over with premultiplied alpha.
	BlendPremultiplied
	// BlendCoverage applies source-over with straight (non-premultiplied)
	// alpha.
	BlendCoverage
)

func (b BlendMode) String() string {
	switch b {
	case BlendNone:
		return "none"
	case BlendPremultiplied:
		return "premultiplied"
	case BlendCoverage:
		return "coverage"
	default:
		return "unknown"
	}
}

// Transform is a bitmask describing how a layer's source is oriented into
// its destination frame. Flips apply before the rotation.
type Transform int

const (
	TransformNone  Transform = 0
	TransformFlipH Transform = 1 << 0
	TransformFlipV Transform = 1 << 1
	TransformRot90 Transform = 1 << 2

	TransformRot180 = TransformFlipH | TransformFlipV
	TransformRot270 = TransformRot90 | TransformRot180
)

// Rotated reports whether the transform includes a 90-degree rotation, which
// swaps the source axes.
func (t Transform) Rotated() bool { return t&TransformRot90 != 0 }

func (t Transform) String() string {
	switch t {
	case TransformNone:
		return "none"
	case TransformFlipH:
		return "flipH"
	case TransformFlipV:
		return "flipV"
	case TransformRot90:
		return "rot90"
	case TransformRot180:
		return "rot180"
	case TransformRot270:
		return "rot270"
	case TransformRot90 | TransformFlipH:
		return "rot90+flipH"
	case TransformRot90 | TransformFlipV:
		return "rot90+flipV"
	default:
		return "invalid"
	}
}

// Layer is one entry of a display's layer stack: a buffer plus the geometry
// and blending state that place it on screen. Layers are plain values; the
// window system rebuilds the stack every frame and only the buffer handles
// and fences change on the cheap path.
type Layer struct {
	// Buffer is the backing allocation. Nil layers are allowed in a stack
	// (a slot the window system reserved but did not fill) and are skipped
	// during composition.
	Buffer *alloc.Memory

	// SourceCrop selects the region of Buffer to sample, in buffer
	// coordinates. Fractional crops are honored by composers that can.
	SourceCrop RectF

	// Frame is the destination rectangle in display coordinates.
	Frame Rect

	// Blend selects how the layer combines with content beneath it.
	Blend BlendMode

	// Transform orients the source into the frame.
	Transform Transform

	// Alpha is the plane-wide alpha in [0, 1], applied on top of any
	// per-pixel alpha.
	Alpha float64

	// AcquireFence gates reads: the producer signals it when the buffer
	// contents are ready. Nil means ready.
	AcquireFence *Fence

	// ReleaseFence gates writes: the consumer signals it when it no longer
	// reads the buffer. Nil means released.
	ReleaseFence *Fence
}

// Blended reports whether composing the layer requires blending with the
// content beneath it.
func (l Layer) Blended() bool {
	return l.Blend != BlendNone || l.Alpha < 1
}

// Compression returns the compression class of the layer's buffer,
// CompressionNone for nil buffers.
func (l Layer) Compression() alloc.Compression {
	if l.Buffer == nil {
		return alloc.CompressionNone
	}
	return l.Buffer.Compression()
}
