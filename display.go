package compositor

import (
	"strings"
	"time"

	"github.com/gogpu/compositor/alloc"
)

// FrameFlags summarizes properties of a display frame's layer stack that
// downstream consumers branch on without walking the stack again.
type FrameFlags int

const (
	// FrameBlended is set when any layer requires blending.
	FrameBlended FrameFlags = 1 << 0
	// FrameCompressed is set when any layer's buffer is compressed.
	FrameCompressed FrameFlags = 1 << 1
	// FrameClientComposed is set when the frame shows the window system's
	// pre-composed client target instead of individual planes.
	FrameClientComposed FrameFlags = 1 << 2
)

func (f FrameFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	if f&FrameBlended != 0 {
		parts = append(parts, "blended")
	}
	if f&FrameCompressed != 0 {
		parts = append(parts, "compressed")
	}
	if f&FrameClientComposed != 0 {
		parts = append(parts, "client")
	}
	return strings.Join(parts, "|")
}

// StackFlags computes the aggregate flags for a layer stack.
func StackFlags(layers []Layer) FrameFlags {
	var f FrameFlags
	for i := range layers {
		if layers[i].Buffer == nil {
			continue
		}
		if layers[i].Blended() {
			f |= FrameBlended
		}
		if layers[i].Compression() != alloc.CompressionNone {
			f |= FrameCompressed
		}
	}
	return f
}

// DisplayFrame describes one display for one frame. The window system hands
// one to the pipeline as input, and the plane layer produces one as output;
// the output's layers are what the display hardware actually scans out.
type DisplayFrame struct {
	// Display identifies the display this frame belongs to.
	Display int

	// Width and Height are the display mode dimensions in pixels.
	Width, Height int

	// Layers is the stack in z-order, index 0 at the bottom.
	Layers []Layer

	// ClientTarget is the window system's own composition of the full
	// stack into a single surface. It must always be present so the
	// pipeline has a guaranteed fallback.
	ClientTarget *Layer

	// GeometryChanged is set by the window system when the stack's
	// structure differs from the previous frame (layer count, frames,
	// blending, transforms). When clear, only buffer handles and fences
	// changed and records may take the cheap update path.
	GeometryChanged bool

	// FrameIndex increases by one per submitted frame, per display.
	FrameIndex uint64

	// Timestamp is the submission time of the frame.
	Timestamp time.Time

	// Flags summarize the stack; see StackFlags.
	Flags FrameFlags
}

// DisplayCaps describes the fixed capabilities of a display the plane layer
// composes for.
type DisplayCaps struct {
	// Slots is the number of hardware plane slots available.
	Slots int

	// Width and Height are the display mode dimensions.
	Width, Height int

	// Format is the preferred format for composition destinations.
	Format alloc.Format

	// MaxCompression is the strongest compression class the display can
	// scan out. Composition requests start here and fall back to weaker
	// classes until a composer accepts.
	MaxCompression alloc.Compression
}
