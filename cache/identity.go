package cache

import (
	"encoding/binary"
	"hash"
	"hash/fnv"
	"math"

	"github.com/gogpu/compositor"
	"github.com/gogpu/compositor/alloc"
	"github.com/gogpu/compositor/engine"
)

// Key identifies a composition by the structure of its layer stack and its
// destination configuration. Two stacks with equal keys need the same
// composition setup even when their buffer handles and pixel contents
// differ, which is what makes a cached setup reusable across frames.
//
// Buffer handles, fences and pixel data never enter the key.
type Key struct {
	// Digest folds the per-layer geometry, blending and buffer
	// configuration into one FNV-1a value.
	Digest uint64

	// Layers is the stack depth, kept outside the digest so trivially
	// different stacks never collide.
	Layers int

	// Width and Height are the destination extent in pixels.
	Width  int
	Height int

	// Format is the destination buffer format.
	Format alloc.Format

	// Compression is the destination compression class.
	Compression alloc.Compression
}

// StackKey builds the identity key for composing stack into a destination
// with the target's configuration.
func StackKey(stack []compositor.Layer, t engine.Target) Key {
	h := fnv.New64a()
	for i := range stack {
		layerDigest(h, &stack[i])
	}
	return Key{
		Digest:      h.Sum64(),
		Layers:      len(stack),
		Width:       t.Width,
		Height:      t.Height,
		Format:      t.Format,
		Compression: t.Compression,
	}
}

// layerDigest writes the structural fields of one layer to the hash. Nil
// layers contribute a fixed marker so a stack with a hole keys differently
// from the same stack without it.
func layerDigest(h hash.Hash64, l *compositor.Layer) {
	if l.Buffer == nil {
		hashWriteUint32(h, 0)
		return
	}
	hashWriteUint32(h, 1)
	hashWriteUint64(h, math.Float64bits(l.SourceCrop.X))
	hashWriteUint64(h, math.Float64bits(l.SourceCrop.Y))
	hashWriteUint64(h, math.Float64bits(l.SourceCrop.Width))
	hashWriteUint64(h, math.Float64bits(l.SourceCrop.Height))
	hashWriteUint32(h, uint32(int32(l.Frame.X)))
	hashWriteUint32(h, uint32(int32(l.Frame.Y)))
	hashWriteUint32(h, uint32(int32(l.Frame.Width)))
	hashWriteUint32(h, uint32(int32(l.Frame.Height)))
	hashWriteUint32(h, uint32(l.Blend))
	hashWriteUint32(h, uint32(l.Transform))
	hashWriteUint64(h, math.Float64bits(l.Alpha))
	hashWriteUint32(h, uint32(int32(l.Buffer.Width())))
	hashWriteUint32(h, uint32(int32(l.Buffer.Height())))
	hashWriteUint32(h, uint32(l.Buffer.Format()))
	hashWriteUint32(h, uint32(l.Buffer.Usage()))
	hashWriteUint32(h, uint32(l.Buffer.Compression()))
}

// hashWriteUint32 writes a uint32 to the hash.
func hashWriteUint32(h hash.Hash64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, _ = h.Write(buf[:]) // fnv.Write never returns an error
}

// hashWriteUint64 writes a uint64 to the hash.
func hashWriteUint64(h hash.Hash64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = h.Write(buf[:])
}

// layerState is the per-layer snapshot kept alongside a cache entry. It
// mirrors the fields that enter the digest, so a hit can be verified
// field-by-field without rehashing when only one layer is in question.
type layerState struct {
	crop      compositor.RectF
	frame     compositor.Rect
	blend     compositor.BlendMode
	transform compositor.Transform
	alpha     float64
	width     int
	height    int
	format    alloc.Format
	usage     alloc.Usage
	compress  alloc.Compression
	present   bool
}

// snapshotStack captures the structural state of every layer.
func snapshotStack(stack []compositor.Layer) []layerState {
	snap := make([]layerState, len(stack))
	for i := range stack {
		l := &stack[i]
		if l.Buffer == nil {
			continue
		}
		snap[i] = layerState{
			crop:      l.SourceCrop,
			frame:     l.Frame,
			blend:     l.Blend,
			transform: l.Transform,
			alpha:     l.Alpha,
			width:     l.Buffer.Width(),
			height:    l.Buffer.Height(),
			format:    l.Buffer.Format(),
			usage:     l.Buffer.Usage(),
			compress:  l.Buffer.Compression(),
			present:   true,
		}
	}
	return snap
}

// matchesStack reports whether the snapshot still describes the given stack.
func matchesStack(snap []layerState, stack []compositor.Layer) bool {
	if len(snap) != len(stack) {
		return false
	}
	for i := range stack {
		l := &stack[i]
		s := &snap[i]
		if l.Buffer == nil {
			if s.present {
				return false
			}
			continue
		}
		if !s.present ||
			s.crop != l.SourceCrop ||
			s.frame != l.Frame ||
			s.blend != l.Blend ||
			s.transform != l.Transform ||
			s.alpha != l.Alpha ||
			s.width != l.Buffer.Width() ||
			s.height != l.Buffer.Height() ||
			s.format != l.Buffer.Format() ||
			s.usage != l.Buffer.Usage() ||
			s.compress != l.Buffer.Compression() {
			return false
		}
	}
	return true
}
