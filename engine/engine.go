// Package engine defines the composer contract. An Engine prices a layer
// stack against a destination target, acquires a pooled destination buffer,
// and composes the stack into it. Engines register on a Registry; the
// composition cache picks the cheapest one per stack and keeps the winner's
// private state alongside the cached result.
package engine

import (
	"fmt"

	"github.com/gogpu/compositor"
	"github.com/gogpu/compositor/alloc"
	"github.com/gogpu/compositor/pool"
)

// NotSupported is returned by Evaluate when the engine cannot compose the
// stack. Any negative result is treated the same way.
const NotSupported = -1

// CostKind selects the axis Evaluate prices a composition on.
type CostKind int

const (
	// CostBandwidth weighs memory traffic, the usual scanout constraint.
	CostBandwidth CostKind = iota

	// CostPower weighs energy, preferring fixed-function paths.
	CostPower

	// CostPerformance weighs wall-clock composition time.
	CostPerformance

	// CostMemory weighs destination and scratch footprint.
	CostMemory

	// CostQuality weighs filtering fidelity, lower meaning better.
	CostQuality
)

func (k CostKind) String() string {
	switch k {
	case CostBandwidth:
		return "bandwidth"
	case CostPower:
		return "power"
	case CostPerformance:
		return "performance"
	case CostMemory:
		return "memory"
	case CostQuality:
		return "quality"
	}
	return fmt.Sprintf("CostKind(%d)", int(k))
}

// Target describes the destination surface a stack composes into.
type Target struct {
	Width, Height int
	Format        alloc.Format
	Compression   alloc.Compression
}

func (t Target) String() string {
	return fmt.Sprintf("%dx%d %s %s", t.Width, t.Height, t.Format, t.Compression)
}

// Resource is a live acquisition: a pooled destination buffer together with
// the fences and the output layer describing the composed result. Resources
// are created by Acquire and stay valid until Release.
type Resource struct {
	// Mem is the destination buffer. The pool retains ownership and holds
	// it under Owner until the owner detaches.
	Mem *alloc.Memory

	// Prior fences earlier work on the buffer. Compose waits for it before
	// the first write; nil means the buffer is idle.
	Prior *compositor.Fence

	// Done signals when composition into the buffer has finished. It is
	// queued on the pool record at acquire time, so the pool keeps readers
	// off the buffer until Compose signals (or the fallback path
	// supersedes it).
	Done *compositor.Fence

	// Result is the output layer: the destination buffer covering the
	// target, fenced on Done.
	Result compositor.Layer

	// Owner is the pool back-reference the buffer is held under.
	Owner *pool.Owner
}

// Engine composes layer stacks into pooled destination buffers.
//
// The calling sequence per composition is Evaluate, Acquire, then Compose
// once per frame the result is consumed, with Release ending the
// resource's life. Engines must tolerate Release without Compose.
type Engine interface {
	// Name identifies the engine in logs and selection stats.
	Name() string

	// Evaluate prices composing the stack into the target on the given
	// axis. NotSupported means the engine cannot compose this stack. The
	// returned state, if any, carries plan data into Acquire and Compose;
	// the caller owns its destruction.
	Evaluate(stack []compositor.Layer, t Target, kind CostKind) (int, *State)

	// Acquire obtains a destination buffer for the target from the
	// engine's pool, held under the given owner.
	Acquire(stack []compositor.Layer, t Target, owner *pool.Owner, st *State) (*Resource, error)

	// Compose renders the stack into the resource's buffer and signals
	// its Done fence.
	Compose(stack []compositor.Layer, res *Resource, st *State) error

	// Release drops engine-side bookkeeping for the resource and signals
	// Done if composition never ran. Detaching the pool buffer is the
	// caller's job; the buffer stays pooled for reuse.
	Release(res *Resource)
}

// AcquireDestination runs the dequeue/queue choreography shared by every
// engine: resolve a destination buffer, queue a fresh completion fence on it
// so the pool tracks the pending composition, apply the target's compression
// class best effort, and assemble the result layer.
//
// The result layer blends premultiplied only when the destination format
// really carries alpha: a format-substituted buffer has undefined alpha
// contents, so blending is disabled for it.
func AcquireDestination(p *pool.Pool, t Target, usage alloc.Usage, owner *pool.Owner) (*Resource, error) {
	req := pool.Request{Width: t.Width, Height: t.Height, Format: t.Format, Usage: usage}
	d, err := p.Dequeue(req, owner)
	if err != nil {
		return nil, err
	}
	done := compositor.NewFence()
	if err := p.Queue(done); err != nil {
		return nil, err
	}
	if t.Compression != alloc.CompressionNone {
		if err := p.SetCompression(d.Mem, t.Compression); err != nil {
			compositor.Logger().Debug("engine: destination compression unavailable",
				"target", t.String(), "error", err)
		}
	}

	blend := compositor.BlendNone
	if t.Format.HasAlpha() && !d.FormatSubstituted {
		blend = compositor.BlendPremultiplied
	}
	frame := compositor.Rect{Width: t.Width, Height: t.Height}
	return &Resource{
		Mem:   d.Mem,
		Prior: d.Fence,
		Done:  done,
		Owner: owner,
		Result: compositor.Layer{
			Buffer:       d.Mem,
			SourceCrop:   compositor.RectFOf(frame),
			Frame:        frame,
			Blend:        blend,
			Alpha:        1,
			AcquireFence: done,
		},
	}, nil
}
